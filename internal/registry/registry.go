// Package registry implements the Registry façade (spec.md §4.9): the
// top-level mapping RadarId -> RadarSession, the aggregated event stream,
// and the external-facing List/Info/Capabilities/State/SetControl/
// SubscribeSpokes/Events operation set of SPEC_FULL.md §6.
//
// Grounded on internal/bfd/manager.go's Manager: a single mutex-guarded
// session map, a SessionSnapshot-style read-only view, and a dispatch
// goroutine (RunDispatch) draining a raw per-session notification channel
// into a public fan-out channel exposed to external callers.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mayara-project/mayara/internal/capability"
	"github.com/mayara-project/mayara/internal/control"
	"github.com/mayara-project/mayara/internal/radar"
	"github.com/mayara-project/mayara/internal/spoke"
)

// publicNotifyChSize mirrors the teacher's notifyChSize: large enough to
// absorb a burst of simultaneous state transitions without blocking any
// one session's goroutine.
const publicNotifyChSize = 64

// EventKind is the closed set of Registry event kinds (spec.md §4.9).
type EventKind uint8

const (
	EventAdded EventKind = iota
	EventRemoved
	EventStatusChanged
	EventControlChanged
	EventUnknownField
)

// Event is one entry on the aggregated Events() stream.
type Event struct {
	Kind    EventKind
	Id      radar.Id
	State   radar.RadarState
	Control radar.ControlId
	Value   radar.ControlValue
	// OldValue is populated alongside EventControlChanged, carrying the
	// value a report-driven diff observed before this change.
	OldValue radar.ControlValue
	// UnknownField/UnknownValue are populated alongside EventUnknownField,
	// the opaque vendor response fields no codec could map to a control.
	UnknownField string
	UnknownValue string
}

// Summary is the list() response shape (spec.md §4.9).
type Summary struct {
	Id     radar.Id
	Vendor radar.Vendor
	Model  string
	Status radar.SessionState
}

// sessionEntry pairs a live Session with the cancel func for its Run
// goroutine, grounded on the teacher's sessionEntry{session, cancel}.
type sessionEntry struct {
	session *radar.Session
	info    radar.Info
	cancel  context.CancelFunc
}

// Registry owns all RadarSessions and serves as the single facade other
// layers (a future external API, CLI tooling) talk to.
type Registry struct {
	mu       sync.RWMutex
	sessions map[radar.Id]*sessionEntry

	capabilities *capability.Engine
	pipeline     *spoke.Pipeline
	logger       *slog.Logger

	rawNotifyCh    chan radar.StateChange
	publicEventsCh chan Event

	router *control.Router
}

// New returns an empty Registry. settings is the optional external
// persistence collaborator for radar.PersistedControls (spec.md §6); pass
// nil if the deployment has none. Call RunDispatch in its own goroutine to
// start draining per-session state changes into the public event stream.
func New(capabilities *capability.Engine, pipeline *spoke.Pipeline, settings radar.SettingsStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sessions:       make(map[radar.Id]*sessionEntry),
		capabilities:   capabilities,
		pipeline:       pipeline,
		logger:         logger,
		rawNotifyCh:    make(chan radar.StateChange, publicNotifyChSize),
		publicEventsCh: make(chan Event, publicNotifyChSize),
	}
	r.router = control.New(manifestsAdapter{r}, statesAdapter{r}, sessionsAdapter{r}, settings)
	pipeline.SetCharacteristics(characteristicsAdapter{r})
	return r
}

// characteristicsAdapter satisfies spoke.Characteristics by looking up a
// radar's already-synthesised CapabilityManifest, so Pipeline.Publish can
// convert a heading sample into the radar's native spoke-angle units
// without depending on the capability package directly.
type characteristicsAdapter struct{ r *Registry }

func (a characteristicsAdapter) SpokesPerRevolution(id radar.Id) (uint16, bool) {
	m, err := a.r.Capabilities(context.Background(), id)
	if err != nil || m.Characteristics.SpokesPerRevolution == 0 {
		return 0, false
	}
	return m.Characteristics.SpokesPerRevolution, true
}

// manifestsAdapter/statesAdapter/sessionsAdapter satisfy control.Router's
// narrow lookup interfaces without exporting Registry's error-returning
// public methods under a second signature.
type manifestsAdapter struct{ r *Registry }

func (a manifestsAdapter) Capabilities(id radar.Id) (radar.CapabilityManifest, bool) {
	m, err := a.r.Capabilities(context.Background(), id)
	return m, err == nil
}

type statesAdapter struct{ r *Registry }

func (a statesAdapter) State(id radar.Id) (radar.RadarState, bool) {
	s, err := a.r.State(context.Background(), id)
	return s, err == nil
}

type sessionsAdapter struct{ r *Registry }

func (a sessionsAdapter) Session(id radar.Id) (control.Setter, bool) {
	entry, ok := a.r.lookup(id)
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// controlAdvertiserAdapter satisfies radar.ControlAdvertiser by consulting
// the capability.Engine directly on (vendor, model) rather than looking a
// session back up by Id: Session.applyReport calls this from inside its own
// lock, and a lookup that re-entered the Registry/Session by Id would
// deadlock against that same lock.
type controlAdvertiserAdapter struct{ engine *capability.Engine }

func (a controlAdvertiserAdapter) IsAdvertised(vendor radar.Vendor, model string, control radar.ControlId) bool {
	manifest := a.engine.Manifest(radar.Id(""), vendor, model, 0)
	for _, def := range manifest.Controls {
		if def.Id == control {
			return true
		}
	}
	return false
}

// rawNotify is the notify callback every Session is constructed with: it
// queues the StateChange on rawNotifyCh for RunDispatch, dropping it with a
// warning if the channel is full.
func (r *Registry) rawNotify(sc radar.StateChange) {
	select {
	case r.rawNotifyCh <- sc:
	default:
		r.logger.Warn("registry notification channel full, dropping state change",
			slog.String("id", string(sc.Id)))
	}
}

// Add registers a new session under the Registry and starts its run loop.
// Added precedes any ControlChanged event for this id by construction: the
// map entry and the Added event are published in the same critical
// section (spec.md I2).
func (r *Registry) Add(ctx context.Context, info radar.Info, codec radar.Codec, xport radar.Transport, metrics radar.Metrics, cfg radar.Config) *radar.Session {
	sessionCtx, cancel := context.WithCancel(ctx)
	session := radar.NewSession(info, codec, xport, r.pipeline, metrics, cfg, r.logger, r.rawNotify)
	session.SetControlAdvertiser(controlAdvertiserAdapter{engine: r.capabilities})

	r.mu.Lock()
	r.sessions[info.Id] = &sessionEntry{session: session, info: info, cancel: cancel}
	r.emit(Event{Kind: EventAdded, Id: info.Id, State: session.Snapshot()})
	r.mu.Unlock()

	// Run returns on its own once the FSM reaches a terminal Remove action
	// (grace period expired, or admin removal), not only on ctx
	// cancellation, so the registry reaps the entry from here rather than
	// requiring every caller of Add to watch for session termination.
	go func() {
		session.Run(sessionCtx)
		r.Remove(info.Id)
	}()
	return session
}

// NotifyBeacon routes a re-observed beacon to an already-tracked radar's
// session, rediscovering a Lost entry without a second Add. Returns false
// if id has no tracked session (the caller should Add it instead).
func (r *Registry) NotifyBeacon(id radar.Id) bool {
	entry, ok := r.lookup(id)
	if !ok {
		return false
	}
	entry.session.NotifyBeacon()
	return true
}

// Remove cancels a session's run loop and deletes it from the map. Removed
// is terminal: the id is never reused by a later Add for the same radar
// (a fresh Discovered re-adds it instead).
func (r *Registry) Remove(id radar.Id) {
	r.mu.Lock()
	entry, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	entry.cancel()
	r.emit(Event{Kind: EventRemoved, Id: id})
}

func (r *Registry) emit(e Event) {
	select {
	case r.publicEventsCh <- e:
	default:
		r.logger.Warn("registry public event channel full, dropping event",
			slog.String("id", string(e.Id)), slog.Int("kind", int(e.Kind)))
	}
}

// RunDispatch drains rawNotifyCh, forwarding each state change to the
// public Events() stream, until ctx is cancelled. Grounded on the teacher's
// Manager.RunDispatch, generalised from one event per notification to three:
// a StateChange reports FSM movement, a set of report-driven control diffs,
// and any opaque vendor fields, each translated to its own Event kind so a
// report arriving mid-Online (no FSM transition) still surfaces its control
// changes (spec.md §4.5) instead of being dropped as a self-loop. A
// transition into StateOnline also triggers EchoSettings, so a persisted
// bearingAlignment/noTransmitZones value survives the radar's own power
// cycle (spec.md §6).
func (r *Registry) RunDispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc := <-r.rawNotifyCh:
			if sc.StatusChanged {
				r.emit(Event{Kind: EventStatusChanged, Id: sc.Id, State: sc.State})
			}
			for _, c := range sc.ControlChanges {
				r.emit(Event{Kind: EventControlChanged, Id: sc.Id, State: sc.State, Control: c.Control, Value: c.New, OldValue: c.Old})
			}
			for _, u := range sc.UnknownFields {
				r.emit(Event{Kind: EventUnknownField, Id: sc.Id, UnknownField: u.Field, UnknownValue: u.Value})
			}
			if sc.State.Session == radar.StateOnline {
				r.router.EchoSettings(ctx, sc.Id)
			}
		}
	}
}

// List returns a snapshot summary of every known radar.
func (r *Registry) List(ctx context.Context) ([]Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.sessions))
	for id, entry := range r.sessions {
		state := entry.session.State()
		out = append(out, Summary{Id: id, Vendor: entry.info.Vendor, Model: entry.info.Model, Status: state})
	}
	return out, nil
}

// Info returns the static discovery info for a radar.
func (r *Registry) Info(ctx context.Context, id radar.Id) (radar.Info, error) {
	entry, ok := r.lookup(id)
	if !ok {
		return radar.Info{}, radar.NewAPIError(radar.ErrorUnknownRadar, string(id))
	}
	return entry.session.Info(), nil
}

// Capabilities synthesises (or returns a cached) CapabilityManifest for a
// radar. Provisional manifests are never cached (spec.md §4.7).
func (r *Registry) Capabilities(ctx context.Context, id radar.Id) (radar.CapabilityManifest, error) {
	entry, ok := r.lookup(id)
	if !ok {
		return radar.CapabilityManifest{}, radar.NewAPIError(radar.ErrorUnknownRadar, string(id))
	}

	info := entry.session.Info()
	liveMax := entry.session.Snapshot().Controls[radar.ControlRange]
	manifest := r.capabilities.Manifest(id, info.Vendor, info.Model, uint32(liveMax.Number))
	return manifest, nil
}

// State returns the current live RadarState for a radar.
func (r *Registry) State(ctx context.Context, id radar.Id) (radar.RadarState, error) {
	entry, ok := r.lookup(id)
	if !ok {
		return radar.RadarState{}, radar.NewAPIError(radar.ErrorUnknownRadar, string(id))
	}
	return entry.session.Snapshot(), nil
}

// SetControl validates and dispatches a semantic control change via the
// ControlRouter, then emits a ControlChanged event on success.
func (r *Registry) SetControl(ctx context.Context, id radar.Id, controlID radar.ControlId, value radar.ControlValue) error {
	if err := r.router.SetControl(ctx, id, controlID, value); err != nil {
		return err
	}
	r.emit(Event{Kind: EventControlChanged, Id: id, Control: controlID, Value: value})
	return nil
}

func (r *Registry) lookup(id radar.Id) (*sessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e, ok
}

// SubscribeSpokes returns a channel of spoke batches for id and an
// unsubscribe func. An id with no tracked session fails with
// ErrorUnknownRadar, like Info/State/Capabilities.
func (r *Registry) SubscribeSpokes(ctx context.Context, id radar.Id) (<-chan spoke.Delivery, func(), error) {
	if _, ok := r.lookup(id); !ok {
		return nil, nil, radar.NewAPIError(radar.ErrorUnknownRadar, string(id))
	}
	sub := r.pipeline.Subscribe(id)
	return sub.Deliveries(), sub.Unsubscribe, nil
}

// Events returns the aggregated Registry event stream and a no-op cancel
// func (the stream itself is shared process-wide; callers simply stop
// reading when done).
func (r *Registry) Events(ctx context.Context) (<-chan Event, func()) {
	return r.publicEventsCh, func() {}
}

// Close cancels every session's run loop. Grounded on the teacher's
// Manager.Close.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancelled := len(r.sessions)
	for id, entry := range r.sessions {
		entry.cancel()
		delete(r.sessions, id)
	}
	r.logger.Info("registry closed", slog.Int("sessions_cancelled", cancelled))
}
