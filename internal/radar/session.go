package radar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Codec is the subset of a vendor ProtocolCodec a Session needs: decoding
// reports/spokes and encoding outbound commands. Each vendor package under
// internal/codec implements this against its own wire dialect.
type Codec interface {
	ParseReport(payload []byte) (ReportUpdate, error)
	ParseSpoke(payload []byte) ([]Spoke, error)
	EncodeCommand(control ControlId, value ControlValue) ([]byte, error)
}

// ReportUpdate is the normalised result of decoding one status/settings
// report, applied onto RadarState.Controls.
type ReportUpdate struct {
	Model    string // non-empty once the model family becomes knowable
	Controls map[ControlId]ControlValue
	// Unknown carries vendor response fields a codec could not map to any
	// semantic ControlId (e.g. an unrecognised Furuno $N## response id).
	// These never reach RadarState.Controls (I3); they surface only as
	// UnknownFieldChange events, for reverse-engineering (spec.md §4.5).
	Unknown map[string]string
}

// ControlAdvertiser reports whether a radar's current manifest advertises a
// control, so a session can withhold report-sourced values the manifest
// does not yet (or does not ever) promise (I3: RadarState.Controls keys are
// always a subset of CapabilityManifest.Controls ids). Deliberately narrow
// and keyed by (vendor, model) rather than Id: it must be safe to call from
// inside applyReport's own lock, and a lookup that loops back through the
// Registry/Session by Id would deadlock against that same lock.
type ControlAdvertiser interface {
	IsAdvertised(vendor Vendor, model string, control ControlId) bool
}

// ControlChange is one control's old-vs-new value, derived by per-field
// diffing a report against the session's cached state (spec.md §4.5). Old
// is the zero ControlValue on a control's first observation; first
// observations never produce a ControlChange, they only seed the cache.
type ControlChange struct {
	Control ControlId
	Old     ControlValue
	New     ControlValue
}

// UnknownFieldChange carries one vendor response field a codec could not
// map to a semantic control, for diagnostic events only (spec.md §4.5).
type UnknownFieldChange struct {
	Field string
	Value string
}

// Transport is the narrow send/poll surface a Session needs from the
// command channel. Locator/Registry wire this to a concrete sockpolicy
// sender; tests wire it to an in-memory fake.
type Transport interface {
	SendCommand(ctx context.Context, payload []byte) error
	// RequiresPoll reports whether this vendor needs an active poll
	// (Furuno) rather than relying on pushed reports.
	RequiresPoll() bool
}

// Metrics is the narrow metrics surface a Session reports through.
type Metrics interface {
	RecordStateTransition(id Id, from, to SessionState)
	IncBeacon(id Id)
	IncReportReceived(id Id)
	IncParseError(id Id, vendor Vendor)
}

// SpokeSink receives normalised spokes for fan-out by the SpokePipeline.
type SpokeSink interface {
	Publish(id Id, spokes []Spoke)
}

// SettingsStore is the opaque persistence collaborator supplied at startup
// (spec.md §6): the core never interprets the stored bytes itself, only
// round-trips them for the two controls a radar cannot retain across power
// cycles on its own. Grounded on the teacher's pattern of accepting
// externally-owned collaborators through a narrow interface
// (internal/bfd's PacketSender/MetricsReporter) rather than a concrete
// struct.
type SettingsStore interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, value []byte) error
}

// PersistedControls is the set of controls echoed back to the radar via
// SettingsStore rather than sourced from the radar's own reports (spec.md
// §6): a radar does not reliably retain bearing alignment or no-transmit
// zone definitions across a power cycle, so the core re-applies them from
// the store once the radar comes Online.
var PersistedControls = map[ControlId]bool{
	ControlBearingAlignment: true,
	ControlNoTransmitZones:  true,
}

// SettingsKey returns the SettingsStore key a persisted control is stored
// under for id. Exported so Registry and tests share one naming scheme.
func SettingsKey(id Id, control ControlId) string {
	return string(id) + "/" + string(control)
}

// EncodeControlValue/DecodeControlValue round-trip a ControlValue through
// the opaque bytes a SettingsStore holds. JSON, not a wire codec: this
// never crosses the network or touches a radar, it is purely the core's
// own persistence format.
func EncodeControlValue(v ControlValue) ([]byte, error) {
	return json.Marshal(v)
}

func DecodeControlValue(b []byte) (ControlValue, error) {
	var v ControlValue
	err := json.Unmarshal(b, &v)
	return v, err
}

// StateChange is delivered to the Registry whenever a session's
// SessionState or observable RadarState changes. Decoupled-callback design
// grounded on the BFD daemon's StateCallback/Manager.StateChanges pattern:
// the Registry drains a channel rather than the Session calling back
// directly, avoiding an import cycle and keeping the Session ignorant of
// its own caller.
type StateChange struct {
	Id    Id
	State RadarState

	// StatusChanged is true when the FSM's SessionState actually moved;
	// Registry.RunDispatch gates EventStatusChanged on it so a report that
	// only changes control values does not also announce a no-op status
	// transition.
	StatusChanged bool
	// ControlChanges holds one entry per control whose value changed since
	// last observed (never populated on a control's first observation).
	ControlChanges []ControlChange
	// UnknownFields holds any opaque vendor fields this report carried.
	UnknownFields []UnknownFieldChange
}

// Config carries the tunables a Session needs (spec.md §6).
type Config struct {
	PollInterval   time.Duration // Furuno poll; default 2s, ±5% jitter (±100ms at 2s)
	CommandTimeout time.Duration
	LostTimeout    time.Duration // T_lost, default 15s
	GraceTimeout   time.Duration // T_grace, default 60s
}

type message struct {
	report []byte
	spoke  []byte
	beacon bool
}

// Session owns exactly one radar's command channel and lifecycle (I2).
type Session struct {
	id     Id
	vendor Vendor
	codec  Codec
	xport  Transport
	metrics Metrics
	sink    SpokeSink
	cfg     Config
	logger  *slog.Logger

	notify     func(StateChange)
	advertiser ControlAdvertiser

	state atomic.Uint32 // SessionState

	mu       sync.RWMutex
	info     Info
	controls map[ControlId]ControlValue
	lastErr  string

	lastTrafficNs atomic.Int64

	recvCh chan message
}

// NewSession constructs a Session in StateDiscovered. The caller starts it
// with Run.
func NewSession(info Info, codec Codec, xport Transport, sink SpokeSink, metrics Metrics, cfg Config, logger *slog.Logger, notify func(StateChange)) *Session {
	s := &Session{
		id:       info.Id,
		vendor:   info.Vendor,
		codec:    codec,
		xport:    xport,
		sink:     sink,
		metrics:  metrics,
		cfg:      cfg,
		notify:   notify,
		info:     info,
		controls: make(map[ControlId]ControlValue),
		recvCh:   make(chan message, 8),
		logger: logger.With(
			slog.String("component", "radar.session"),
			slog.String("radar", string(info.Id)),
			slog.String("vendor", info.Vendor.String()),
		),
	}
	s.state.Store(uint32(StateDiscovered))
	return s
}

// SetControlAdvertiser installs the manifest-advertisement collaborator
// applyReport consults to withhold unadvertised controls (I3). Optional; a
// nil advertiser (the default, and the state before Registry.Add wires one
// in) admits every control a codec reports.
func (s *Session) SetControlAdvertiser(a ControlAdvertiser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advertiser = a
}

// State returns the current session state. Safe from any goroutine.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Snapshot returns a caller-safe copy of the session's observable state.
func (s *Session) Snapshot() RadarState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := RadarState{
		Id:        s.id,
		Session:   s.State(),
		Controls:  s.controls,
		LastError: s.lastErr,
	}
	if ns := s.lastTrafficNs.Load(); ns != 0 {
		st.LastSeen = time.Unix(0, ns)
	}
	return st.Clone()
}

// Info returns a copy of the session's current addressing/identity record.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// NotifyBeacon delivers a re-observed beacon for this radar. Safe from any
// goroutine; non-blocking per spec.md's backpressure discipline — a full
// channel means a beacon tick is coalesced with the next one.
func (s *Session) NotifyBeacon() {
	select {
	case s.recvCh <- message{beacon: true}:
	default:
	}
}

// DeliverReport delivers a raw status/settings report payload.
func (s *Session) DeliverReport(payload []byte) {
	select {
	case s.recvCh <- message{report: payload}:
	default:
		s.logger.Debug("recv channel full, dropping report")
	}
}

// DeliverSpoke delivers a raw spoke payload.
func (s *Session) DeliverSpoke(payload []byte) {
	select {
	case s.recvCh <- message{spoke: payload}:
	default:
		s.logger.Debug("recv channel full, dropping spoke batch")
	}
}

// SetControl validates nothing itself (ControlRouter does that) and simply
// encodes+sends the command on this session's own command channel, the
// only goroutine allowed to touch the wire for this radar (I2).
func (s *Session) SetControl(ctx context.Context, control ControlId, value ControlValue) error {
	payload, err := s.codec.EncodeCommand(control, value)
	if err != nil {
		// A validated, in-range value the vendor codec still can't encode is
		// a codec defect, not a caller mistake: the router already checked
		// shape and bounds against the manifest.
		return NewAPIError(ErrorInternal, fmt.Sprintf("encode command %s for %s: %v", control, s.id, err))
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := s.xport.SendCommand(cctx, payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewAPIError(ErrorTimeout, fmt.Sprintf("send command %s to %s: %v", control, s.id, err))
		}
		return NewAPIError(ErrorUnavailable, fmt.Sprintf("send command %s to %s: %v", control, s.id, err))
	}
	return nil
}

// Run starts the session event loop. Blocks until ctx is cancelled or the
// FSM reaches a terminal Remove action.
//
// A panic inside the loop body is recovered here and converted into a Lost
// transition rather than a process crash: vendor firmware produces
// real-world wire quirks the codecs cannot always anticipate, and one bad
// radar must never take down the Locator or any other session.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic recovered",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			s.transition(EventAdminRemove, nil, nil)
		}
	}()

	pollTimer := time.NewTimer(s.jitteredPoll())
	defer pollTimer.Stop()

	lostTimer := time.NewTimer(s.cfg.LostTimeout)
	defer lostTimer.Stop()

	graceTimer := time.NewTimer(s.cfg.GraceTimeout)
	defer graceTimer.Stop()
	if !graceTimer.Stop() {
		<-graceTimer.C
	}

	// Armed only while Connecting (bounds how long a handshake reply may
	// take); stopped the moment the handshake resolves either way.
	handshakeTimer := time.NewTimer(s.cfg.CommandTimeout)
	defer handshakeTimer.Stop()
	if !handshakeTimer.Stop() {
		<-handshakeTimer.C
	}

	s.logger.Info("session started")
	s.runLoop(ctx, pollTimer, lostTimer, graceTimer, handshakeTimer)
}

func (s *Session) runLoop(ctx context.Context, pollTimer, lostTimer, graceTimer, handshakeTimer *time.Timer) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session stopped")
			return

		case msg := <-s.recvCh:
			s.handleMessage(ctx, msg, lostTimer, graceTimer, handshakeTimer)

		case <-pollTimer.C:
			s.handlePoll(ctx)
			pollTimer.Reset(s.jitteredPoll())

		case <-lostTimer.C:
			switch s.State() {
			case StateOnline:
				s.transitionTimers(ctx, EventSilence, nil, nil, lostTimer, graceTimer, handshakeTimer)
			case StateDegraded:
				s.transitionTimers(ctx, EventLostTimeout, nil, nil, lostTimer, graceTimer, handshakeTimer)
			}

		case <-handshakeTimer.C:
			if s.State() == StateConnecting {
				s.transitionTimers(ctx, EventHandshakeFailed, nil, nil, lostTimer, graceTimer, handshakeTimer)
			}

		case <-graceTimer.C:
			if s.transition(EventGraceExpired, nil, nil) {
				return
			}
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg message, lostTimer, graceTimer, handshakeTimer *time.Timer) {
	s.lastTrafficNs.Store(time.Now().UnixNano())

	switch {
	case msg.beacon:
		s.metrics.IncBeacon(s.id)
		s.transitionTimers(ctx, EventBeacon, nil, nil, lostTimer, graceTimer, handshakeTimer)

	case msg.report != nil:
		update, err := s.codec.ParseReport(msg.report)
		if err != nil {
			s.metrics.IncParseError(s.id, s.vendor)
			return
		}
		changes, unknown := s.applyReport(update)
		s.metrics.IncReportReceived(s.id)

		// A report arriving while Connecting is itself the command
		// channel's handshake reply (spec.md §3); once Online/Degraded, it
		// is ordinary traffic.
		event := EventReportReceived
		if s.State() == StateConnecting {
			event = EventHandshakeOK
		}
		s.transitionTimers(ctx, event, changes, unknown, lostTimer, graceTimer, handshakeTimer)

	case msg.spoke != nil:
		spokes, err := s.codec.ParseSpoke(msg.spoke)
		if err != nil {
			s.metrics.IncParseError(s.id, s.vendor)
			return
		}
		s.sink.Publish(s.id, spokes)
	}
}

func (s *Session) handlePoll(ctx context.Context) {
	if !s.xport.RequiresPoll() {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := s.xport.SendCommand(cctx, nil); err != nil {
		s.logger.Debug("poll failed", slog.String("error", err.Error()))
	}
}

// applyReport merges a parsed report into cached state, diffing each
// control against its last observed value (spec.md §4.5). A control's
// first observation seeds the cache silently; any later observation whose
// value differs from the cache produces a ControlChange. Controls the
// radar's current manifest does not advertise are withheld entirely (I3),
// and unrecognised vendor fields are returned separately rather than
// merged into s.controls.
func (s *Session) applyReport(update ReportUpdate) ([]ControlChange, []UnknownFieldChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if update.Model != "" {
		s.info.Model = update.Model
	}

	var changes []ControlChange
	for k, v := range update.Controls {
		if s.advertiser != nil && !s.advertiser.IsAdvertised(s.vendor, s.info.Model, k) {
			continue
		}
		old, seen := s.controls[k]
		s.controls[k] = v
		if seen && old != v {
			changes = append(changes, ControlChange{Control: k, Old: old, New: v})
		}
	}

	var unknown []UnknownFieldChange
	for field, value := range update.Unknown {
		unknown = append(unknown, UnknownFieldChange{Field: field, Value: value})
	}
	return changes, unknown
}

// transitionTimers applies event, resetting the handshake/lost/grace timers
// to match the resulting state.
func (s *Session) transitionTimers(ctx context.Context, event Event, changes []ControlChange, unknown []UnknownFieldChange, lostTimer, graceTimer, handshakeTimer *time.Timer) bool {
	changed := s.transition(event, changes, unknown)
	switch s.State() {
	case StateConnecting:
		drainTimer(handshakeTimer)
		handshakeTimer.Reset(s.cfg.CommandTimeout)
		if s.xport.RequiresPoll() {
			s.sendHandshakeProbe(ctx)
		}
	case StateOnline:
		drainTimer(handshakeTimer)
		drainTimer(lostTimer)
		lostTimer.Reset(s.cfg.LostTimeout)
	case StateDegraded:
		// Re-armed so a further quiet period of LostTimeout escalates to
		// Lost (EventLostTimeout); recovery on fresh traffic cancels it.
		drainTimer(handshakeTimer)
		drainTimer(lostTimer)
		lostTimer.Reset(s.cfg.LostTimeout)
	case StateLost:
		drainTimer(handshakeTimer)
		drainTimer(lostTimer)
		graceTimer.Reset(s.cfg.GraceTimeout)
	}
	return changed
}

// sendHandshakeProbe requests an immediate status report from a Connecting
// radar that needs active polling (Furuno); push vendors confirm the
// handshake on their own once their first unsolicited report arrives.
func (s *Session) sendHandshakeProbe(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := s.xport.SendCommand(cctx, nil); err != nil {
		s.logger.Debug("handshake probe failed", slog.String("error", err.Error()))
	}
}

// transition applies event to the FSM, updates state, and fires the
// registered notify callback on a state change or a non-empty diff; of the
// resulting actions only Remove is acted on here. Returns true if the
// resulting action set included Remove.
//
// A transition can carry actions without changing SessionState (the
// Lost+GraceExpired self-loop that tears the session down without moving to
// a further state), so Remove must be checked from result.Actions
// regardless of result.Changed. It can also carry no FSM movement at all
// while still needing to notify: a report arriving Online is a self-loop in
// the FSM table, but any control values it changed must still reach the
// Registry as EventControlChanged (spec.md §4.5), so the early-return guard
// also fires on a non-empty diff.
func (s *Session) transition(event Event, changes []ControlChange, unknown []UnknownFieldChange) bool {
	old := s.State()
	result := ApplyEvent(old, event)
	if !result.Changed && len(result.Actions) == 0 && len(changes) == 0 && len(unknown) == 0 {
		return false
	}

	if result.Changed {
		s.state.Store(uint32(result.NewState))
		s.metrics.RecordStateTransition(s.id, old, result.NewState)
		s.logger.Info("state transition",
			slog.String("from", old.String()),
			slog.String("to", result.NewState.String()),
			slog.String("event", event.String()),
		)
	}

	removed := false
	for _, a := range result.Actions {
		if a == ActionRemove {
			removed = true
		}
	}
	if s.notify != nil {
		s.notify(StateChange{
			Id:             s.id,
			State:          s.Snapshot(),
			StatusChanged:  result.Changed,
			ControlChanges: changes,
			UnknownFields:  unknown,
		})
	}
	return removed
}

func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// jitteredPoll returns the configured poll interval with symmetric ±5%
// jitter (±100ms on the 2s default), grounded on the BFD daemon's ApplyJitter helper (there, an
// asymmetric 0-25% reduction on the TX interval per RFC 5880 §6.8.7; here,
// a symmetric spread since Furuno polling has no analogous "never exceed
// the negotiated rate" constraint).
func jitterFraction() float64 {
	return (rand.Float64()*2 - 1) * 0.05
}

func (s *Session) jitteredPoll() time.Duration {
	base := s.cfg.PollInterval
	if base <= 0 {
		base = 2 * time.Second
	}
	return base + time.Duration(float64(base)*jitterFraction())
}
