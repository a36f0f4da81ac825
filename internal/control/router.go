// Package control implements the ControlRouter (spec.md §4.8): it
// validates a semantic control change against a radar's live
// CapabilityManifest and RadarState, then dispatches to the owning
// RadarSession for wire encoding and transmission. The router never
// touches a command socket itself — only the owning Session does,
// mirroring the teacher's rule (internal/bfd/session.go) that a session's
// own goroutine is the sole writer of its socket.
package control

import (
	"context"
	"fmt"
	"sort"

	"github.com/mayara-project/mayara/internal/radar"
)

// Manifests is the narrow capability lookup the router needs.
type Manifests interface {
	Capabilities(id radar.Id) (radar.CapabilityManifest, bool)
}

// States is the narrow live-state lookup the router needs to evaluate
// constraints.
type States interface {
	State(id radar.Id) (radar.RadarState, bool)
}

// Setter is the narrow surface the router needs from a RadarSession to
// carry out a validated SetControl.
type Setter interface {
	SetControl(ctx context.Context, control radar.ControlId, value radar.ControlValue) error
}

// Sessions resolves a radar.Id to the Setter (Session) that owns its
// command channel.
type Sessions interface {
	Session(id radar.Id) (Setter, bool)
}

// Router validates and translates control changes (spec.md §4.8).
type Router struct {
	manifests Manifests
	states    States
	sessions  Sessions
	settings  radar.SettingsStore
}

// New returns a Router wired to the given manifest/state/session lookups.
// settings is the optional persistence collaborator for
// radar.PersistedControls (spec.md §6); a nil settings is valid — those
// controls then fail NotSupported instead of reaching a session.
func New(manifests Manifests, states States, sessions Sessions, settings radar.SettingsStore) *Router {
	return &Router{manifests: manifests, states: states, sessions: sessions, settings: settings}
}

// screenQualified is the set of controls a dual-range/dual-scan radar may
// scope with an optional "screen" qualifier (spec.md §4.8). Universal
// controls (gain/sea/rain) always ignore the qualifier.
var screenQualified = map[radar.ControlId]bool{
	radar.ControlRange:      true,
	radar.ControlPower:      true,
	radar.ControlPresetMode: true,
}

// SetControl validates then dispatches one control change, in this order:
// the radar must be known (UnknownRadar) and advertise the control
// (UnknownControl); a persisted control needs a settings store
// (NotSupported); the value is typechecked and normalised (InvalidValue); a
// screen qualifier is dropped from controls that take none; constraints are
// evaluated against the live state (Disabled); the owning session must
// exist (Unavailable); then the session encodes and sends the command. The
// router holds no vendor translation table: a control the vendor codec
// cannot encode fails inside the session.
func (r *Router) SetControl(ctx context.Context, id radar.Id, control radar.ControlId, value radar.ControlValue) error {
	manifest, ok := r.manifests.Capabilities(id)
	if !ok {
		return radar.NewAPIError(radar.ErrorUnknownRadar, string(id))
	}

	def, ok := findDefinition(manifest.Controls, control)
	if !ok {
		return radar.NewAPIError(radar.ErrorUnknownControl, fmt.Sprintf("control %s not advertised by %s", control, id))
	}

	if radar.PersistedControls[control] && r.settings == nil {
		return radar.NewAPIError(radar.ErrorNotSupported, fmt.Sprintf("control %s requires a settings store", control))
	}

	normalized, err := typecheckAndNormalize(def, value)
	if err != nil {
		return err
	}

	if !screenQualified[control] && value.Screen != "" {
		normalized.Screen = ""
	}

	state, ok := r.states.State(id)
	if ok {
		if reason, disabled := evaluateConstraints(manifest.Constraints, control, state); disabled {
			return radar.NewAPIError(radar.ErrorDisabled, reason)
		}
	}

	session, ok := r.sessions.Session(id)
	if !ok {
		return radar.NewAPIError(radar.ErrorUnavailable, string(id))
	}

	if err := session.SetControl(ctx, control, normalized); err != nil {
		return err
	}

	if radar.PersistedControls[control] {
		r.persist(ctx, id, control, normalized)
	}
	return nil
}

// persist saves a successfully-applied persisted control so EchoSettings
// can re-apply it the next time this radar comes Online. Failure is
// logged by the caller's collaborator, not returned: the control change
// itself already reached the radar and must not be rolled back over a
// storage hiccup.
func (r *Router) persist(ctx context.Context, id radar.Id, control radar.ControlId, value radar.ControlValue) {
	encoded, err := radar.EncodeControlValue(value)
	if err != nil {
		return
	}
	_ = r.settings.Store(ctx, radar.SettingsKey(id, control), encoded)
}

// EchoSettings re-applies every persisted control this radar has a stored
// value for. Called by Registry once a session reaches StateOnline
// (spec.md §6's "echoed back to the radar"): a nil settings store makes
// this a no-op.
func (r *Router) EchoSettings(ctx context.Context, id radar.Id) {
	if r.settings == nil {
		return
	}
	manifest, ok := r.manifests.Capabilities(id)
	if !ok {
		return
	}
	session, ok := r.sessions.Session(id)
	if !ok {
		return
	}
	for control := range radar.PersistedControls {
		if _, ok := findDefinition(manifest.Controls, control); !ok {
			continue
		}
		raw, found, err := r.settings.Load(ctx, radar.SettingsKey(id, control))
		if err != nil || !found {
			continue
		}
		value, err := radar.DecodeControlValue(raw)
		if err != nil {
			continue
		}
		_ = session.SetControl(ctx, control, value)
	}
}

func findDefinition(defs []radar.ControlDefinition, id radar.ControlId) (radar.ControlDefinition, bool) {
	for _, d := range defs {
		if d.Id == id {
			return d, true
		}
	}
	return radar.ControlDefinition{}, false
}

// typecheckAndNormalize validates value against def's kind/bounds and
// returns a normalized copy: range values are snapped to the nearest
// supported_ranges_m entry (spec.md §4.8), and an auto-mode compound
// value has its Number cleared since the vendor "auto" command ignores it.
func typecheckAndNormalize(def radar.ControlDefinition, value radar.ControlValue) (radar.ControlValue, error) {
	if value.Kind != def.Kind {
		return radar.ControlValue{}, radar.NewAPIError(radar.ErrorInvalidValue,
			fmt.Sprintf("control %s expects kind %d, got %d", def.Id, def.Kind, value.Kind))
	}

	switch def.Kind {
	case radar.KindEnum:
		if len(def.Enum) > 0 && !contains(def.Enum, value.Enum) {
			return radar.ControlValue{}, radar.NewAPIError(radar.ErrorInvalidValue,
				fmt.Sprintf("control %s: value %q not in %v", def.Id, value.Enum, def.Enum))
		}
		return value, nil

	case radar.KindNumber:
		if def.Id == radar.ControlRange && def.HasDiscrete {
			value.Number = nearest(def.Discrete, value.Number)
			return value, nil
		}
		if def.Max > def.Min && (value.Number < def.Min || value.Number > def.Max) {
			return radar.ControlValue{}, radar.NewAPIError(radar.ErrorInvalidValue,
				fmt.Sprintf("control %s: value %v outside [%v,%v]", def.Id, value.Number, def.Min, def.Max))
		}
		return value, nil

	case radar.KindCompound:
		if value.Mode == "auto" {
			value.HasNum = false
			value.Number = 0
			return value, nil
		}
		if def.Max > def.Min && value.HasNum && (value.Number < def.Min || value.Number > def.Max) {
			return radar.ControlValue{}, radar.NewAPIError(radar.ErrorInvalidValue,
				fmt.Sprintf("control %s: value %v outside [%v,%v]", def.Id, value.Number, def.Min, def.Max))
		}
		return value, nil

	case radar.KindBool:
		return value, nil

	default:
		return radar.ControlValue{}, radar.NewAPIError(radar.ErrorInvalidValue, fmt.Sprintf("control %s: unknown kind", def.Id))
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// nearest rounds value to the closest entry in a sorted or unsorted
// discrete set, defaulting to value unchanged if the set is empty. Ties
// resolve to the lower candidate, matching sort.Search's leftmost match.
func nearest(set []float64, value float64) float64 {
	if len(set) == 0 {
		return value
	}
	sorted := append([]float64(nil), set...)
	sort.Float64s(sorted)

	best := sorted[0]
	bestDist := diff(best, value)
	for _, v := range sorted[1:] {
		if d := diff(v, value); d < bestDist {
			best, bestDist = v, d
		}
	}
	return best
}

func diff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

// evaluateConstraints returns the first constraint that disables control
// under state, if any.
func evaluateConstraints(constraints []radar.Constraint, control radar.ControlId, state radar.RadarState) (string, bool) {
	for _, c := range constraints {
		if c.Control != control {
			continue
		}
		if c.ReadOnlyIf != nil && c.ReadOnlyIf(state) {
			return c.Reason, true
		}
	}
	return "", false
}

// NearestSupportedRange rounds a requested range in metres to the nearest
// entry in supported_ranges_m (spec.md's "Setting a range not in
// supported_ranges_m snaps to the nearest supported value" edge case).
// Exported so Registry/tests can pre-snap a value before display without
// needing a full Router instance.
func NearestSupportedRange(supported []uint32, requested uint32) uint32 {
	if len(supported) == 0 {
		return requested
	}
	best := supported[0]
	bestDist := absDiffU32(best, requested)
	for _, r := range supported[1:] {
		if d := absDiffU32(r, requested); d < bestDist {
			best, bestDist = r, d
		}
	}
	return best
}

func absDiffU32(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
