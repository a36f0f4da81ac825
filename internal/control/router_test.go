package control

import (
	"context"
	"errors"
	"testing"

	"github.com/mayara-project/mayara/internal/radar"
)

type fakeManifests struct {
	manifests map[radar.Id]radar.CapabilityManifest
}

func (f *fakeManifests) Capabilities(id radar.Id) (radar.CapabilityManifest, bool) {
	m, ok := f.manifests[id]
	return m, ok
}

type fakeStates struct {
	states map[radar.Id]radar.RadarState
}

func (f *fakeStates) State(id radar.Id) (radar.RadarState, bool) {
	s, ok := f.states[id]
	return s, ok
}

type fakeSetter struct {
	lastControl radar.ControlId
	lastValue   radar.ControlValue
	err         error
}

func (f *fakeSetter) SetControl(ctx context.Context, control radar.ControlId, value radar.ControlValue) error {
	f.lastControl = control
	f.lastValue = value
	return f.err
}

type fakeSessions struct {
	sessions map[radar.Id]Setter
}

func (f *fakeSessions) Session(id radar.Id) (Setter, bool) {
	s, ok := f.sessions[id]
	return s, ok
}

func testManifest(id radar.Id) radar.CapabilityManifest {
	return radar.CapabilityManifest{
		Id: id,
		Controls: []radar.ControlDefinition{
			{Id: radar.ControlPower, Kind: radar.KindEnum, Enum: []string{"off", "standby", "transmit", "warming"}},
			{Id: radar.ControlRange, Kind: radar.KindNumber, Discrete: []float64{1000, 2000, 4000}, HasDiscrete: true},
			{Id: radar.ControlGain, Kind: radar.KindCompound, Min: 0, Max: 100},
			{Id: radar.ControlBearingAlignment, Kind: radar.KindNumber, Min: -180, Max: 180},
		},
		Constraints: []radar.Constraint{
			{Control: radar.ControlGain, ReadOnlyIf: func(s radar.RadarState) bool {
				v, ok := s.Controls[radar.ControlPresetMode]
				return ok && v.Enum != "custom"
			}, Reason: "Controlled by active preset"},
		},
	}
}

func newTestRouter(id radar.Id, state radar.RadarState, setter *fakeSetter) *Router {
	return newTestRouterWithSettings(id, state, setter, nil)
}

func newTestRouterWithSettings(id radar.Id, state radar.RadarState, setter *fakeSetter, settings radar.SettingsStore) *Router {
	return New(
		&fakeManifests{manifests: map[radar.Id]radar.CapabilityManifest{id: testManifest(id)}},
		&fakeStates{states: map[radar.Id]radar.RadarState{id: state}},
		&fakeSessions{sessions: map[radar.Id]Setter{id: setter}},
		settings,
	)
}

// fakeStore is a minimal in-memory radar.SettingsStore.
type fakeStore struct {
	values map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{values: make(map[string][]byte)} }

func (f *fakeStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeStore) Store(_ context.Context, key string, value []byte) error {
	f.values[key] = value
	return nil
}

func TestSetControl_UnknownRadar(t *testing.T) {
	r := New(&fakeManifests{manifests: map[radar.Id]radar.CapabilityManifest{}}, &fakeStates{}, &fakeSessions{}, nil)
	err := r.SetControl(context.Background(), radar.Id("missing"), radar.ControlGain, radar.ControlValue{})

	var apiErr *radar.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != radar.ErrorUnknownRadar {
		t.Fatalf("got %v, want ErrorUnknownRadar", err)
	}
}

func TestSetControl_UnadvertisedControlIsUnknownControl(t *testing.T) {
	id := radar.Id("Navico-ABC")
	setter := &fakeSetter{}
	r := newTestRouter(id, radar.RadarState{}, setter)

	err := r.SetControl(context.Background(), id, radar.ControlScanSpeed, radar.ControlValue{Kind: radar.KindNumber, Number: 1})

	var apiErr *radar.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != radar.ErrorUnknownControl {
		t.Fatalf("got %v, want ErrorUnknownControl", err)
	}
}

func TestSetControl_InvalidEnumValue(t *testing.T) {
	id := radar.Id("Navico-ABC")
	setter := &fakeSetter{}
	r := newTestRouter(id, radar.RadarState{}, setter)

	err := r.SetControl(context.Background(), id, radar.ControlPower, radar.ControlValue{Kind: radar.KindEnum, Enum: "nonsense"})

	var apiErr *radar.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != radar.ErrorInvalidValue {
		t.Fatalf("got %v, want ErrorInvalidValue", err)
	}
}

func TestSetControl_RangeSnapsToNearestSupported(t *testing.T) {
	id := radar.Id("Navico-ABC")
	setter := &fakeSetter{}
	r := newTestRouter(id, radar.RadarState{}, setter)

	err := r.SetControl(context.Background(), id, radar.ControlRange, radar.ControlValue{Kind: radar.KindNumber, Number: 1800})
	if err != nil {
		t.Fatalf("SetControl: %v", err)
	}
	if setter.lastValue.Number != 2000 {
		t.Fatalf("got snapped range %v, want 2000", setter.lastValue.Number)
	}
}

func TestSetControl_ConstraintDisablesControl(t *testing.T) {
	id := radar.Id("Navico-ABC")
	setter := &fakeSetter{}
	state := radar.RadarState{Controls: map[radar.ControlId]radar.ControlValue{
		radar.ControlPresetMode: {Kind: radar.KindEnum, Enum: "harbor"},
	}}
	r := newTestRouter(id, state, setter)

	err := r.SetControl(context.Background(), id, radar.ControlGain, radar.ControlValue{Kind: radar.KindCompound, Mode: "manual", Number: 50, HasNum: true})

	var apiErr *radar.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != radar.ErrorDisabled {
		t.Fatalf("got %v, want ErrorDisabled", err)
	}
}

func TestSetControl_AutoModeClearsNumber(t *testing.T) {
	id := radar.Id("Navico-ABC")
	setter := &fakeSetter{}
	r := newTestRouter(id, radar.RadarState{}, setter)

	err := r.SetControl(context.Background(), id, radar.ControlGain, radar.ControlValue{Kind: radar.KindCompound, Mode: "auto", Number: 70, HasNum: true})
	if err != nil {
		t.Fatalf("SetControl: %v", err)
	}
	if setter.lastValue.HasNum {
		t.Fatal("expected HasNum cleared when mode=auto")
	}
}

func TestSetControl_ValidChangeDelegatesToSession(t *testing.T) {
	id := radar.Id("Navico-ABC")
	setter := &fakeSetter{}
	r := newTestRouter(id, radar.RadarState{}, setter)

	err := r.SetControl(context.Background(), id, radar.ControlPower, radar.ControlValue{Kind: radar.KindEnum, Enum: "transmit"})
	if err != nil {
		t.Fatalf("SetControl: %v", err)
	}
	if setter.lastControl != radar.ControlPower || setter.lastValue.Enum != "transmit" {
		t.Fatalf("got %v=%v, want power=transmit", setter.lastControl, setter.lastValue.Enum)
	}
}

func TestSetControl_PersistedControlWithoutStoreIsNotSupported(t *testing.T) {
	id := radar.Id("Navico-ABC")
	setter := &fakeSetter{}
	r := newTestRouter(id, radar.RadarState{}, setter)

	err := r.SetControl(context.Background(), id, radar.ControlBearingAlignment, radar.ControlValue{Kind: radar.KindNumber, Number: 5})

	var apiErr *radar.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != radar.ErrorNotSupported {
		t.Fatalf("got %v, want ErrorNotSupported", err)
	}
	if setter.lastControl != "" {
		t.Fatal("expected the session to never be reached without a settings store")
	}
}

func TestSetControl_PersistedControlWithStoreIsSavedAndEchoed(t *testing.T) {
	id := radar.Id("Navico-ABC")
	setter := &fakeSetter{}
	store := newFakeStore()
	r := newTestRouterWithSettings(id, radar.RadarState{}, setter, store)

	value := radar.ControlValue{Kind: radar.KindNumber, Number: 5}
	if err := r.SetControl(context.Background(), id, radar.ControlBearingAlignment, value); err != nil {
		t.Fatalf("SetControl: %v", err)
	}
	if setter.lastControl != radar.ControlBearingAlignment || setter.lastValue.Number != 5 {
		t.Fatalf("got %v=%v, want bearingAlignment=5", setter.lastControl, setter.lastValue.Number)
	}

	raw, ok, err := store.Load(context.Background(), radar.SettingsKey(id, radar.ControlBearingAlignment))
	if err != nil || !ok {
		t.Fatalf("expected the value to be persisted, ok=%v err=%v", ok, err)
	}
	decoded, err := radar.DecodeControlValue(raw)
	if err != nil || decoded.Number != 5 {
		t.Fatalf("got decoded %+v (err=%v), want Number=5", decoded, err)
	}

	// A later EchoSettings call (as Registry issues on reaching StateOnline)
	// re-applies the persisted value to the session without a fresh client
	// SetControl call.
	setter.lastControl = ""
	r.EchoSettings(context.Background(), id)
	if setter.lastControl != radar.ControlBearingAlignment || setter.lastValue.Number != 5 {
		t.Fatalf("got %v=%v after EchoSettings, want bearingAlignment=5", setter.lastControl, setter.lastValue.Number)
	}
}

func TestNearestSupportedRange(t *testing.T) {
	supported := []uint32{1000, 2000, 4000}
	if got := NearestSupportedRange(supported, 1800); got != 2000 {
		t.Fatalf("got %d, want 2000", got)
	}
	if got := NearestSupportedRange(supported, 100); got != 1000 {
		t.Fatalf("got %d, want 1000", got)
	}
}
