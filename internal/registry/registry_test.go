package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mayara-project/mayara/internal/capability"
	"github.com/mayara-project/mayara/internal/radar"
	"github.com/mayara-project/mayara/internal/spoke"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCodec struct{}

func (fakeCodec) ParseReport([]byte) (radar.ReportUpdate, error) { return radar.ReportUpdate{}, nil }
func (fakeCodec) ParseSpoke([]byte) ([]radar.Spoke, error)       { return nil, nil }
func (fakeCodec) EncodeCommand(radar.ControlId, radar.ControlValue) ([]byte, error) {
	return []byte{0x01}, nil
}

type fakeTransport struct {
	mu   sync.Mutex
	sent int
}

func (f *fakeTransport) SendCommand(context.Context, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return nil
}
func (f *fakeTransport) RequiresPoll() bool { return false }

type fakeMetrics struct{}

func (fakeMetrics) RecordStateTransition(radar.Id, radar.SessionState, radar.SessionState) {}
func (fakeMetrics) IncBeacon(radar.Id)                                                     {}
func (fakeMetrics) IncReportReceived(radar.Id)                                             {}
func (fakeMetrics) IncParseError(radar.Id, radar.Vendor)                                   {}

func testConfig() radar.Config {
	return radar.Config{
		PollInterval:   50 * time.Millisecond,
		CommandTimeout: time.Second,
		LostTimeout:    200 * time.Millisecond,
		GraceTimeout:   200 * time.Millisecond,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	engine, err := capability.New()
	if err != nil {
		t.Fatalf("capability.New: %v", err)
	}
	return New(engine, spoke.New(4), nil, testLogger())
}

func TestRegistry_AddPublishesAddedEvent(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatchCtx, dispatchCancel := context.WithCancel(ctx)
	go r.RunDispatch(dispatchCtx)
	defer dispatchCancel()

	info := radar.Info{Id: radar.New(radar.VendorNavico, "ABC123", "")}
	r.Add(ctx, info, fakeCodec{}, &fakeTransport{}, fakeMetrics{}, testConfig())

	events, stop := r.Events(ctx)
	defer stop()

	select {
	case e := <-events:
		if e.Kind != EventAdded || e.Id != info.Id {
			t.Fatalf("got %+v, want Added for %v", e, info.Id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Added event")
	}

	r.Close()
	cancel()
}

func TestRegistry_ListReflectsAddedSessions(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	info := radar.Info{Id: radar.New(radar.VendorNavico, "ABC123", ""), Vendor: radar.VendorNavico}
	r.Add(ctx, info, fakeCodec{}, &fakeTransport{}, fakeMetrics{}, testConfig())

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Id != info.Id {
		t.Fatalf("got %+v, want one summary for %v", list, info.Id)
	}

	r.Close()
	cancel()
}

func TestRegistry_UnknownRadarReturnsUnknownRadarError(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Info(ctx, radar.Id("nonexistent")); !isUnknownRadar(err) {
		t.Fatalf("got %v, want ErrorUnknownRadar", err)
	}
	if _, err := r.State(ctx, radar.Id("nonexistent")); !isUnknownRadar(err) {
		t.Fatalf("got %v, want ErrorUnknownRadar", err)
	}
	if _, err := r.Capabilities(ctx, radar.Id("nonexistent")); !isUnknownRadar(err) {
		t.Fatalf("got %v, want ErrorUnknownRadar", err)
	}
}

func isUnknownRadar(err error) bool {
	apiErr, ok := err.(*radar.APIError)
	return ok && apiErr.Kind == radar.ErrorUnknownRadar
}

func TestRegistry_CapabilitiesIsProvisionalForUnknownModel(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	info := radar.Info{Id: radar.New(radar.VendorNavico, "ABC123", ""), Vendor: radar.VendorNavico}
	r.Add(ctx, info, fakeCodec{}, &fakeTransport{}, fakeMetrics{}, testConfig())

	m, err := r.Capabilities(ctx, info.Id)
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if !m.Provisional {
		t.Fatal("expected a provisional manifest before the model family is known")
	}

	r.Close()
	cancel()
}

func TestRegistry_SetControlUnknownRadar(t *testing.T) {
	r := newTestRegistry(t)
	err := r.SetControl(context.Background(), radar.Id("nonexistent"), radar.ControlGain, radar.ControlValue{})
	if !isUnknownRadar(err) {
		t.Fatalf("got %v, want ErrorUnknownRadar", err)
	}
}

func TestRegistry_RemoveStopsSessionAndPublishesRemovedEvent(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	dispatchCtx, dispatchCancel := context.WithCancel(ctx)
	go r.RunDispatch(dispatchCtx)

	info := radar.Info{Id: radar.New(radar.VendorNavico, "ABC123", "")}
	r.Add(ctx, info, fakeCodec{}, &fakeTransport{}, fakeMetrics{}, testConfig())

	events, stop := r.Events(ctx)
	defer stop()
	<-events // Added

	r.Remove(info.Id)

	select {
	case e := <-events:
		if e.Kind != EventRemoved || e.Id != info.Id {
			t.Fatalf("got %+v, want Removed for %v", e, info.Id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Removed event")
	}

	if _, err := r.Info(ctx, info.Id); !isUnknownRadar(err) {
		t.Fatal("expected Info to fail after Remove")
	}

	dispatchCancel()
	cancel()
}

func TestRegistry_NotifyBeaconRoutesToExistingSessionWithoutDuplicateAdd(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	info := radar.Info{Id: radar.New(radar.VendorNavico, "ABC123", "")}
	r.Add(ctx, info, fakeCodec{}, &fakeTransport{}, fakeMetrics{}, testConfig())

	if !r.NotifyBeacon(info.Id) {
		t.Fatal("NotifyBeacon on a tracked radar should return true")
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d sessions, want exactly 1 (NotifyBeacon must not create a second)", len(list))
	}

	r.Close()
}

func TestRegistry_NotifyBeaconUnknownRadarReturnsFalse(t *testing.T) {
	r := newTestRegistry(t)
	if r.NotifyBeacon(radar.Id("nonexistent")) {
		t.Fatal("NotifyBeacon on an untracked radar should return false so the caller falls back to Add")
	}
}

type reportCodec struct {
	mu      sync.Mutex
	control radar.ControlId
	number  float64
}

func (c *reportCodec) ParseReport([]byte) (radar.ReportUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return radar.ReportUpdate{Controls: map[radar.ControlId]radar.ControlValue{
		c.control: {Kind: radar.KindCompound, Mode: "manual", Number: c.number, HasNum: true},
	}}, nil
}
func (c *reportCodec) ParseSpoke([]byte) ([]radar.Spoke, error) { return nil, nil }
func (c *reportCodec) EncodeCommand(radar.ControlId, radar.ControlValue) ([]byte, error) {
	return []byte{0x01}, nil
}

func (c *reportCodec) set(number float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.number = number
}

// TestRegistry_ReportDrivenControlChangePublishedAsControlChanged exercises
// the full Session -> rawNotifyCh -> RunDispatch -> Events() path for a
// report arriving with no FSM transition (spec.md §4.5/§8 scenario 4): the
// session must still reach Online via a first report, and a later report
// with a different value must surface exactly one EventControlChanged,
// with no spurious EventStatusChanged riding along with it.
func TestRegistry_ReportDrivenControlChangePublishedAsControlChanged(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatchCtx, dispatchCancel := context.WithCancel(ctx)
	go r.RunDispatch(dispatchCtx)
	defer dispatchCancel()

	info := radar.Info{Id: radar.New(radar.VendorNavico, "ABC123", "")}
	codec := &reportCodec{control: radar.ControlGain, number: 50}
	session := r.Add(ctx, info, codec, &fakeTransport{}, fakeMetrics{}, testConfig())

	events, stop := r.Events(ctx)
	defer stop()
	<-events // Added

	session.NotifyBeacon()
	drainEvent(t, events, EventStatusChanged) // -> Connecting

	session.DeliverReport([]byte{0x01}) // handshake reply: first observation, seeds silently
	drainEvent(t, events, EventStatusChanged) // -> Online

	session.DeliverReport([]byte{0x01}) // unchanged value: must not publish anything
	select {
	case e := <-events:
		t.Fatalf("got unexpected event %+v for an unchanged report", e)
	case <-time.After(150 * time.Millisecond):
	}

	codec.set(75)
	session.DeliverReport([]byte{0x01})
	e := drainEvent(t, events, EventControlChanged)
	if e.Control != radar.ControlGain || e.Value.Number != 75 || e.OldValue.Number != 50 {
		t.Fatalf("got %+v, want gain 50->75", e)
	}

	r.Close()
}

func drainEvent(t *testing.T, events <-chan Event, want EventKind) Event {
	t.Helper()
	select {
	case e := <-events:
		if e.Kind != want {
			t.Fatalf("got event kind %v, want %v", e.Kind, want)
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event kind %v", want)
		return Event{}
	}
}

func TestRegistry_SessionAutoRemovedOnGraceExpiry(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatchCtx, dispatchCancel := context.WithCancel(ctx)
	go r.RunDispatch(dispatchCtx)
	defer dispatchCancel()

	info := radar.Info{Id: radar.New(radar.VendorNavico, "ABC123", "")}
	r.Add(ctx, info, fakeCodec{}, &fakeTransport{}, fakeMetrics{}, testConfig())

	events, stop := r.Events(ctx)
	defer stop()
	<-events // Added

	// Kick the session out of Discovered (where no timer ever fires) into
	// Connecting. No report ever answers the handshake, so it falls through
	// HandshakeFailed -> Degraded -> (LostTimeout) -> Lost -> (GraceTimeout)
	// -> Remove entirely on its own, without anyone calling Remove.
	if !r.NotifyBeacon(info.Id) {
		t.Fatal("expected NotifyBeacon to find the freshly added session")
	}

	// Several StatusChanged events (Connecting, Degraded, Lost) arrive ahead
	// of the terminal Removed event; skip past them.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == EventRemoved {
				if e.Id != info.Id {
					t.Fatalf("got Removed for %v, want %v", e.Id, info.Id)
				}
				goto removed
			}
		case <-deadline:
			t.Fatal("timed out waiting for automatic Removed event after grace expiry")
		}
	}
removed:

	if _, err := r.Info(ctx, info.Id); !isUnknownRadar(err) {
		t.Fatal("expected Info to fail once the grace-expired session is reaped")
	}
}
