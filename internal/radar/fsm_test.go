package radar

import "testing"

func TestApplyEvent_DiscoveredToConnecting(t *testing.T) {
	result := ApplyEvent(StateDiscovered, EventBeacon)
	if !result.Changed || result.NewState != StateConnecting {
		t.Fatalf("got %+v, want Changed=true NewState=Connecting", result)
	}
	if len(result.Actions) != 1 || result.Actions[0] != ActionStartHandshake {
		t.Fatalf("got actions %v, want [StartHandshake]", result.Actions)
	}
}

func TestApplyEvent_OnlineSelfLoopsDoNotChange(t *testing.T) {
	for _, ev := range []Event{EventReportReceived, EventBeacon} {
		result := ApplyEvent(StateOnline, ev)
		if result.Changed {
			t.Fatalf("event %v: got Changed=true, want false (self-loop)", ev)
		}
		if result.NewState != StateOnline {
			t.Fatalf("event %v: got NewState=%v, want Online", ev, result.NewState)
		}
	}
}

func TestApplyEvent_DegradedRecoversOnTraffic(t *testing.T) {
	for _, ev := range []Event{EventReportReceived, EventBeacon} {
		result := ApplyEvent(StateDegraded, ev)
		if !result.Changed || result.NewState != StateOnline {
			t.Fatalf("event %v: got %+v, want Changed=true NewState=Online", ev, result)
		}
	}
}

func TestApplyEvent_DegradedLostTimeoutEscalates(t *testing.T) {
	result := ApplyEvent(StateDegraded, EventLostTimeout)
	if !result.Changed || result.NewState != StateLost {
		t.Fatalf("got %+v, want Changed=true NewState=Lost", result)
	}
}

func TestApplyEvent_LostRediscoveryReturnsToConnecting(t *testing.T) {
	result := ApplyEvent(StateLost, EventBeacon)
	if !result.Changed || result.NewState != StateConnecting {
		t.Fatalf("got %+v, want Changed=true NewState=Connecting", result)
	}
}

func TestApplyEvent_LostGraceExpiredRemoves(t *testing.T) {
	result := ApplyEvent(StateLost, EventGraceExpired)
	if result.Changed {
		t.Fatalf("got Changed=true, want false (Lost is terminal on the state axis)")
	}
	found := false
	for _, a := range result.Actions {
		if a == ActionRemove {
			found = true
		}
	}
	if !found {
		t.Fatalf("got actions %v, want to include Remove", result.Actions)
	}
}

func TestApplyEvent_UnknownPairIsIgnored(t *testing.T) {
	result := ApplyEvent(StateOnline, EventHandshakeOK)
	if result.Changed {
		t.Fatalf("got Changed=true for an unlisted (state,event) pair, want false")
	}
	if len(result.Actions) != 0 {
		t.Fatalf("got actions %v, want none", result.Actions)
	}
}

func TestEventAndActionString(t *testing.T) {
	if got := EventBeacon.String(); got != "Beacon" {
		t.Fatalf("got %q, want Beacon", got)
	}
	if got := ActionRemove.String(); got != "Remove" {
		t.Fatalf("got %q, want Remove", got)
	}
	if got := Event(99).String(); got != "Unknown" {
		t.Fatalf("got %q, want Unknown", got)
	}
}
