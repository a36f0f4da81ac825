package furuno

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/mayara-project/mayara/internal/radar"
)

func TestParseBeacon_DerivesCommandPortFromOffset(t *testing.T) {
	payload := make([]byte, loginResponseLen)
	copy(payload[:4], []byte{0xAB, 0xCD, 0xEF, 0x01})
	payload[8] = 0x05 // offset LE = 5 -> command port 10005

	infos, err := Codec{}.ParseBeacon(payload, netip.MustParseAddr("10.0.0.5"), "eth0")
	if err != nil {
		t.Fatalf("ParseBeacon: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d infos, want 1", len(infos))
	}
	if infos[0].Endpoints.Command != "10.0.0.5:10005" {
		t.Fatalf("got command endpoint %q, want 10.0.0.5:10005", infos[0].Endpoints.Command)
	}
}

func TestParseBeacon_TooShort(t *testing.T) {
	if _, err := (Codec{}).ParseBeacon([]byte{1, 2, 3}, netip.MustParseAddr("10.0.0.5"), "eth0"); err != ErrBeaconTooShort {
		t.Fatalf("got %v, want ErrBeaconTooShort", err)
	}
}

func TestParseReport_NumericControl(t *testing.T) {
	update, err := Codec{}.ParseReport([]byte("$N63,42"))
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	v := update.Controls[radar.ControlGain]
	if !v.HasNum || v.Number != 42 {
		t.Fatalf("got %+v, want gain=42", v)
	}
}

func TestParseReport_PowerEnum(t *testing.T) {
	update, err := Codec{}.ParseReport([]byte("$N69,2"))
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if update.Controls[radar.ControlPower].Enum != "transmit" {
		t.Fatalf("got %+v, want power=transmit", update.Controls[radar.ControlPower])
	}
}

func TestParseReport_PowerEnumStandby(t *testing.T) {
	update, err := Codec{}.ParseReport([]byte("$N69,1"))
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if update.Controls[radar.ControlPower].Enum != "standby" {
		t.Fatalf("got %+v, want power=standby", update.Controls[radar.ControlPower])
	}
}

func TestParseReport_UnknownIdExposedAsOpaqueField(t *testing.T) {
	update, err := Codec{}.ParseReport([]byte("$N99,foo"))
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if len(update.Controls) != 0 {
		t.Fatalf("got %+v, want no controls populated from an unknown field", update.Controls)
	}
	if v, ok := update.Unknown["99"]; !ok || v != "foo" {
		t.Fatalf("got %+v, want an opaque unknown[99]=foo field", update.Unknown)
	}
}

func TestParseReport_TooShort(t *testing.T) {
	if _, err := (Codec{}).ParseReport([]byte("$N")); err != ErrReportTooShort {
		t.Fatalf("got %v, want ErrReportTooShort", err)
	}
}

func TestEncodeCommand_Gain(t *testing.T) {
	payload, err := Codec{}.EncodeCommand(radar.ControlGain, radar.ControlValue{Kind: radar.KindCompound, HasNum: true, Number: 55})
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	if string(payload) != "$S63,55\r\n" {
		t.Fatalf("got %q, want %q", payload, "$S63,55\r\n")
	}
}

func TestEncodeCommand_PowerRoundTripsThroughStatusCode(t *testing.T) {
	payload, err := Codec{}.EncodeCommand(radar.ControlPower, radar.ControlValue{Kind: radar.KindEnum, Enum: "transmit"})
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	if string(payload) != "$S69,2\r\n" {
		t.Fatalf("got %q, want %q", payload, "$S69,2\r\n")
	}

	update, err := Codec{}.ParseReport([]byte("$N69,2"))
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if update.Controls[radar.ControlPower].Enum != "transmit" {
		t.Fatalf("got %+v, want the encoded value to parse back to transmit", update.Controls[radar.ControlPower])
	}
}

func TestEncodeCommand_PowerInvalidEnum(t *testing.T) {
	if _, err := (Codec{}).EncodeCommand(radar.ControlPower, radar.ControlValue{Kind: radar.KindEnum, Enum: "nonsense"}); err == nil {
		t.Fatal("expected an error for an unrecognised power value")
	}
}

func TestEncodeCommand_UnsupportedControl(t *testing.T) {
	if _, err := (Codec{}).EncodeCommand(radar.ControlScanSpeed, radar.ControlValue{}); err == nil {
		t.Fatal("expected an error for an unsupported control")
	}
}

type recordingSink struct {
	lines [][]byte
	done  chan struct{}
}

func (r *recordingSink) DeliverReport(payload []byte) {
	r.lines = append(r.lines, payload)
	if len(r.lines) == 1 {
		close(r.done)
	}
}

func TestDialer_ReadLoopRelaysLines(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	d := &Dialer{conn: client}

	sink := &recordingSink{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = d.ReadLoop(ctx, sink) }()

	go func() { _, _ = server.Write([]byte("$N63,10\r\n")) }()

	select {
	case <-sink.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ReadLoop to relay a line")
	}

	if string(sink.lines[0]) != "$N63,10" {
		t.Fatalf("got %q, want %q", sink.lines[0], "$N63,10")
	}
}
