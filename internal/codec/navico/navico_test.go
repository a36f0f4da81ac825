package navico

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/mayara-project/mayara/internal/radar"
)

func TestParseBeacon_SingleChannel(t *testing.T) {
	payload := buildBeacon("ABC123", 1)

	infos, err := Codec{}.ParseBeacon(payload, netAddr(t), "eth0")
	if err != nil {
		t.Fatalf("ParseBeacon: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d infos, want 1", len(infos))
	}
	if infos[0].Channel != "" {
		t.Fatalf("got channel %q, want empty for single-channel unit", infos[0].Channel)
	}
	if infos[0].Serial != "ABC123" {
		t.Fatalf("got serial %q, want ABC123", infos[0].Serial)
	}
}

func TestParseBeacon_DualRangeProducesTwoChannels(t *testing.T) {
	payload := buildBeacon("ABC123", 2)

	infos, err := Codec{}.ParseBeacon(payload, netAddr(t), "eth0")
	if err != nil {
		t.Fatalf("ParseBeacon: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d infos, want 2", len(infos))
	}
	if infos[0].Channel != "A" || infos[1].Channel != "B" {
		t.Fatalf("got channels %q/%q, want A/B", infos[0].Channel, infos[1].Channel)
	}
	if infos[0].Serial != infos[1].Serial {
		t.Fatalf("dual-range channels must share a serial: %q != %q", infos[0].Serial, infos[1].Serial)
	}
	if infos[0].Id == infos[1].Id {
		t.Fatalf("dual-range channels must have distinct RadarIds, got %q for both", infos[0].Id)
	}
}

func TestParseReport_Range(t *testing.T) {
	payload := make([]byte, 5)
	payload[0] = reportRange
	binary.LittleEndian.PutUint32(payload[1:], 200) // 200 decimetres = 20m

	update, err := Codec{}.ParseReport(payload)
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	v := update.Controls[radar.ControlRange]
	if v.Number != 20 {
		t.Fatalf("got range %v, want 20", v.Number)
	}
}

func TestParseSpoke_PreservesDopplerNibbles(t *testing.T) {
	// One spoke, angle=5, range=100, 1 packed byte: hi=0x0F (approaching), lo=0x0E (receding).
	payload := []byte{
		1,                // batch size
		5, 0,             // angle LE
		100, 0, 0, 0,     // range LE
		1,                // data length (packed bytes)
		0xFE,             // lo=0x0E, hi=0x0F
	}

	spokes, err := Codec{}.ParseSpoke(payload)
	if err != nil {
		t.Fatalf("ParseSpoke: %v", err)
	}
	if len(spokes) != 1 {
		t.Fatalf("got %d spokes, want 1", len(spokes))
	}
	s := spokes[0]
	if s.Angle != 5 || s.RangeM != 100 {
		t.Fatalf("got angle=%d range=%d, want angle=5 range=100", s.Angle, s.RangeM)
	}
	if len(s.Data) != 2 || s.Data[0] != nibbleDopplerReceding || s.Data[1] != nibbleDopplerApproaching {
		t.Fatalf("got data %v, want [0x0E, 0x0F] (Doppler role tags preserved)", s.Data)
	}
}

// buildBeacon constructs a synthetic beacon payload matching
// decodeBeaconChannels' framing, for use as a round-trip fixture.
func buildBeacon(serial string, numChannels int) []byte {
	buf := []byte{byte(len(serial))}
	buf = append(buf, []byte(serial)...)
	buf = append(buf, byte(numChannels))
	for i := 0; i < numChannels; i++ {
		spoke := []byte{10, 0, 0, byte(1 + i), 0xDE, 0x1A}
		report := []byte{10, 0, 0, byte(2 + i), 0xDF, 0x1A}
		buf = append(buf, spoke...)
		buf = append(buf, report...)
	}
	return buf
}

func netAddr(t *testing.T) netip.Addr {
	t.Helper()
	return netip.MustParseAddr("10.0.0.9")
}
