// Package navico decodes and encodes the Navico binary little-endian wire
// dialect (spec.md §4.4), grounded on internal/bfd/packet.go's discipline
// of pure encoding/binary marshal/unmarshal functions with no I/O or
// session dependency.
package navico

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/mayara-project/mayara/internal/radar"
)

var (
	// Group is the Navico beacon multicast group.
	Group = netip.MustParseAddr("236.6.7.5")
	// Port is the Navico beacon multicast port.
	Port uint16 = 6878
)

var (
	ErrBeaconTooShort = errors.New("navico: beacon payload too short")
	ErrReportTooShort = errors.New("navico: report payload too short")
	ErrUnknownReport  = errors.New("navico: unknown report id")
)

// reportStatus/settings/range ids (spec.md §4.4).
const (
	reportStatus   = 0x01
	reportSettings = 0x02
	reportRange    = 0x08
)

// Navico settings report field offsets — empirically observed, not from a
// published Navico specification (see DESIGN.md Open Question decisions).
const (
	offInterference = 5
	offGainAuto     = 11
	offGainVal      = 12
	offSeaMode      = 17
	offSeaAuto      = 21
	offRainVal      = 22
)

var seaModeNames = [...]string{"Manual", "Auto", "Calm", "Moderate", "Rough"}

// Codec implements radar.Codec and locator.BeaconCodec for Navico.
type Codec struct{}

func (Codec) Vendor() radar.Vendor { return radar.VendorNavico }
func (Codec) Group() netip.Addr    { return Group }
func (Codec) Port() uint16         { return Port }

// beaconChannel holds the endpoints announced for one channel of a radar
// (A/B for dual-range units). The beacon record carries a spoke and a report
// endpoint only; command is set to the report endpoint.
type beaconChannel struct {
	channel string
	serial  string
	spoke   string
	report  string
	command string
}

// ParseBeacon decodes a Navico beacon. A dual-range unit announces two
// (spoke, report) endpoint records sharing a serial but carrying distinct
// channel letters (spec.md §4.3); this returns one radar.Info per channel.
// No separate command endpoint is decoded: Endpoints.Command is the
// channel's report endpoint.
func (Codec) ParseBeacon(payload []byte, _ netip.Addr, ifName string) ([]radar.Info, error) {
	channels, err := decodeBeaconChannels(payload)
	if err != nil {
		return nil, err
	}

	infos := make([]radar.Info, 0, len(channels))
	for _, ch := range channels {
		infos = append(infos, radar.Info{
			Id:     radar.New(radar.VendorNavico, ch.serial, ch.channel),
			Vendor: radar.VendorNavico,
			Serial: ch.serial,
			Channel: ch.channel,
			Endpoints: radar.Endpoints{
				Spoke:   ch.spoke,
				Report:  ch.report,
				Command: ch.command,
			},
			NIC: ifName,
		})
	}
	return infos, nil
}

// decodeBeaconChannels is a pure helper kept separate from ParseBeacon so
// it can be unit tested against raw byte fixtures directly.
func decodeBeaconChannels(payload []byte) ([]beaconChannel, error) {
	const minLen = 4
	if len(payload) < minLen {
		return nil, ErrBeaconTooShort
	}

	serialLen := int(payload[0])
	pos := 1
	if len(payload) < pos+serialLen {
		return nil, ErrBeaconTooShort
	}
	serial := string(payload[pos : pos+serialLen])
	pos += serialLen

	if len(payload) < pos+1 {
		return nil, ErrBeaconTooShort
	}
	numChannels := int(payload[pos])
	pos++

	channels := make([]beaconChannel, 0, numChannels)
	letters := "AB"
	for i := 0; i < numChannels; i++ {
		const tripleLen = 12 // 2 endpoints x (4-byte addr + 2-byte port)
		if len(payload) < pos+tripleLen {
			return nil, ErrBeaconTooShort
		}
		spoke := decodeEndpoint(payload[pos : pos+6])
		report := decodeEndpoint(payload[pos+6 : pos+12])
		pos += tripleLen

		channel := ""
		if numChannels > 1 && i < len(letters) {
			channel = string(letters[i])
		}
		channels = append(channels, beaconChannel{
			channel: channel,
			serial:  serial,
			spoke:   spoke,
			report:  report,
			command: report, // Navico shares the report endpoint for commands.
		})
	}
	return channels, nil
}

func decodeEndpoint(b []byte) string {
	ip := netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
	port := binary.LittleEndian.Uint16(b[4:6])
	return fmt.Sprintf("%s:%d", ip, port)
}

// ParseReport decodes one Navico status/settings/range report.
func (Codec) ParseReport(payload []byte) (radar.ReportUpdate, error) {
	if len(payload) < 1 {
		return radar.ReportUpdate{}, ErrReportTooShort
	}

	switch payload[0] {
	case reportStatus:
		return parseStatus(payload)
	case reportSettings:
		return parseSettings(payload)
	case reportRange:
		return parseRange(payload)
	default:
		return radar.ReportUpdate{}, fmt.Errorf("%w: 0x%02x", ErrUnknownReport, payload[0])
	}
}

var powerNames = [...]string{"off", "standby", "warming", "transmit"}

func parseStatus(payload []byte) (radar.ReportUpdate, error) {
	if len(payload) < 2 {
		return radar.ReportUpdate{}, ErrReportTooShort
	}
	idx := int(payload[1])
	if idx >= len(powerNames) {
		idx = 0
	}
	return radar.ReportUpdate{
		Controls: map[radar.ControlId]radar.ControlValue{
			radar.ControlPower: {Kind: radar.KindEnum, Enum: powerNames[idx]},
		},
	}, nil
}

func parseSettings(payload []byte) (radar.ReportUpdate, error) {
	if len(payload) <= offRainVal {
		return radar.ReportUpdate{}, ErrReportTooShort
	}

	gainAuto := payload[offGainAuto] != 0
	gainMode := "manual"
	if gainAuto {
		gainMode = "auto"
	}

	seaAuto := payload[offSeaAuto] != 0
	seaModeIdx := int(payload[offSeaMode])
	seaMode := "Manual"
	if seaModeIdx < len(seaModeNames) {
		seaMode = seaModeNames[seaModeIdx]
	}
	if seaAuto {
		seaMode = "Auto"
	}

	return radar.ReportUpdate{
		Controls: map[radar.ControlId]radar.ControlValue{
			radar.ControlGain: {
				Kind: radar.KindCompound, Mode: gainMode,
				Number: float64(payload[offGainVal]), HasNum: !gainAuto,
			},
			radar.ControlSea: {
				Kind: radar.KindCompound, Mode: seaMode,
			},
			radar.ControlRain: {
				Kind: radar.KindCompound, Mode: "manual",
				Number: float64(payload[offRainVal]), HasNum: true,
			},
			radar.ControlInterferenceRejection: {
				Kind: radar.KindNumber, Number: float64(payload[offInterference]),
			},
		},
	}, nil
}

func parseRange(payload []byte) (radar.ReportUpdate, error) {
	if len(payload) < 5 {
		return radar.ReportUpdate{}, ErrReportTooShort
	}
	decimetres := binary.LittleEndian.Uint32(payload[1:5])
	metres := float64(decimetres) / 10
	return radar.ReportUpdate{
		Controls: map[radar.ControlId]radar.ControlValue{
			radar.ControlRange: {Kind: radar.KindNumber, Number: metres},
		},
	}, nil
}

// dopplerReceding/Approaching nibbles (spec.md §4.4) must survive
// normalisation as role-tagged pixel indices, not be collapsed into
// ordinary intensity values.
const (
	nibbleDopplerReceding  = 0x0E
	nibbleDopplerApproaching = 0x0F
)

// ParseSpoke decodes a batch of spokes packed 2 pixels per byte.
func (Codec) ParseSpoke(payload []byte) ([]radar.Spoke, error) {
	const headerLen = 8
	if len(payload) < headerLen {
		return nil, ErrReportTooShort
	}

	batchSize := int(payload[0])
	pos := 1
	spokes := make([]radar.Spoke, 0, batchSize)

	for i := 0; i < batchSize; i++ {
		const spokeHeaderLen = 7
		if len(payload) < pos+spokeHeaderLen {
			break
		}
		angle := binary.LittleEndian.Uint16(payload[pos : pos+2])
		rangeM := binary.LittleEndian.Uint32(payload[pos+2 : pos+6])
		dataLen := int(payload[pos+6])
		pos += spokeHeaderLen

		if len(payload) < pos+dataLen {
			break
		}
		packed := payload[pos : pos+dataLen]
		pos += dataLen

		data := make([]byte, dataLen*2)
		for j, b := range packed {
			lo := b & 0x0F
			hi := (b >> 4) & 0x0F
			data[j*2] = unpackPixel(lo)
			data[j*2+1] = unpackPixel(hi)
		}

		spokes = append(spokes, radar.Spoke{
			Angle:  angle,
			RangeM: rangeM,
			Data:   data,
		})
	}

	return spokes, nil
}

// unpackPixel preserves the Doppler role-tag nibbles verbatim; ordinary
// intensity nibbles are scaled to a full byte for normalised output.
func unpackPixel(nibble byte) byte {
	if nibble == nibbleDopplerReceding || nibble == nibbleDopplerApproaching {
		return nibble
	}
	return nibble * 17 // 0x0..0xD scaled into 0x00..0xDD, preserving relative intensity.
}

// EncodeCommand encodes a semantic control change into a Navico command
// packet.
func (Codec) EncodeCommand(control radar.ControlId, value radar.ControlValue) ([]byte, error) {
	switch control {
	case radar.ControlPower:
		return encodePower(value)
	case radar.ControlRange:
		return encodeRange(value)
	case radar.ControlGain, radar.ControlSea, radar.ControlRain:
		return encodeCompound(control, value)
	default:
		return nil, fmt.Errorf("navico: control %s not supported", control)
	}
}

func encodePower(value radar.ControlValue) ([]byte, error) {
	idx := 0
	for i, name := range powerNames {
		if name == value.Enum {
			idx = i
		}
	}
	return []byte{reportStatus, byte(idx)}, nil
}

func encodeRange(value radar.ControlValue) ([]byte, error) {
	decimetres := uint32(value.Number * 10)
	buf := make([]byte, 5)
	buf[0] = reportRange
	binary.LittleEndian.PutUint32(buf[1:], decimetres)
	return buf, nil
}

func encodeCompound(control radar.ControlId, value radar.ControlValue) ([]byte, error) {
	id := byte(reportSettings)
	auto := byte(0)
	if value.Mode == "auto" || value.Mode == "Auto" {
		auto = 1
	}
	val := byte(0)
	if value.HasNum {
		val = byte(value.Number)
	}
	return []byte{id, byte(control[0]), auto, val}, nil
}
