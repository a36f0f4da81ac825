// Package raymarine decodes the two Raymarine binary multicast dialects,
// Quantum and RD (spec.md §4.4). Dispatch between them is a simple
// length-band switch (>=260 bytes => Quantum, 250..259 => RD) per
// DESIGN.md's Open Question decision — no further heuristics.
package raymarine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/mayara-project/mayara/internal/radar"
)

var (
	Group      = netip.MustParseAddr("224.0.0.1")
	Port uint16 = 5800
)

var (
	ErrBeaconTooShort = errors.New("raymarine: beacon payload too short")
	ErrReportTooShort = errors.New("raymarine: status payload too short")
	ErrUnknownDialect = errors.New("raymarine: status payload length matches neither dialect")
)

const (
	quantumMinLen = 260
	rdMinLen      = 250
	rdMaxLen      = 259
)

// Quantum opcodes (spec.md §4.4).
const (
	opGain       = 0xC401
	opSea        = 0xC402
	opRain       = 0xC403
	opRangeIndex = 0xC404
	opPower      = 0xC405
)

// RD leads.
const (
	leadGain = 0x01
	leadSea  = 0x02
	leadRain = 0x03
)

type dialect uint8

const (
	dialectQuantum dialect = iota
	dialectRD
)

func classify(length int) (dialect, error) {
	switch {
	case length >= quantumMinLen:
		return dialectQuantum, nil
	case length >= rdMinLen && length <= rdMaxLen:
		return dialectRD, nil
	default:
		return 0, ErrUnknownDialect
	}
}

// Codec implements radar.Codec and locator.BeaconCodec for Raymarine.
type Codec struct{}

func (Codec) Vendor() radar.Vendor { return radar.VendorRaymarine }
func (Codec) Group() netip.Addr    { return Group }
func (Codec) Port() uint16         { return Port }

func (Codec) ParseBeacon(payload []byte, src netip.Addr, ifName string) ([]radar.Info, error) {
	if len(payload) < 16 {
		return nil, ErrBeaconTooShort
	}
	serial := fmt.Sprintf("%x", payload[:8])
	spokePort := binary.LittleEndian.Uint16(payload[8:10])
	reportPort := binary.LittleEndian.Uint16(payload[10:12])
	commandPort := binary.LittleEndian.Uint16(payload[12:14])

	return []radar.Info{{
		Id:     radar.New(radar.VendorRaymarine, serial, ""),
		Vendor: radar.VendorRaymarine,
		Serial: serial,
		Endpoints: radar.Endpoints{
			Spoke:   fmt.Sprintf("%s:%d", src, spokePort),
			Report:  fmt.Sprintf("%s:%d", src, reportPort),
			Command: fmt.Sprintf("%s:%d", src, commandPort),
		},
		NIC: ifName,
	}}, nil
}

func (Codec) ParseReport(payload []byte) (radar.ReportUpdate, error) {
	d, err := classify(len(payload))
	if err != nil {
		return radar.ReportUpdate{}, err
	}
	if len(payload) < 4 {
		return radar.ReportUpdate{}, ErrReportTooShort
	}

	switch d {
	case dialectQuantum:
		opcode := binary.LittleEndian.Uint16(payload[0:2])
		value := payload[3]
		return quantumReport(opcode, value)
	default:
		lead := payload[2]
		value := payload[3]
		return rdReport(lead, value)
	}
}

func quantumReport(opcode uint16, value byte) (radar.ReportUpdate, error) {
	var control radar.ControlId
	switch opcode {
	case opGain:
		control = radar.ControlGain
	case opSea:
		control = radar.ControlSea
	case opRain:
		control = radar.ControlRain
	case opRangeIndex:
		control = radar.ControlRange
	case opPower:
		control = radar.ControlPower
	default:
		return radar.ReportUpdate{}, fmt.Errorf("raymarine: unknown quantum opcode 0x%04x", opcode)
	}
	return radar.ReportUpdate{
		Controls: map[radar.ControlId]radar.ControlValue{
			control: {Kind: radar.KindNumber, Number: float64(value)},
		},
	}, nil
}

func rdReport(lead byte, value byte) (radar.ReportUpdate, error) {
	var control radar.ControlId
	switch lead {
	case leadGain:
		control = radar.ControlGain
	case leadSea:
		control = radar.ControlSea
	case leadRain:
		control = radar.ControlRain
	default:
		return radar.ReportUpdate{}, fmt.Errorf("raymarine: unknown RD lead 0x%02x", lead)
	}
	return radar.ReportUpdate{
		Controls: map[radar.ControlId]radar.ControlValue{
			control: {Kind: radar.KindNumber, Number: float64(value)},
		},
	}, nil
}

// ParseSpoke decodes a batch of Raymarine spokes. Both dialects share the
// same spoke framing: a 2-byte angle, 4-byte range in centimetres, and a
// length-prefixed intensity sequence.
func (Codec) ParseSpoke(payload []byte) ([]radar.Spoke, error) {
	const headerLen = 7
	if len(payload) < headerLen {
		return nil, ErrReportTooShort
	}
	angle := binary.LittleEndian.Uint16(payload[0:2])
	rangeCm := binary.LittleEndian.Uint32(payload[2:6])
	dataLen := int(payload[6])
	if len(payload) < headerLen+dataLen {
		return nil, ErrReportTooShort
	}
	data := make([]byte, dataLen)
	copy(data, payload[headerLen:headerLen+dataLen])

	return []radar.Spoke{{
		Angle:  angle,
		RangeM: rangeCm / 100,
		Data:   data,
	}}, nil
}

// EncodeCommand encodes a semantic control change in the Quantum command
// framing. EncodeCommand has no session context from which to learn the
// radar's dialect, so every command, including one for an RD unit, uses
// this framing; no RD-specific command header is produced.
func (Codec) EncodeCommand(control radar.ControlId, value radar.ControlValue) ([]byte, error) {
	var opcode uint16
	switch control {
	case radar.ControlGain:
		opcode = opGain
	case radar.ControlSea:
		opcode = opSea
	case radar.ControlRain:
		opcode = opRain
	case radar.ControlRange:
		opcode = opRangeIndex
	case radar.ControlPower:
		opcode = opPower
	default:
		return nil, fmt.Errorf("raymarine: control %s not supported", control)
	}

	val := byte(0)
	if value.HasNum {
		val = byte(value.Number)
	} else if value.Kind == radar.KindNumber {
		val = byte(value.Number)
	}

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], opcode)
	buf[2] = 0x28
	buf[3] = val
	return buf, nil
}
