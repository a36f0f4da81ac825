// Package garmin decodes the Garmin binary multicast dialect on
// 239.254.2.0/24 (spec.md §4.4): 12-byte commands, and status packets whose
// first 4 bytes are a packet type (u32 LE) followed by a 4-byte value.
package garmin

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/mayara-project/mayara/internal/radar"
)

var (
	Group      = netip.MustParseAddr("239.254.2.0")
	Port uint16 = 50100
)

var (
	ErrBeaconTooShort = errors.New("garmin: beacon payload too short")
	ErrReportTooShort = errors.New("garmin: status payload too short")
)

// Status packet types of interest (spec.md §4.4).
const (
	typeTransmit = 0x0919
	typeGainMode  = 0x0924
	typeGainValue = 0x0925
	typeSeaMode   = 0x0939
	typeSeaValue  = 0x093a
	typeRainMode  = 0x0933
	typeRainValue = 0x0934
	typeRange     = 0x091e
)

// Codec implements radar.Codec and locator.BeaconCodec for Garmin.
type Codec struct{}

func (Codec) Vendor() radar.Vendor { return radar.VendorGarmin }
func (Codec) Group() netip.Addr    { return Group }
func (Codec) Port() uint16         { return Port }

func (Codec) ParseBeacon(payload []byte, src netip.Addr, ifName string) ([]radar.Info, error) {
	if len(payload) < 14 {
		return nil, ErrBeaconTooShort
	}
	serial := fmt.Sprintf("%x", payload[:6])
	commandPort := binary.LittleEndian.Uint16(payload[6:8])
	reportPort := binary.LittleEndian.Uint16(payload[8:10])
	spokePort := binary.LittleEndian.Uint16(payload[10:12])

	return []radar.Info{{
		Id:     radar.New(radar.VendorGarmin, serial, ""),
		Vendor: radar.VendorGarmin,
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
	if len(payload) < 8 {
		return radar.ReportUpdate{}, ErrReportTooShort
	}
	packetType := binary.LittleEndian.Uint32(payload[0:4])
	value := binary.LittleEndian.Uint32(payload[4:8])

	switch packetType {
	case typeTransmit:
		state := "off"
		if value != 0 {
			state = "transmit"
		}
		return radar.ReportUpdate{Controls: map[radar.ControlId]radar.ControlValue{
			radar.ControlPower: {Kind: radar.KindEnum, Enum: state},
		}}, nil
	case typeGainMode:
		return modeUpdate(radar.ControlGain, value), nil
	case typeGainValue:
		return valueUpdate(radar.ControlGain, value), nil
	case typeSeaMode:
		return modeUpdate(radar.ControlSea, value), nil
	case typeSeaValue:
		return valueUpdate(radar.ControlSea, value), nil
	case typeRainMode:
		return modeUpdate(radar.ControlRain, value), nil
	case typeRainValue:
		return valueUpdate(radar.ControlRain, value), nil
	case typeRange:
		return radar.ReportUpdate{Controls: map[radar.ControlId]radar.ControlValue{
			radar.ControlRange: {Kind: radar.KindNumber, Number: float64(value)},
		}}, nil
	default:
		return radar.ReportUpdate{}, fmt.Errorf("garmin: unknown packet type 0x%04x", packetType)
	}
}

func modeUpdate(control radar.ControlId, value uint32) radar.ReportUpdate {
	mode := "manual"
	if value != 0 {
		mode = "auto"
	}
	return radar.ReportUpdate{Controls: map[radar.ControlId]radar.ControlValue{
		control: {Kind: radar.KindCompound, Mode: mode},
	}}
}

func valueUpdate(control radar.ControlId, value uint32) radar.ReportUpdate {
	return radar.ReportUpdate{Controls: map[radar.ControlId]radar.ControlValue{
		control: {Kind: radar.KindCompound, Mode: "manual", Number: float64(value), HasNum: true},
	}}
}

// ParseSpoke decodes a batch of Garmin spokes, sharing the angle/range/
// length-prefixed-data framing used by the other binary-multicast vendors.
func (Codec) ParseSpoke(payload []byte) ([]radar.Spoke, error) {
	const headerLen = 8
	if len(payload) < headerLen {
		return nil, ErrReportTooShort
	}
	angle := binary.LittleEndian.Uint16(payload[0:2])
	rangeM := binary.LittleEndian.Uint32(payload[2:6])
	dataLen := int(binary.LittleEndian.Uint16(payload[6:8]))
	if len(payload) < headerLen+dataLen {
		return nil, ErrReportTooShort
	}
	data := make([]byte, dataLen)
	copy(data, payload[headerLen:headerLen+dataLen])

	return []radar.Spoke{{
		Angle:  angle,
		RangeM: rangeM,
		Data:   data,
	}}, nil
}

// EncodeCommand encodes a semantic control change into a 12-byte Garmin
// command packet: packet type (u32 LE), value (u32 LE), 4 reserved bytes.
func (Codec) EncodeCommand(control radar.ControlId, value radar.ControlValue) ([]byte, error) {
	var packetType uint32
	var v uint32

	switch control {
	case radar.ControlPower:
		packetType = typeTransmit
		if value.Enum == "transmit" {
			v = 1
		}
	case radar.ControlRange:
		packetType = typeRange
		v = uint32(value.Number)
	case radar.ControlGain:
		packetType, v = compoundWire(typeGainMode, typeGainValue, value)
	case radar.ControlSea:
		packetType, v = compoundWire(typeSeaMode, typeSeaValue, value)
	case radar.ControlRain:
		packetType, v = compoundWire(typeRainMode, typeRainValue, value)
	default:
		return nil, fmt.Errorf("garmin: control %s not supported", control)
	}

	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], packetType)
	binary.LittleEndian.PutUint32(buf[4:8], v)
	return buf, nil
}

// compoundWire picks the mode packet type when the caller is toggling
// auto/manual, or the value packet type when a numeric value is supplied.
func compoundWire(modeType, valueType uint32, value radar.ControlValue) (uint32, uint32) {
	if !value.HasNum {
		if value.Mode == "auto" {
			return modeType, 1
		}
		return modeType, 0
	}
	return valueType, uint32(value.Number)
}
