// Package radar holds the vendor-neutral radar data model, the per-radar
// session state machine, and the session run loop that drives discovery,
// polling, command dispatch and spoke hand-off for a single radar.
package radar

import (
	"fmt"
	"time"
)

// Vendor identifies one of the four supported radar manufacturers.
type Vendor uint8

const (
	VendorNavico Vendor = iota
	VendorFuruno
	VendorRaymarine
	VendorGarmin
)

var vendorNames = [...]string{"Navico", "Furuno", "Raymarine", "Garmin"}

func (v Vendor) String() string {
	if int(v) < len(vendorNames) {
		return vendorNames[v]
	}
	return fmt.Sprintf("Vendor(%d)", uint8(v))
}

// Id is the stable opaque identifier of a logical radar: "<Vendor>-<Serial>"
// or "<Vendor>-<Serial>-<Channel>" when a physical unit exposes multiple
// virtual radars (Navico dual-range: channels A and B). The channel suffix
// is part of identity, never derived from it at runtime.
type Id string

// New builds an Id from its constituent parts. channel is empty for
// single-channel radars.
func New(vendor Vendor, serial, channel string) Id {
	if channel == "" {
		return Id(fmt.Sprintf("%s-%s", vendor, serial))
	}
	return Id(fmt.Sprintf("%s-%s-%s", vendor, serial, channel))
}

// Endpoints holds the three UDP/TCP endpoints a beacon advertises for one
// radar channel: spoke data, status/settings reports, and command intake.
type Endpoints struct {
	Spoke   string // multicast group:port, or empty if not yet known
	Report  string
	Command string // unicast address:port, or the TCP command address:port for Furuno
}

// Info is the static-ish identity and addressing record for a discovered
// radar, built from beacon data and refined as reports arrive.
type Info struct {
	Id        Id
	Vendor    Vendor
	Serial    string
	Channel   string // "" or "A"/"B" for dual-range/dual-scan units
	Model     string // model family, filled in once known from reports
	Endpoints Endpoints
	NIC       string // interface name selected for this radar's command path
}

// Legend describes how to interpret Spoke pixel values for a given radar,
// synthesized from CapabilityManifest and the live RadarState.
type Legend struct {
	Doppler bool // true if 0x0E/0x0F nibbles carry Doppler role tags
}

// Spoke is one normalised polar scan line.
type Spoke struct {
	Angle       uint16 // native sector grid position, [0, SpokesPerRevolution)
	HasBearing  bool
	Bearing     uint16 // valid iff HasBearing
	RangeM      uint32
	TimestampMs uint64
	Data        []byte // length <= CapabilityManifest.Characteristics.MaxSpokeLength
	HasPosition bool
	LatE7       int32 // fixed-point, 1e-7 degrees, valid iff HasPosition
	LonE7       int32
}

// ControlId is the closed set of semantic controls a radar may expose.
type ControlId string

const (
	ControlPower                 ControlId = "power"
	ControlRange                 ControlId = "range"
	ControlGain                  ControlId = "gain"
	ControlSea                   ControlId = "sea"
	ControlRain                  ControlId = "rain"
	ControlInterferenceRejection ControlId = "interferenceRejection"
	ControlBeamSharpening        ControlId = "beamSharpening"
	ControlDopplerMode           ControlId = "dopplerMode"
	ControlBirdMode              ControlId = "birdMode"
	ControlTargetSeparation      ControlId = "targetSeparation"
	ControlNoiseRejection        ControlId = "noiseRejection"
	ControlScanSpeed             ControlId = "scanSpeed"
	ControlPresetMode            ControlId = "presetMode"
	ControlNoTransmitZones       ControlId = "noTransmitZones"
	ControlBearingAlignment      ControlId = "bearingAlignment"
	ControlAntennaHeight         ControlId = "antennaHeight"
	ControlTxChannel             ControlId = "txChannel"
	ControlAutoAcquire           ControlId = "autoAcquire"
)

// ControlCategory distinguishes controls every radar supports from the
// vendor/model-specific subset.
type ControlCategory uint8

const (
	CategoryBase ControlCategory = iota
	CategoryExtended
)

// ValueKind describes the shape of a ControlValue.
type ValueKind uint8

const (
	KindEnum ValueKind = iota
	KindNumber
	KindCompound // {mode, value?} e.g. gain/sea/rain
	KindBool
)

// ControlValue is the tagged-union wire-agnostic value carried by SetControl
// and RadarState.Controls.
type ControlValue struct {
	Kind    ValueKind
	Enum    string
	Number  float64
	Mode    string // for KindCompound: "manual" | "auto" | vendor-specific enum
	HasNum  bool   // for KindCompound: whether Number is meaningful
	Bool    bool
	Screen  string // optional "0"/"1" qualifier for dual-range/dual-scan per-screen controls
}

// Constraint narrows or disables a control under a dynamic condition, e.g.
// "gain/sea/rain are read-only while presetMode != custom".
type Constraint struct {
	Control    ControlId
	ReadOnlyIf func(state RadarState) bool
	Reason     string
}

// ControlDefinition advertises one control's shape and bounds for a given
// radar model.
type ControlDefinition struct {
	Id          ControlId
	Category    ControlCategory
	Kind        ValueKind
	Enum        []string  // valid values for KindEnum
	Min, Max    float64   // valid range for KindNumber
	Discrete    []float64 // valid values for KindNumber when non-continuous (e.g. supported ranges)
	HasDiscrete bool
}

// Characteristics is the static model-family profile used to build a
// CapabilityManifest.
type Characteristics struct {
	MinRangeM           uint32
	MaxRangeM           uint32
	SupportedRangesM    []uint32
	SpokesPerRevolution uint16
	MaxSpokeLength      uint16
	HasDoppler          bool
	HasDualRange        bool
	NoTransmitZoneCount uint8
}

// CapabilityManifest is the complete description of one radar handed back
// by CapabilityEngine.
type CapabilityManifest struct {
	Id              Id
	Vendor          Vendor
	Model           string
	Characteristics Characteristics
	Controls        []ControlDefinition
	Constraints     []Constraint
	// Provisional is true when the manifest was synthesised before the
	// model family was identified: only Base controls with conservative
	// bounds are advertised.
	Provisional bool
}

// SessionState is the per-radar connection lifecycle (spec.md §3).
type SessionState uint8

const (
	StateDiscovered SessionState = iota
	StateConnecting
	StateOnline
	StateDegraded
	StateLost
)

var sessionStateNames = [...]string{"Discovered", "Connecting", "Online", "Degraded", "Lost"}

func (s SessionState) String() string {
	if int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return fmt.Sprintf("SessionState(%d)", uint8(s))
}

// RadarState is the live, observed state of one radar.
type RadarState struct {
	Id         Id
	Session    SessionState
	Controls   map[ControlId]ControlValue
	LastSeen   time.Time
	LastError  string
}

// Clone returns a deep-enough copy of s suitable for handing to a caller
// outside the owning session's goroutine.
func (s RadarState) Clone() RadarState {
	out := s
	out.Controls = make(map[ControlId]ControlValue, len(s.Controls))
	for k, v := range s.Controls {
		out.Controls[k] = v
	}
	return out
}

// ErrorKind is the closed set of caller-facing error classifications
// (spec.md §6/§7): UnknownRadar, UnknownControl, InvalidValue, Disabled,
// NotSupported, Timeout, Unavailable, Internal.
type ErrorKind uint8

const (
	ErrorUnknownRadar ErrorKind = iota
	ErrorUnknownControl
	ErrorInvalidValue
	ErrorDisabled
	ErrorNotSupported
	ErrorTimeout
	ErrorUnavailable
	ErrorInternal
)

var errorKindNames = [...]string{
	"UnknownRadar", "UnknownControl", "InvalidValue", "Disabled", "NotSupported", "Timeout", "Unavailable", "Internal",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// APIError is the caller-facing error type returned by Registry operations.
// Grounded on the teacher's mapManagerError classification in
// internal/server/server.go, retargeted from ConnectRPC codes to ErrorKind.
type APIError struct {
	Kind   ErrorKind
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// NewAPIError builds an APIError.
func NewAPIError(kind ErrorKind, detail string) *APIError {
	return &APIError{Kind: kind, Detail: detail}
}
