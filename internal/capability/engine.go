// Package capability implements the CapabilityEngine (spec.md §4.7): a
// read-only model database embedded into the binary, and the synthesis of
// a CapabilityManifest from a radar's live RadarInfo/RadarState.
//
// The database is parsed once at process bootstrap, grounded on the
// "construct once in a deterministic bootstrap step" rule of spec.md §9,
// using gopkg.in/yaml.v3 the same way the teacher's go.mod carries it
// directly for its own settings-roundtrip fixtures.
package capability

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mayara-project/mayara/internal/radar"
)

//go:embed models.yaml
var modelsYAML []byte

// modelKey identifies one (vendor, model-family) row in the database.
type modelKey struct {
	vendor radar.Vendor
	model  string
}

// Profile is one model-family's static characteristics and supported
// control set, as read from models.yaml.
type Profile struct {
	Vendor              radar.Vendor
	Model               string
	MinRangeM           uint32
	MaxRangeM           uint32
	SupportedRangesM    []uint32
	SpokesPerRevolution uint16
	MaxSpokeLength      uint16
	HasDoppler          bool
	HasDualRange        bool
	NoTransmitZoneCount uint8
	ExtendedControls    []radar.ControlId
	ConstraintTemplate  string
}

type yamlModel struct {
	Vendor              string   `yaml:"vendor"`
	Model               string   `yaml:"model"`
	MinRangeM           uint32   `yaml:"min_range_m"`
	MaxRangeM           uint32   `yaml:"max_range_m"`
	SupportedRangesM    []uint32 `yaml:"supported_ranges_m"`
	SpokesPerRevolution uint16   `yaml:"spokes_per_revolution"`
	MaxSpokeLength      uint16   `yaml:"max_spoke_length"`
	HasDoppler          bool     `yaml:"has_doppler"`
	HasDualRange        bool     `yaml:"has_dual_range"`
	NoTransmitZoneCount uint8    `yaml:"no_transmit_zone_count"`
	ExtendedControls    []string `yaml:"extended_controls"`
	ConstraintTemplate  string   `yaml:"constraint_template"`
}

type yamlRoot struct {
	Models []yamlModel `yaml:"models"`
}

var vendorByName = map[string]radar.Vendor{
	"navico":    radar.VendorNavico,
	"furuno":    radar.VendorFuruno,
	"raymarine": radar.VendorRaymarine,
	"garmin":    radar.VendorGarmin,
}

// baseControls are advertised for every radar, known model or not.
var baseControls = []radar.ControlId{
	radar.ControlPower,
	radar.ControlRange,
	radar.ControlGain,
	radar.ControlSea,
	radar.ControlRain,
}

// Engine holds the parsed, process-wide read-only model database.
type Engine struct {
	profiles map[modelKey]Profile
}

// New parses the embedded model database. It only fails if models.yaml
// itself is malformed, which would be a build-time defect, not a runtime
// condition callers need to recover from.
func New() (*Engine, error) {
	var root yamlRoot
	if err := yaml.Unmarshal(modelsYAML, &root); err != nil {
		return nil, fmt.Errorf("capability: parse model database: %w", err)
	}

	profiles := make(map[modelKey]Profile, len(root.Models))
	for _, m := range root.Models {
		vendor, ok := vendorByName[m.Vendor]
		if !ok {
			return nil, fmt.Errorf("capability: model database: unknown vendor %q", m.Vendor)
		}
		extended := make([]radar.ControlId, len(m.ExtendedControls))
		for i, c := range m.ExtendedControls {
			extended[i] = radar.ControlId(c)
		}
		key := modelKey{vendor: vendor, model: m.Model}
		profiles[key] = Profile{
			Vendor:              vendor,
			Model:               m.Model,
			MinRangeM:           m.MinRangeM,
			MaxRangeM:           m.MaxRangeM,
			SupportedRangesM:    m.SupportedRangesM,
			SpokesPerRevolution: m.SpokesPerRevolution,
			MaxSpokeLength:      m.MaxSpokeLength,
			HasDoppler:          m.HasDoppler,
			HasDualRange:        m.HasDualRange,
			NoTransmitZoneCount: m.NoTransmitZoneCount,
			ExtendedControls:    extended,
			ConstraintTemplate:  m.ConstraintTemplate,
		}
	}
	return &Engine{profiles: profiles}, nil
}

// Lookup returns the static profile for a (vendor, model) pair, if known.
func (e *Engine) Lookup(vendor radar.Vendor, model string) (Profile, bool) {
	p, ok := e.profiles[modelKey{vendor: vendor, model: model}]
	return p, ok
}

// Manifest synthesises a CapabilityManifest for a radar (spec.md §4.7). A
// radar whose model family is not yet known gets a provisional manifest
// advertising only Base controls, with conservative bounds; callers MUST
// NOT cache a provisional manifest.
func (e *Engine) Manifest(id radar.Id, vendor radar.Vendor, model string, liveMaxRangeM uint32) radar.CapabilityManifest {
	profile, known := e.Lookup(vendor, model)
	if !known {
		return radar.CapabilityManifest{
			Id:     id,
			Vendor: vendor,
			Model:  "Unknown",
			Characteristics: radar.Characteristics{
				MinRangeM: 50,
				MaxRangeM: 1000,
			},
			Controls:    definitionsFor(baseControls, nil),
			Provisional: true,
		}
	}

	ranges := intersectRanges(profile.SupportedRangesM, liveMaxRangeM)
	manifest := radar.CapabilityManifest{
		Id:     id,
		Vendor: vendor,
		Model:  profile.Model,
		Characteristics: radar.Characteristics{
			MinRangeM:           profile.MinRangeM,
			MaxRangeM:           profile.MaxRangeM,
			SupportedRangesM:    ranges,
			SpokesPerRevolution: profile.SpokesPerRevolution,
			MaxSpokeLength:      profile.MaxSpokeLength,
			HasDoppler:          profile.HasDoppler,
			HasDualRange:        profile.HasDualRange,
			NoTransmitZoneCount: profile.NoTransmitZoneCount,
		},
		Controls:    definitionsFor(baseControls, profile.ExtendedControls),
		Constraints: constraintsFor(profile.ConstraintTemplate),
	}
	applyDiscreteRanges(manifest.Controls, ranges)
	return manifest
}

// applyDiscreteRanges attaches the model's supported_ranges_m as the
// range control's discrete value set, so ControlRouter can snap a
// requested range to the nearest supported value.
func applyDiscreteRanges(defs []radar.ControlDefinition, ranges []uint32) {
	for i := range defs {
		if defs[i].Id != radar.ControlRange {
			continue
		}
		discrete := make([]float64, len(ranges))
		for j, r := range ranges {
			discrete[j] = float64(r)
		}
		defs[i].Discrete = discrete
		defs[i].HasDiscrete = len(discrete) > 0
	}
}

// intersectRanges returns the subset of the model's discrete range table
// that does not exceed the radar's live advertised maximum (spec.md §4.7
// point 4), sorted ascending.
func intersectRanges(modelRanges []uint32, liveMax uint32) []uint32 {
	if liveMax == 0 {
		out := make([]uint32, len(modelRanges))
		copy(out, modelRanges)
		return out
	}
	out := make([]uint32, 0, len(modelRanges))
	for _, r := range modelRanges {
		if r <= liveMax {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func definitionsFor(base, extended []radar.ControlId) []radar.ControlDefinition {
	defs := make([]radar.ControlDefinition, 0, len(base)+len(extended))
	for _, c := range base {
		defs = append(defs, controlDefinition(c, radar.CategoryBase))
	}
	for _, c := range extended {
		defs = append(defs, controlDefinition(c, radar.CategoryExtended))
	}
	return defs
}

// controlDefinition returns the shape (kind/bounds) for each semantic
// control. Bounds here are the wire-agnostic defaults; models with a
// narrower live range still go through intersectRanges for the range
// control specifically.
func controlDefinition(id radar.ControlId, category radar.ControlCategory) radar.ControlDefinition {
	switch id {
	case radar.ControlPower:
		return radar.ControlDefinition{Id: id, Category: category, Kind: radar.KindEnum, Enum: []string{"off", "standby", "transmit", "warming"}}
	case radar.ControlRange:
		return radar.ControlDefinition{Id: id, Category: category, Kind: radar.KindNumber}
	case radar.ControlGain, radar.ControlSea, radar.ControlRain:
		return radar.ControlDefinition{Id: id, Category: category, Kind: radar.KindCompound, Min: 0, Max: 100}
	case radar.ControlDopplerMode, radar.ControlBirdMode, radar.ControlAutoAcquire:
		return radar.ControlDefinition{Id: id, Category: category, Kind: radar.KindBool}
	case radar.ControlPresetMode:
		return radar.ControlDefinition{Id: id, Category: category, Kind: radar.KindEnum, Enum: []string{"custom", "harbor", "offshore", "weather", "bird"}}
	default:
		return radar.ControlDefinition{Id: id, Category: category, Kind: radar.KindNumber, Min: 0, Max: 100}
	}
}

// constraintsFor returns the constraint set for a named template
// (spec.md §4.7 point 3). Only "halo" is defined today; an unknown or
// empty template yields no constraints rather than an error, since most
// model families have none.
func constraintsFor(template string) []radar.Constraint {
	switch template {
	case "halo":
		notCustom := func(state radar.RadarState) bool {
			v, ok := state.Controls[radar.ControlPresetMode]
			return ok && v.Enum != "" && v.Enum != "custom"
		}
		return []radar.Constraint{
			{Control: radar.ControlGain, ReadOnlyIf: notCustom, Reason: "Controlled by active preset"},
			{Control: radar.ControlSea, ReadOnlyIf: notCustom, Reason: "Controlled by active preset"},
			{Control: radar.ControlRain, ReadOnlyIf: notCustom, Reason: "Controlled by active preset"},
		}
	default:
		return nil
	}
}
