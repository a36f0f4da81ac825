// Package radarmetrics implements the radar.Metrics collaborator (spec.md
// §4.6, §7) as a set of Prometheus instruments, grounded on the teacher's
// internal/metrics Collector: the same NewCollector(registerer)
// construction, the same GaugeVec/CounterVec label-set discipline, wired to
// RadarId/Vendor/SessionState instead of BFD peer/local addresses.
package radarmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mayara-project/mayara/internal/radar"
)

const (
	namespace = "mayara"
	subsystem = "radar"
)

// Label names for radar metrics.
const (
	labelRadarId = "radar_id"
	labelVendor  = "vendor"
	labelFrom    = "from_state"
	labelTo      = "to_state"
)

// Collector holds all radar Prometheus metrics and implements radar.Metrics
// (internal/radar/session.go), so it can be handed directly to
// registry.Add/radar.NewSession.
//
//   - Sessions tracks the live state distribution across all known radars.
//   - Beacons/Reports/ParseErrors track the silent band of spec.md §7: wire
//     noise and malformed frames never surface as errors, only counters.
//   - SubscriberLag counts SpokePipeline skip-to-latest events (spec.md
//     §8's subscriber-lag invariant).
type Collector struct {
	// Sessions tracks the number of radars currently in each SessionState.
	Sessions *prometheus.GaugeVec

	// BeaconsReceived counts vendor discovery beacons observed per vendor.
	BeaconsReceived *prometheus.CounterVec

	// ReportsReceived counts report-channel datagrams successfully parsed
	// per radar.
	ReportsReceived *prometheus.CounterVec

	// ParseErrors counts frames that failed codec parsing per vendor,
	// the silent band of spec.md §7 (malformed wire data is never fatal).
	ParseErrors *prometheus.CounterVec

	// StateTransitions counts RadarSession FSM transitions, labeled with
	// the old and new state for alerting (e.g. Online->Lost).
	StateTransitions *prometheus.CounterVec

	// SubscriberLag counts SpokePipeline skip-to-latest events: a slow
	// spoke subscriber fell behind and had a pending batch dropped.
	SubscriberLag *prometheus.CounterVec
}

// NewCollector creates a Collector with all radar metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.BeaconsReceived,
		c.ReportsReceived,
		c.ParseErrors,
		c.StateTransitions,
		c.SubscriberLag,
	)

	return c
}

func newMetrics() *Collector {
	radarLabels := []string{labelRadarId, labelVendor}
	vendorLabels := []string{labelVendor}
	transitionLabels := []string{labelRadarId, labelFrom, labelTo}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of radar sessions currently in each state.",
		}, []string{labelRadarId, labelVendor, "state"}),

		BeaconsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "beacons_received_total",
			Help:      "Total vendor discovery beacons observed.",
		}, vendorLabels),

		ReportsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reports_received_total",
			Help:      "Total report datagrams successfully parsed per radar.",
		}, radarLabels),

		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "parse_errors_total",
			Help:      "Total wire frames that failed codec parsing, per vendor.",
		}, vendorLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total RadarSession FSM state transitions.",
		}, transitionLabels),

		SubscriberLag: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscriber_lag_total",
			Help:      "Total SpokePipeline skip-to-latest events (a slow subscriber dropped a pending batch).",
		}, []string{labelRadarId}),
	}
}

// -------------------------------------------------------------------------
// radar.Metrics implementation
// -------------------------------------------------------------------------

// RecordStateTransition implements radar.Metrics. It updates the Sessions
// gauge (decrementing the old state, incrementing the new one) and counts
// the transition itself.
func (c *Collector) RecordStateTransition(id radar.Id, from, to radar.SessionState) {
	vendor := vendorOf(id)
	c.Sessions.WithLabelValues(string(id), vendor, from.String()).Dec()
	c.Sessions.WithLabelValues(string(id), vendor, to.String()).Inc()
	c.StateTransitions.WithLabelValues(string(id), from.String(), to.String()).Inc()
}

// IncBeacon implements radar.Metrics, counting one Locator beacon observed
// for a radar not yet resolved to a full Id (so only the vendor is known at
// discovery time, unlike the radar-scoped counters below).
func (c *Collector) IncBeacon(id radar.Id) {
	c.BeaconsReceived.WithLabelValues(vendorOf(id)).Inc()
}

// IncReportReceived implements radar.Metrics.
func (c *Collector) IncReportReceived(id radar.Id) {
	c.ReportsReceived.WithLabelValues(string(id), vendorOf(id)).Inc()
}

// IncParseError implements radar.Metrics.
func (c *Collector) IncParseError(id radar.Id, vendor radar.Vendor) {
	c.ParseErrors.WithLabelValues(vendor.String()).Inc()
}

// IncSubscriberLag records a SpokePipeline skip-to-latest event for id.
// Called by internal/spoke whenever it drops a pending delivery in favor
// of a subscriber's most recent batch.
func (c *Collector) IncSubscriberLag(id radar.Id) {
	c.SubscriberLag.WithLabelValues(string(id)).Inc()
}

// vendorOf extracts the vendor segment a radar.Id was constructed with
// (radar.New prefixes the id as "<Vendor>-<Serial>[-<Channel>]").
func vendorOf(id radar.Id) string {
	s := string(id)
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			return s[:i]
		}
	}
	return s
}
