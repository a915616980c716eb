// Package metrics provides Prometheus collectors for the mixer bin.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MixerBinMetrics contains Prometheus metrics for mixer bin operations
type MixerBinMetrics struct {
	registry *prometheus.Registry

	// Branch metrics
	activeBranches *prometheus.GaugeVec
	branchAttaches *prometheus.CounterVec
	branchReleases *prometheus.CounterVec
	branchFailures *prometheus.CounterVec
	misuseTotal    *prometheus.CounterVec

	// Mixer metrics
	buffersMixed    *prometheus.CounterVec
	framesMixed     *prometheus.CounterVec
	starvedMixes    *prometheus.CounterVec
	endpointFrames  *prometheus.CounterVec
	eosTotal        *prometheus.CounterVec
	negotiationFail *prometheus.CounterVec

	// Lifecycle metrics
	stateTransitions    *prometheus.CounterVec
	convergenceDuration *prometheus.HistogramVec
	attachDuration      *prometheus.HistogramVec

	collectors []prometheus.Collector
}

// NewMixerBinMetrics creates and registers new mixer bin metrics
func NewMixerBinMetrics(registry *prometheus.Registry) (*MixerBinMetrics, error) {
	m := &MixerBinMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MixerBinMetrics) initMetrics() {
	m.activeBranches = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mixerbin_active_branches",
			Help: "Number of input branches currently attached",
		},
		[]string{"bin_id"},
	)

	m.branchAttaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixerbin_branch_attach_total",
			Help: "Total number of branch attach attempts",
		},
		[]string{"bin_id", "attach_class", "status"},
	)

	m.branchReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixerbin_branch_release_total",
			Help: "Total number of branches released",
		},
		[]string{"bin_id", "reason"},
	)

	m.branchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixerbin_branch_failures_total",
			Help: "Total number of branches torn down after a mid-stream failure",
		},
		[]string{"bin_id", "error_type"},
	)

	m.misuseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixerbin_misuse_total",
			Help: "Total number of rejected API calls",
		},
		[]string{"bin_id", "operation"},
	)

	m.buffersMixed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixerbin_buffers_mixed_total",
			Help: "Total number of output buffers produced",
		},
		[]string{"bin_id"},
	)

	m.framesMixed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixerbin_frames_mixed_total",
			Help: "Total number of output frames produced",
		},
		[]string{"bin_id"},
	)

	m.starvedMixes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixerbin_starved_mixes_total",
			Help: "Output buffers produced with at least one input treated as silence",
		},
		[]string{"bin_id"},
	)

	m.endpointFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixerbin_endpoint_frames_total",
			Help: "Total number of frames contributed by input endpoints",
		},
		[]string{"bin_id"},
	)

	m.eosTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixerbin_eos_total",
			Help: "End-of-stream notifications by scope",
		},
		[]string{"bin_id", "scope"},
	)

	m.negotiationFail = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixerbin_negotiation_failures_total",
			Help: "Total number of input formats the adapter rejected",
		},
		[]string{"bin_id", "encoding"},
	)

	m.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixerbin_state_transitions_total",
			Help: "Total number of aggregate state transitions",
		},
		[]string{"bin_id", "from", "to", "status"},
	)

	m.convergenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mixerbin_state_convergence_seconds",
			Help:    "Time for all constituents to converge on a state step",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
		},
		[]string{"bin_id", "to"},
	)

	m.attachDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mixerbin_attach_duration_seconds",
			Help:    "Time from branch request until the branch is flowing",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"bin_id", "attach_class"},
	)

	m.collectors = []prometheus.Collector{
		m.activeBranches,
		m.branchAttaches,
		m.branchReleases,
		m.branchFailures,
		m.misuseTotal,
		m.buffersMixed,
		m.framesMixed,
		m.starvedMixes,
		m.endpointFrames,
		m.eosTotal,
		m.negotiationFail,
		m.stateTransitions,
		m.convergenceDuration,
		m.attachDuration,
	}
}

// Describe implements the Collector interface
func (m *MixerBinMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *MixerBinMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// UpdateActiveBranches sets the number of attached branches
func (m *MixerBinMetrics) UpdateActiveBranches(binID string, count int) {
	m.activeBranches.WithLabelValues(binID).Set(float64(count))
}

// RecordBranchAttach records an attach attempt
func (m *MixerBinMetrics) RecordBranchAttach(binID, attachClass, status string) {
	m.branchAttaches.WithLabelValues(binID, attachClass, status).Inc()
}

// RecordAttachDuration records how long an attach took to reach flowing
func (m *MixerBinMetrics) RecordAttachDuration(binID, attachClass string, seconds float64) {
	m.attachDuration.WithLabelValues(binID, attachClass).Observe(seconds)
}

// RecordBranchRelease records a branch release
func (m *MixerBinMetrics) RecordBranchRelease(binID, reason string) {
	m.branchReleases.WithLabelValues(binID, reason).Inc()
}

// RecordBranchFailure records a mid-stream branch failure
func (m *MixerBinMetrics) RecordBranchFailure(binID, errorType string) {
	m.branchFailures.WithLabelValues(binID, errorType).Inc()
}

// RecordMisuse records a rejected API call
func (m *MixerBinMetrics) RecordMisuse(binID, operation string) {
	m.misuseTotal.WithLabelValues(binID, operation).Inc()
}

// RecordMixedBuffer records one output buffer of the given frame count
func (m *MixerBinMetrics) RecordMixedBuffer(binID string, frames int, starved bool) {
	m.buffersMixed.WithLabelValues(binID).Inc()
	m.framesMixed.WithLabelValues(binID).Add(float64(frames))
	if starved {
		m.starvedMixes.WithLabelValues(binID).Inc()
	}
}

// RecordEndpointFrames records frames contributed by input endpoints
func (m *MixerBinMetrics) RecordEndpointFrames(binID string, frames int) {
	m.endpointFrames.WithLabelValues(binID).Add(float64(frames))
}

// RecordEOS records an end-of-stream for the given scope
func (m *MixerBinMetrics) RecordEOS(binID, scope string) {
	m.eosTotal.WithLabelValues(binID, scope).Inc()
}

// RecordNegotiationFailure records a rejected input format
func (m *MixerBinMetrics) RecordNegotiationFailure(binID, encoding string) {
	m.negotiationFail.WithLabelValues(binID, encoding).Inc()
}

// RecordStateTransition records an aggregate state step
func (m *MixerBinMetrics) RecordStateTransition(binID, from, to, status string) {
	m.stateTransitions.WithLabelValues(binID, from, to, status).Inc()
}

// RecordConvergence records how long a state step took
func (m *MixerBinMetrics) RecordConvergence(binID, to string, seconds float64) {
	m.convergenceDuration.WithLabelValues(binID, to).Observe(seconds)
}
