package audiocore

import (
	"time"

	"github.com/fbasar/kms-core/internal/observability/metrics"
)

// MetricsCollector records the metrics of one bin. A collector without a
// metrics instance is a no-op, so callers never check for nil.
type MetricsCollector struct {
	metrics *metrics.MixerBinMetrics
	binID   string
}

// NewMetricsCollector binds m to the given bin id. m may be nil.
func NewMetricsCollector(m *metrics.MixerBinMetrics, binID string) *MetricsCollector {
	return &MetricsCollector{metrics: m, binID: binID}
}

func (mc *MetricsCollector) enabled() bool {
	return mc != nil && mc.metrics != nil
}

// RecordActiveBranches updates the active branch gauge
func (mc *MetricsCollector) RecordActiveBranches(count int) {
	if !mc.enabled() {
		return
	}
	mc.metrics.UpdateActiveBranches(mc.binID, count)
}

// RecordAttach records the outcome and duration of a branch attach
func (mc *MetricsCollector) RecordAttach(class AttachClass, status string, d time.Duration) {
	if !mc.enabled() {
		return
	}
	mc.metrics.RecordBranchAttach(mc.binID, class.String(), status)
	if status == metrics.StatusSuccess {
		mc.metrics.RecordAttachDuration(mc.binID, class.String(), d.Seconds())
	}
}

// RecordRelease records a branch leaving the bin
func (mc *MetricsCollector) RecordRelease(reason string) {
	if !mc.enabled() {
		return
	}
	mc.metrics.RecordBranchRelease(mc.binID, reason)
}

// RecordBranchFailure records a mid-stream branch failure
func (mc *MetricsCollector) RecordBranchFailure(errorType string) {
	if !mc.enabled() {
		return
	}
	mc.metrics.RecordBranchFailure(mc.binID, errorType)
}

// RecordMisuse records a misuse of the bin's API
func (mc *MetricsCollector) RecordMisuse(operation string) {
	if !mc.enabled() {
		return
	}
	mc.metrics.RecordMisuse(mc.binID, operation)
}

// RecordMix records one output buffer
func (mc *MetricsCollector) RecordMix(frames int, starved bool) {
	if !mc.enabled() {
		return
	}
	mc.metrics.RecordMixedBuffer(mc.binID, frames, starved)
}

// RecordEndpointFrames records frames consumed from input endpoints
func (mc *MetricsCollector) RecordEndpointFrames(frames int) {
	if !mc.enabled() || frames == 0 {
		return
	}
	mc.metrics.RecordEndpointFrames(mc.binID, frames)
}

// RecordEOS records an end-of-stream of a branch or of the output
func (mc *MetricsCollector) RecordEOS(scope string) {
	if !mc.enabled() {
		return
	}
	mc.metrics.RecordEOS(mc.binID, scope)
}

// RecordNegotiationFailure records a rejected input format
func (mc *MetricsCollector) RecordNegotiationFailure(encoding string) {
	if !mc.enabled() {
		return
	}
	mc.metrics.RecordNegotiationFailure(mc.binID, encoding)
}

// RecordStateStep records one state step and how long it took to converge
func (mc *MetricsCollector) RecordStateStep(from, to State, status string, d time.Duration) {
	if !mc.enabled() {
		return
	}
	mc.metrics.RecordStateTransition(mc.binID, from.String(), to.String(), status)
	mc.metrics.RecordConvergence(mc.binID, to.String(), d.Seconds())
}
