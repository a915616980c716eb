package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*MixerBinMetrics, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	m, err := NewMixerBinMetrics(registry)
	require.NoError(t, err)
	return m, registry
}

func TestNewMixerBinMetricsRegistersOnce(t *testing.T) {
	t.Parallel()
	_, registry := newTestMetrics(t)

	_, err := NewMixerBinMetrics(registry)
	assert.Error(t, err, "second registration on the same registry must fail")
}

func TestBranchCounters(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)

	m.RecordBranchAttach("b", "post-start", StatusSuccess)
	m.RecordBranchAttach("b", "post-start", StatusSuccess)
	m.RecordBranchAttach("b", "pre-start", StatusAborted)
	m.RecordBranchRelease("b", ReleaseEOS)
	m.UpdateActiveBranches("b", 3)

	assert.InDelta(t, 2, testutil.ToFloat64(m.branchAttaches.WithLabelValues("b", "post-start", StatusSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.branchAttaches.WithLabelValues("b", "pre-start", StatusAborted)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.branchReleases.WithLabelValues("b", ReleaseEOS)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.activeBranches.WithLabelValues("b")), 0)
}

func TestRecordMixedBuffer(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)

	m.RecordMixedBuffer("b", 480, false)
	m.RecordMixedBuffer("b", 480, true)

	assert.InDelta(t, 2, testutil.ToFloat64(m.buffersMixed.WithLabelValues("b")), 0)
	assert.InDelta(t, 960, testutil.ToFloat64(m.framesMixed.WithLabelValues("b")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.starvedMixes.WithLabelValues("b")), 0)
}

func TestConvergenceHistogram(t *testing.T) {
	t.Parallel()
	m, registry := newTestMetrics(t)

	m.RecordConvergence("b", "running", 0.002)
	m.RecordConvergence("b", "running", 0.004)

	families, err := registry.Gather()
	require.NoError(t, err)

	var hist *dto.Histogram
	for _, mf := range families {
		if mf.GetName() == "mixerbin_state_convergence_seconds" {
			require.Len(t, mf.GetMetric(), 1)
			hist = mf.GetMetric()[0].GetHistogram()
		}
	}
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 0.006, hist.GetSampleSum(), 1e-9)
}
