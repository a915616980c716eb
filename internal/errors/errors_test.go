package errors

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefaults(t *testing.T) {
	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.Component)
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.Timestamp.IsZero())
}

func TestBuildInheritsWrappedCategory(t *testing.T) {
	base := New(NewStd("no such branch")).Category(CategoryNotFound).Build()
	wrapped := New(base).Component("audiocore").Context("branch_id", 7).Build()

	assert.Equal(t, CategoryNotFound, wrapped.Category)
	assert.True(t, IsNotFound(wrapped))
	assert.True(t, Is(wrapped, base))
	assert.Equal(t, 7, wrapped.GetContext()["branch_id"])
}

func TestIsDistinguishesSentinelsInSameCategory(t *testing.T) {
	a := New(NewStd("a")).Category(CategoryMisuse).Build()
	b := New(NewStd("b")).Category(CategoryMisuse).Build()

	assert.False(t, Is(a, b))
	assert.True(t, Is(New(a).Build(), a))
	assert.True(t, IsMisuse(b))
}

func TestPriorityFallback(t *testing.T) {
	assert.Equal(t, PriorityHigh, New(NewStd("x")).Priority(PriorityHigh).Build().Priority)
	assert.Equal(t, PriorityMedium, New(NewStd("x")).Priority("bogus").Build().Priority)
	assert.Empty(t, New(NewStd("x")).Priority("").Build().Priority)
}

func TestTiming(t *testing.T) {
	ee := New(NewStd("slow")).Timing("state_change", 1500*time.Millisecond).Build()
	ctx := ee.GetContext()
	assert.Equal(t, "state_change", ctx["operation"])
	assert.Equal(t, int64(1500), ctx["duration_ms"])
}

type recordingReporter struct {
	mu       sync.Mutex
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, ee)
	ee.MarkReported()
}

func (r *recordingReporter) IsEnabled() bool { return true }

// Not parallel: swaps package-level hooks.
func TestTelemetryFiltersExpectedConditions(t *testing.T) {
	reporter := &recordingReporter{}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	misuse := New(NewStd("unknown branch")).Category(CategoryMisuse).Build()
	fatal := New(NewStd("mixer construction failed")).Category(CategoryConstruction).Build()

	require.Len(t, reporter.reported, 1)
	assert.Same(t, fatal, reporter.reported[0])
	assert.True(t, fatal.IsReported())
	assert.False(t, misuse.IsReported())
}

func TestLevelFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "fatal", string(levelFor(CategoryConstruction)))
	assert.Equal(t, "warning", string(levelFor(CategoryNegotiation)))
	assert.Equal(t, "error", string(levelFor(CategoryProcessing)))
}

func TestSentryReporterDisabled(t *testing.T) {
	t.Parallel()
	r := NewSentryReporter(false)
	ee := New(NewStd("x")).Category(CategoryProcessing).Build()
	r.ReportError(ee)
	assert.False(t, r.IsEnabled())
	assert.False(t, ee.IsReported())
}
