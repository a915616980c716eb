// Package errors - telemetry integration (optional)
package errors

import (
	"fmt"
	"sync/atomic"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var telemetryReporter atomic.Pointer[TelemetryReporter]

// SetTelemetryReporter installs the global reporter. Passing nil disables reporting.
func SetTelemetryReporter(reporter TelemetryReporter) {
	if reporter == nil {
		telemetryReporter.Store(nil)
		return
	}
	telemetryReporter.Store(&reporter)
}

func reportToTelemetry(ee *EnhancedError) {
	r := telemetryReporter.Load()
	if r == nil || !(*r).IsEnabled() || !shouldReport(ee.Category) {
		return
	}
	(*r).ReportError(ee)
}

// shouldReport keeps expected runtime conditions out of telemetry.
func shouldReport(category ErrorCategory) bool {
	switch category {
	case CategoryMisuse, CategoryNotFound, CategoryCancellation, CategoryBranch:
		return false
	default:
		return true
	}
}

// SentryReporter implements TelemetryReporter for Sentry
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter creates a new Sentry telemetry reporter
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

// IsEnabled returns whether Sentry telemetry is enabled
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError reports an enhanced error to Sentry
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	message := fmt.Sprintf("[%s] %s", ee.Category, ee.Err.Error())
	title := fmt.Sprintf("%s %s", ee.Component, ee.Category)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		scope.SetTag("error_type", fmt.Sprintf("%T", ee.Err))
		if ee.Priority != "" {
			scope.SetTag("priority", ee.Priority)
		}
		for key, value := range ee.GetContext() {
			scope.SetContext(key, map[string]any{"value": value})
		}

		level := levelFor(ee.Category)
		scope.SetLevel(level)
		scope.SetFingerprint([]string{title})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = level
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

// levelFor returns the Sentry level for a category
func levelFor(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryConstruction, CategoryConfiguration:
		return sentry.LevelFatal
	case CategoryNegotiation, CategoryTimeout:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}
