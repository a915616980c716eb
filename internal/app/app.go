// Package app wires the settings into the shared services (logging, message
// bus, metrics, telemetry) and builds pipelines and mixer bins on top of them.
package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/fbasar/kms-core/internal/audiocore"
	"github.com/fbasar/kms-core/internal/conf"
	"github.com/fbasar/kms-core/internal/errors"
	"github.com/fbasar/kms-core/internal/events"
	"github.com/fbasar/kms-core/internal/logging"
	"github.com/fbasar/kms-core/internal/observability"
	"github.com/fbasar/kms-core/internal/pipeline"
)

const (
	componentApp = "app"

	busShutdownTimeout = 2 * time.Second
	sentryFlushTimeout = 2 * time.Second
)

// Option configures an App.
type Option func(*App)

// WithLogOutput redirects log output, which defaults to stdout.
func WithLogOutput(w io.Writer) Option {
	return func(a *App) { a.logOutput = w }
}

// WithSentryTransport replaces the Sentry transport.
func WithSentryTransport(t sentry.Transport) Option {
	return func(a *App) { a.sentryTransport = t }
}

// App owns the services shared by every pipeline.
type App struct {
	settings *conf.Settings
	bus      *events.Bus
	metrics  *observability.Metrics
	logger   *slog.Logger

	logOutput       io.Writer
	sentryTransport sentry.Transport
	telemetry       bool

	mu        sync.Mutex
	pipelines []*pipeline.Pipeline
	bins      []*audiocore.MixerBin
	closed    bool
}

// New validates settings and starts the shared services.
func New(settings *conf.Settings, opts ...Option) (*App, error) {
	if settings == nil {
		settings = conf.Defaults()
	}
	if err := conf.ValidateSettings(settings); err != nil {
		return nil, err
	}

	a := &App{settings: settings}
	for _, opt := range opts {
		opt(a)
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(settings.Logging.Level),
		Format: logging.Format(settings.Logging.Format),
		Output: a.logOutput,
	})
	a.logger = logging.ForService(componentApp)

	m, err := observability.NewMetrics()
	if err != nil {
		return nil, errors.New(err).
			Component(componentApp).
			Category(errors.CategoryConstruction).
			Context("operation", "metrics").
			Build()
	}
	a.metrics = m

	if settings.Telemetry.Enabled {
		if err := a.initTelemetry(); err != nil {
			return nil, err
		}
	}

	a.bus = events.New(&events.Config{
		BufferSize: settings.Events.BufferSize,
		Workers:    settings.Events.Workers,
	})

	a.logger.Info("application started",
		"sample_rate", settings.Mixer.SampleRate,
		"channels", settings.Mixer.Channels,
		"encoding", settings.Mixer.Encoding,
		"telemetry", a.telemetry)
	return a, nil
}

func (a *App) initTelemetry() error {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              a.settings.Telemetry.DSN,
		Transport:        a.sentryTransport,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "",
	})
	if err != nil {
		return errors.New(err).
			Component(componentApp).
			Category(errors.CategoryConfiguration).
			Context("operation", "telemetry").
			Build()
	}
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	a.telemetry = true
	a.logger.Info("telemetry enabled")
	return nil
}

// Settings returns the settings the app was built from.
func (a *App) Settings() *conf.Settings { return a.settings }

// Bus returns the shared message bus.
func (a *App) Bus() *events.Bus { return a.bus }

// Metrics returns the metrics registry.
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// NewPipeline creates a pipeline posting to the shared bus. It is closed
// with the app.
func (a *App) NewPipeline(name string) (*pipeline.Pipeline, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errClosed()
	}
	p := pipeline.New(name, pipeline.WithBus(a.bus))
	a.pipelines = append(a.pipelines, p)
	return p, nil
}

// NewMixerBin creates a mixer bin from the mixer settings, recording into
// the shared metrics. It is closed with the app.
func (a *App) NewMixerBin(name string) (*audiocore.MixerBin, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errClosed()
	}
	bin, err := audiocore.NewMixerBin(
		audiocore.ConfigFromSettings(name, a.settings.Mixer),
		audiocore.WithMetrics(a.metrics.MixerBin),
		audiocore.WithEventSink(a.bus),
	)
	if err != nil {
		return nil, err
	}
	a.bins = append(a.bins, bin)
	return bin, nil
}

// Close stops every pipeline, then the bins, the bus and telemetry.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	pipelines, bins := a.pipelines, a.bins
	a.mu.Unlock()

	var errs []error
	for _, p := range pipelines {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, b := range bins {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.bus.Shutdown(busShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if a.telemetry {
		sentry.Flush(sentryFlushTimeout)
		errors.SetTelemetryReporter(nil)
	}

	a.logger.Info("application stopped", "pipelines", len(pipelines), "bins", len(bins))
	return errors.Join(errs...)
}

func errClosed() error {
	return errors.Newf("application closed").
		Component(componentApp).
		Category(errors.CategoryState).
		Build()
}
