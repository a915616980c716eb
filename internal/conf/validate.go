package conf

import (
	"fmt"
	"slices"

	"github.com/fbasar/kms-core/internal/errors"
)

const componentConf = "configuration"

var (
	supportedEncodings = []string{"pcm_u8", "pcm_s16le", "pcm_s32le", "pcm_f32le"}
	supportedFormats   = []string{"json", "text"}
)

// ValidateSettings checks the settings and joins every problem found.
func ValidateSettings(s *Settings) error {
	var errs []error

	m := s.Mixer
	if m.SampleRate < 8000 || m.SampleRate > 192000 {
		errs = append(errs, invalid("mixer.samplerate", m.SampleRate, "must be between 8000 and 192000"))
	}
	if m.Channels < 1 || m.Channels > 8 {
		errs = append(errs, invalid("mixer.channels", m.Channels, "must be between 1 and 8"))
	}
	if !slices.Contains(supportedEncodings, m.Encoding) {
		errs = append(errs, invalid("mixer.encoding", m.Encoding, "unsupported encoding"))
	}
	if m.BufferFrames <= 0 {
		errs = append(errs, invalid("mixer.bufferframes", m.BufferFrames, "must be positive"))
	}
	if m.Latency <= 0 {
		errs = append(errs, invalid("mixer.latency", m.Latency, "must be positive"))
	}
	if m.ConvergenceTimeout <= 0 {
		errs = append(errs, invalid("mixer.convergencetimeout", m.ConvergenceTimeout, "must be positive"))
	}
	if m.MaxConcurrentAttaches <= 0 {
		errs = append(errs, invalid("mixer.maxconcurrentattaches", m.MaxConcurrentAttaches, "must be positive"))
	}
	if m.EndpointQueueBuffers < 2 {
		errs = append(errs, invalid("mixer.endpointqueuebuffers", m.EndpointQueueBuffers, "must be at least 2"))
	}
	if m.StaleBranchTTL <= 0 {
		errs = append(errs, invalid("mixer.stalebranchttl", m.StaleBranchTTL, "must be positive"))
	}

	if !slices.Contains(supportedFormats, s.Logging.Format) {
		errs = append(errs, invalid("logging.format", s.Logging.Format, "must be json or text"))
	}
	if s.Events.BufferSize <= 0 {
		errs = append(errs, invalid("events.buffersize", s.Events.BufferSize, "must be positive"))
	}
	if s.Events.Workers <= 0 {
		errs = append(errs, invalid("events.workers", s.Events.Workers, "must be positive"))
	}
	if s.Telemetry.Enabled && s.Telemetry.DSN == "" {
		errs = append(errs, invalid("telemetry.dsn", "", "required when telemetry is enabled"))
	}

	return errors.Join(errs...)
}

func invalid(key string, value any, reason string) error {
	return errors.Newf("invalid %s: %s", key, reason).
		Component(componentConf).
		Category(errors.CategoryConfiguration).
		Context("key", key).
		Context("value", fmt.Sprint(value)).
		Build()
}
