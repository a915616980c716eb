// Package conf loads the mixer settings from defaults, an optional YAML file
// and KMS_* environment variables.
package conf

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. KMS_MIXER_SAMPLERATE.
const EnvPrefix = "KMS"

// Settings is the root of the configuration tree.
type Settings struct {
	Mixer     MixerSettings     `mapstructure:"mixer" yaml:"mixer"`
	Logging   LogSettings       `mapstructure:"logging" yaml:"logging"`
	Events    EventSettings     `mapstructure:"events" yaml:"events"`
	Telemetry TelemetrySettings `mapstructure:"telemetry" yaml:"telemetry"`
}

// MixerSettings configures the canonical output format and the timing of the mixer bin.
type MixerSettings struct {
	SampleRate   int    `mapstructure:"samplerate" yaml:"samplerate"`     // canonical output rate in Hz
	Channels     int    `mapstructure:"channels" yaml:"channels"`         // canonical output channel count
	Encoding     string `mapstructure:"encoding" yaml:"encoding"`         // canonical output sample encoding
	BufferFrames int    `mapstructure:"bufferframes" yaml:"bufferframes"` // frames per mixed output buffer

	// Latency bounds how long the mixer waits for a starved input before
	// mixing without it.
	Latency time.Duration `mapstructure:"latency" yaml:"latency"`
	// ConvergenceTimeout bounds a single state step of one constituent.
	ConvergenceTimeout    time.Duration `mapstructure:"convergencetimeout" yaml:"convergencetimeout"`
	MaxConcurrentAttaches int           `mapstructure:"maxconcurrentattaches" yaml:"maxconcurrentattaches"`
	// EndpointQueueBuffers is the per-input queue depth in output buffers.
	EndpointQueueBuffers int `mapstructure:"endpointqueuebuffers" yaml:"endpointqueuebuffers"`
	// StaleBranchTTL is how long a released branch id is remembered.
	StaleBranchTTL time.Duration `mapstructure:"stalebranchttl" yaml:"stalebranchttl"`
}

// LogSettings configures the slog handler.
type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json or text
}

// EventSettings configures the message bus.
type EventSettings struct {
	BufferSize int `mapstructure:"buffersize" yaml:"buffersize"`
	Workers    int `mapstructure:"workers" yaml:"workers"`
}

// TelemetrySettings configures error reporting.
type TelemetrySettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

// Load builds settings from defaults, the optional config file at path and the environment.
func Load(path string) (*Settings, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return settings, nil
}

// Defaults returns settings built from defaults only, ignoring the environment.
func Defaults() *Settings {
	v := viper.New()
	setDefaultConfig(v)
	settings := &Settings{}
	// Defaults are static and always decode.
	_ = v.Unmarshal(settings)
	return settings
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaultConfig(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// WriteYAML writes settings in the format Load reads.
func WriteYAML(w io.Writer, settings *Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return enc.Close()
}
