package conf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fbasar/kms-core/internal/errors"
)

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()
	s := Defaults()

	require.NoError(t, ValidateSettings(s))
	assert.Equal(t, 48000, s.Mixer.SampleRate)
	assert.Equal(t, 2, s.Mixer.Channels)
	assert.Equal(t, "pcm_s16le", s.Mixer.Encoding)
	assert.Equal(t, 100*time.Millisecond, s.Mixer.Latency)
	assert.Equal(t, 5*time.Second, s.Mixer.ConvergenceTimeout)
	assert.Equal(t, 1, s.Events.Workers)
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mixer:
  samplerate: 44100
  channels: 1
  latency: 40ms
logging:
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 44100, s.Mixer.SampleRate)
	assert.Equal(t, 1, s.Mixer.Channels)
	assert.Equal(t, 40*time.Millisecond, s.Mixer.Latency)
	assert.Equal(t, "text", s.Logging.Format)
	assert.Equal(t, 960, s.Mixer.BufferFrames, "unset keys keep their defaults")
}

// Not parallel: mutates the environment.
func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("KMS_MIXER_MAXCONCURRENTATTACHES", "3")
	t.Setenv("KMS_LOGGING_LEVEL", "debug")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Mixer.MaxConcurrentAttaches)
	assert.Equal(t, "debug", s.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateSettingsReportsEveryProblem(t *testing.T) {
	t.Parallel()
	s := Defaults()
	s.Mixer.SampleRate = 100
	s.Mixer.Encoding = "mp3"
	s.Telemetry.Enabled = true

	err := ValidateSettings(s)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	assert.Contains(t, err.Error(), "mixer.samplerate")
	assert.Contains(t, err.Error(), "mixer.encoding")
	assert.Contains(t, err.Error(), "telemetry.dsn")
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	t.Parallel()
	s := Defaults()
	s.Mixer.Channels = 1
	s.Mixer.Latency = 25 * time.Millisecond

	var buf bytes.Buffer
	require.NoError(t, WriteYAML(&buf, s))

	path := filepath.Join(t.TempDir(), "written.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s.Mixer, loaded.Mixer)
}
