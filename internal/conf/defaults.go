// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("mixer.samplerate", 48000)
	v.SetDefault("mixer.channels", 2)
	v.SetDefault("mixer.encoding", "pcm_s16le")
	v.SetDefault("mixer.bufferframes", 960)
	v.SetDefault("mixer.latency", 100*time.Millisecond)
	v.SetDefault("mixer.convergencetimeout", 5*time.Second)
	v.SetDefault("mixer.maxconcurrentattaches", 8)
	v.SetDefault("mixer.endpointqueuebuffers", 8)
	v.SetDefault("mixer.stalebranchttl", time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("events.buffersize", 1024)
	v.SetDefault("events.workers", 1)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dsn", "")
}
