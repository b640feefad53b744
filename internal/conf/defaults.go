// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("mixer.format.encoding", "pcm_s16le")
	viper.SetDefault("mixer.format.samplerate", 48000)
	viper.SetDefault("mixer.format.channels", 2)
	viper.SetDefault("mixer.format.bitdepth", 16)
	viper.SetDefault("mixer.pullframes", 1024)
	viper.SetDefault("mixer.queuedepth", 8)
	viper.SetDefault("mixer.transcoding.cachettl", 10*time.Minute)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.file.enabled", false)
	viper.SetDefault("log.file.path", "logs/audiomixer.log")
	viper.SetDefault("log.file.maxsize", 100)
	viper.SetDefault("log.file.maxbackups", 3)
	viper.SetDefault("log.file.maxage", 28)
	viper.SetDefault("log.file.compress", false)

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.listen", "127.0.0.1:8090")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.dsn", "")
	viper.SetDefault("telemetry.environment", "production")
}

// Defaults returns the built-in settings without consulting viper.
func Defaults() *Settings {
	return &Settings{
		Mixer: MixerSettings{
			Format: FormatSettings{
				Encoding:   "pcm_s16le",
				SampleRate: 48000,
				Channels:   2,
				BitDepth:   16,
			},
			PullFrames:  1024,
			QueueDepth:  8,
			Transcoding: TranscodingSettings{CacheTTL: 10 * time.Minute},
		},
		Log: LogSettings{
			Level: "info",
			File: LogFileSettings{
				Path:       "logs/audiomixer.log",
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
			},
		},
		Metrics:   MetricsSettings{Listen: "127.0.0.1:8090"},
		Telemetry: TelemetrySettings{Environment: "production"},
	}
}
