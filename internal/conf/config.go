// conf/config.go
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides, e.g. AUDIOMIXER_MIXER_QUEUEDEPTH.
const EnvPrefix = "AUDIOMIXER"

// Settings contains all configuration options for the mixer application.
type Settings struct {
	Debug bool `yaml:"debug"` // true to enable debug mode

	Mixer     MixerSettings     `yaml:"mixer"`
	Log       LogSettings       `yaml:"log"`
	Metrics   MetricsSettings   `yaml:"metrics"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// MixerSettings controls the shared mixing engine.
type MixerSettings struct {
	Format      FormatSettings      `yaml:"format"`      // reference format every input is negotiated to
	PullFrames  int                 `yaml:"pullframes"`  // frames per read for pull-style inputs of indeterminate size
	QueueDepth  int                 `yaml:"queuedepth"`  // ticks buffered per output before the oldest is dropped
	Transcoding TranscodingSettings `yaml:"transcoding"`
}

// FormatSettings describes a linear PCM format.
type FormatSettings struct {
	Encoding   string `yaml:"encoding"`   // pcm_s16le, pcm_s16be or pcm_s32le
	SampleRate int    `yaml:"samplerate"` // Hz
	Channels   int    `yaml:"channels"`
	BitDepth   int    `yaml:"bitdepth"` // 0 derives the depth from the encoding
}

// TranscodingSettings controls codec path resolution.
type TranscodingSettings struct {
	CacheTTL time.Duration `yaml:"cachettl"` // how long resolved conversion paths are reused
}

// LogSettings contains logging configuration.
type LogSettings struct {
	Level string          `yaml:"level"`
	File  LogFileSettings `yaml:"file"`
}

// LogFileSettings contains settings for the rotating log file.
type LogFileSettings struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"maxsize"`    // megabytes
	MaxBackups int    `yaml:"maxbackups"` // rotated files kept
	MaxAge     int    `yaml:"maxage"`     // days
	Compress   bool   `yaml:"compress"`
}

// MetricsSettings controls the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port
}

// TelemetrySettings controls error reporting to Sentry.
type TelemetrySettings struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
	configFile       string
)

// SetConfigFile forces Load to read the given file instead of searching the default paths.
func SetConfigFile(path string) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	configFile = path
}

// Load reads the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets defaults, environment overrides and reads the configuration file when present.
func initViper() error {
	setDefaultConfig()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		for _, path := range GetDefaultConfigPaths() {
			viper.AddConfigPath(path)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// Running on defaults is fine for a library-style tool
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml, most specific first.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "audiomixer"))
	}
	return append(paths, "/etc/audiomixer")
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings instance, loading it on first use.
// Defaults are used when loading fails so callers always get a usable value.
func Setting() *Settings {
	once.Do(func() {
		if GetSettings() != nil {
			return
		}
		if _, err := Load(); err != nil {
			fmt.Fprintf(os.Stderr, "error loading settings, using defaults: %v\n", err)
			settingsMutex.Lock()
			settingsInstance = Defaults()
			settingsMutex.Unlock()
		}
	})
	return GetSettings()
}

// YAML renders the settings as a config.yaml document.
func (s *Settings) YAML() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return data, nil
}
