// conf/validate.go

package conf

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// mixEncodings lists the encodings usable as the reference mix format and their sample width.
var mixEncodings = map[string]int{
	"pcm_s16le": 16,
	"pcm_s16be": 16,
	"pcm_s32le": 32,
}

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct. It may fill derived
// values such as the mix bit depth.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateMixerSettings(&settings.Mixer); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateLogSettings(&settings.Log); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateMetricsSettings(&settings.Metrics); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if settings.Telemetry.Enabled && settings.Telemetry.DSN == "" {
		ve.Errors = append(ve.Errors, "telemetry: dsn is required when telemetry is enabled")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateMixerSettings(settings *MixerSettings) error {
	var errs []error

	format := &settings.Format
	width, ok := mixEncodings[format.Encoding]
	switch {
	case !ok:
		errs = append(errs, fmt.Errorf("mixer.format.encoding %q is not a supported mix encoding", format.Encoding))
	case format.BitDepth == 0:
		format.BitDepth = width
	case format.BitDepth != width:
		errs = append(errs, fmt.Errorf("mixer.format.bitdepth %d does not match encoding %s", format.BitDepth, format.Encoding))
	}

	if format.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("mixer.format.samplerate must be positive, got %d", format.SampleRate))
	}
	if format.Channels <= 0 {
		errs = append(errs, fmt.Errorf("mixer.format.channels must be positive, got %d", format.Channels))
	}
	if settings.PullFrames <= 0 {
		errs = append(errs, fmt.Errorf("mixer.pullframes must be positive, got %d", settings.PullFrames))
	}
	if settings.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("mixer.queuedepth must be positive, got %d", settings.QueueDepth))
	}
	if settings.Transcoding.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("mixer.transcoding.cachettl must not be negative"))
	}

	return errors.Join(errs...)
}

func validateLogSettings(settings *LogSettings) error {
	switch strings.ToLower(settings.Level) {
	case "", "trace", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("log.level %q is not a known level", settings.Level)
	}
	if settings.File.Enabled && settings.File.Path == "" {
		return fmt.Errorf("log.file.path is required when file logging is enabled")
	}
	return nil
}

func validateMetricsSettings(settings *MetricsSettings) error {
	if !settings.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(settings.Listen); err != nil {
		return fmt.Errorf("metrics.listen %q: %w", settings.Listen, err)
	}
	return nil
}
