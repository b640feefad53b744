package audiocore

import (
	"github.com/tphakala/audiomixer/internal/errors"
)

// Component identifier for audiocore errors
const ComponentAudioCore = "audiocore"

// Sentinel errors. errors.Is matches any error of the same category, so a
// concrete error built with NewConnectError satisfies errors.Is(err, ErrConnect).
var (
	// ErrConfiguration is returned for invalid mixer setup or misuse of the registry
	ErrConfiguration = errors.Newf("invalid configuration").
		Component(ComponentAudioCore).
		Category(errors.CategoryConfiguration).
		Build()

	// ErrConnect is returned when an input fails to connect
	ErrConnect = errors.Newf("input failed to connect").
		Component(ComponentAudioCore).
		Category(errors.CategorySourceConnect).
		Build()

	// ErrFormat is returned when an input delivers a sample layout the mixer cannot normalize
	ErrFormat = errors.Newf("unsupported sample format").
		Component(ComponentAudioCore).
		Category(errors.CategoryAudioFormat).
		Build()

	// ErrTranscode is returned when no conversion path reaches the mix format
	ErrTranscode = errors.Newf("transcoding failed").
		Component(ComponentAudioCore).
		Category(errors.CategoryTranscode).
		Build()
)

// NewConfigurationError starts a configuration error wrapping err.
func NewConfigurationError(err error) *errors.ErrorBuilder {
	return errors.New(err).Component(ComponentAudioCore).Category(errors.CategoryConfiguration)
}

// NewConnectError starts a connect error wrapping err.
func NewConnectError(err error) *errors.ErrorBuilder {
	return errors.New(err).Component(ComponentAudioCore).Category(errors.CategorySourceConnect)
}

// NewFormatError starts a format error wrapping err.
func NewFormatError(err error) *errors.ErrorBuilder {
	return errors.New(err).Component(ComponentAudioCore).Category(errors.CategoryAudioFormat)
}

// NewTranscodeError starts a transcode error wrapping err.
func NewTranscodeError(err error) *errors.ErrorBuilder {
	return errors.New(err).Component(ComponentAudioCore).Category(errors.CategoryTranscode)
}
