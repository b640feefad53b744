// Package sources provides DataSource implementations for the mixer:
// in-memory push and pull sources, audio files and soundcard capture.
package sources

import (
	"fmt"
	"strings"

	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/audiocore/sources/malgo"
	"github.com/tphakala/audiomixer/internal/errors"
)

// Source types understood by CreateSource
const (
	TypeFile      = "file"
	TypeSoundcard = "soundcard"
)

// soundcardPrefix marks a participant location as a capture device.
const soundcardPrefix = "device:"

// Config describes a source to create
type Config struct {
	ID           string
	Type         string
	Path         string                // file sources
	Device       string                // soundcard sources
	Format       audiocore.AudioFormat // requested capture format
	BufferFrames uint32
}

// ParseLocation builds a Config from a participant location: "device:NAME"
// selects a soundcard ("device:" alone is the default device), anything
// else is a file path.
func ParseLocation(id, location string) (Config, error) {
	if location == "" {
		return Config{}, audiocore.NewConfigurationError(errors.NewStd("empty source location")).
			Context("source_id", id).
			Build()
	}
	if device, ok := strings.CutPrefix(location, soundcardPrefix); ok {
		return Config{ID: id, Type: TypeSoundcard, Device: device}, nil
	}
	return Config{ID: id, Type: TypeFile, Path: location}, nil
}

// CreateSource creates a DataSource based on the provided configuration
func CreateSource(config Config) (audiocore.DataSource, error) {
	switch config.Type {
	case "malgo", TypeSoundcard:
		return malgo.NewCaptureSource(config.ID, malgo.Config{
			DeviceName:   config.Device,
			SampleRate:   uint32(config.Format.SampleRate),
			Channels:     uint8(config.Format.Channels),
			BufferFrames: config.BufferFrames,
			Encoding:     config.Format.Encoding,
		})

	case TypeFile:
		return NewFileSource(config.ID, config.Path)

	default:
		return nil, audiocore.NewConfigurationError(fmt.Errorf("unknown source type: %s", config.Type)).
			Context("source_type", config.Type).
			Context("source_id", config.ID).
			Build()
	}
}

// ListAvailableDevices returns a list of available audio capture devices
func ListAvailableDevices() ([]malgo.AudioDeviceInfo, error) {
	return malgo.EnumerateDevices()
}

// ListHardwareDevices returns capture devices backed by hardware
func ListHardwareDevices() ([]malgo.AudioDeviceInfo, error) {
	return malgo.GetHardwareDevices()
}

// GetDefaultDevice returns the system default audio capture device
func GetDefaultDevice() (*malgo.AudioDeviceInfo, error) {
	return malgo.GetDefaultDevice()
}
