package malgo

import (
	"encoding/hex"
	"runtime"
	"strings"

	"github.com/gen2brain/malgo"
	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/errors"
)

// nullDeviceName is the name miniaudio gives its discarding null device.
const nullDeviceName = "Discard all samples"

// defaultDeviceNames select the system default capture device.
var defaultDeviceNames = map[string]bool{"": true, "default": true, "sysdefault": true}

// AudioDeviceInfo describes a capture device
type AudioDeviceInfo struct {
	Index   int
	Name    string
	ID      string // decoded backend ID, e.g. ":1,0" for ALSA hardware
	Default bool
}

func getBackendForPlatform() (malgo.Backend, error) {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa, nil
	case "windows":
		return malgo.BackendWasapi, nil
	case "darwin":
		return malgo.BackendCoreaudio, nil
	}
	return malgo.BackendNull, errors.Newf("unsupported operating system: %s", runtime.GOOS).
		Component(audiocore.ComponentAudioCore).
		Category(errors.CategoryAudioSource).
		Context("os", runtime.GOOS).
		Build()
}

// openCaptureContext initializes a miniaudio context for the platform
// backend and lists its capture devices. The caller releases the context
// with closeContext.
func openCaptureContext() (*malgo.AllocatedContext, []malgo.DeviceInfo, error) {
	backend, err := getBackendForPlatform()
	if err != nil {
		return nil, nil, err
	}

	mctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, nil, errors.New(err).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryAudioSource).
			Context("operation", "init_context").
			Context("backend", runtime.GOOS).
			Build()
	}

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		_ = closeContext(mctx)
		return nil, nil, errors.New(err).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryAudioSource).
			Context("operation", "enumerate_devices").
			Build()
	}
	return mctx, infos, nil
}

func closeContext(mctx *malgo.AllocatedContext) error {
	err := mctx.Uninit()
	mctx.Free()
	return err
}

// decodeDeviceID returns the readable form of a backend device ID, or the
// raw hex when it does not decode.
func decodeDeviceID(id malgo.DeviceID) string {
	raw := id.String()
	decoded, err := hexToASCII(raw)
	if err != nil {
		return raw
	}
	// Backends pad IDs with NUL bytes
	return strings.TrimRight(decoded, "\x00")
}

func toDeviceInfo(index int, info *malgo.DeviceInfo) AudioDeviceInfo {
	return AudioDeviceInfo{
		Index:   index,
		Name:    info.Name(),
		ID:      decodeDeviceID(info.ID),
		Default: info.IsDefault == 1,
	}
}

// EnumerateDevices lists the capture devices, without the null device.
func EnumerateDevices() ([]AudioDeviceInfo, error) {
	mctx, infos, err := openCaptureContext()
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeContext(mctx) }()

	devices := make([]AudioDeviceInfo, 0, len(infos))
	for i := range infos {
		if strings.Contains(infos[i].Name(), nullDeviceName) {
			continue
		}
		devices = append(devices, toDeviceInfo(i, &infos[i]))
	}
	return devices, nil
}

// SelectDevice picks a capture device by name. An empty name, "default"
// or "sysdefault" select the default device or else the first one. Other
// names match the device name exactly, then the decoded ID, then a
// substring of the name.
func SelectDevice(devices []malgo.DeviceInfo, deviceName string) (*malgo.DeviceInfo, error) {
	if defaultDeviceNames[deviceName] {
		if i := defaultIndex(devices); i >= 0 {
			return &devices[i], nil
		}
	}

	matchers := []func(d *malgo.DeviceInfo) bool{
		func(d *malgo.DeviceInfo) bool { return d.Name() == deviceName },
		func(d *malgo.DeviceInfo) bool { return decodeDeviceID(d.ID) == deviceName },
		func(d *malgo.DeviceInfo) bool { return deviceName != "" && strings.Contains(d.Name(), deviceName) },
	}
	for _, match := range matchers {
		for i := range devices {
			if match(&devices[i]) {
				return &devices[i], nil
			}
		}
	}

	return nil, errors.Newf("no matching audio device found: %s", deviceName).
		Component(audiocore.ComponentAudioCore).
		Category(errors.CategoryNotFound).
		Context("device_name", deviceName).
		Context("available_devices", len(devices)).
		Build()
}

// defaultIndex returns the default device, the first device when none is
// flagged, or -1 for an empty list.
func defaultIndex(devices []malgo.DeviceInfo) int {
	for i := range devices {
		if devices[i].IsDefault == 1 {
			return i
		}
	}
	if len(devices) > 0 {
		return 0
	}
	return -1
}

func hexToASCII(hexStr string) (string, error) {
	bytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// isHardwareDevice reports whether a decoded ID names a hardware device.
// ALSA hardware IDs look like ":X,Y"; other platforms do not tell.
func isHardwareDevice(decodedID string) bool {
	if runtime.GOOS == "linux" {
		return strings.Contains(decodedID, ":") && strings.Contains(decodedID, ",")
	}
	return true
}

// GetHardwareDevices lists only the capture devices backed by hardware
func GetHardwareDevices() ([]AudioDeviceInfo, error) {
	devices, err := EnumerateDevices()
	if err != nil {
		return nil, err
	}
	hardware := devices[:0]
	for _, d := range devices {
		if isHardwareDevice(d.ID) {
			hardware = append(hardware, d)
		}
	}
	return hardware, nil
}

// GetDefaultDevice returns the system default capture device, or the first
// device when the backend flags none.
func GetDefaultDevice() (*AudioDeviceInfo, error) {
	mctx, infos, err := openCaptureContext()
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeContext(mctx) }()

	i := defaultIndex(infos)
	if i < 0 {
		return nil, errors.Newf("no audio capture devices found").
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryNotFound).
			Build()
	}
	info := toDeviceInfo(i, &infos[i])
	return &info, nil
}
