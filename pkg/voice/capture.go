package voice

import (
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// The host audio subsystem is initialized once per process and reference
// counted, so a session teardown never yanks the subsystem out from under a
// concurrent device query.
var (
	hostMu   sync.Mutex
	hostRefs int
)

func acquireHost() error {
	hostMu.Lock()
	defer hostMu.Unlock()
	if hostRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return WrapError(err, ErrCodeHostUnavailable)
		}
	}
	hostRefs++
	return nil
}

func releaseHost() {
	hostMu.Lock()
	defer hostMu.Unlock()
	if hostRefs == 0 {
		return
	}
	hostRefs--
	if hostRefs == 0 {
		portaudio.Terminate()
	}
}

// inputDevice is an acquired mono microphone. It owns the host reference
// until released.
type inputDevice struct {
	info       *portaudio.DeviceInfo
	sampleRate int

	mu       sync.Mutex
	released bool
}

// acquireInputDevice claims the default (or configured) microphone at the
// requested sample rate. Host and device failures map to the capture error
// taxonomy: HOST_UNAVAILABLE, NO_DEVICE_FOUND, PERMISSION_DENIED, or a
// generic CAPTURE_FAILED carrying the original message.
func acquireInputDevice(cfg *Config) (*inputDevice, error) {
	if err := acquireHost(); err != nil {
		return nil, err
	}

	var info *portaudio.DeviceInfo
	var err error
	if cfg.InputDeviceID != nil {
		devices, derr := portaudio.Devices()
		if derr != nil {
			releaseHost()
			return nil, mapCaptureError(derr)
		}
		id := *cfg.InputDeviceID
		if id < 0 || id >= len(devices) || devices[id].MaxInputChannels < 1 {
			releaseHost()
			return nil, NewVoiceError("configured input device not found", ErrCodeNoDevice).AddDetail("device_id", id)
		}
		info = devices[id]
	} else {
		info, err = portaudio.DefaultInputDevice()
		if err != nil {
			releaseHost()
			return nil, mapCaptureError(err)
		}
	}

	if info == nil || info.MaxInputChannels < 1 {
		releaseHost()
		return nil, NewVoiceError("no audio input device available", ErrCodeNoDevice)
	}

	return &inputDevice{info: info, sampleRate: cfg.SampleRate}, nil
}

// release drops the host reference. Idempotent.
func (d *inputDevice) release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	d.mu.Unlock()
	releaseHost()
}

// mapCaptureError translates host error text into the stable capture codes.
func mapCaptureError(err error) *VoiceError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "access"):
		return WrapError(err, ErrCodePermissionDenied)
	case strings.Contains(msg, "no device") || strings.Contains(msg, "no default") || strings.Contains(msg, "device unavailable"):
		return WrapError(err, ErrCodeNoDevice)
	default:
		return WrapError(err, ErrCodeCaptureFailed)
	}
}

// AudioDevice describes one host audio device for device selection UIs.
type AudioDevice struct {
	ID             int
	Name           string
	HostAPI        string
	InputChannels  int
	OutputChannels int
	SampleRate     float64
	DefaultInput   bool
	DefaultOutput  bool
}

// ListAudioDevices enumerates the host's audio devices.
func ListAudioDevices() ([]AudioDevice, error) {
	if err := acquireHost(); err != nil {
		return nil, err
	}
	defer releaseHost()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, mapCaptureError(err)
	}

	defaultIn, _ := portaudio.DefaultInputDevice()
	defaultOut, _ := portaudio.DefaultOutputDevice()

	result := make([]AudioDevice, 0, len(devices))
	for i, info := range devices {
		hostAPI := ""
		if info.HostApi != nil {
			hostAPI = info.HostApi.Name
		}
		result = append(result, AudioDevice{
			ID:             i,
			Name:           info.Name,
			HostAPI:        hostAPI,
			InputChannels:  info.MaxInputChannels,
			OutputChannels: info.MaxOutputChannels,
			SampleRate:     info.DefaultSampleRate,
			DefaultInput:   defaultIn != nil && info == defaultIn,
			DefaultOutput:  defaultOut != nil && info == defaultOut,
		})
	}
	return result, nil
}
