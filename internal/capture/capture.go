// Package capture abstracts microphone input behind interchangeable
// backends. The portaudio backend talks to the native PortAudio library;
// the pulse backend shells out to PulseAudio tooling, which is the path
// that works against the WSLg relay socket without cgo.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voicebridge-labs/voicebridge/internal/config"
)

var (
	// ErrNoBackend is returned when no capture backend could be initialized.
	ErrNoBackend = errors.New("no capture backend available")
	// ErrNoDevice is returned when no input device is present.
	ErrNoDevice = errors.New("no audio input device found")
)

// SilenceFloor is the peak amplitude at or below which a device test is
// considered to have recorded only silence or line noise.
const SilenceFloor = 100

// Device describes an audio input device as reported by a backend.
type Device struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	Default    bool   `json:"default"`
	Backend    string `json:"backend"`
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%dch @ %dHz)", d.Name, d.Channels, d.SampleRate)
}

// Backend produces sample buffers from an input device. Samples are 16-bit
// signed PCM, interleaved when the backend is configured for more than one
// channel. A device index of -1 selects the backend's default input.
type Backend interface {
	Name() string
	Devices() ([]Device, error)
	Record(ctx context.Context, duration time.Duration, device int) ([]int16, error)
	Stream(ctx context.Context, device int, fn func([]int16) error) error
	Test(ctx context.Context, device int) (bool, error)
	Close() error
}

// Open returns the backend named in cfg, or walks the portaudio -> pulse
// fallback chain when no backend is pinned.
func Open(cfg config.AudioConfig, log *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "portaudio":
		return newPortAudioBackend(cfg, log)
	case "pulse":
		return newPulseBackend(cfg, log)
	case "mock":
		return NewMock(cfg), nil
	case "":
		pa, paErr := newPortAudioBackend(cfg, log)
		if paErr == nil {
			return pa, nil
		}
		log.Info("portaudio unavailable, falling back to pulse", slog.String("error", paErr.Error()))
		pulse, pulseErr := newPulseBackend(cfg, log)
		if pulseErr == nil {
			return pulse, nil
		}
		return nil, fmt.Errorf("%w: portaudio: %v; pulse: %v", ErrNoBackend, paErr, pulseErr)
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Backend)
	}
}

// DefaultDevice picks the device flagged as default, else one whose name
// mentions "default", else the first listed input.
func DefaultDevice(b Backend) (Device, error) {
	devices, err := b.Devices()
	if err != nil {
		return Device{}, err
	}
	if len(devices) == 0 {
		return Device{}, ErrNoDevice
	}
	for _, d := range devices {
		if d.Default {
			return d, nil
		}
	}
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), "default") {
			return d, nil
		}
	}
	return devices[0], nil
}

// Peak returns the largest absolute sample amplitude.
func Peak(samples []int16) int {
	var peak int
	for _, s := range samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// SamplesToBytes packs samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToSamples unpacks little-endian 16-bit PCM; a trailing odd byte is
// dropped.
func BytesToSamples(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// Chunks converts a recording duration into a whole number of chunk reads,
// truncating the remainder.
func Chunks(sampleRate, chunkSize int, duration time.Duration) int {
	return int(float64(sampleRate) / float64(chunkSize) * duration.Seconds())
}
