//go:build cgo

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/voicebridge-labs/voicebridge/internal/config"
)

// portAudioBackend records through the native PortAudio library. PortAudio
// routes through PulseAudio on WSL2, so it sees the WSLg relay devices.
type portAudioBackend struct {
	cfg config.AudioConfig
	log *slog.Logger
}

func newPortAudioBackend(cfg config.AudioConfig, log *slog.Logger) (Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &portAudioBackend{cfg: cfg, log: log}, nil
}

func (b *portAudioBackend) Name() string { return "portaudio" }

func (b *portAudioBackend) Close() error {
	return portaudio.Terminate()
}

func (b *portAudioBackend) Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate portaudio devices: %w", err)
	}
	defaultIn, _ := portaudio.DefaultInputDevice()

	var devices []Device
	for i, info := range infos {
		if info.MaxInputChannels <= 0 {
			continue
		}
		devices = append(devices, Device{
			Index:      i,
			Name:       info.Name,
			Channels:   info.MaxInputChannels,
			SampleRate: int(info.DefaultSampleRate),
			Default:    defaultIn != nil && info == defaultIn,
			Backend:    b.Name(),
		})
	}
	return devices, nil
}

func (b *portAudioBackend) inputDevice(device int) (*portaudio.DeviceInfo, error) {
	if device < 0 {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return info, nil
	}
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate portaudio devices: %w", err)
	}
	if device >= len(infos) {
		return nil, fmt.Errorf("device index %d out of range (%d devices)", device, len(infos))
	}
	if infos[device].MaxInputChannels <= 0 {
		return nil, fmt.Errorf("device %d (%s) has no input channels", device, infos[device].Name)
	}
	return infos[device], nil
}

func (b *portAudioBackend) openStream(device int, buffer []int16) (*portaudio.Stream, error) {
	info, err := b.inputDevice(device)
	if err != nil {
		return nil, err
	}
	params := portaudio.HighLatencyParameters(info, nil)
	params.Input.Channels = b.cfg.Channels
	params.SampleRate = float64(b.cfg.SampleRate)
	params.FramesPerBuffer = b.cfg.ChunkSize

	stream, err := portaudio.OpenStream(params, buffer)
	if err != nil {
		return nil, fmt.Errorf("open portaudio stream: %w", err)
	}
	return stream, nil
}

func (b *portAudioBackend) Record(ctx context.Context, duration time.Duration, device int) ([]int16, error) {
	buffer := make([]int16, b.cfg.ChunkSize*b.cfg.Channels)
	stream, err := b.openStream(device, buffer)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, fmt.Errorf("start portaudio stream: %w", err)
	}
	defer stream.Stop()

	chunks := Chunks(b.cfg.SampleRate, b.cfg.ChunkSize, duration)
	samples := make([]int16, 0, chunks*len(buffer))
	for i := 0; i < chunks; i++ {
		if err := ctx.Err(); err != nil {
			return samples, err
		}
		if err := stream.Read(); err != nil {
			return samples, fmt.Errorf("read portaudio stream: %w", err)
		}
		samples = append(samples, buffer...)
	}
	return samples, nil
}

func (b *portAudioBackend) Stream(ctx context.Context, device int, fn func([]int16) error) error {
	buffer := make([]int16, b.cfg.ChunkSize*b.cfg.Channels)
	stream, err := b.openStream(device, buffer)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start portaudio stream: %w", err)
	}
	defer stream.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := stream.Read(); err != nil {
			return fmt.Errorf("read portaudio stream: %w", err)
		}
		frame := make([]int16, len(buffer))
		copy(frame, buffer)
		if err := fn(frame); err != nil {
			return err
		}
	}
}

func (b *portAudioBackend) Test(ctx context.Context, device int) (bool, error) {
	samples, err := b.Record(ctx, 100*time.Millisecond, device)
	if err != nil {
		return false, err
	}
	return len(samples) > 0 && Peak(samples) > SilenceFloor, nil
}
