package capture

import (
	"context"
	"time"

	"github.com/voicebridge-labs/voicebridge/internal/config"
)

// Mock is a deterministic in-memory backend for tests and dry runs.
type Mock struct {
	cfg config.AudioConfig

	// DeviceList is what Devices returns. Defaults to a single default
	// input matching the configured format.
	DeviceList []Device
	// Amplitude is the absolute sample value of generated audio. Zero
	// produces silence.
	Amplitude int16
	// RecordErr, when set, is returned by Record and Test.
	RecordErr error

	closed bool
}

func NewMock(cfg config.AudioConfig) *Mock {
	return &Mock{
		cfg:       cfg,
		Amplitude: 1000,
		DeviceList: []Device{
			{
				Index:      0,
				Name:       "mock default source",
				Channels:   cfg.Channels,
				SampleRate: cfg.SampleRate,
				Default:    true,
				Backend:    "mock",
			},
		},
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Close() error {
	m.closed = true
	return nil
}

func (m *Mock) Closed() bool { return m.closed }

func (m *Mock) Devices() ([]Device, error) {
	return m.DeviceList, nil
}

// generate produces an alternating-sign square wave so that both the peak
// and the standard deviation of the buffer are non-zero.
func (m *Mock) generate(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = m.Amplitude
		} else {
			samples[i] = -m.Amplitude
		}
	}
	return samples
}

func (m *Mock) Record(ctx context.Context, duration time.Duration, device int) ([]int16, error) {
	if m.RecordErr != nil {
		return nil, m.RecordErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chunks := Chunks(m.cfg.SampleRate, m.cfg.ChunkSize, duration)
	return m.generate(chunks * m.cfg.ChunkSize * m.cfg.Channels), nil
}

func (m *Mock) Stream(ctx context.Context, device int, fn func([]int16) error) error {
	// Pace frames at roughly real time so consumers see a steady stream.
	interval := time.Duration(m.cfg.ChunkSize) * time.Second / time.Duration(m.cfg.SampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := fn(m.generate(m.cfg.ChunkSize * m.cfg.Channels)); err != nil {
			return err
		}
	}
}

func (m *Mock) Test(ctx context.Context, device int) (bool, error) {
	samples, err := m.Record(ctx, 100*time.Millisecond, device)
	if err != nil {
		return false, err
	}
	return len(samples) > 0 && Peak(samples) > SilenceFloor, nil
}
