// Package voice coordinates a capture backend and a speech recognizer
// behind the single user-facing entry point.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/voicebridge-labs/voicebridge/internal/capture"
	"github.com/voicebridge-labs/voicebridge/internal/config"
	"github.com/voicebridge-labs/voicebridge/internal/stt"
)

// ErrNoSpeech is returned by Listen when nothing above the energy threshold
// was recorded or the recognizer produced no text.
var ErrNoSpeech = errors.New("no speech detected")

// Calibration is the outcome of an ambient noise measurement.
type Calibration struct {
	NoiseLevel      float64 `json:"noise_level"`
	MaxAmplitude    int     `json:"max_amplitude"`
	EnergyThreshold float64 `json:"energy_threshold"`
	Calibrated      bool    `json:"calibrated"`
}

// ListenOptions bounds a single listen pass. Zero values fall back to the
// configured defaults.
type ListenOptions struct {
	Timeout     time.Duration
	PhraseLimit time.Duration
}

// Input records from a capture backend and hands audio to a recognizer.
type Input struct {
	cfg        config.Config
	backend    capture.Backend
	recognizer stt.Recognizer
	log        *slog.Logger

	device    int
	listening atomic.Bool

	mu              sync.Mutex
	energyThreshold float64
}

// New wires an Input from config. A device index of -1 resolves to the
// backend's default input; when no device is found the index stays -1 and
// the backend decides at record time.
func New(cfg config.Config, backend capture.Backend, recognizer stt.Recognizer, log *slog.Logger) *Input {
	in := &Input{
		cfg:             cfg,
		backend:         backend,
		recognizer:      recognizer,
		log:             log,
		device:          cfg.Audio.Device,
		energyThreshold: cfg.Listen.EnergyThreshold,
	}
	if in.device < 0 {
		device, err := capture.DefaultDevice(backend)
		if err != nil {
			log.Warn("no default audio device found", slog.String("error", err.Error()))
		} else {
			in.device = device.Index
			log.Info("using default device", slog.String("name", device.Name))
		}
	}
	return in
}

// Device returns the resolved input device index (-1 when unresolved).
func (in *Input) Device() int { return in.device }

// EnergyThreshold returns the current amplitude cutoff.
func (in *Input) EnergyThreshold() float64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.energyThreshold
}

// Listening reports whether a continuous listen loop is active.
func (in *Input) Listening() bool { return in.listening.Load() }

// Devices lists the backend's input devices.
func (in *Input) Devices() ([]capture.Device, error) {
	return in.backend.Devices()
}

// TestDevice records a short burst from the given device (-1 for the
// configured one) and reports whether it produced signal.
func (in *Input) TestDevice(ctx context.Context, device int) (bool, error) {
	if device < 0 {
		device = in.device
	}
	return in.backend.Test(ctx, device)
}

// Record captures audio for the given duration from the configured device.
func (in *Input) Record(ctx context.Context, duration time.Duration) ([]int16, error) {
	in.log.Info("recording", slog.Duration("duration", duration))
	samples, err := in.backend.Record(ctx, duration, in.device)
	if err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}
	in.log.Info("recording complete", slog.Int("samples", len(samples)))
	return samples, nil
}

// SaveWAV writes samples as a 16-bit linear PCM WAV file.
func (in *Input) SaveWAV(samples []int16, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	defer f.Close()

	buffer := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: in.cfg.Audio.Channels,
			SampleRate:  in.cfg.Audio.SampleRate,
		},
		Data: make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = int(s)
	}

	enc := wav.NewEncoder(f, in.cfg.Audio.SampleRate, 16, in.cfg.Audio.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	in.log.Info("audio saved", slog.String("path", path))
	return nil
}

func (in *Input) listenWindow(opts ListenOptions) (timeout, phraseLimit time.Duration) {
	timeout = opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(in.cfg.Listen.TimeoutMS) * time.Millisecond
	}
	phraseLimit = opts.PhraseLimit
	if phraseLimit <= 0 {
		phraseLimit = time.Duration(in.cfg.Listen.PhraseLimitMS) * time.Millisecond
	}
	return timeout, phraseLimit
}

// Listen records one phrase window and converts it to text. Audio whose
// peak amplitude stays below the energy threshold is treated as silence.
func (in *Input) Listen(ctx context.Context, opts ListenOptions) (string, error) {
	timeout, phraseLimit := in.listenWindow(opts)
	ctx, cancel := context.WithTimeout(ctx, timeout+phraseLimit)
	defer cancel()

	samples, err := in.backend.Record(ctx, phraseLimit, in.device)
	if err != nil {
		return "", fmt.Errorf("record: %w", err)
	}
	if len(samples) == 0 {
		return "", ErrNoSpeech
	}
	if float64(capture.Peak(samples)) < in.EnergyThreshold() {
		return "", ErrNoSpeech
	}

	result, err := in.recognizer.Transcribe(ctx, capture.SamplesToBytes(samples),
		in.cfg.Audio.SampleRate, in.cfg.Audio.Channels, true)
	if err != nil {
		return "", fmt.Errorf("recognize: %w", err)
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", ErrNoSpeech
	}
	in.log.Info("recognized", slog.String("text", text))
	return text, nil
}

// ListenContinuous runs Listen in a loop until the stop phrase is heard,
// fn returns an error, or the context is canceled. Recognition failures in
// a single pass are logged and the loop keeps going.
func (in *Input) ListenContinuous(ctx context.Context, stopPhrase string, fn func(string) error) error {
	if stopPhrase == "" {
		stopPhrase = in.cfg.Listen.StopPhrase
	}
	in.log.Info("continuous listening started", slog.String("stop_phrase", stopPhrase))

	in.listening.Store(true)
	defer func() {
		in.listening.Store(false)
		in.log.Info("continuous listening stopped")
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		text, err := in.Listen(ctx, ListenOptions{})
		if err != nil {
			if errors.Is(err, ErrNoSpeech) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.log.Warn("listen pass failed", slog.String("error", err.Error()))
			continue
		}
		if strings.EqualFold(text, stopPhrase) {
			in.log.Info("stop phrase detected")
			return nil
		}
		if fn != nil {
			if err := fn(text); err != nil {
				return err
			}
		}
	}
}

// Calibrate samples ambient noise and derives an energy threshold from it.
// With dynamic energy enabled the threshold is applied to later Listen
// calls.
func (in *Input) Calibrate(ctx context.Context, duration time.Duration) (Calibration, error) {
	in.log.Info("calibrating microphone", slog.Duration("duration", duration))

	samples, err := in.Record(ctx, duration)
	if err != nil {
		return Calibration{}, fmt.Errorf("calibrate: %w", err)
	}

	noise := stddev(samples)
	threshold := math.Max(in.cfg.Listen.EnergyThreshold, noise*4)

	if in.cfg.Listen.DynamicEnergy {
		in.mu.Lock()
		in.energyThreshold = threshold
		in.mu.Unlock()
		in.log.Info("energy threshold updated", slog.Float64("threshold", threshold))
	}

	cal := Calibration{
		NoiseLevel:      noise,
		MaxAmplitude:    capture.Peak(samples),
		EnergyThreshold: threshold,
		Calibrated:      true,
	}
	in.log.Info("calibration complete",
		slog.Float64("noise_level", cal.NoiseLevel),
		slog.Int("max_amplitude", cal.MaxAmplitude))
	return cal, nil
}

// Close releases the capture backend.
func (in *Input) Close() error {
	return in.backend.Close()
}

func stddev(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, s := range samples {
		d := float64(s) - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(samples)))
}
