package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/voicebridge-labs/voicebridge/internal/bus"
	"github.com/voicebridge-labs/voicebridge/internal/capture"
	"github.com/voicebridge-labs/voicebridge/internal/config"
	"github.com/voicebridge-labs/voicebridge/internal/protocol"
)

// Publisher reads PCM chunks from a capture backend and publishes them
// as AudioFrame messages on the bus. Each Run call is one session.
type Publisher struct {
	cfg     config.AudioConfig
	backend capture.Backend
	bus     *bus.Client
	log     *slog.Logger
}

func NewPublisher(cfg config.AudioConfig, backend capture.Backend, busClient *bus.Client, log *slog.Logger) *Publisher {
	return &Publisher{
		cfg:     cfg,
		backend: backend,
		bus:     busClient,
		log:     log,
	}
}

// Run streams frames until ctx is canceled, then publishes a final
// empty frame so downstream consumers flush the session.
func (p *Publisher) Run(ctx context.Context) error {
	sessionID := uuid.NewString()
	subject := fmt.Sprintf("%s.%s", protocol.SubjectAudioFramePrefix, sessionID)

	p.log.Info("audio stream started",
		slog.String("session_id", sessionID),
		slog.Int("sample_rate", p.cfg.SampleRate),
		slog.Int("channels", p.cfg.Channels))

	seq := 0
	streamErr := p.backend.Stream(ctx, p.cfg.Device, func(samples []int16) error {
		frame := protocol.AudioFrame{
			SessionID:  sessionID,
			Sequence:   seq,
			SampleRate: p.cfg.SampleRate,
			Channels:   p.cfg.Channels,
			PCM:        capture.SamplesToBytes(samples),
		}
		if err := p.publish(subject, frame); err != nil {
			return err
		}
		seq++
		return nil
	})

	final := protocol.AudioFrame{
		SessionID:  sessionID,
		Sequence:   seq,
		SampleRate: p.cfg.SampleRate,
		Channels:   p.cfg.Channels,
		Final:      true,
	}
	if err := p.publish(subject, final); err != nil {
		p.log.Warn("failed to publish final frame", slog.String("error", err.Error()))
	}

	p.log.Info("audio stream stopped",
		slog.String("session_id", sessionID),
		slog.Int("frames", seq))

	if streamErr != nil && !errors.Is(streamErr, context.Canceled) && !errors.Is(streamErr, context.DeadlineExceeded) {
		return streamErr
	}
	return nil
}

func (p *Publisher) publish(subject string, frame protocol.AudioFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode audio frame: %w", err)
	}
	return p.bus.Conn().Publish(subject, data)
}
