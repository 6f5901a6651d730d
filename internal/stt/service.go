package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voicebridge-labs/voicebridge/internal/bus"
	"github.com/voicebridge-labs/voicebridge/internal/config"
	"github.com/voicebridge-labs/voicebridge/internal/protocol"
)

// transcribeTimeout bounds a single recognizer pass; whisper on CPU can
// take a long time on long sessions.
const transcribeTimeout = 45 * time.Second

// Service turns audio frames from the bus into transcript messages. Audio
// accumulates per session; at most one recognizer pass runs per session at
// a time, and a final frame that lands mid-pass is remembered and served
// by a trailing final pass.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer

	mu       sync.Mutex
	sessions map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	ready  bool

	frames      metric.Int64Counter
	transcripts metric.Int64Counter
}

// session is the per-stream accumulation state.
type session struct {
	buf         []byte
	lastPartial time.Time
	inflight    bool
	wantFinal   bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer) *Service {
	ctx, cancel := context.WithCancel(parent)
	meter := otel.Meter("voicebridge/stt")
	frames, err := meter.Int64Counter("voicebridge_audio_frames_total",
		metric.WithDescription("Audio frames consumed from the bus"))
	if err != nil {
		frames = nil
	}
	transcripts, err := meter.Int64Counter("voicebridge_transcripts_total",
		metric.WithDescription("Transcripts published to the bus"))
	if err != nil {
		transcripts = nil
	}
	return &Service{
		cfg:         cfg,
		bus:         busClient,
		recognizer:  recognizer,
		sessions:    make(map[string]*session),
		ctx:         ctx,
		cancel:      cancel,
		frames:      frames,
		transcripts: transcripts,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.bus.Logger().Warn("dropping undecodable audio frame", errAttr(err))
		return
	}
	if s.frames != nil {
		s.frames.Add(s.ctx, 1)
	}

	s.mu.Lock()
	sess := s.sessions[frame.SessionID]
	if sess == nil {
		sess = &session{}
		s.sessions[frame.SessionID] = sess
	}
	sess.buf = append(sess.buf, frame.PCM...)
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final && s.partialDue(frame.SessionID) {
		s.transcribe(frame.SessionID, false)
	}
	if frame.Final {
		s.transcribe(frame.SessionID, true)
	}
}

// partialDue rate-limits interim passes to one per configured interval,
// and never starts one while a pass is already running.
func (s *Service) partialDue(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[sessionID]
	if sess == nil || sess.inflight {
		return false
	}
	if sess.lastPartial.IsZero() {
		sess.lastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(sess.lastPartial) >= interval {
		sess.lastPartial = time.Now()
		return true
	}
	return false
}

// transcribe snapshots the session buffer and runs one recognizer pass in
// the background. A final request against a busy session only marks
// wantFinal; the running pass schedules the trailing final itself.
func (s *Service) transcribe(sessionID string, final bool) {
	s.mu.Lock()
	sess := s.sessions[sessionID]
	if sess == nil {
		s.mu.Unlock()
		return
	}
	if sess.inflight {
		if final {
			sess.wantFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), sess.buf...)
	sess.inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, pcm, s.cfg.SampleRate, s.cfg.Channels, final)
		if err != nil {
			s.bus.Logger().Warn("transcription failed",
				slog.String("session_id", sessionID), errAttr(err))
		} else {
			s.publishTranscript(sessionID, result.Text, result.Confidence, final)
		}

		s.mu.Lock()
		sess := s.sessions[sessionID]
		var wantFinal bool
		if sess != nil {
			sess.inflight = false
			wantFinal = sess.wantFinal
			if final {
				delete(s.sessions, sessionID)
			} else {
				sess.lastPartial = time.Now()
			}
		}
		s.mu.Unlock()

		if wantFinal && !final {
			s.transcribe(sessionID, true)
		}
	}()
}

func (s *Service) publishTranscript(sessionID, text string, confidence float64, final bool) {
	if text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	kind := "partial"
	if final {
		subject = protocol.SubjectTranscriptFinal
		kind = "final"
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: confidence,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.bus.Logger().Warn("transcript encode failed", errAttr(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.bus.Logger().Warn("transcript publish failed", errAttr(err))
		return
	}
	if s.transcripts != nil {
		s.transcripts.Add(s.ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func errAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}
