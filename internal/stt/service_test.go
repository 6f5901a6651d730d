package stt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/voicebridge-labs/voicebridge/internal/bus"
	"github.com/voicebridge-labs/voicebridge/internal/capture"
	"github.com/voicebridge-labs/voicebridge/internal/config"
	"github.com/voicebridge-labs/voicebridge/internal/protocol"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	opts := &server.Options{Host: "127.0.0.1", Port: -1, NoSigs: true}
	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not become ready")
	}
	t.Cleanup(ns.Shutdown)

	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// gatedRecognizer blocks every pass until released and tracks how many
// passes overlap.
type gatedRecognizer struct {
	release chan struct{}

	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
}

func (g *gatedRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int, final bool) (TranscriptResult, error) {
	g.mu.Lock()
	g.calls++
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.mu.Unlock()

	select {
	case <-g.release:
	case <-ctx.Done():
	}

	g.mu.Lock()
	g.active--
	g.mu.Unlock()

	text := "interim words"
	if final {
		text = "final words"
	}
	return TranscriptResult{Text: text, Confidence: 0.9}, nil
}

func (g *gatedRecognizer) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func frameMsg(t *testing.T, frame protocol.AudioFrame) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return &nats.Msg{Data: data}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServiceCoalescesFinalDuringInflightPass(t *testing.T) {
	client := startBus(t)

	cfg := config.Default().STT
	cfg.PublishInterim = true
	cfg.PartialEveryMS = 1

	rec := &gatedRecognizer{release: make(chan struct{})}
	svc := NewService(context.Background(), cfg, client, rec)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	transcripts := make(chan protocol.Transcript, 16)
	sub, err := client.Conn().Subscribe("stt.text.>", func(msg *nats.Msg) {
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Errorf("decode transcript: %v", err)
			return
		}
		transcripts <- tr
	})
	if err != nil {
		t.Fatalf("subscribe transcripts: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	pcm := capture.SamplesToBytes(make([]int16, 256))
	sessionID := "session-inflight"

	// The first frame starts an interim pass that blocks inside the
	// recognizer.
	svc.handleFrame(frameMsg(t, protocol.AudioFrame{SessionID: sessionID, Sequence: 0, PCM: pcm}))
	waitFor(t, "interim pass to start", func() bool { return rec.callCount() == 1 })

	// A final frame arriving mid-pass must not start a second pass.
	svc.handleFrame(frameMsg(t, protocol.AudioFrame{SessionID: sessionID, Sequence: 1, PCM: pcm, Final: true}))
	time.Sleep(50 * time.Millisecond)
	if got := rec.callCount(); got != 1 {
		t.Fatalf("expected the final to coalesce, got %d recognizer calls", got)
	}

	// Releasing the interim pass publishes it and triggers the trailing
	// final pass.
	rec.release <- struct{}{}
	waitFor(t, "final pass to start", func() bool { return rec.callCount() == 2 })
	rec.release <- struct{}{}

	var gotPartial, gotFinal bool
	for !gotFinal {
		select {
		case tr := <-transcripts:
			if tr.SessionID != sessionID {
				t.Fatalf("unexpected session id: %q", tr.SessionID)
			}
			if tr.Partial {
				gotPartial = true
			} else {
				gotFinal = true
				if tr.Text != "final words" {
					t.Fatalf("unexpected final text: %q", tr.Text)
				}
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for transcripts")
		}
	}
	if !gotPartial {
		t.Fatal("expected an interim transcript before the final")
	}

	rec.mu.Lock()
	maxActive := rec.maxActive
	rec.mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("expected one pass in flight at a time, saw %d", maxActive)
	}

	// Session state is dropped once the final pass completes.
	waitFor(t, "session cleanup", func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.sessions) == 0
	})
}

func TestServiceSkipsInterimWhenDisabled(t *testing.T) {
	client := startBus(t)

	cfg := config.Default().STT
	cfg.PublishInterim = false
	cfg.PartialEveryMS = 1

	rec := &gatedRecognizer{release: make(chan struct{})}
	close(rec.release)
	svc := NewService(context.Background(), cfg, client, rec)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	pcm := capture.SamplesToBytes(make([]int16, 64))
	sessionID := "session-no-interim"

	svc.handleFrame(frameMsg(t, protocol.AudioFrame{SessionID: sessionID, Sequence: 0, PCM: pcm}))
	svc.handleFrame(frameMsg(t, protocol.AudioFrame{SessionID: sessionID, Sequence: 1, PCM: pcm}))
	time.Sleep(50 * time.Millisecond)
	if got := rec.callCount(); got != 0 {
		t.Fatalf("expected no recognizer calls before the final frame, got %d", got)
	}

	svc.handleFrame(frameMsg(t, protocol.AudioFrame{SessionID: sessionID, Sequence: 2, Final: true}))
	waitFor(t, "final pass", func() bool { return rec.callCount() == 1 })
}
