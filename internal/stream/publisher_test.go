package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/voicebridge-labs/voicebridge/internal/bus"
	"github.com/voicebridge-labs/voicebridge/internal/capture"
	"github.com/voicebridge-labs/voicebridge/internal/config"
	"github.com/voicebridge-labs/voicebridge/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startTestServer(t *testing.T) *server.Server {
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
	return ns
}

func TestPublisherPublishesFramesAndFinal(t *testing.T) {
	ns := startTestServer(t)

	busCfg := config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}
	client, err := bus.Connect(context.Background(), busCfg, newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	frames := make(chan protocol.AudioFrame, 64)
	sub, err := client.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			t.Errorf("decode frame: %v", err)
			return
		}
		frames <- frame
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	audioCfg := config.AudioConfig{Backend: "mock", SampleRate: 16000, Channels: 1, ChunkSize: 256}
	backend := capture.NewMock(audioCfg)
	pub := NewPublisher(audioCfg, backend, client, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	var received []protocol.AudioFrame
	deadline := time.After(5 * time.Second)
	for len(received) < 2 {
		select {
		case frame := <-frames:
			received = append(received, frame)
		case <-deadline:
			t.Fatal("timed out waiting for frames")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("publisher run: %v", err)
	}

	var final *protocol.AudioFrame
	drain := time.After(2 * time.Second)
	for final == nil {
		select {
		case frame := <-frames:
			if frame.Final {
				final = &frame
			}
		case <-drain:
			t.Fatal("timed out waiting for final frame")
		}
	}

	if received[0].SessionID == "" || received[0].SessionID != received[1].SessionID {
		t.Fatalf("expected stable session id, got %q and %q", received[0].SessionID, received[1].SessionID)
	}
	if received[0].Sequence != 0 || received[1].Sequence != 1 {
		t.Fatalf("unexpected sequence numbers: %d, %d", received[0].Sequence, received[1].Sequence)
	}
	if len(received[0].PCM) != 256*2 {
		t.Fatalf("expected %d pcm bytes, got %d", 256*2, len(received[0].PCM))
	}
	if final.SessionID != received[0].SessionID {
		t.Fatalf("final frame session mismatch")
	}
	if len(final.PCM) != 0 {
		t.Fatalf("final frame should carry no audio, got %d bytes", len(final.PCM))
	}
}
