package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicebridge-labs/voicebridge/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.HistoryConfig{RetentionMode: "ephemeral"}
	store, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.AppendTranscript(ctx, Transcript{SessionID: "s", Text: "ignored"}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}
	transcripts, err := store.ListSession(ctx, "s", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(transcripts) != 0 {
		t.Fatalf("ephemeral store should keep nothing, got %d", len(transcripts))
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "session"}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sessionID := "session-123"
	if err := store.AppendSession(context.Background(), sessionID, "mock", "mock default source"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := store.AppendTranscript(context.Background(), Transcript{SessionID: sessionID, Text: "hello world", Confidence: 0.9}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}
	transcripts, err := store.ListSession(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(transcripts) != 1 {
		t.Fatalf("expected 1 transcript, got %d", len(transcripts))
	}
	if transcripts[0].Text != "hello world" {
		t.Fatalf("unexpected text: %s", transcripts[0].Text)
	}
	if transcripts[0].Confidence != 0.9 {
		t.Fatalf("unexpected confidence: %v", transcripts[0].Confidence)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	store.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := store.AppendSession(context.Background(), "old-session", "mock", ""); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := store.AppendTranscript(context.Background(), Transcript{SessionID: "old-session", Text: "stale"}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}

	store.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := store.AppendSession(context.Background(), "new-session", "mock", ""); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := store.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	transcripts, err := store.ListSession(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(transcripts) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
