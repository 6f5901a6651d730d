package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-audio/wav"

	"github.com/voicebridge-labs/voicebridge/internal/capture"
	"github.com/voicebridge-labs/voicebridge/internal/config"
)

func TestNewSelectsEngine(t *testing.T) {
	cfg := config.Default().STT

	cfg.Mode = "mock"
	if _, err := New(cfg); err != nil {
		t.Fatalf("mock: %v", err)
	}

	cfg.Mode = "exec"
	cfg.Command = "whisper-cli --json"
	if _, err := New(cfg); err != nil {
		t.Fatalf("exec: %v", err)
	}

	cfg.Mode = "whisper"
	cfg.Endpoint = "http://localhost:9000"
	if _, err := New(cfg); err != nil {
		t.Fatalf("whisper: %v", err)
	}

	cfg.Mode = "azure"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestMockRecognizer(t *testing.T) {
	r := NewMockRecognizer()
	// 320 bytes of 16-bit mono at 16kHz is 10ms of audio.
	res, err := r.Transcribe(context.Background(), make([]byte, 320), 16000, 1, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Text, "final") || !strings.Contains(res.Text, "10ms") {
		t.Fatalf("unexpected mock transcript: %q", res.Text)
	}
	if res.Confidence <= 0.5 {
		t.Fatalf("expected high confidence for final pass, got %v", res.Confidence)
	}

	res, err = r.Transcribe(context.Background(), nil, 16000, 1, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Text, "partial") {
		t.Fatalf("unexpected partial transcript: %q", res.Text)
	}
}

func TestTempWavRoundTrip(t *testing.T) {
	samples := []int16{0, 100, -100, 32767, -32768}
	pcm := capture.SamplesToBytes(samples)

	path, err := tempWav(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("temp wav: %v", err)
	}
	t.Cleanup(func() { os.Remove(path) })

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if buf.Format.SampleRate != 16000 || buf.Format.NumChannels != 1 {
		t.Fatalf("unexpected format: %+v", buf.Format)
	}
	if len(buf.Data) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(buf.Data))
	}
	for i, want := range samples {
		if buf.Data[i] != int(want) {
			t.Fatalf("sample %d: want %d got %d", i, want, buf.Data[i])
		}
	}
}

func TestTempWavRejectsUnalignedPCM(t *testing.T) {
	if _, err := tempWav([]byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected error for odd-length pcm")
	}
}

func TestWhisperRecognizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		if got := r.FormValue("language"); got != "en" {
			http.Error(w, "missing language", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"text": " hello world \n"})
	}))
	defer srv.Close()

	cfg := config.Default().STT
	cfg.Mode = "whisper"
	cfg.Endpoint = srv.URL
	cfg.Language = "en"

	r := NewWhisperRecognizer(cfg)
	res, err := r.Transcribe(context.Background(), capture.SamplesToBytes(make([]int16, 1600)), 16000, 1, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hello world" {
		t.Fatalf("expected trimmed transcript, got %q", res.Text)
	}
}

func TestWhisperRecognizerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.Default().STT
	cfg.Mode = "whisper"
	cfg.Endpoint = srv.URL

	r := NewWhisperRecognizer(cfg)
	if _, err := r.Transcribe(context.Background(), make([]byte, 32), 16000, 1, true); err == nil {
		t.Fatal("expected error from failing server")
	}
}
