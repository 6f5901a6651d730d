package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/voicebridge-labs/voicebridge/internal/config"
)

// whisperRecognizer uploads WAV audio to a whisper.cpp style HTTP server
// (the /inference endpoint) and reads back the transcribed text.
type whisperRecognizer struct {
	endpoint string
	language string
	client   *http.Client
}

type whisperResponse struct {
	Text string `json:"text"`
}

func NewWhisperRecognizer(cfg config.STTConfig) Recognizer {
	return &whisperRecognizer{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		language: cfg.Language,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (r *whisperRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	wavPath, err := tempWav(pcm, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer os.Remove(wavPath)

	f, err := os.Open(wavPath)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return TranscriptResult{}, fmt.Errorf("copy audio data: %w", err)
	}
	if r.language != "" {
		if err := writer.WriteField("language", r.language); err != nil {
			return TranscriptResult{}, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return TranscriptResult{}, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/inference", &body)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return TranscriptResult{}, fmt.Errorf("whisper server returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode whisper response: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(result.Text)}, nil
}
