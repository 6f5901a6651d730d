package stt

import (
	"context"
	"fmt"
)

// mockRecognizer fabricates transcripts from the audio geometry alone.
// It lets the capture and listening paths run on machines without a
// whisper binary or server.
type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	var millis int
	if sampleRate > 0 && channels > 0 {
		millis = len(pcm) * 1000 / (sampleRate * channels * 2)
	}
	kind := "partial"
	confidence := 0.5
	if final {
		kind = "final"
		confidence = 0.95
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("simulated %s transcript (%dms, %d bytes)", kind, millis, len(pcm)),
		Confidence: confidence,
	}, nil
}
