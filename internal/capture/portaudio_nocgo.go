//go:build !cgo

package capture

import (
	"fmt"
	"log/slog"

	"github.com/voicebridge-labs/voicebridge/internal/config"
)

// Without cgo the PortAudio bindings cannot be compiled, so the backend
// reports itself unavailable and Open falls through to pulse.
func newPortAudioBackend(cfg config.AudioConfig, log *slog.Logger) (Backend, error) {
	return nil, fmt.Errorf("portaudio backend requires cgo")
}
