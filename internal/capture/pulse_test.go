package capture

import (
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

const pactlShortSources = "" +
	"0\talsa_output.pci-0000_00_1f.3.analog-stereo.monitor\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tIDLE\n" +
	"1\talsa_input.pci-0000_00_1f.3.analog-stereo\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tSUSPENDED\n" +
	"2\tRDPSource\tmodule-rdp-source.c\ts16le 1ch 16000Hz\tRUNNING\n"

func TestParsePulseSources(t *testing.T) {
	devices := parsePulseSources(pactlShortSources)
	if len(devices) != 2 {
		t.Fatalf("expected monitor source to be skipped, got %d devices", len(devices))
	}

	first := devices[0]
	if first.Index != 1 || first.Name != "alsa_input.pci-0000_00_1f.3.analog-stereo" {
		t.Fatalf("unexpected first device: %+v", first)
	}
	if first.Channels != 2 || first.SampleRate != 44100 {
		t.Fatalf("sample spec not parsed: %+v", first)
	}

	second := devices[1]
	if second.Index != 2 || second.Channels != 1 || second.SampleRate != 16000 {
		t.Fatalf("unexpected second device: %+v", second)
	}
	if second.Backend != "pulse" {
		t.Fatalf("expected pulse backend tag, got %q", second.Backend)
	}
}

func TestParsePulseSourcesIgnoresGarbage(t *testing.T) {
	devices := parsePulseSources("not a real line\n\nx\ty\n")
	if len(devices) != 0 {
		t.Fatalf("expected no devices, got %+v", devices)
	}
}

func TestParseSampleSpec(t *testing.T) {
	ch, rate := parseSampleSpec("float32le 1ch 48000Hz")
	if ch != 1 || rate != 48000 {
		t.Fatalf("unexpected spec parse: %d %d", ch, rate)
	}
	ch, rate = parseSampleSpec("unknown")
	if ch != 0 || rate != 0 {
		t.Fatalf("expected zero values for unknown spec, got %d %d", ch, rate)
	}
}
