package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected default sample rate 16000, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Device != -1 {
		t.Fatalf("expected auto device selection, got %d", cfg.Audio.Device)
	}
	if cfg.Listen.StopPhrase != "stop listening" {
		t.Fatalf("expected default stop phrase, got %q", cfg.Listen.StopPhrase)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOICEBRIDGE_AUDIO_BACKEND", "pulse")
	t.Setenv("VOICEBRIDGE_AUDIO_DEVICE", "3")
	t.Setenv("VOICEBRIDGE_AUDIO_SAMPLE_RATE", "48000")
	t.Setenv("VOICEBRIDGE_AUDIO_CHUNK_SIZE", "512")
	t.Setenv("VOICEBRIDGE_STT_MODE", "whisper")
	t.Setenv("VOICEBRIDGE_STT_ENDPOINT", "http://localhost:9000")
	t.Setenv("VOICEBRIDGE_LISTEN_STOP_PHRASE", "that will be all")
	t.Setenv("VOICEBRIDGE_LISTEN_ENERGY_THRESHOLD", "450.5")
	t.Setenv("VOICEBRIDGE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOICEBRIDGE_HISTORY_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Audio.Backend != "pulse" {
		t.Fatalf("expected backend override, got %q", cfg.Audio.Backend)
	}
	if cfg.Audio.Device != 3 {
		t.Fatalf("expected device override, got %d", cfg.Audio.Device)
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Fatalf("expected sample rate override, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.ChunkSize != 512 {
		t.Fatalf("expected chunk size override, got %d", cfg.Audio.ChunkSize)
	}
	if cfg.STT.Mode != "whisper" || cfg.STT.Endpoint != "http://localhost:9000" {
		t.Fatalf("expected stt overrides, got mode=%q endpoint=%q", cfg.STT.Mode, cfg.STT.Endpoint)
	}
	if cfg.Listen.StopPhrase != "that will be all" {
		t.Fatalf("expected stop phrase override, got %q", cfg.Listen.StopPhrase)
	}
	if cfg.Listen.EnergyThreshold != 450.5 {
		t.Fatalf("expected energy threshold override, got %v", cfg.Listen.EnergyThreshold)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.History.RetentionMode != "persistent" {
		t.Fatalf("expected retention mode override")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("VOICEBRIDGE_AUDIO_BACKEND", "directsound")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown backend")
	}

	t.Setenv("VOICEBRIDGE_AUDIO_BACKEND", "pulse")
	t.Setenv("VOICEBRIDGE_STT_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec mode without command")
	}

	t.Setenv("VOICEBRIDGE_STT_MODE", "mock")
	t.Setenv("VOICEBRIDGE_AUDIO_SAMPLE_RATE", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}
