package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicebridge-labs/voicebridge/internal/capture"
	"github.com/voicebridge-labs/voicebridge/internal/config"
	"github.com/voicebridge-labs/voicebridge/internal/stt"
	"github.com/voicebridge-labs/voicebridge/internal/voice"
	"github.com/voicebridge-labs/voicebridge/internal/wsl"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "check":
		err = runCheck(os.Args[2:])
	case "devices":
		err = runDevices(os.Args[2:])
	case "record":
		err = runRecord(os.Args[2:])
	case "listen":
		err = runListen(os.Args[2:])
	case "calibrate":
		err = runCalibrate(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: voicebridge <check|devices|record|listen|calibrate|version> [flags]")
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	return config.Load(path)
}

func newInput(cfg config.Config, logger *slog.Logger) (*voice.Input, error) {
	backend, err := capture.Open(cfg.Audio, logger)
	if err != nil {
		return nil, err
	}
	recognizer, err := stt.New(cfg.STT)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return voice.New(cfg, backend, recognizer, logger), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "voicebridge.yaml", "Path to configuration file")
	setupEnv := fs.Bool("setup-env", false, "Set missing audio environment variables")
	fs.Parse(args)

	if _, err := loadConfig(*configPath); err != nil {
		return err
	}

	logger := newLogger()
	prober := wsl.NewProber(logger)
	if *setupEnv {
		if set := prober.SetupEnv(); len(set) > 0 {
			fmt.Printf("configured environment: %v\n", set)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	status := prober.Check(ctx)
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !status.AudioAvailable {
		return fmt.Errorf("audio is not available")
	}
	return nil
}

func runDevices(args []string) error {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	configPath := fs.String("config", "voicebridge.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	input, err := newInput(cfg, newLogger())
	if err != nil {
		return err
	}
	defer input.Close()

	devices, err := input.Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no input devices found")
		return nil
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %3d  %s\n", marker, d.Index, d)
	}
	return nil
}

func runRecord(args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	configPath := fs.String("config", "voicebridge.yaml", "Path to configuration file")
	duration := fs.Duration("duration", 5*time.Second, "Recording duration")
	out := fs.String("out", "recording.wav", "Output WAV path")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	input, err := newInput(cfg, newLogger())
	if err != nil {
		return err
	}
	defer input.Close()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("recording for %s...\n", duration)
	samples, err := input.Record(ctx, *duration)
	if err != nil {
		return err
	}
	if err := input.SaveWAV(samples, *out); err != nil {
		return err
	}
	fmt.Printf("saved %d samples to %s\n", len(samples), *out)
	return nil
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	configPath := fs.String("config", "voicebridge.yaml", "Path to configuration file")
	timeout := fs.Duration("timeout", 0, "How long to wait for speech (0 uses config)")
	phraseLimit := fs.Duration("phrase-limit", 0, "Maximum phrase length (0 uses config)")
	continuous := fs.Bool("continuous", false, "Keep listening until the stop phrase")
	stopPhrase := fs.String("stop-phrase", "", "Phrase that ends continuous listening (empty uses config)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	input, err := newInput(cfg, newLogger())
	if err != nil {
		return err
	}
	defer input.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if *continuous {
		phrase := *stopPhrase
		if phrase == "" {
			phrase = cfg.Listen.StopPhrase
		}
		fmt.Printf("listening continuously, say %q to stop\n", phrase)
		return input.ListenContinuous(ctx, *stopPhrase, func(text string) error {
			fmt.Println(text)
			return nil
		})
	}

	fmt.Println("listening...")
	text, err := input.Listen(ctx, voice.ListenOptions{Timeout: *timeout, PhraseLimit: *phraseLimit})
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

func runCalibrate(args []string) error {
	fs := flag.NewFlagSet("calibrate", flag.ExitOnError)
	configPath := fs.String("config", "voicebridge.yaml", "Path to configuration file")
	duration := fs.Duration("duration", time.Second, "Ambient noise sampling duration")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	input, err := newInput(cfg, newLogger())
	if err != nil {
		return err
	}
	defer input.Close()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Println("calibrating, stay quiet...")
	calibration, err := input.Calibrate(ctx, *duration)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(calibration, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
