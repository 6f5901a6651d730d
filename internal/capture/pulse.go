package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/voicebridge-labs/voicebridge/internal/config"
)

const (
	defaultListCommand   = "pactl list short sources"
	defaultRecordCommand = "parec --raw --format=s16le"
)

// pulseBackend captures by shelling out to PulseAudio tooling (pactl for
// enumeration, parec for raw capture). Both speak to the server named by
// PULSE_SERVER, which under WSLg is the relay socket to the Windows host.
type pulseBackend struct {
	cfg       config.AudioConfig
	log       *slog.Logger
	listCmd   []string
	recordCmd []string
	pactlPath string
}

func newPulseBackend(cfg config.AudioConfig, log *slog.Logger) (Backend, error) {
	parser := shellwords.NewParser()

	listCommand := cfg.ListCommand
	if listCommand == "" {
		listCommand = defaultListCommand
	}
	listCmd, err := parser.Parse(listCommand)
	if err != nil {
		return nil, fmt.Errorf("parse list command: %w", err)
	}

	recordCommand := cfg.RecordCommand
	if recordCommand == "" {
		recordCommand = defaultRecordCommand
	}
	recordCmd, err := parser.Parse(recordCommand)
	if err != nil {
		return nil, fmt.Errorf("parse record command: %w", err)
	}
	if len(listCmd) == 0 || len(recordCmd) == 0 {
		return nil, fmt.Errorf("pulse commands must not be empty")
	}

	if _, err := exec.LookPath(recordCmd[0]); err != nil {
		return nil, fmt.Errorf("pulse capture tool not found: %w", err)
	}

	return &pulseBackend{
		cfg:       cfg,
		log:       log,
		listCmd:   listCmd,
		recordCmd: recordCmd,
		pactlPath: listCmd[0],
	}, nil
}

func (b *pulseBackend) Name() string { return "pulse" }

func (b *pulseBackend) Close() error { return nil }

func (b *pulseBackend) Devices() ([]Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, b.listCmd[0], b.listCmd[1:]...).Output()
	if err != nil {
		return nil, fmt.Errorf("list pulse sources: %w", err)
	}
	devices := parsePulseSources(string(out))

	if name := b.defaultSourceName(ctx); name != "" {
		for i := range devices {
			if devices[i].Name == name {
				devices[i].Default = true
			}
		}
	}
	return devices, nil
}

func (b *pulseBackend) defaultSourceName(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, b.pactlPath, "get-default-source").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// parsePulseSources parses `pactl list short sources` output. Each line is
// tab-separated: index, name, driver, sample spec ("s16le 2ch 48000Hz"),
// state. Monitor sources are playback loopbacks, not microphones.
func parsePulseSources(out string) []Device {
	devices := []Device{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			continue
		}
		name := strings.TrimSpace(fields[1])
		if strings.HasSuffix(name, ".monitor") {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		channels, rate := parseSampleSpec(fields[3])
		if channels <= 0 || rate <= 0 {
			continue
		}
		devices = append(devices, Device{
			Index:      index,
			Name:       name,
			Channels:   channels,
			SampleRate: rate,
			Backend:    "pulse",
		})
	}
	return devices
}

func parseSampleSpec(spec string) (channels, rate int) {
	for _, part := range strings.Fields(spec) {
		if strings.HasSuffix(part, "ch") {
			if n, err := strconv.Atoi(strings.TrimSuffix(part, "ch")); err == nil {
				channels = n
			}
		}
		if strings.HasSuffix(part, "Hz") {
			if n, err := strconv.Atoi(strings.TrimSuffix(part, "Hz")); err == nil {
				rate = n
			}
		}
	}
	return channels, rate
}

func (b *pulseBackend) sourceName(device int) (string, error) {
	if device < 0 {
		return "", nil
	}
	devices, err := b.Devices()
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if d.Index == device {
			return d.Name, nil
		}
	}
	return "", fmt.Errorf("pulse source with index %d not found", device)
}

func (b *pulseBackend) startCapture(ctx context.Context, device int) (*exec.Cmd, io.ReadCloser, error) {
	source, err := b.sourceName(device)
	if err != nil {
		return nil, nil, err
	}

	args := append([]string{}, b.recordCmd[1:]...)
	args = append(args,
		fmt.Sprintf("--rate=%d", b.cfg.SampleRate),
		fmt.Sprintf("--channels=%d", b.cfg.Channels),
	)
	if source != "" {
		args = append(args, fmt.Sprintf("--device=%s", source))
	}

	cmd := exec.CommandContext(ctx, b.recordCmd[0], args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start pulse capture: %w", err)
	}
	return cmd, stdout, nil
}

func (b *pulseBackend) Record(ctx context.Context, duration time.Duration, device int) ([]int16, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd, stdout, err := b.startCapture(ctx, device)
	if err != nil {
		return nil, err
	}
	defer func() {
		cancel()
		_ = cmd.Wait()
	}()

	chunks := Chunks(b.cfg.SampleRate, b.cfg.ChunkSize, duration)
	want := chunks * b.cfg.ChunkSize * b.cfg.Channels * 2
	raw := make([]byte, want)
	if _, err := io.ReadFull(stdout, raw); err != nil {
		return nil, fmt.Errorf("read pulse capture: %w", err)
	}
	return BytesToSamples(raw), nil
}

func (b *pulseBackend) Stream(ctx context.Context, device int, fn func([]int16) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd, stdout, err := b.startCapture(ctx, device)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		_ = cmd.Wait()
	}()

	buf := make([]byte, b.cfg.ChunkSize*b.cfg.Channels*2)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(stdout, buf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read pulse capture: %w", err)
		}
		if err := fn(BytesToSamples(buf)); err != nil {
			return err
		}
	}
}

func (b *pulseBackend) Test(ctx context.Context, device int) (bool, error) {
	samples, err := b.Record(ctx, 100*time.Millisecond, device)
	if err != nil {
		return false, err
	}
	return len(samples) > 0 && Peak(samples) > SilenceFloor, nil
}
