// Package wsl probes the WSL2 guest environment for working audio plumbing.
//
// Under WSLg the Windows host exposes a PulseAudio relay socket below
// /mnt/wslg; microphone capture only works when PULSE_SERVER points at it.
package wsl

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Status reports the outcome of an environment check. Failures never abort
// the check; they are collected in Issues.
type Status struct {
	IsWSL2         bool     `json:"is_wsl2"`
	WSLgAvailable  bool     `json:"wslg_available"`
	PulseServer    string   `json:"pulse_server"`
	Display        string   `json:"display"`
	AudioAvailable bool     `json:"audio_available"`
	Issues         []string `json:"issues"`
}

// Prober holds the probe points so tests can redirect them.
type Prober struct {
	ProcVersion string
	WSLgDir     string
	PactlPath   string
	Timeout     time.Duration
	Log         *slog.Logger
}

func NewProber(log *slog.Logger) *Prober {
	return &Prober{
		ProcVersion: "/proc/version",
		WSLgDir:     "/mnt/wslg",
		PactlPath:   "pactl",
		Timeout:     2 * time.Second,
		Log:         log,
	}
}

// IsWSL2 reports whether the kernel identifies as a WSL2 Microsoft kernel.
// WSL1 kernels also carry "Microsoft", so both markers are required.
func (p *Prober) IsWSL2() bool {
	data, err := os.ReadFile(p.ProcVersion)
	if err != nil {
		return false
	}
	version := strings.ToLower(string(data))
	return strings.Contains(version, "microsoft") && strings.Contains(version, "wsl2")
}

// Check inspects the guest for working audio support.
func (p *Prober) Check(ctx context.Context) Status {
	status := Status{
		IsWSL2:      p.IsWSL2(),
		PulseServer: os.Getenv("PULSE_SERVER"),
		Display:     os.Getenv("DISPLAY"),
		Issues:      []string{},
	}
	if _, err := os.Stat(p.WSLgDir); err == nil {
		status.WSLgAvailable = true
	}

	if !status.IsWSL2 {
		status.Issues = append(status.Issues, "not running on WSL2")
		return status
	}
	if !status.WSLgAvailable {
		status.Issues = append(status.Issues, "WSLg not detected - run 'wsl --update' on the host")
	}
	if status.PulseServer == "" {
		status.Issues = append(status.Issues, "PULSE_SERVER not set - audio may not work")
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	if err := exec.CommandContext(ctx, p.PactlPath, "info").Run(); err != nil {
		status.Issues = append(status.Issues, "cannot connect to PulseAudio server")
	} else {
		status.AudioAvailable = true
	}
	return status
}

// SetupEnv points PULSE_SERVER at the WSLg relay socket and sets DISPLAY
// when they are unset and the socket exists. It returns the names of the
// variables it changed.
func (p *Prober) SetupEnv() []string {
	var set []string

	pulseSocket := filepath.Join(p.WSLgDir, "PulseServer")
	if os.Getenv("PULSE_SERVER") == "" {
		if _, err := os.Stat(pulseSocket); err == nil {
			os.Setenv("PULSE_SERVER", pulseSocket)
			set = append(set, "PULSE_SERVER")
			if p.Log != nil {
				p.Log.Info("set PULSE_SERVER to WSLg relay socket", slog.String("path", pulseSocket))
			}
		}
	}

	if os.Getenv("DISPLAY") == "" {
		if _, err := os.Stat(p.WSLgDir); err == nil {
			os.Setenv("DISPLAY", ":0")
			set = append(set, "DISPLAY")
			if p.Log != nil {
				p.Log.Info("set DISPLAY for WSLg")
			}
		}
	}
	return set
}
