package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/voicebridge-labs/voicebridge/internal/bus"
	"github.com/voicebridge-labs/voicebridge/internal/capture"
	"github.com/voicebridge-labs/voicebridge/internal/config"
	"github.com/voicebridge-labs/voicebridge/internal/history"
	"github.com/voicebridge-labs/voicebridge/internal/natsserver"
	"github.com/voicebridge-labs/voicebridge/internal/protocol"
	"github.com/voicebridge-labs/voicebridge/internal/stream"
	"github.com/voicebridge-labs/voicebridge/internal/stt"
	"github.com/voicebridge-labs/voicebridge/internal/wsl"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	envStatus wsl.Status
	backend   capture.Backend
	busClient *bus.Client
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	prober := wsl.NewProber(r.logger)
	if set := prober.SetupEnv(); len(set) > 0 {
		r.logger.Info("audio environment configured", slog.Any("vars", set))
	}
	r.envStatus = prober.Check(ctx)
	for _, issue := range r.envStatus.Issues {
		r.logger.Warn("environment issue", slog.String("issue", issue))
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}
	if embedded != nil {
		defer embedded.Shutdown()
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()
	r.busClient = busClient

	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	backend, err := capture.Open(r.cfg.Audio, r.logger)
	if err != nil {
		r.logger.Warn("no capture backend available", slog.String("error", err.Error()))
	} else {
		r.backend = backend
		defer backend.Close()
	}

	var sttService *stt.Service
	if r.cfg.STT.Enabled {
		recognizer, err := stt.New(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("failed to build recognizer: %w", err)
		}
		sttService = stt.NewService(ctx, r.cfg.STT, busClient, recognizer)
		if err := sttService.Start(); err != nil {
			return fmt.Errorf("failed to start stt service: %w", err)
		}
		defer sttService.Close()
	}

	transcriptSub, err := r.recordTranscripts(ctx, store)
	if err != nil {
		return fmt.Errorf("failed to subscribe to transcripts: %w", err)
	}
	defer func() { _ = transcriptSub.Unsubscribe() }()

	if r.cfg.Audio.StreamEnabled && r.backend != nil {
		publisher := stream.NewPublisher(r.cfg.Audio, r.backend, busClient, r.logger)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := publisher.Run(ctx); err != nil {
				r.logger.Error("audio stream failed", slog.String("error", err.Error()))
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/status", r.handleStatus)
	mux.HandleFunc("/v1/devices", r.handleDevices)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// recordTranscripts persists final transcripts into the history store.
func (r *Runtime) recordTranscripts(ctx context.Context, store *history.Store) (*nats.Subscription, error) {
	return r.busClient.Conn().Subscribe(protocol.SubjectTranscriptFinal, func(msg *nats.Msg) {
		var transcript protocol.Transcript
		if err := json.Unmarshal(msg.Data, &transcript); err != nil {
			r.logger.Warn("invalid transcript message", slog.String("error", err.Error()))
			return
		}
		backendName := ""
		if r.backend != nil {
			backendName = r.backend.Name()
		}
		if err := store.AppendSession(ctx, transcript.SessionID, backendName, ""); err != nil {
			r.logger.Warn("failed to record session", slog.String("error", err.Error()))
			return
		}
		err := store.AppendTranscript(ctx, history.Transcript{
			SessionID:  transcript.SessionID,
			Text:       transcript.Text,
			Partial:    transcript.Partial,
			Confidence: transcript.Confidence,
			CreatedAt:  transcript.Timestamp,
		})
		if err != nil {
			r.logger.Warn("failed to record transcript", slog.String("error", err.Error()))
		}
	})
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	backendName := ""
	if r.backend != nil {
		backendName = r.backend.Name()
	}
	status := struct {
		Runtime     string     `json:"runtime"`
		Environment wsl.Status `json:"environment"`
		Backend     string     `json:"backend"`
		BusHealthy  bool       `json:"bus_healthy"`
		STTEnabled  bool       `json:"stt_enabled"`
	}{
		Runtime:     r.cfg.RuntimeName,
		Environment: r.envStatus,
		Backend:     backendName,
		BusHealthy:  r.busClient.Healthy(),
		STTEnabled:  r.cfg.STT.Enabled,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (r *Runtime) handleDevices(w http.ResponseWriter, _ *http.Request) {
	if r.backend == nil {
		http.Error(w, "no capture backend available", http.StatusServiceUnavailable)
		return
	}
	devices, err := r.backend.Devices()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(devices)
}
