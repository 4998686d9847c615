// Package runtime assembles scrived: telemetry, the message fabric, the
// event store, and the dictation services, started in dependency order and
// torn down in reverse.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scrivelabs/scrive-core/internal/apptarget"
	"github.com/scrivelabs/scrive-core/internal/asr"
	"github.com/scrivelabs/scrive-core/internal/bus"
	"github.com/scrivelabs/scrive-core/internal/config"
	"github.com/scrivelabs/scrive-core/internal/eventstore"
	"github.com/scrivelabs/scrive-core/internal/inject"
	"github.com/scrivelabs/scrive-core/internal/natsserver"
	"github.com/scrivelabs/scrive-core/internal/stabilizer"
	"github.com/scrivelabs/scrive-core/internal/textfilter"
)

type Runtime struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	busClient     *bus.Client
	store         *eventstore.Store
	asrService    *asr.Service
	stabService   *stabilizer.Service
	injectService *inject.Service
}

// New builds a runtime from a loaded config. configPath may be empty; when
// set, the file is watched and tuning sections are applied live.
func New(cfg config.Config, configPath string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
}

// Start brings the daemon up and blocks until ctx is cancelled. Services
// start consumer-first so the commits channel always has a reader, and stop
// producer-first so nothing publishes into a closed pipeline.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer busClient.Close()
	r.busClient = busClient

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()
	r.store = store

	filters, err := textfilter.NewChain(ctx, r.cfg.Filters, r.logger)
	if err != nil {
		return fmt.Errorf("load text filters: %w", err)
	}

	provider := r.buildTargetProvider()

	recognizer, err := buildRecognizer(r.cfg.ASR)
	if err != nil {
		return fmt.Errorf("build recognizer: %w", err)
	}

	r.asrService = asr.NewService(ctx, r.cfg.ASR, busClient, recognizer, r.logger)
	r.stabService = stabilizer.NewService(ctx, r.cfg.Agreement, busClient, store, r.logger)
	r.injectService, err = inject.NewService(ctx, r.cfg.Injection, busClient, store, provider, filters, r.stabService.Commits(), r.logger)
	if err != nil {
		return fmt.Errorf("build injection service: %w", err)
	}

	if err := r.injectService.Start(); err != nil {
		return fmt.Errorf("start injection service: %w", err)
	}
	defer r.injectService.Close()
	if err := r.stabService.Start(); err != nil {
		return fmt.Errorf("start stabilizer service: %w", err)
	}
	defer r.stabService.Close()
	if err := r.asrService.Start(); err != nil {
		return fmt.Errorf("start asr service: %w", err)
	}
	defer r.asrService.Close()

	watcher := config.NewWatcher(r.configPath, r.applyConfig, r.logger)
	if err := watcher.Start(ctx); err != nil {
		r.logger.Warn("config watcher unavailable", slogError(err))
	}
	defer watcher.Close()

	r.wg.Add(1)
	go r.pruneLoop(ctx)

	r.startHTTP(metricsHandler)

	r.ready.Store(true)
	r.logger.Info("scrived started",
		slog.String("http", r.httpServer.Addr),
		slog.Bool("asr", r.cfg.ASR.Enabled),
		slog.Bool("injection", r.cfg.Injection.Enabled))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("scrived stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slogError(err))
		}
	}
	r.wg.Wait()

	return nil
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

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
			r.logger.Error("http server failed", slogError(err))
		}
	}()

	if metricsHandler == nil || r.cfg.Telemetry.PrometheusBind == "" {
		return
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsHandler)
	r.metricsServer = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("metrics server failed", slogError(err))
		}
	}()
}

// pruneInterval is how often session retention is enforced while the
// daemon runs. Retention is day-granular, so a few sweeps per day is
// plenty.
const pruneInterval = 6 * time.Hour

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) buildTargetProvider() apptarget.Provider {
	if r.cfg.Target.Mode == "static" {
		return apptarget.NewStaticProvider(
			apptarget.Classification(r.cfg.Target.Static.Classification),
			r.cfg.Target.Static.Focusable)
	}
	classifier := apptarget.NewClassifier(
		r.cfg.Target.EditorPatterns,
		r.cfg.Target.TerminalPatterns,
		r.cfg.Target.BrowserPatterns,
		r.cfg.Target.OfficePatterns)
	provider := apptarget.NewExecProvider(classifier, r.logger)
	if !provider.Available() {
		r.logger.Warn("no window query tool on PATH, treating every target as unknown")
		return apptarget.NewStaticProvider(apptarget.ClassUnknown, true)
	}
	return provider
}

func buildRecognizer(cfg config.ASRConfig) (asr.Recognizer, error) {
	if cfg.Enabled && cfg.Mode == "exec" {
		return asr.NewExecRecognizer(cfg)
	}
	return asr.NewMockRecognizer(), nil
}

// applyConfig is the watcher callback. Only tuning sections apply live;
// structural sections (bus, http, strategies) need a restart.
func (r *Runtime) applyConfig(cfg config.Config) {
	if !r.ready.Load() {
		return
	}
	r.stabService.Retune(cfg.Agreement)
	r.injectService.Retune(cfg.Injection)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if !r.busClient.Healthy() || !r.store.Healthy() ||
		!r.asrService.Healthy() || !r.stabService.Healthy() || !r.injectService.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("degraded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
