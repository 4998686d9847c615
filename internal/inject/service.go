package inject

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/scrivelabs/scrive-core/internal/apptarget"
	"github.com/scrivelabs/scrive-core/internal/bus"
	"github.com/scrivelabs/scrive-core/internal/config"
	"github.com/scrivelabs/scrive-core/internal/eventstore"
	"github.com/scrivelabs/scrive-core/internal/protocol"
	"github.com/scrivelabs/scrive-core/internal/textfilter"
)

// targetQueryTimeout bounds the focus lookup per commit. A slow window
// manager must not stall the commit stream.
const targetQueryTimeout = time.Second

// Service owns the injection side of the pipeline: it consumes ordered
// commits, resolves the focused target, runs the text filter chain, and
// dispatches. Everything runs on one worker goroutine; commit N+1 is never
// touched before commit N is fully resolved.
type Service struct {
	cfg        config.InjectionConfig
	bus        *bus.Client
	store      *eventstore.Store
	provider   apptarget.Provider
	filters    *textfilter.Chain
	commits    <-chan protocol.Commit
	tracker    *Tracker
	dispatcher *Dispatcher
	strategies []Strategy
	logger     *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	meter           metric.Meter
	commitCounter   metric.Int64Counter
	attemptCounter  metric.Int64Counter
	fallbackCounter metric.Int64Counter
	latencyHist     metric.Float64Histogram
}

func NewService(parent context.Context, cfg config.InjectionConfig, busClient *bus.Client, store *eventstore.Store, provider apptarget.Provider, filters *textfilter.Chain, commits <-chan protocol.Commit, logger *slog.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(parent)
	strategies, err := buildStrategies(cfg, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	tracker := NewTracker(cfg.EWMAAlpha, cfg.FailureThreshold, time.Duration(cfg.CooldownMS)*time.Millisecond)
	s := &Service{
		cfg:        cfg,
		bus:        busClient,
		store:      store,
		provider:   provider,
		filters:    filters,
		commits:    commits,
		tracker:    tracker,
		dispatcher: NewDispatcher(cfg, tracker, strategies, logger),
		strategies: strategies,
		logger:     logger.With(slog.String("component", "inject")),
		ctx:        ctx,
		cancel:     cancel,
		meter:      otel.Meter("github.com/scrivelabs/scrive-core/inject"),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s, nil
}

// buildStrategies constructs the enabled strategy set from config. A
// disabled strategy is simply absent; the dispatcher never sees it.
func buildStrategies(cfg config.InjectionConfig, logger *slog.Logger) ([]Strategy, error) {
	var strategies []Strategy
	if cfg.Strategies.Accessibility.Enabled {
		strategies = append(strategies, NewAccessibilityStrategy(logger))
	}
	if cfg.Strategies.Keyboard.Enabled {
		kb, err := NewKeyboardStrategy(cfg.Strategies.Keyboard.Command)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, kb)
	}
	if cfg.Strategies.Clipboard.Enabled {
		clip, err := NewClipboardStrategy(
			cfg.Strategies.Clipboard.CopyCommand,
			cfg.Strategies.Clipboard.ReadCommand,
			cfg.Strategies.Clipboard.PasteKeyCommand,
			cfg.Strategies.Clipboard.Restore,
			logger)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, clip)
	}
	if cfg.Strategies.VirtualDevice.Enabled {
		strategies = append(strategies, NewVirtualDeviceStrategy(cfg.Strategies.VirtualDevice.DevicePath, logger))
	}
	return strategies, nil
}

func (s *Service) Start() error {
	s.wg.Add(1)
	go s.run()
	s.started.Store(true)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
	for _, strategy := range s.strategies {
		if closer, ok := strategy.(io.Closer); ok {
			_ = closer.Close()
		}
	}
	s.started.Store(false)
}

func (s *Service) Healthy() bool {
	return s.started.Load() && s.ctx.Err() == nil
}

// Tracker exposes the strategy statistics for diagnostics endpoints.
func (s *Service) Tracker() *Tracker { return s.tracker }

// Retune applies the tunable injection knobs from a reloaded config. The
// strategy set and the enabled flag stay as constructed.
func (s *Service) Retune(cfg config.InjectionConfig) {
	s.dispatcher.Retune(cfg)
	s.tracker.Retune(cfg.EWMAAlpha, cfg.FailureThreshold, time.Duration(cfg.CooldownMS)*time.Millisecond)
	s.logger.Info("injection tuning applied",
		slog.Int("min_gap_ms", cfg.MinGapMS),
		slog.Int("attempt_timeout_ms", cfg.AttemptTimeoutMS),
		slog.Int("failure_threshold", cfg.FailureThreshold))
}

func (s *Service) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case commit, ok := <-s.commits:
			if !ok {
				return
			}
			s.handle(commit)
		}
	}
}

func (s *Service) handle(commit protocol.Commit) {
	if s.commitCounter != nil {
		s.commitCounter.Add(s.ctx, 1,
			metric.WithAttributes(attribute.String("reason", string(commit.Reason))))
	}

	if !s.cfg.Enabled {
		s.fallback(commit.SessionID, commit.Text, "injection disabled")
		return
	}

	target := s.resolveTarget()
	text := s.applyFilters(commit.SessionID, commit.Text)
	if text == "" {
		// A filter swallowed the whole commit; there is nothing to deliver
		// and nothing to fall back to.
		s.report(commit, protocol.InjectionReport{
			SessionID:  commit.SessionID,
			Success:    true,
			InjectedAt: time.Now().UTC(),
		})
		return
	}

	res, err := s.dispatcher.Dispatch(s.ctx, text, target)
	report := protocol.InjectionReport{
		SessionID:      commit.SessionID,
		TextLength:     len([]rune(text)),
		Success:        res.Success,
		StrategyUsed:   res.Strategy,
		Classification: string(target.Class),
		LatencyMS:      res.Latency.Milliseconds(),
		Attempts:       res.Attempts,
		InjectedAt:     time.Now().UTC(),
	}
	s.report(commit, report)
	s.recordAttemptMetrics(res)

	if err != nil {
		s.logger.Warn("commit could not be injected",
			slog.String("session_id", commit.SessionID),
			slog.String("target_class", string(target.Class)),
			slog.Int("attempts", len(res.Attempts)),
			slogError(err))
		s.fallback(commit.SessionID, text, err.Error())
	}
}

// resolveTarget asks the provider what holds focus. Failures degrade to an
// unknown focusable target rather than blocking injection; the baseline
// order for unknown is the safest general-purpose one.
func (s *Service) resolveTarget() apptarget.Target {
	ctx, cancel := context.WithTimeout(s.ctx, targetQueryTimeout)
	defer cancel()
	target, err := s.provider.Current(ctx)
	if err != nil {
		s.logger.Debug("target detection failed", slogError(err))
		return apptarget.Target{Class: apptarget.ClassUnknown, Focusable: true}
	}
	return target
}

// applyFilters runs the commit text through the filter chain. A failing
// chain passes the original text through; filters shape text, they do not
// gate delivery.
func (s *Service) applyFilters(sessionID, text string) string {
	if s.filters == nil {
		return text
	}
	filtered, err := s.filters.Apply(s.ctx, sessionID, text)
	if err != nil {
		s.logger.Warn("text filter chain failed, passing original text", slogError(err))
		return text
	}
	return filtered
}

func (s *Service) report(commit protocol.Commit, report protocol.InjectionReport) {
	payload, err := json.Marshal(report)
	if err != nil {
		s.logger.Warn("failed to encode injection report", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectInjectionReport, payload); err != nil {
		s.logger.Warn("failed to publish injection report", slogError(err))
	}
	if s.store != nil {
		if err := s.store.AppendEvent(s.ctx, commit.SessionID, eventstore.KindInjection, payload); err != nil {
			s.logger.Warn("failed to record injection event", slogError(err))
		}
	}
}

// fallback publishes the undeliverable text so a UI can show it for manual
// copying. Committed text is never dropped silently.
func (s *Service) fallback(sessionID, text, reason string) {
	if s.fallbackCounter != nil {
		s.fallbackCounter.Add(s.ctx, 1)
	}
	msg := protocol.FallbackDisplay{
		SessionID: sessionID,
		Text:      text,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("failed to encode fallback display", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectFallbackDisplay, payload); err != nil {
		s.logger.Warn("failed to publish fallback display", slogError(err))
	}
	if s.store != nil {
		if err := s.store.AppendEvent(s.ctx, sessionID, eventstore.KindFallback, payload); err != nil {
			s.logger.Warn("failed to record fallback event", slogError(err))
		}
	}
}

func (s *Service) recordAttemptMetrics(res Result) {
	if s.attemptCounter != nil {
		for _, attempt := range res.Attempts {
			outcome := "failure"
			if attempt.OK {
				outcome = "success"
			}
			s.attemptCounter.Add(s.ctx, 1, metric.WithAttributes(
				attribute.String("strategy", attempt.Strategy),
				attribute.String("outcome", outcome)))
		}
	}
	if s.latencyHist != nil && res.Success {
		s.latencyHist.Record(s.ctx, float64(res.Latency)/float64(time.Millisecond))
	}
}

func (s *Service) initMetrics() error {
	if s.meter == nil {
		return nil
	}
	commits, err := s.meter.Int64Counter("scrive.inject.commits",
		metric.WithDescription("Commits consumed from the stabilizer"))
	if err != nil {
		return err
	}
	attempts, err := s.meter.Int64Counter("scrive.inject.attempts",
		metric.WithDescription("Strategy attempts by outcome"))
	if err != nil {
		return err
	}
	fallbacks, err := s.meter.Int64Counter("scrive.inject.fallbacks",
		metric.WithDescription("Commits that ended on the fallback display"))
	if err != nil {
		return err
	}
	latency, err := s.meter.Float64Histogram("scrive.inject.latency_ms",
		metric.WithDescription("End-to-end dispatch latency for delivered commits"))
	if err != nil {
		return err
	}
	cooldowns, err := s.meter.Int64ObservableGauge("scrive.inject.cooldowns",
		metric.WithDescription("Strategy and class pairs currently benched"))
	if err != nil {
		return err
	}
	s.commitCounter = commits
	s.attemptCounter = attempts
	s.fallbackCounter = fallbacks
	s.latencyHist = latency
	_, err = s.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(cooldowns, int64(s.tracker.CooldownCount()))
		return nil
	}, cooldowns)
	return err
}
