package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrivelabs/scrive-core/internal/apptarget"
	"github.com/scrivelabs/scrive-core/internal/config"
	"github.com/scrivelabs/scrive-core/internal/protocol"
)

// baselineOrders fixes the initial strategy preference per target class.
// Terminals never get the clipboard strategy: a paste chord into a shell
// executes whatever the clipboard holds.
var baselineOrders = map[apptarget.Classification][]string{
	apptarget.ClassEditor:   {StrategyClipboard, StrategyAccessibility, StrategyKeyboard, StrategyVirtualDevice},
	apptarget.ClassOffice:   {StrategyClipboard, StrategyAccessibility, StrategyKeyboard, StrategyVirtualDevice},
	apptarget.ClassTerminal: {StrategyAccessibility, StrategyKeyboard, StrategyVirtualDevice},
	apptarget.ClassBrowser:  {StrategyKeyboard, StrategyAccessibility, StrategyClipboard, StrategyVirtualDevice},
	apptarget.ClassUnknown:  {StrategyKeyboard, StrategyAccessibility, StrategyClipboard, StrategyVirtualDevice},
}

// Dispatcher walks ranked strategies for each commit until one delivers.
// It is not safe for concurrent Dispatch calls; the owning service runs it
// from a single worker goroutine, which is also what keeps commits ordered.
// Retune may race with the worker, so the tunable knobs live behind a mutex
// and are snapshotted once per dispatch.
type Dispatcher struct {
	strategies map[string]Strategy
	tracker    *Tracker
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu  sync.Mutex
	tun tuning
}

type tuning struct {
	attemptTimeout time.Duration
	maxKeyText     int
	appendSpace    bool
}

func NewDispatcher(cfg config.InjectionConfig, tracker *Tracker, strategies []Strategy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]Strategy, len(strategies))
	for _, s := range strategies {
		byID[s.ID()] = s
	}
	minGap := time.Duration(cfg.MinGapMS) * time.Millisecond
	limit := rate.Inf
	if minGap > 0 {
		limit = rate.Every(minGap)
	}
	return &Dispatcher{
		strategies: byID,
		tracker:    tracker,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With(slog.String("component", "inject.dispatcher")),
		tun: tuning{
			attemptTimeout: time.Duration(cfg.AttemptTimeoutMS) * time.Millisecond,
			maxKeyText:     cfg.MaxKeyTextLength,
			appendSpace:    cfg.AppendSpace,
		},
	}
}

// Retune applies the pacing and text shaping knobs from a reloaded config.
// The strategy set is fixed at construction; enabling or disabling a
// strategy needs a restart.
func (d *Dispatcher) Retune(cfg config.InjectionConfig) {
	limit := rate.Inf
	if minGap := time.Duration(cfg.MinGapMS) * time.Millisecond; minGap > 0 {
		limit = rate.Every(minGap)
	}
	d.limiter.SetLimit(limit)

	d.mu.Lock()
	d.tun = tuning{
		attemptTimeout: time.Duration(cfg.AttemptTimeoutMS) * time.Millisecond,
		maxKeyText:     cfg.MaxKeyTextLength,
		appendSpace:    cfg.AppendSpace,
	}
	d.mu.Unlock()
}

// Dispatch delivers one commit's text to the target. The returned Result is
// valid in both outcomes; the error is non-nil only when every strategy
// failed, and then matches ErrExhausted.
func (d *Dispatcher) Dispatch(ctx context.Context, text string, target apptarget.Target) (Result, error) {
	start := time.Now()
	if text == "" {
		return Result{Success: true, Target: target}, nil
	}
	d.mu.Lock()
	tun := d.tun
	d.mu.Unlock()
	if tun.appendSpace && !strings.HasSuffix(text, " ") && !strings.HasSuffix(text, "\n") {
		text += " "
	}

	// Pace injections so consecutive commits do not interleave keystrokes
	// in the target application.
	if err := d.limiter.Wait(ctx); err != nil {
		return Result{Target: target}, fmt.Errorf("inject: dispatch cancelled: %w", err)
	}

	ranked := d.rank(text, target, tun.maxKeyText)
	attempts := make([]protocol.AttemptReport, 0, len(ranked))
	for _, s := range ranked {
		attemptStart := time.Now()
		err := d.attemptOne(ctx, s, text, target, tun.attemptTimeout)
		latency := time.Since(attemptStart)
		if !errors.Is(err, ErrUnsupported) {
			d.tracker.Record(s.ID(), target.Class, err == nil, latency)
		}
		attempts = append(attempts, protocol.AttemptReport{
			Strategy:  s.ID(),
			OK:        err == nil,
			LatencyMS: latency.Milliseconds(),
			Error:     attemptError(err),
		})
		if err == nil {
			return Result{
				Success:  true,
				Strategy: s.ID(),
				Target:   target,
				Attempts: attempts,
				Latency:  time.Since(start),
			}, nil
		}
		d.logger.Debug("strategy attempt failed",
			slog.String("strategy", s.ID()),
			slog.String("target_class", string(target.Class)),
			slogError(err))
		if ctx.Err() != nil {
			break
		}
	}
	return Result{
		Target:   target,
		Attempts: attempts,
		Latency:  time.Since(start),
	}, &ExhaustedError{Attempts: attempts}
}

// rank orders the candidate strategies for one dispatch. Baseline order for
// the target class is re-ranked by tracked score, cooled-down and
// unavailable strategies drop out, and per-call demotions push strategies
// that fit this host but not this text to the back. Demotions are never
// written to the tracker.
func (d *Dispatcher) rank(text string, target apptarget.Target, maxKeyText int) []Strategy {
	names := baselineOrders[target.Class]
	if names == nil {
		names = baselineOrders[apptarget.ClassUnknown]
	}

	candidates := make([]Strategy, 0, len(names))
	for _, name := range names {
		s, ok := d.strategies[name]
		if !ok || !s.Available() {
			continue
		}
		if d.tracker.InCooldown(name, target.Class) {
			continue
		}
		candidates = append(candidates, s)
	}

	// Stable so equal scores keep baseline order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return d.tracker.Score(candidates[i].ID(), target.Class) >
			d.tracker.Score(candidates[j].ID(), target.Class)
	})

	candidates = demote(candidates, func(s Strategy) bool {
		return !s.CanEncode(text)
	})
	if maxKeyText > 0 && len([]rune(text)) > maxKeyText {
		// Key-by-key typing of long runs is slow enough to garble under
		// focus changes; prefer bulk strategies.
		candidates = demote(candidates, func(s Strategy) bool {
			return s.ID() == StrategyKeyboard || s.ID() == StrategyVirtualDevice
		})
	}
	if !target.Focusable {
		// Paste chords land in whatever has focus; without a focusable
		// target the clipboard route is the least predictable.
		candidates = demote(candidates, func(s Strategy) bool {
			return s.ID() == StrategyClipboard
		})
	}
	return candidates
}

// demote moves matching strategies to the back, preserving relative order
// on both sides of the split.
func demote(in []Strategy, match func(Strategy) bool) []Strategy {
	kept := make([]Strategy, 0, len(in))
	var back []Strategy
	for _, s := range in {
		if match(s) {
			back = append(back, s)
		} else {
			kept = append(kept, s)
		}
	}
	return append(kept, back...)
}

// attemptOne runs a single strategy attempt under the configured deadline.
// A panicking strategy is contained and reported as a failed attempt; one
// broken delivery path must not take down the daemon.
func (d *Dispatcher) attemptOne(ctx context.Context, s Strategy, text string, target apptarget.Target, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("strategy panicked",
				slog.String("strategy", s.ID()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("inject: strategy %s panicked: %v", s.ID(), r)
		}
	}()
	return s.Attempt(ctx, text, target)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
