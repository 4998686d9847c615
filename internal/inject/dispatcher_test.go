package inject

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/scrivelabs/scrive-core/internal/apptarget"
	"github.com/scrivelabs/scrive-core/internal/config"
)

func testDispatcher(t *testing.T, cfg config.InjectionConfig, strategies ...Strategy) (*Dispatcher, *Tracker) {
	t.Helper()
	if cfg.AttemptTimeoutMS == 0 {
		cfg.AttemptTimeoutMS = 1000
	}
	tracker := NewTracker(0.3, cfg.FailureThreshold, time.Duration(cfg.CooldownMS)*time.Millisecond)
	return NewDispatcher(cfg, tracker, strategies, nil), tracker
}

func unknownTarget() apptarget.Target {
	return apptarget.Target{Class: apptarget.ClassUnknown, Focusable: true}
}

func TestDispatchFirstSuccessStops(t *testing.T) {
	kb := &MockStrategy{Name: StrategyKeyboard}
	acc := &MockStrategy{Name: StrategyAccessibility}
	d, _ := testDispatcher(t, config.InjectionConfig{}, kb, acc)

	res, err := d.Dispatch(context.Background(), "hello", unknownTarget())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Success || res.Strategy != StrategyKeyboard {
		t.Fatalf("result = %+v, want keyboard success", res)
	}
	if len(res.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(res.Attempts))
	}
	if len(acc.Attempts()) != 0 {
		t.Fatal("later strategies must not run after a success")
	}
}

func TestDispatchFallsThrough(t *testing.T) {
	kb := &MockStrategy{Name: StrategyKeyboard, Err: errors.New("tool missing")}
	acc := &MockStrategy{Name: StrategyAccessibility}
	d, _ := testDispatcher(t, config.InjectionConfig{}, kb, acc)

	res, err := d.Dispatch(context.Background(), "hello", unknownTarget())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Strategy != StrategyAccessibility {
		t.Fatalf("winner = %s, want accessibility", res.Strategy)
	}
	if len(res.Attempts) != 2 || res.Attempts[0].OK || !res.Attempts[1].OK {
		t.Fatalf("attempt trail wrong: %+v", res.Attempts)
	}
	if res.Attempts[0].Error == "" {
		t.Fatal("failed attempt should carry its error text")
	}
}

func TestDispatchExhaustion(t *testing.T) {
	kb := &MockStrategy{Name: StrategyKeyboard, Err: errors.New("kb down")}
	acc := &MockStrategy{Name: StrategyAccessibility, Err: errors.New("acc down")}
	d, _ := testDispatcher(t, config.InjectionConfig{}, kb, acc)

	res, err := d.Dispatch(context.Background(), "hello", unknownTarget())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want ErrExhausted", err)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error type = %T", err)
	}
	if len(exhausted.Attempts) != 2 {
		t.Fatalf("diagnostics should list both strategies, got %+v", exhausted.Attempts)
	}
	if res.Success {
		t.Fatal("result must not report success on exhaustion")
	}
	if !strings.Contains(err.Error(), "kb down") || !strings.Contains(err.Error(), "acc down") {
		t.Fatalf("error should carry per-strategy causes: %v", err)
	}
}

func TestEditorBaselinePrefersClipboard(t *testing.T) {
	kb := &MockStrategy{Name: StrategyKeyboard}
	acc := &MockStrategy{Name: StrategyAccessibility}
	clip := &MockStrategy{Name: StrategyClipboard}
	d, _ := testDispatcher(t, config.InjectionConfig{}, kb, acc, clip)

	res, err := d.Dispatch(context.Background(), "hello",
		apptarget.Target{Class: apptarget.ClassEditor, Focusable: true})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Strategy != StrategyClipboard {
		t.Fatalf("editor should try clipboard first, got %s", res.Strategy)
	}
}

func TestTerminalNeverRanksClipboard(t *testing.T) {
	clip := &MockStrategy{Name: StrategyClipboard}
	d, _ := testDispatcher(t, config.InjectionConfig{}, clip)

	_, err := d.Dispatch(context.Background(), "rm -rf /",
		apptarget.Target{Class: apptarget.ClassTerminal, Focusable: true})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want exhaustion with no candidates", err)
	}
	if len(clip.Attempts()) != 0 {
		t.Fatal("clipboard must never be attempted against a terminal")
	}
}

func TestTrackedScoreReordersBaseline(t *testing.T) {
	kb := &MockStrategy{Name: StrategyKeyboard}
	acc := &MockStrategy{Name: StrategyAccessibility}
	d, tracker := testDispatcher(t, config.InjectionConfig{FailureThreshold: 5}, kb, acc)

	// One recorded keyboard failure drags it below the unmeasured
	// accessibility strategy.
	tracker.Record(StrategyKeyboard, apptarget.ClassUnknown, false, 100*time.Millisecond)

	res, err := d.Dispatch(context.Background(), "hello", unknownTarget())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Strategy != StrategyAccessibility {
		t.Fatalf("winner = %s, want accessibility ranked above failing keyboard", res.Strategy)
	}
}

func TestLongTextDemotesTypingStrategies(t *testing.T) {
	kb := &MockStrategy{Name: StrategyKeyboard}
	clip := &MockStrategy{Name: StrategyClipboard}
	d, _ := testDispatcher(t, config.InjectionConfig{MaxKeyTextLength: 5}, kb, clip)

	res, err := d.Dispatch(context.Background(), "hello world", unknownTarget())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Strategy != StrategyClipboard {
		t.Fatalf("long text should prefer bulk delivery, got %s", res.Strategy)
	}
	if len(kb.Attempts()) != 0 {
		t.Fatal("keyboard should sit behind clipboard for long text")
	}
}

func TestUnencodableTextDemoted(t *testing.T) {
	kb := &MockStrategy{Name: StrategyKeyboard, Reject: func(text string) bool {
		return strings.ContainsRune(text, '€')
	}}
	acc := &MockStrategy{Name: StrategyAccessibility}
	d, _ := testDispatcher(t, config.InjectionConfig{}, kb, acc)

	res, err := d.Dispatch(context.Background(), "price 10€", unknownTarget())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Strategy != StrategyAccessibility {
		t.Fatalf("winner = %s, want accessibility ahead of non-encoding keyboard", res.Strategy)
	}
}

func TestUnsupportedTextNotChargedToTracker(t *testing.T) {
	kb := &MockStrategy{Name: StrategyKeyboard, Err: fmt.Errorf("%w: no key mapping", ErrUnsupported)}
	acc := &MockStrategy{Name: StrategyAccessibility}
	d, tracker := testDispatcher(t, config.InjectionConfig{FailureThreshold: 1, CooldownMS: 60_000}, kb, acc)

	res, err := d.Dispatch(context.Background(), "hello", unknownTarget())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Strategy != StrategyAccessibility {
		t.Fatalf("winner = %s, want fallthrough past the unsupported text", res.Strategy)
	}
	if tracker.InCooldown(StrategyKeyboard, apptarget.ClassUnknown) {
		t.Fatal("unrepresentable text must not bench the strategy")
	}
	if len(res.Attempts) != 2 || res.Attempts[0].OK {
		t.Fatalf("attempt trail should still show the failure: %+v", res.Attempts)
	}
}

func TestUnfocusableTargetDemotesClipboard(t *testing.T) {
	kb := &MockStrategy{Name: StrategyKeyboard}
	clip := &MockStrategy{Name: StrategyClipboard}
	d, _ := testDispatcher(t, config.InjectionConfig{}, kb, clip)

	res, err := d.Dispatch(context.Background(), "hello",
		apptarget.Target{Class: apptarget.ClassEditor, Focusable: false})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Strategy != StrategyKeyboard {
		t.Fatalf("winner = %s, want keyboard when the paste chord has no focus target", res.Strategy)
	}
}

func TestCooldownExcludesFromDispatch(t *testing.T) {
	kb := &MockStrategy{Name: StrategyKeyboard}
	acc := &MockStrategy{Name: StrategyAccessibility}
	d, tracker := testDispatcher(t, config.InjectionConfig{FailureThreshold: 1, CooldownMS: 60_000}, kb, acc)

	tracker.Record(StrategyKeyboard, apptarget.ClassUnknown, false, time.Millisecond)
	if !tracker.InCooldown(StrategyKeyboard, apptarget.ClassUnknown) {
		t.Fatal("keyboard should be benched")
	}

	res, err := d.Dispatch(context.Background(), "hello", unknownTarget())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Strategy != StrategyAccessibility || len(kb.Attempts()) != 0 {
		t.Fatalf("benched strategy was attempted: winner=%s kb attempts=%d", res.Strategy, len(kb.Attempts()))
	}
}

func TestAppendSpaceSeparatesCommits(t *testing.T) {
	kb := &MockStrategy{Name: StrategyKeyboard}
	d, _ := testDispatcher(t, config.InjectionConfig{AppendSpace: true}, kb)

	if _, err := d.Dispatch(context.Background(), "hello", unknownTarget()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), "line\n", unknownTarget()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got := kb.Attempts()
	if got[0] != "hello " {
		t.Fatalf("delivered %q, want trailing space", got[0])
	}
	if got[1] != "line\n" {
		t.Fatalf("newline-terminated text should not be padded, got %q", got[1])
	}
}

type panicStrategy struct{ name string }

func (p *panicStrategy) ID() string            { return p.name }
func (p *panicStrategy) Available() bool       { return true }
func (p *panicStrategy) CanEncode(string) bool { return true }
func (p *panicStrategy) Attempt(context.Context, string, apptarget.Target) error {
	panic("backend blew up")
}

func TestPanickingStrategyContained(t *testing.T) {
	boom := &panicStrategy{name: StrategyKeyboard}
	acc := &MockStrategy{Name: StrategyAccessibility}
	d, _ := testDispatcher(t, config.InjectionConfig{}, boom, acc)

	res, err := d.Dispatch(context.Background(), "hello", unknownTarget())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Strategy != StrategyAccessibility {
		t.Fatalf("winner = %s, want fallthrough past the panic", res.Strategy)
	}
	if !strings.Contains(res.Attempts[0].Error, "panicked") {
		t.Fatalf("panic should surface as a failed attempt: %+v", res.Attempts[0])
	}
}

func TestAttemptDeadlineBoundsSlowStrategy(t *testing.T) {
	slow := &MockStrategy{Name: StrategyKeyboard, Delay: 300 * time.Millisecond}
	acc := &MockStrategy{Name: StrategyAccessibility}
	d, _ := testDispatcher(t, config.InjectionConfig{AttemptTimeoutMS: 50}, slow, acc)

	start := time.Now()
	res, err := d.Dispatch(context.Background(), "hello", unknownTarget())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Strategy != StrategyAccessibility {
		t.Fatalf("winner = %s, want accessibility after keyboard timeout", res.Strategy)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("slow strategy was not cut off: dispatch took %v", elapsed)
	}
}

func TestMinGapPacesDispatches(t *testing.T) {
	kb := &MockStrategy{Name: StrategyKeyboard}
	d, _ := testDispatcher(t, config.InjectionConfig{MinGapMS: 50}, kb)

	start := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(context.Background(), "x", unknownTarget()); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("second dispatch ran after %v, want at least the configured gap", elapsed)
	}
}

func TestEmptyTextIsNoop(t *testing.T) {
	kb := &MockStrategy{Name: StrategyKeyboard}
	d, _ := testDispatcher(t, config.InjectionConfig{AppendSpace: true}, kb)

	res, err := d.Dispatch(context.Background(), "", unknownTarget())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Success || len(res.Attempts) != 0 || len(kb.Attempts()) != 0 {
		t.Fatalf("empty text should be a silent no-op, got %+v", res)
	}
}
