package inject

import (
	"testing"
	"time"

	"github.com/scrivelabs/scrive-core/internal/apptarget"
)

func TestScoreNeutralWithoutData(t *testing.T) {
	tr := NewTracker(0.3, 3, time.Minute)
	if got := tr.Score(StrategyKeyboard, apptarget.ClassEditor); got != neutralScore {
		t.Fatalf("unmeasured score = %v, want %v", got, neutralScore)
	}
}

func TestRecordMovesScore(t *testing.T) {
	tr := NewTracker(0.3, 5, time.Minute)

	tr.Record(StrategyKeyboard, apptarget.ClassEditor, true, 50*time.Millisecond)
	up := tr.Score(StrategyKeyboard, apptarget.ClassEditor)
	if up <= neutralScore {
		t.Fatalf("score after success = %v, want above neutral %v", up, neutralScore)
	}

	tr.Record(StrategyKeyboard, apptarget.ClassEditor, false, 200*time.Millisecond)
	tr.Record(StrategyKeyboard, apptarget.ClassEditor, false, 200*time.Millisecond)
	down := tr.Score(StrategyKeyboard, apptarget.ClassEditor)
	if down >= up {
		t.Fatalf("score should fall after failures: %v -> %v", up, down)
	}
	if down >= neutralScore {
		t.Fatalf("two straight failures should score below neutral, got %v", down)
	}
}

func TestCooldownOpensAtThresholdAndExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := NewTracker(0.3, 3, time.Minute)
	tr.clock = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		tr.Record(StrategyClipboard, apptarget.ClassEditor, false, 10*time.Millisecond)
		if tr.InCooldown(StrategyClipboard, apptarget.ClassEditor) {
			t.Fatalf("cooldown opened after %d failures, threshold is 3", i+1)
		}
	}
	tr.Record(StrategyClipboard, apptarget.ClassEditor, false, 10*time.Millisecond)
	if !tr.InCooldown(StrategyClipboard, apptarget.ClassEditor) {
		t.Fatal("cooldown should open at the third consecutive failure")
	}
	if got := tr.CooldownCount(); got != 1 {
		t.Fatalf("CooldownCount = %d, want 1", got)
	}

	now = now.Add(61 * time.Second)
	if tr.InCooldown(StrategyClipboard, apptarget.ClassEditor) {
		t.Fatal("cooldown should expire after the configured duration")
	}
	// Reinstatement is at baseline: the learned score does not survive the
	// cooldown.
	if got := tr.Score(StrategyClipboard, apptarget.ClassEditor); got != neutralScore {
		t.Fatalf("score after cooldown = %v, want neutral %v", got, neutralScore)
	}
}

func TestSuccessResetsFailureRun(t *testing.T) {
	tr := NewTracker(0.3, 3, time.Minute)

	tr.Record(StrategyKeyboard, apptarget.ClassTerminal, false, time.Millisecond)
	tr.Record(StrategyKeyboard, apptarget.ClassTerminal, false, time.Millisecond)
	tr.Record(StrategyKeyboard, apptarget.ClassTerminal, true, time.Millisecond)
	tr.Record(StrategyKeyboard, apptarget.ClassTerminal, false, time.Millisecond)
	tr.Record(StrategyKeyboard, apptarget.ClassTerminal, false, time.Millisecond)

	// The success in the middle broke the run; five attempts never reach
	// three in a row.
	if tr.InCooldown(StrategyKeyboard, apptarget.ClassTerminal) {
		t.Fatal("non-consecutive failures must not open a cooldown")
	}
	stats := tr.Snapshot()["keyboard/terminal"]
	if stats.Attempts != 5 || stats.Successes != 1 {
		t.Fatalf("stats = %+v, want 5 attempts 1 success", stats)
	}
	if stats.ConsecutiveFails != 2 {
		t.Fatalf("ConsecutiveFails = %d, want 2", stats.ConsecutiveFails)
	}
}

func TestClassesTrackedIndependently(t *testing.T) {
	tr := NewTracker(0.3, 1, time.Minute)

	tr.Record(StrategyKeyboard, apptarget.ClassTerminal, false, time.Millisecond)
	if !tr.InCooldown(StrategyKeyboard, apptarget.ClassTerminal) {
		t.Fatal("terminal cooldown should be open")
	}
	if tr.InCooldown(StrategyKeyboard, apptarget.ClassEditor) {
		t.Fatal("editor stats must not share the terminal cooldown")
	}

	tr.Record(StrategyKeyboard, apptarget.ClassEditor, true, time.Millisecond)
	if tr.Score(StrategyKeyboard, apptarget.ClassEditor) <= neutralScore {
		t.Fatal("editor score should reflect the editor success")
	}
}

func TestFasterStrategyScoresHigher(t *testing.T) {
	tr := NewTracker(0.3, 3, time.Minute)

	tr.Record(StrategyKeyboard, apptarget.ClassEditor, true, 20*time.Millisecond)
	tr.Record(StrategyClipboard, apptarget.ClassEditor, true, 900*time.Millisecond)

	kb := tr.Score(StrategyKeyboard, apptarget.ClassEditor)
	clip := tr.Score(StrategyClipboard, apptarget.ClassEditor)
	if kb <= clip {
		t.Fatalf("equal success but faster should rank higher: keyboard %v vs clipboard %v", kb, clip)
	}
}
