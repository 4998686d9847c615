package stabilizer

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scrivelabs/scrive-core/internal/protocol"
)

func TestIncrementalCommitScenario(t *testing.T) {
	s := New(Options{Threshold: 2, PositionTolerance: 1})

	steps := []struct {
		hypothesis string
		committed  string
		newly      string
		pending    string
	}{
		{"well", "", "", "well"},
		{"well today", "well", "well", "today"},
		{"well today I", "well today", "today", "i"},
		{"well today I am", "well today i", "i", "am"},
	}
	for i, step := range steps {
		state := s.Update(step.hypothesis)
		if state.Committed != step.committed {
			t.Fatalf("step %d: committed %q, want %q", i+1, state.Committed, step.committed)
		}
		if state.NewlyCommitted != step.newly {
			t.Fatalf("step %d: newly committed %q, want %q", i+1, state.NewlyCommitted, step.newly)
		}
		if got := strings.Join(state.Pending, " "); got != step.pending {
			t.Fatalf("step %d: pending %q, want %q", i+1, got, step.pending)
		}
	}
}

func TestCommittedGrowsMonotonically(t *testing.T) {
	s := New(Options{Threshold: 2})

	hypotheses := []string{
		"the quick",
		"the quick brown",
		"the quick brown fox",
		"the", // model degrades, shortens its guess
		"the quick brown fox jumps",
		"the quick brown fox jumps over",
	}
	prev := ""
	for i, h := range hypotheses {
		state := s.Update(h)
		if !strings.HasPrefix(state.Committed, prev) {
			t.Fatalf("step %d: committed %q lost prefix %q", i+1, state.Committed, prev)
		}
		if len(state.Committed) < len(prev) {
			t.Fatalf("step %d: committed shrank from %q to %q", i+1, prev, state.Committed)
		}
		prev = state.Committed
	}
	if !strings.HasPrefix(prev, "the quick brown") {
		t.Fatalf("expected stable prefix to be committed, got %q", prev)
	}
}

func TestConvergenceAtThreshold(t *testing.T) {
	s := New(Options{Threshold: 3})

	var state State
	for i := 0; i < 3; i++ {
		state = s.Update("alpha beta")
	}
	if state.Committed != "alpha beta" {
		t.Fatalf("expected full commit after 3 agreements, got %q", state.Committed)
	}
	if len(state.Pending) != 0 {
		t.Fatalf("expected empty pending, got %v", state.Pending)
	}
	if len(state.Commits) == 0 || state.Commits[0].Reason != protocol.CommitAgreement {
		t.Fatalf("expected agreement commit, got %+v", state.Commits)
	}
}

func TestTimeoutPromotesStaleWords(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := New(Options{Threshold: 5, WordTimeout: 5 * time.Second, Clock: func() time.Time { return now }})

	s.Update("alpha beta")

	// reconfirmation refreshes the age
	now = now.Add(3 * time.Second)
	s.Update("alpha beta")

	now = now.Add(4 * time.Second)
	state := s.Sweep()
	if state.Committed != "" {
		t.Fatalf("words reconfirmed 4s ago must not time out, got committed %q", state.Committed)
	}

	now = now.Add(2 * time.Second)
	state = s.Sweep()
	if state.Committed != "alpha beta" {
		t.Fatalf("expected timeout commit, got %q", state.Committed)
	}
	if len(state.Commits) != 1 || state.Commits[0].Reason != protocol.CommitTimeout {
		t.Fatalf("expected a single timeout run, got %+v", state.Commits)
	}
}

func TestOverflowBoundsPending(t *testing.T) {
	s := New(Options{Threshold: 99, MaxPending: 4})

	words := []string{"w1", "w2", "w3", "w4", "w5", "w6"}
	state := s.Update(strings.Join(words, " "))
	if len(state.Pending) != 4 {
		t.Fatalf("expected pending capped at 4, got %v", state.Pending)
	}
	if state.Committed != "w1 w2" {
		t.Fatalf("expected oldest words committed, got %q", state.Committed)
	}
	for _, run := range state.Commits {
		if run.Reason != protocol.CommitOverflow {
			t.Fatalf("expected overflow reason, got %+v", run)
		}
		if run.Words != 1 {
			t.Fatalf("overflow promotes one word at a time, got %+v", run)
		}
	}

	longer := append(words, "w7", "w8")
	state = s.Update(strings.Join(longer, " "))
	if len(state.Pending) > 4 {
		t.Fatalf("pending exceeded bound: %v", state.Pending)
	}
	if state.Committed != "w1 w2 w3 w4" {
		t.Fatalf("expected in-order overflow commits, got %q", state.Committed)
	}
}

func TestRepeatedHypothesisKeepsFullText(t *testing.T) {
	s := New(Options{Threshold: 2})

	for _, h := range []string{"hello", "hello world", "hello world this"} {
		first := s.Update(h)
		second := s.Update(h)
		if second.FullText() != first.FullText() {
			t.Fatalf("repeat of %q changed full text: %q -> %q", h, first.FullText(), second.FullText())
		}
		if !strings.HasPrefix(second.Committed, first.Committed) {
			t.Fatalf("repeat of %q rewrote committed text: %q -> %q", h, first.Committed, second.Committed)
		}
	}
}

func TestBlankAndArtifactInputIsNoop(t *testing.T) {
	s := New(Options{Threshold: 2})
	s.Update("alpha beta")
	before := s.State()

	for _, input := range []string{"", "   ", "[unk]", "<unk> [unk]"} {
		state := s.Update(input)
		if state.Committed != before.Committed {
			t.Fatalf("input %q changed committed text", input)
		}
		if strings.Join(state.Pending, " ") != strings.Join(before.Pending, " ") {
			t.Fatalf("input %q changed pending text", input)
		}
		if len(state.Commits) != 0 {
			t.Fatalf("input %q produced commits: %+v", input, state.Commits)
		}
	}
}

func TestDisagreementWithCommittedIgnored(t *testing.T) {
	s := New(Options{Threshold: 2})
	s.Update("alpha beta")
	state := s.Update("alpha beta")
	if state.Committed != "alpha beta" {
		t.Fatalf("setup failed, committed %q", state.Committed)
	}

	// the model revises words that are already committed; the revision is
	// dropped, only the tail is considered
	state = s.Update("zzz yyy gamma")
	if state.Committed != "alpha beta" {
		t.Fatalf("committed text mutated to %q", state.Committed)
	}
	if got := strings.Join(state.Pending, " "); got != "gamma" {
		t.Fatalf("expected pending tail %q, got %q", "gamma", got)
	}
}

func TestDriftWithinToleranceCarriesStreaks(t *testing.T) {
	s := New(Options{Threshold: 2, PositionTolerance: 2})

	s.Update("alpha beta gamma")
	// a word appears at the front, shifting everything right by one
	state := s.Update("intro alpha beta gamma")
	if state.Committed != "intro alpha beta gamma" {
		t.Fatalf("expected shifted words to keep their agreement, committed %q", state.Committed)
	}
}

func TestFlushCommitsPendingRegion(t *testing.T) {
	s := New(Options{Threshold: 5})
	s.Update("alpha beta gamma")

	state := s.Flush()
	if state.Committed != "alpha beta gamma" {
		t.Fatalf("expected flush to commit everything, got %q", state.Committed)
	}
	if len(state.Commits) != 1 || state.Commits[0].Reason != protocol.CommitFlush {
		t.Fatalf("expected one flush run, got %+v", state.Commits)
	}
	if len(state.Pending) != 0 {
		t.Fatalf("expected empty pending after flush, got %v", state.Pending)
	}

	again := s.Flush()
	if len(again.Commits) != 0 {
		t.Fatalf("flush of empty pending produced commits: %+v", again.Commits)
	}
}

func TestResetClearsSession(t *testing.T) {
	s := New(Options{Threshold: 1})
	s.Update("alpha beta")
	s.Reset()

	state := s.State()
	if state.Committed != "" || len(state.Pending) != 0 {
		t.Fatalf("expected clean state after reset, got %+v", state)
	}
}

func TestAlignPrefersEarliestPosition(t *testing.T) {
	s := New(Options{PositionTolerance: 2})
	old := []entry{
		{word: "sun", streak: 3},
		{word: "moon", streak: 1},
		{word: "sun", streak: 1},
	}
	used := make([]bool, len(old))

	// "sun" at index 1 could align to position 0 or 2; earliest wins
	if got := s.alignLocked(old, used, 1, "sun"); got != 0 {
		t.Fatalf("expected earliest position 0, got %d", got)
	}
	used[0] = true
	if got := s.alignLocked(old, used, 1, "sun"); got != 2 {
		t.Fatalf("expected fallback to position 2, got %d", got)
	}
}

func TestSnapshotUnderConcurrentReaders(t *testing.T) {
	s := New(Options{Threshold: 2})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					state := s.State()
					_ = state.FullText()
				}
			}
		}()
	}

	prev := ""
	for i := 0; i < 200; i++ {
		state := s.Update(fmt.Sprintf("one two three word%d", i))
		if !strings.HasPrefix(state.Committed, prev) {
			t.Errorf("committed lost prefix under concurrency")
			break
		}
		prev = state.Committed
	}
	close(stop)
	wg.Wait()
}
