// Package stabilizer turns a stream of noisy, retroactively revised
// recognizer hypotheses into a monotonically growing committed text stream.
// A word is promoted out of the volatile pending region once it has been
// reconfirmed at a stable position often enough, aged past a timeout, or
// pushed out by the pending bound; committed text is never rewritten.
package stabilizer

import (
	"strings"
	"sync"
	"time"

	"github.com/scrivelabs/scrive-core/internal/protocol"
)

const (
	DefaultThreshold         = 2
	DefaultMaxPending        = 20
	DefaultWordTimeout       = 5 * time.Second
	DefaultPositionTolerance = 2
)

// Options tune the agreement buffer. Zero values fall back to the defaults
// above, except PositionTolerance where zero means strict alignment.
type Options struct {
	Threshold         int
	MaxPending        int
	WordTimeout       time.Duration
	PositionTolerance int
	Clock             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Threshold < 1 {
		o.Threshold = DefaultThreshold
	}
	if o.MaxPending < 1 {
		o.MaxPending = DefaultMaxPending
	}
	if o.WordTimeout <= 0 {
		o.WordTimeout = DefaultWordTimeout
	}
	if o.PositionTolerance < 0 {
		o.PositionTolerance = DefaultPositionTolerance
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// CommitRun is a prefix of the pending region promoted in one step.
type CommitRun struct {
	Text   string
	Words  int
	Reason protocol.CommitReason
}

// State is a snapshot of the buffer after a call. Committed only ever grows;
// Pending is the volatile suffix still subject to revision.
type State struct {
	Committed      string
	Pending        []string
	NewlyCommitted string
	Commits        []CommitRun
}

// FullText is the committed prefix followed by the pending suffix.
func (s State) FullText() string {
	if len(s.Pending) == 0 {
		return s.Committed
	}
	if s.Committed == "" {
		return strings.Join(s.Pending, " ")
	}
	return s.Committed + " " + strings.Join(s.Pending, " ")
}

// entry tracks one pending word. seen is refreshed on every reconfirmation,
// so age measures time since the word last appeared in a hypothesis.
type entry struct {
	word   string
	streak int
	seen   time.Time
}

// Stabilizer holds one session's agreement state. All mutation happens under
// a single exclusive lock and never blocks on anything slower than itself.
type Stabilizer struct {
	mu        sync.Mutex
	opts      Options
	committed []string
	entries   []entry
}

func New(opts Options) *Stabilizer {
	return &Stabilizer{opts: opts.withDefaults()}
}

// Update ingests the recognizer's complete current best guess and returns the
// resulting snapshot. Blank or artifact-only input is a no-op; malformed text
// is just no new information, never an error.
func (s *Stabilizer) Update(raw string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	words := normalize(raw)
	if len(words) == 0 {
		return s.snapshotLocked(nil)
	}
	now := s.opts.Clock()

	s.reconcileLocked(words, now)
	var runs []CommitRun
	runs = s.promoteAgreedLocked(runs)
	runs = s.promoteStaleLocked(now, runs)
	runs = s.promoteOverflowLocked(runs)
	return s.snapshotLocked(runs)
}

// Flush promotes the entire pending region immediately. Fired on pause and
// session stop so trailing words are not stranded behind the timeout.
func (s *Stabilizer) Flush() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return s.snapshotLocked(nil)
	}
	run := s.commitPrefixLocked(len(s.entries), protocol.CommitFlush)
	return s.snapshotLocked([]CommitRun{run})
}

// Sweep applies the staleness rule without new hypothesis input, for streams
// that stop updating mid-utterance.
func (s *Stabilizer) Sweep() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.promoteStaleLocked(s.opts.Clock(), nil)
	return s.snapshotLocked(runs)
}

// Reset clears all state for a new session.
func (s *Stabilizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = nil
	s.entries = nil
}

// State returns a snapshot without mutating the buffer. Readers get a copy,
// never the live internals.
func (s *Stabilizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(nil)
}

// reconcileLocked aligns the hypothesis tail against the pending region.
// Hypothesis words over committed positions are ignored outright: committed
// text is immutable even when the model changes its mind about it.
func (s *Stabilizer) reconcileLocked(words []string, now time.Time) {
	var tail []string
	if len(words) > len(s.committed) {
		tail = words[len(s.committed):]
	}

	old := s.entries
	used := make([]bool, len(old))
	next := make([]entry, 0, max(len(tail), len(old)))

	for i, w := range tail {
		if j := s.alignLocked(old, used, i, w); j >= 0 {
			e := old[j]
			e.streak++
			e.seen = now
			used[j] = true
			next = append(next, e)
			continue
		}
		next = append(next, entry{word: w, streak: 1, seen: now})
	}
	// Words the model no longer voices stay pending with their streak reset;
	// their age keeps running so the timeout can still promote them.
	for i := len(tail); i < len(old); i++ {
		if used[i] {
			continue
		}
		e := old[i]
		e.streak = 0
		next = append(next, e)
	}
	s.entries = next
}

// alignLocked finds the pending entry that hypothesis word w at tail index i
// reconfirms: the exact position when it still holds w, otherwise the
// earliest unconsumed position inside the tolerance window. Earliest wins
// when duplicates make two positions plausible.
func (s *Stabilizer) alignLocked(old []entry, used []bool, i int, w string) int {
	if i < len(old) && !used[i] && old[i].word == w {
		return i
	}
	lo := i - s.opts.PositionTolerance
	if lo < 0 {
		lo = 0
	}
	hi := i + s.opts.PositionTolerance
	if hi > len(old)-1 {
		hi = len(old) - 1
	}
	for j := lo; j <= hi; j++ {
		if !used[j] && old[j].word == w {
			return j
		}
	}
	return -1
}

// promoteAgreedLocked commits prefix runs triggered by words whose streak
// reached the threshold inside the tolerance window. A triggering word pulls
// every earlier pending word along with it: runs, not isolated words, so the
// committed stream never has gaps.
func (s *Stabilizer) promoteAgreedLocked(runs []CommitRun) []CommitRun {
	for {
		limit := s.opts.PositionTolerance
		if limit > len(s.entries)-1 {
			limit = len(s.entries) - 1
		}
		k := -1
		for i := 0; i <= limit; i++ {
			if s.entries[i].streak >= s.opts.Threshold {
				k = i
			}
		}
		if k < 0 {
			return runs
		}
		runs = append(runs, s.commitPrefixLocked(k+1, protocol.CommitAgreement))
	}
}

// promoteStaleLocked commits through the last pending word that has gone
// unreconfirmed longer than the timeout, regardless of agreement.
func (s *Stabilizer) promoteStaleLocked(now time.Time, runs []CommitRun) []CommitRun {
	k := -1
	for i := range s.entries {
		if now.Sub(s.entries[i].seen) > s.opts.WordTimeout {
			k = i
		}
	}
	if k < 0 {
		return runs
	}
	return append(runs, s.commitPrefixLocked(k+1, protocol.CommitTimeout))
}

// promoteOverflowLocked bounds the pending region by promoting its oldest
// word at a time until the cap holds.
func (s *Stabilizer) promoteOverflowLocked(runs []CommitRun) []CommitRun {
	for len(s.entries) > s.opts.MaxPending {
		runs = append(runs, s.commitPrefixLocked(1, protocol.CommitOverflow))
	}
	return runs
}

func (s *Stabilizer) commitPrefixLocked(n int, reason protocol.CommitReason) CommitRun {
	words := make([]string, n)
	for i := 0; i < n; i++ {
		words[i] = s.entries[i].word
	}
	s.committed = append(s.committed, words...)
	s.entries = append(s.entries[:0], s.entries[n:]...)
	return CommitRun{Text: strings.Join(words, " "), Words: n, Reason: reason}
}

func (s *Stabilizer) snapshotLocked(runs []CommitRun) State {
	pending := make([]string, len(s.entries))
	for i := range s.entries {
		pending[i] = s.entries[i].word
	}
	newly := make([]string, 0, len(runs))
	for _, r := range runs {
		newly = append(newly, r.Text)
	}
	return State{
		Committed:      strings.Join(s.committed, " "),
		Pending:        pending,
		NewlyCommitted: strings.Join(newly, " "),
		Commits:        runs,
	}
}

var artifacts = strings.NewReplacer("[unk]", " ", "<unk>", " ")

// normalize folds case and strips recognizer artifacts before alignment.
func normalize(raw string) []string {
	return strings.Fields(artifacts.Replace(strings.ToLower(raw)))
}
