package inject

import (
	"fmt"
	"sync"
	"time"

	"github.com/scrivelabs/scrive-core/internal/apptarget"
)

// neutralScore is what a strategy scores before any attempt has been
// recorded against it. Unmeasured strategies therefore keep their baseline
// position under a stable sort.
const neutralScore = 0.5

// Stats is one strategy's tracked performance for one target class.
type Stats struct {
	Attempts         uint64
	Successes        uint64
	SuccessRate      float64 // EWMA of the success indicator
	LatencyMS        float64 // EWMA over all attempts, milliseconds
	ConsecutiveFails int
	CooldownUntil    time.Time
	measured         bool
}

type statKey struct {
	strategy string
	class    apptarget.Classification
}

// Tracker keeps per-strategy performance statistics split by target class.
// The same strategy can be reliable in an editor and useless in a terminal,
// so the two never share a score.
//
// Recording happens only on the dispatcher worker; snapshots may be read
// from metric callbacks, hence the mutex.
type Tracker struct {
	mu               sync.Mutex
	alpha            float64
	failureThreshold int
	cooldown         time.Duration
	clock            func() time.Time
	stats            map[statKey]*Stats
}

func NewTracker(alpha float64, failureThreshold int, cooldown time.Duration) *Tracker {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &Tracker{
		alpha:            alpha,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		clock:            time.Now,
		stats:            make(map[statKey]*Stats),
	}
}

// Retune swaps the learning parameters. Existing stats and open cooldowns
// carry over; only future Record calls use the new values.
func (t *Tracker) Retune(alpha float64, failureThreshold int, cooldown time.Duration) {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	t.mu.Lock()
	t.alpha = alpha
	t.failureThreshold = failureThreshold
	t.cooldown = cooldown
	t.mu.Unlock()
}

// Record folds one attempt outcome into the strategy's stats. Crossing the
// failure threshold opens a cooldown and resets the learned score: when the
// strategy returns it re-enters at its baseline position and earns rank
// again rather than resuming a stale reputation.
func (t *Tracker) Record(strategy string, class apptarget.Classification, ok bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := statKey{strategy: strategy, class: class}
	s := t.stats[key]
	if s == nil {
		s = &Stats{}
		t.stats[key] = s
	}

	s.Attempts++
	indicator := 0.0
	if ok {
		indicator = 1.0
		s.Successes++
	}

	ms := float64(latency) / float64(time.Millisecond)
	if !s.measured {
		s.SuccessRate = indicator
		s.LatencyMS = ms
		s.measured = true
	} else {
		s.SuccessRate = t.alpha*indicator + (1-t.alpha)*s.SuccessRate
		s.LatencyMS = t.alpha*ms + (1-t.alpha)*s.LatencyMS
	}

	if ok {
		s.ConsecutiveFails = 0
		s.CooldownUntil = time.Time{}
		return
	}

	s.ConsecutiveFails++
	if s.ConsecutiveFails >= t.failureThreshold && t.cooldown > 0 {
		s.CooldownUntil = t.clock().Add(t.cooldown)
		s.SuccessRate = 0
		s.LatencyMS = 0
		s.measured = false
	}
}

// Score returns the ranking score for a strategy against one target class.
// Higher is better. Unmeasured strategies score neutral so they sort by
// baseline order.
func (t *Tracker) Score(strategy string, class apptarget.Classification) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats[statKey{strategy: strategy, class: class}]
	if s == nil || !s.measured {
		return neutralScore
	}
	latencyFactor := 1.0 / (1.0 + s.LatencyMS/1000.0)
	penalty := 1.0 - 0.2*float64(s.ConsecutiveFails)
	if penalty < 0 {
		penalty = 0
	}
	return s.SuccessRate * latencyFactor * penalty
}

// InCooldown reports whether the strategy is benched for this class.
func (t *Tracker) InCooldown(strategy string, class apptarget.Classification) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats[statKey{strategy: strategy, class: class}]
	return s != nil && !s.CooldownUntil.IsZero() && t.clock().Before(s.CooldownUntil)
}

// Snapshot copies all tracked stats, keyed "strategy/class". Used by metric
// callbacks and diagnostics.
func (t *Tracker) Snapshot() map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Stats, len(t.stats))
	for key, s := range t.stats {
		out[fmt.Sprintf("%s/%s", key.strategy, key.class)] = *s
	}
	return out
}

// CooldownCount reports how many (strategy, class) pairs are currently
// benched.
func (t *Tracker) CooldownCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	n := 0
	for _, s := range t.stats {
		if !s.CooldownUntil.IsZero() && now.Before(s.CooldownUntil) {
			n++
		}
	}
	return n
}
