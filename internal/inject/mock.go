package inject

import (
	"context"
	"sync"
	"time"

	"github.com/scrivelabs/scrive-core/internal/apptarget"
)

// MockStrategy is a scriptable strategy for tests. Zero value is an
// always-available strategy that accepts everything and succeeds.
type MockStrategy struct {
	Name        string
	Unavailable bool
	Reject      func(text string) bool
	Err         error
	FailFirst   int
	Delay       time.Duration

	mu       sync.Mutex
	attempts []string
}

func (m *MockStrategy) ID() string {
	if m.Name == "" {
		return "mock"
	}
	return m.Name
}

func (m *MockStrategy) Available() bool { return !m.Unavailable }

func (m *MockStrategy) CanEncode(text string) bool {
	return m.Reject == nil || !m.Reject(text)
}

func (m *MockStrategy) Attempt(ctx context.Context, text string, _ apptarget.Target) error {
	if m.Delay > 0 {
		if err := sleepCtx(ctx, m.Delay); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.attempts = append(m.attempts, text)
	n := len(m.attempts)
	m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if n <= m.FailFirst {
		return ErrUnavailable
	}
	return nil
}

// Attempts returns the texts this strategy was asked to deliver.
func (m *MockStrategy) Attempts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.attempts))
	copy(out, m.attempts)
	return out
}
