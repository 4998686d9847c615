package apptarget

import (
	"context"
	"sync"
)

// StaticProvider always reports the same target. Used when target mode is
// "static": kiosk installs and headless tests where focus never moves.
type StaticProvider struct {
	target Target
}

func NewStaticProvider(class Classification, focusable bool) *StaticProvider {
	if class == "" {
		class = ClassUnknown
	}
	return &StaticProvider{target: Target{Class: class, Focusable: focusable}}
}

func (p *StaticProvider) Current(context.Context) (Target, error) {
	return p.target, nil
}

// MockProvider replays a scripted sequence of targets, repeating the last
// entry once the script is exhausted.
type MockProvider struct {
	mu      sync.Mutex
	script  []Target
	err     error
	queries int
}

func NewMockProvider(script ...Target) *MockProvider {
	return &MockProvider{script: script}
}

// Fail makes every subsequent Current call return err.
func (p *MockProvider) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *MockProvider) Current(context.Context) (Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries++
	if p.err != nil {
		return Target{}, p.err
	}
	if len(p.script) == 0 {
		return Target{Class: ClassUnknown, Focusable: true}, nil
	}
	idx := p.queries - 1
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	return p.script[idx], nil
}

// Queries reports how many times Current was called.
func (p *MockProvider) Queries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries
}
