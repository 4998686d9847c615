// Package inject delivers committed dictation text into the focused
// application. A single dispatcher worker consumes commits in order, asks
// the target provider what is focused, and walks a ranked list of delivery
// strategies until one succeeds or all are exhausted.
package inject

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scrivelabs/scrive-core/internal/apptarget"
	"github.com/scrivelabs/scrive-core/internal/protocol"
)

// Strategy identifiers. They double as config section names and metric
// label values.
const (
	StrategyAccessibility = "accessibility"
	StrategyKeyboard      = "keyboard"
	StrategyClipboard     = "clipboard"
	StrategyVirtualDevice = "virtual_device"
)

// Strategy is one way of delivering text to the focused application.
// Implementations report capability up front so the dispatcher can skip
// impossible attempts instead of spending their timeout on them.
type Strategy interface {
	// ID returns the stable strategy identifier.
	ID() string
	// Available reports whether the strategy can run on this host at all
	// (tool installed, bus reachable, device writable).
	Available() bool
	// CanEncode reports whether the strategy can represent this exact text.
	CanEncode(text string) bool
	// Attempt delivers text to the target. It must honor ctx cancellation;
	// the dispatcher bounds each attempt with a deadline.
	Attempt(ctx context.Context, text string, target apptarget.Target) error
}

// ErrUnavailable is returned by strategies that cannot run on this host.
var ErrUnavailable = errors.New("inject: strategy unavailable")

// ErrUnsupported is returned when a strategy cannot represent the exact
// text it was handed. It marks a property of the text, not of the
// strategy, so the dispatcher keeps it out of the health tracker.
var ErrUnsupported = errors.New("inject: text not representable")

// ErrExhausted marks dispatch failures where every candidate strategy was
// tried. Callers match it with errors.Is; the concrete *ExhaustedError
// carries per-strategy diagnostics.
var ErrExhausted = errors.New("inject: all strategies exhausted")

// ExhaustedError reports that no strategy delivered the text. Attempts
// holds one entry per strategy tried, in attempt order.
type ExhaustedError struct {
	Attempts []protocol.AttemptReport
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "inject: no strategies available for dispatch"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Strategy, a.Error))
	}
	return fmt.Sprintf("inject: all %d strategies failed (%s)", len(e.Attempts), strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() error { return ErrExhausted }

// Result describes the outcome of dispatching one commit.
type Result struct {
	Success  bool
	Strategy string
	Target   apptarget.Target
	Attempts []protocol.AttemptReport
	Latency  time.Duration
}

// attemptError formats an error for an AttemptReport, bounding its length
// so a pathological tool error cannot bloat the report stream.
func attemptError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
