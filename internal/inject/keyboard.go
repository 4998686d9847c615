package inject

import (
	"context"
	"fmt"
	"unicode"

	"github.com/scrivelabs/scrive-core/internal/apptarget"
)

// KeyboardStrategy types text through an external tool, xdotool by default.
// The text is passed as the final argument of the configured command.
type KeyboardStrategy struct {
	run runner
}

func NewKeyboardStrategy(command string) (*KeyboardStrategy, error) {
	r, err := newRunner(command)
	if err != nil {
		return nil, err
	}
	return &KeyboardStrategy{run: r}, nil
}

func (s *KeyboardStrategy) ID() string { return StrategyKeyboard }

func (s *KeyboardStrategy) Available() bool { return s.run.available() }

// CanEncode rejects control characters other than newline and tab. Typing
// tools expect printable text; anything else needs key names, which the
// commit stream never produces.
func (s *KeyboardStrategy) CanEncode(text string) bool {
	for _, r := range text {
		if r == '\n' || r == '\t' {
			continue
		}
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func (s *KeyboardStrategy) Attempt(ctx context.Context, text string, _ apptarget.Target) error {
	if !s.Available() {
		return ErrUnavailable
	}
	if err := s.run.run(ctx, "", text); err != nil {
		return fmt.Errorf("inject: keyboard: %w", err)
	}
	return nil
}
