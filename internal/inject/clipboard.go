package inject

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scrivelabs/scrive-core/internal/apptarget"
)

// clipboardSettle is how long to wait between setting the selection and
// sending the paste chord. Clipboard managers need a moment to notice the
// new owner before the paste reads it.
const clipboardSettle = 50 * time.Millisecond

// ClipboardStrategy copies the text to the clipboard, sends the paste chord
// to the focused window, and restores the previous clipboard contents. The
// user's clipboard is state we borrow, not state we own.
type ClipboardStrategy struct {
	copyRun  runner
	readRun  runner
	pasteRun runner
	restore  bool
	logger   *slog.Logger
}

func NewClipboardStrategy(copyCommand, readCommand, pasteKeyCommand string, restore bool, logger *slog.Logger) (*ClipboardStrategy, error) {
	copyRun, err := newRunner(copyCommand)
	if err != nil {
		return nil, err
	}
	readRun, err := newRunner(readCommand)
	if err != nil {
		return nil, err
	}
	pasteRun, err := newRunner(pasteKeyCommand)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClipboardStrategy{
		copyRun:  copyRun,
		readRun:  readRun,
		pasteRun: pasteRun,
		restore:  restore,
		logger:   logger.With(slog.String("component", "inject.clipboard")),
	}, nil
}

func (s *ClipboardStrategy) ID() string { return StrategyClipboard }

func (s *ClipboardStrategy) Available() bool {
	return s.copyRun.available() && s.pasteRun.available()
}

// CanEncode always holds: the clipboard carries arbitrary text.
func (s *ClipboardStrategy) CanEncode(string) bool { return true }

func (s *ClipboardStrategy) Attempt(ctx context.Context, text string, _ apptarget.Target) error {
	if !s.Available() {
		return ErrUnavailable
	}

	var previous string
	havePrevious := false
	if s.restore && s.readRun.available() {
		if prev, err := s.readRun.output(ctx); err == nil {
			previous = prev
			havePrevious = true
		}
		// An unreadable clipboard (empty, or holding an image) just means
		// there is nothing to put back.
	}

	if err := s.copyRun.run(ctx, text); err != nil {
		return fmt.Errorf("inject: clipboard copy: %w", err)
	}
	if err := sleepCtx(ctx, clipboardSettle); err != nil {
		return err
	}
	pasteErr := s.pasteRun.run(ctx, "")

	if havePrevious {
		// Restore runs even when the paste failed, and on a detached
		// context so an expired attempt deadline cannot strand the user's
		// clipboard with dictation text.
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := sleepCtx(restoreCtx, clipboardSettle); err == nil {
			if err := s.copyRun.run(restoreCtx, previous); err != nil {
				s.logger.Warn("clipboard restore failed", slogError(err))
			}
		}
	}

	if pasteErr != nil {
		return fmt.Errorf("inject: clipboard paste: %w", pasteErr)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
