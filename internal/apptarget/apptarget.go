// Package apptarget identifies the foreground application receiving injected
// text. The dispatcher queries it once per commit and never caches the
// answer: focus can change between any two commits.
package apptarget

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Classification buckets the foreground application for strategy ordering.
type Classification string

const (
	ClassEditor   Classification = "editor"
	ClassTerminal Classification = "terminal"
	ClassBrowser  Classification = "browser"
	ClassOffice   Classification = "office"
	ClassUnknown  Classification = "unknown"
)

// Target describes the application currently holding focus.
type Target struct {
	Class       Classification
	Focusable   bool
	WindowTitle string
	ProcessName string
}

// Provider reports the current foreground target. Implementations must be
// safe for repeated calls from the injection worker.
type Provider interface {
	Current(ctx context.Context) (Target, error)
}

var (
	editorPatterns = []string{
		"code", "codium", "vim", "nvim", "gvim", "emacs", "sublime", "gedit",
		"kate", "notepad", "pycharm", "intellij", "goland", "clion", "eclipse",
		"studio", "zed", "helix",
	}
	terminalPatterns = []string{
		"gnome-terminal", "konsole", "xterm", "alacritty", "kitty",
		"terminator", "tilix", "urxvt", "wezterm", "foot", "terminal",
	}
	browserPatterns = []string{
		"firefox", "chrome", "chromium", "safari", "edge", "opera", "brave",
		"vivaldi", "mozilla",
	}
	officePatterns = []string{
		"libreoffice", "soffice", "abiword", "gnumeric", "word", "excel",
		"powerpoint", "impress", "calc", "writer",
	}
)

// Classifier matches process names and window titles against pattern tables.
// Configured patterns extend the built-in tables, they do not replace them.
type Classifier struct {
	editor   []string
	terminal []string
	browser  []string
	office   []string
}

func NewClassifier(editor, terminal, browser, office []string) *Classifier {
	return &Classifier{
		editor:   append(append([]string{}, editorPatterns...), editor...),
		terminal: append(append([]string{}, terminalPatterns...), terminal...),
		browser:  append(append([]string{}, browserPatterns...), browser...),
		office:   append(append([]string{}, officePatterns...), office...),
	}
}

// Classify buckets a window by process name first, title second. The process
// name is the stronger signal; titles carry document names that can mention
// any application.
func (c *Classifier) Classify(process, title string) Classification {
	for _, probe := range []string{strings.ToLower(process), strings.ToLower(title)} {
		if probe == "" {
			continue
		}
		switch {
		case matchesAny(probe, c.terminal):
			return ClassTerminal
		case matchesAny(probe, c.editor):
			return ClassEditor
		case matchesAny(probe, c.browser):
			return ClassBrowser
		case matchesAny(probe, c.office):
			return ClassOffice
		}
	}
	return ClassUnknown
}

func matchesAny(probe string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(probe, p) {
			return true
		}
	}
	return false
}

// detectDisplayServer reports which display protocol the session runs.
// WAYLAND_DISPLAY wins over DISPLAY: XWayland sets both.
func detectDisplayServer() string {
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		return "wayland"
	}
	if os.Getenv("DISPLAY") != "" {
		return "x11"
	}
	return "unknown"
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
