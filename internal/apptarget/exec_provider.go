package apptarget

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const queryTimeout = 750 * time.Millisecond

// ExecProvider inspects the focused window through xdotool, falling back to
// xprop when xdotool is absent. Works on X11 and on XWayland windows; pure
// Wayland surfaces are invisible to both tools and report as an error.
type ExecProvider struct {
	classifier *Classifier
	logger     *slog.Logger
	procRoot   string
}

func NewExecProvider(classifier *Classifier, logger *slog.Logger) *ExecProvider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ExecProvider{
		classifier: classifier,
		logger:     logger.With(slog.String("component", "apptarget")),
		procRoot:   "/proc",
	}
	p.logger.Debug("focus provider initialised",
		slog.String("display_server", detectDisplayServer()),
		slog.Bool("xdotool", toolPresent("xdotool")),
		slog.Bool("xprop", toolPresent("xprop")))
	return p
}

// Available reports whether at least one window inspection tool exists.
func (p *ExecProvider) Available() bool {
	return toolPresent("xdotool") || toolPresent("xprop")
}

// Current queries the active window and classifies it. A failure here means
// the caller should treat the target as unknown, not that injection is
// impossible.
func (p *ExecProvider) Current(ctx context.Context) (Target, error) {
	if os.Getenv("DISPLAY") == "" {
		return Target{}, fmt.Errorf("apptarget: no X display available (display server %s)", detectDisplayServer())
	}
	if toolPresent("xdotool") {
		return p.viaXdotool(ctx)
	}
	if toolPresent("xprop") {
		return p.viaXprop(ctx)
	}
	return Target{}, fmt.Errorf("apptarget: neither xdotool nor xprop found in PATH")
}

func (p *ExecProvider) viaXdotool(ctx context.Context) (Target, error) {
	windowID, err := p.run(ctx, "xdotool", "getactivewindow")
	if err != nil {
		return Target{}, fmt.Errorf("apptarget: query active window: %w", err)
	}
	title, err := p.run(ctx, "xdotool", "getwindowname", windowID)
	if err != nil {
		p.logger.Debug("window title lookup failed", slogError(err))
		title = ""
	}
	process := ""
	if pidStr, err := p.run(ctx, "xdotool", "getwindowpid", windowID); err == nil {
		process = p.processName(pidStr)
	}
	return p.describe(process, title), nil
}

func (p *ExecProvider) viaXprop(ctx context.Context) (Target, error) {
	out, err := p.run(ctx, "xprop", "-root", "_NET_ACTIVE_WINDOW")
	if err != nil {
		return Target{}, fmt.Errorf("apptarget: query active window: %w", err)
	}
	windowID, ok := parseActiveWindowID(out)
	if !ok {
		return Target{}, fmt.Errorf("apptarget: no active window reported by xprop")
	}
	props, err := p.run(ctx, "xprop", "-id", windowID, "WM_NAME", "_NET_WM_PID", "WM_CLASS")
	if err != nil {
		return Target{}, fmt.Errorf("apptarget: query window properties: %w", err)
	}
	title := parseQuotedProp(props, "WM_NAME")
	process := ""
	if pid := parseNumericProp(props, "_NET_WM_PID"); pid != "" {
		process = p.processName(pid)
	}
	if process == "" {
		process = strings.ToLower(parseLastQuotedProp(props, "WM_CLASS"))
	}
	return p.describe(process, title), nil
}

func (p *ExecProvider) describe(process, title string) Target {
	return Target{
		Class:       p.classifier.Classify(process, title),
		Focusable:   true,
		WindowTitle: title,
		ProcessName: process,
	}
}

// processName resolves a PID to its executable base name, preferring the
// exe symlink over comm since comm truncates at 15 characters.
func (p *ExecProvider) processName(pidStr string) string {
	pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
	if err != nil || pid <= 0 {
		return ""
	}
	if exe, err := os.Readlink(filepath.Join(p.procRoot, strconv.Itoa(pid), "exe")); err == nil {
		return filepath.Base(exe)
	}
	if comm, err := os.ReadFile(filepath.Join(p.procRoot, strconv.Itoa(pid), "comm")); err == nil {
		return strings.TrimSpace(string(comm))
	}
	return ""
}

func (p *ExecProvider) run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func toolPresent(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// parseActiveWindowID extracts the id from xprop -root output of the form
// "_NET_ACTIVE_WINDOW(WINDOW): window id # 0x3a00007".
func parseActiveWindowID(out string) (string, bool) {
	idx := strings.LastIndex(out, "# ")
	if idx < 0 {
		return "", false
	}
	id := strings.TrimSpace(out[idx+2:])
	if id == "" || id == "0x0" {
		return "", false
	}
	// xprop can report a trailing ", 0x0" list on some window managers.
	if comma := strings.Index(id, ","); comma >= 0 {
		id = strings.TrimSpace(id[:comma])
	}
	return id, id != "" && id != "0x0"
}

// parseQuotedProp pulls the first quoted value of a named property out of
// multi-line xprop output.
func parseQuotedProp(out, prop string) string {
	line := propLine(out, prop)
	first := strings.Index(line, `"`)
	if first < 0 {
		return ""
	}
	rest := line[first+1:]
	last := strings.LastIndex(rest, `"`)
	if last < 0 {
		return ""
	}
	// WM_CLASS carries two quoted values; cut at the first closing quote.
	if inner := strings.Index(rest, `"`); inner >= 0 && inner < last {
		return rest[:inner]
	}
	return rest[:last]
}

// parseLastQuotedProp pulls the final quoted value, which for WM_CLASS is
// the class name rather than the instance name.
func parseLastQuotedProp(out, prop string) string {
	line := propLine(out, prop)
	last := strings.LastIndex(line, `"`)
	if last <= 0 {
		return ""
	}
	head := line[:last]
	open := strings.LastIndex(head, `"`)
	if open < 0 {
		return ""
	}
	return head[open+1:]
}

func parseNumericProp(out, prop string) string {
	line := propLine(out, prop)
	idx := strings.LastIndex(line, "= ")
	if idx < 0 {
		return ""
	}
	val := strings.TrimSpace(line[idx+2:])
	if _, err := strconv.Atoi(val); err != nil {
		return ""
	}
	return val
}

func propLine(out, prop string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), prop) {
			return line
		}
	}
	return ""
}
