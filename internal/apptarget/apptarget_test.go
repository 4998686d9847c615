package apptarget

import (
	"context"
	"errors"
	"testing"
)

func TestClassifyByProcessName(t *testing.T) {
	c := NewClassifier(nil, nil, nil, nil)
	cases := map[string]Classification{
		"nvim":           ClassEditor,
		"code":           ClassEditor,
		"pycharm64.exe":  ClassEditor,
		"alacritty":      ClassTerminal,
		"gnome-terminal": ClassTerminal,
		"firefox-bin":    ClassBrowser,
		"chromium":       ClassBrowser,
		"soffice.bin":    ClassOffice,
		"mysteryapp":     ClassUnknown,
		"":               ClassUnknown,
	}
	for process, want := range cases {
		if got := c.Classify(process, ""); got != want {
			t.Errorf("Classify(%q) = %s, want %s", process, got, want)
		}
	}
}

func TestClassifyFallsBackToTitle(t *testing.T) {
	c := NewClassifier(nil, nil, nil, nil)
	if got := c.Classify("", "notes.md - Visual Studio Code"); got != ClassEditor {
		t.Fatalf("title classify = %s, want editor", got)
	}
	if got := c.Classify("", "Mozilla Firefox"); got != ClassBrowser {
		t.Fatalf("title classify = %s, want browser", got)
	}
}

func TestClassifyProcessBeatsTitle(t *testing.T) {
	c := NewClassifier(nil, nil, nil, nil)
	// Titles mention other applications all the time; only the process
	// name decides when both match.
	if got := c.Classify("nvim", "nvim inside kitty"); got != ClassEditor {
		t.Fatalf("got %s, want editor", got)
	}
	if got := c.Classify("kitty", "vim notes.txt"); got != ClassTerminal {
		t.Fatalf("got %s, want terminal", got)
	}
}

func TestClassifyConfiguredPatternsExtendBuiltins(t *testing.T) {
	c := NewClassifier([]string{"obsidian"}, nil, []string{"netscape"}, nil)
	if got := c.Classify("obsidian", ""); got != ClassEditor {
		t.Fatalf("custom editor pattern: got %s", got)
	}
	if got := c.Classify("netscape", ""); got != ClassBrowser {
		t.Fatalf("custom browser pattern: got %s", got)
	}
	if got := c.Classify("nvim", ""); got != ClassEditor {
		t.Fatalf("builtin pattern lost after extension: got %s", got)
	}
}

func TestParseActiveWindowID(t *testing.T) {
	id, ok := parseActiveWindowID("_NET_ACTIVE_WINDOW(WINDOW): window id # 0x3a00007")
	if !ok || id != "0x3a00007" {
		t.Fatalf("got %q ok=%v", id, ok)
	}
	id, ok = parseActiveWindowID("_NET_ACTIVE_WINDOW(WINDOW): window id # 0x2200041, 0x0")
	if !ok || id != "0x2200041" {
		t.Fatalf("list form: got %q ok=%v", id, ok)
	}
	if _, ok := parseActiveWindowID("_NET_ACTIVE_WINDOW(WINDOW): window id # 0x0"); ok {
		t.Fatal("0x0 should report no active window")
	}
	if _, ok := parseActiveWindowID("garbage"); ok {
		t.Fatal("garbage should not parse")
	}
}

func TestParseWindowProps(t *testing.T) {
	out := "WM_NAME(UTF8_STRING) = \"draft.txt - Kate\"\n" +
		"_NET_WM_PID(CARDINAL) = 4242\n" +
		"WM_CLASS(STRING) = \"kate\", \"Kate\"\n"
	if got := parseQuotedProp(out, "WM_NAME"); got != "draft.txt - Kate" {
		t.Fatalf("WM_NAME = %q", got)
	}
	if got := parseNumericProp(out, "_NET_WM_PID"); got != "4242" {
		t.Fatalf("_NET_WM_PID = %q", got)
	}
	if got := parseLastQuotedProp(out, "WM_CLASS"); got != "Kate" {
		t.Fatalf("WM_CLASS = %q", got)
	}
	if got := parseNumericProp("_NET_WM_PID: not found.", "_NET_WM_PID"); got != "" {
		t.Fatalf("missing pid should be empty, got %q", got)
	}
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider(ClassTerminal, true)
	tgt, err := p.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if tgt.Class != ClassTerminal || !tgt.Focusable {
		t.Fatalf("unexpected target %+v", tgt)
	}

	p = NewStaticProvider("", false)
	tgt, _ = p.Current(context.Background())
	if tgt.Class != ClassUnknown {
		t.Fatalf("empty class should default to unknown, got %s", tgt.Class)
	}
}

func TestMockProviderScript(t *testing.T) {
	p := NewMockProvider(
		Target{Class: ClassEditor, Focusable: true},
		Target{Class: ClassBrowser, Focusable: true},
	)
	first, _ := p.Current(context.Background())
	second, _ := p.Current(context.Background())
	third, _ := p.Current(context.Background())
	if first.Class != ClassEditor || second.Class != ClassBrowser {
		t.Fatalf("script order broken: %s then %s", first.Class, second.Class)
	}
	if third.Class != ClassBrowser {
		t.Fatalf("exhausted script should repeat last entry, got %s", third.Class)
	}
	if p.Queries() != 3 {
		t.Fatalf("queries = %d, want 3", p.Queries())
	}

	p.Fail(errors.New("focus lost"))
	if _, err := p.Current(context.Background()); err == nil {
		t.Fatal("expected scripted failure")
	}
}
