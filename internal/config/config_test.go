package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Agreement.Threshold != 2 {
		t.Fatalf("expected default agreement threshold 2, got %d", cfg.Agreement.Threshold)
	}
	if cfg.Agreement.MaxPendingWords != 20 {
		t.Fatalf("expected default max pending 20, got %d", cfg.Agreement.MaxPendingWords)
	}
	if cfg.Agreement.WordTimeoutMS != 5000 {
		t.Fatalf("expected default word timeout 5000ms, got %d", cfg.Agreement.WordTimeoutMS)
	}
	if cfg.Agreement.PositionTolerance != 2 {
		t.Fatalf("expected default position tolerance 2, got %d", cfg.Agreement.PositionTolerance)
	}
	if cfg.Injection.FailureThreshold != 3 {
		t.Fatalf("expected default failure threshold 3, got %d", cfg.Injection.FailureThreshold)
	}
	if cfg.Injection.MinGapMS != 20 {
		t.Fatalf("expected default min gap 20ms, got %d", cfg.Injection.MinGapMS)
	}
	if !cfg.Injection.AppendSpace {
		t.Fatal("expected append_space on by default")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scrive.yaml")
	body := []byte(`
runtime_name: bench
agreement:
  threshold: 3
  max_pending_words: 12
injection:
  min_gap_ms: 5
  strategies:
    keyboard:
      command: "wtype"
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "bench" {
		t.Fatalf("expected runtime name override, got %q", cfg.RuntimeName)
	}
	if cfg.Agreement.Threshold != 3 || cfg.Agreement.MaxPendingWords != 12 {
		t.Fatalf("expected agreement overrides, got %+v", cfg.Agreement)
	}
	if cfg.Injection.MinGapMS != 5 {
		t.Fatalf("expected min gap override, got %d", cfg.Injection.MinGapMS)
	}
	if cfg.Injection.Strategies.Keyboard.Command != "wtype" {
		t.Fatalf("expected keyboard command override, got %q", cfg.Injection.Strategies.Keyboard.Command)
	}
	// untouched sections keep defaults
	if cfg.Agreement.WordTimeoutMS != 5000 {
		t.Fatalf("expected default word timeout, got %d", cfg.Agreement.WordTimeoutMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIVE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIVE_BUS_USERNAME", "alice")
	t.Setenv("SCRIVE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIVE_AGREEMENT_THRESHOLD", "4")
	t.Setenv("SCRIVE_AGREEMENT_WORD_TIMEOUT_MS", "2500")
	t.Setenv("SCRIVE_INJECTION_FAILURE_THRESHOLD", "5")
	t.Setenv("SCRIVE_INJECTION_EWMA_ALPHA", "0.5")
	t.Setenv("SCRIVE_INJECTION_KEYBOARD_COMMAND", "ydotool type")
	t.Setenv("SCRIVE_TARGET_MODE", "static")
	t.Setenv("SCRIVE_TARGET_STATIC_CLASSIFICATION", "terminal")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Agreement.Threshold != 4 {
		t.Fatalf("expected threshold override, got %d", cfg.Agreement.Threshold)
	}
	if cfg.Agreement.WordTimeoutMS != 2500 {
		t.Fatalf("expected word timeout override, got %d", cfg.Agreement.WordTimeoutMS)
	}
	if cfg.Injection.FailureThreshold != 5 {
		t.Fatalf("expected failure threshold override, got %d", cfg.Injection.FailureThreshold)
	}
	if cfg.Injection.EWMAAlpha != 0.5 {
		t.Fatalf("expected ewma alpha override, got %v", cfg.Injection.EWMAAlpha)
	}
	if cfg.Injection.Strategies.Keyboard.Command != "ydotool type" {
		t.Fatalf("expected keyboard command override, got %q", cfg.Injection.Strategies.Keyboard.Command)
	}
	if cfg.Target.Mode != "static" || cfg.Target.Static.Classification != "terminal" {
		t.Fatalf("expected target override, got %+v", cfg.Target)
	}
}

func TestProfiles(t *testing.T) {
	cases := []struct {
		profile   string
		threshold int
		timeoutMS int
	}{
		{"fast-conversation", 1, 3000},
		{"balanced", 2, 5000},
		{"accurate-document", 3, 7000},
		{"low-latency", 1, 1500},
	}
	for _, tc := range cases {
		t.Run(tc.profile, func(t *testing.T) {
			t.Setenv("SCRIVE_AGREEMENT_PROFILE", tc.profile)
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Agreement.Threshold != tc.threshold {
				t.Fatalf("profile %s: expected threshold %d, got %d", tc.profile, tc.threshold, cfg.Agreement.Threshold)
			}
			if cfg.Agreement.WordTimeoutMS != tc.timeoutMS {
				t.Fatalf("profile %s: expected timeout %dms, got %d", tc.profile, tc.timeoutMS, cfg.Agreement.WordTimeoutMS)
			}
		})
	}
}

func TestProfileUnknown(t *testing.T) {
	t.Setenv("SCRIVE_AGREEMENT_PROFILE", "turbo")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestProfileWinsOverKnobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scrive.yaml")
	body := []byte(`
agreement:
  profile: accurate-document
  threshold: 1
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Agreement.Threshold != 3 {
		t.Fatalf("expected preset threshold 3 to win, got %d", cfg.Agreement.Threshold)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"zero threshold":        func(c *Config) { c.Agreement.Threshold = 0 },
		"zero max pending":      func(c *Config) { c.Agreement.MaxPendingWords = 0 },
		"zero word timeout":     func(c *Config) { c.Agreement.WordTimeoutMS = 0 },
		"negative tolerance":    func(c *Config) { c.Agreement.PositionTolerance = -1 },
		"bad ewma alpha":        func(c *Config) { c.Injection.EWMAAlpha = 1.5 },
		"keyboard no command":   func(c *Config) { c.Injection.Strategies.Keyboard.Command = "" },
		"bad target mode":       func(c *Config) { c.Target.Mode = "guess" },
		"bad log format":        func(c *Config) { c.Telemetry.LogFormat = "xml" },
		"filters without files": func(c *Config) { c.Filters.Enabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}
}
