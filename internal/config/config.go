package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	ASR         ASRConfig        `yaml:"asr"`
	Agreement   AgreementConfig  `yaml:"agreement"`
	Injection   InjectionConfig  `yaml:"injection"`
	Target      TargetConfig     `yaml:"target"`
	Filters     FiltersConfig    `yaml:"filters"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ASRConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Mode        string `yaml:"mode"`
	Command     string `yaml:"command"`
	ModelPath   string `yaml:"model_path"`
	Language    string `yaml:"language"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	WindowMS    int    `yaml:"window_ms"`
	EmitEveryMS int    `yaml:"emit_every_ms"`
}

// AgreementConfig tunes the stabilizer. Profile, when set, replaces the four
// knobs with a named preset before env overrides are applied.
type AgreementConfig struct {
	Profile           string `yaml:"profile"`
	Threshold         int    `yaml:"threshold"`
	MaxPendingWords   int    `yaml:"max_pending_words"`
	WordTimeoutMS     int    `yaml:"word_timeout_ms"`
	PositionTolerance int    `yaml:"position_tolerance"`
	SweepIntervalMS   int    `yaml:"sweep_interval_ms"`
	CommitBuffer      int    `yaml:"commit_buffer"`
}

type InjectionConfig struct {
	Enabled          bool             `yaml:"enabled"`
	FailureThreshold int              `yaml:"failure_threshold"`
	CooldownMS       int              `yaml:"cooldown_ms"`
	AttemptTimeoutMS int              `yaml:"attempt_timeout_ms"`
	MinGapMS         int              `yaml:"min_gap_ms"`
	AppendSpace      bool             `yaml:"append_space"`
	MaxKeyTextLength int              `yaml:"max_key_text_length"`
	EWMAAlpha        float64          `yaml:"ewma_alpha"`
	Strategies       StrategiesConfig `yaml:"strategies"`
}

type StrategiesConfig struct {
	Accessibility AccessibilityStrategyConfig `yaml:"accessibility"`
	Keyboard      KeyboardStrategyConfig      `yaml:"keyboard"`
	Clipboard     ClipboardStrategyConfig     `yaml:"clipboard"`
	VirtualDevice VirtualDeviceStrategyConfig `yaml:"virtual_device"`
}

type AccessibilityStrategyConfig struct {
	Enabled bool `yaml:"enabled"`
}

type KeyboardStrategyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
}

type ClipboardStrategyConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CopyCommand     string `yaml:"copy_command"`
	ReadCommand     string `yaml:"read_command"`
	PasteKeyCommand string `yaml:"paste_key_command"`
	Restore         bool   `yaml:"restore"`
}

type VirtualDeviceStrategyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DevicePath string `yaml:"device_path"`
}

type TargetConfig struct {
	Mode             string       `yaml:"mode"`
	Static           StaticTarget `yaml:"static"`
	EditorPatterns   []string     `yaml:"editor_patterns"`
	TerminalPatterns []string     `yaml:"terminal_patterns"`
	BrowserPatterns  []string     `yaml:"browser_patterns"`
	OfficePatterns   []string     `yaml:"office_patterns"`
}

type StaticTarget struct {
	Classification string `yaml:"classification"`
	Focusable      bool   `yaml:"focusable"`
}

type FiltersConfig struct {
	Enabled bool           `yaml:"enabled"`
	Modules []FilterModule `yaml:"modules"`
}

type FilterModule struct {
	Name       string `yaml:"name"`
	Module     string `yaml:"module"`
	Entrypoint string `yaml:"entrypoint"`
}

func Default() Config {
	return Config{
		RuntimeName: "scrive-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scrive-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		ASR: ASRConfig{
			Enabled:     false,
			Mode:        "mock",
			SampleRate:  16000,
			Channels:    1,
			WindowMS:    6000,
			EmitEveryMS: 300,
		},
		Agreement: AgreementConfig{
			Profile:           "",
			Threshold:         2,
			MaxPendingWords:   20,
			WordTimeoutMS:     5000,
			PositionTolerance: 2,
			SweepIntervalMS:   500,
			CommitBuffer:      64,
		},
		Injection: InjectionConfig{
			Enabled:          true,
			FailureThreshold: 3,
			CooldownMS:       30000,
			AttemptTimeoutMS: 5000,
			MinGapMS:         20,
			AppendSpace:      true,
			MaxKeyTextLength: 200,
			EWMAAlpha:        0.3,
			Strategies: StrategiesConfig{
				Accessibility: AccessibilityStrategyConfig{Enabled: true},
				Keyboard: KeyboardStrategyConfig{
					Enabled: true,
					Command: "xdotool type --clearmodifiers --delay 10",
				},
				Clipboard: ClipboardStrategyConfig{
					Enabled:         true,
					CopyCommand:     "xclip -selection clipboard",
					ReadCommand:     "xclip -selection clipboard -o",
					PasteKeyCommand: "xdotool key --clearmodifiers ctrl+v",
					Restore:         true,
				},
				VirtualDevice: VirtualDeviceStrategyConfig{
					Enabled:    false,
					DevicePath: "/dev/uinput",
				},
			},
		},
		Target: TargetConfig{
			Mode: "auto",
			Static: StaticTarget{
				Classification: "unknown",
				Focusable:      true,
			},
		},
		Filters: FiltersConfig{
			Enabled: false,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := applyProfile(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyProfile maps a named preset onto the agreement knobs. Presets win over
// individual file and env values; leave profile empty to tune knobs directly.
func applyProfile(cfg *Config) error {
	switch cfg.Agreement.Profile {
	case "":
		return nil
	case "fast-conversation":
		cfg.Agreement.Threshold = 1
		cfg.Agreement.MaxPendingWords = 15
		cfg.Agreement.WordTimeoutMS = 3000
		cfg.Agreement.PositionTolerance = 2
	case "balanced":
		cfg.Agreement.Threshold = 2
		cfg.Agreement.MaxPendingWords = 20
		cfg.Agreement.WordTimeoutMS = 5000
		cfg.Agreement.PositionTolerance = 2
	case "accurate-document":
		cfg.Agreement.Threshold = 3
		cfg.Agreement.MaxPendingWords = 30
		cfg.Agreement.WordTimeoutMS = 7000
		cfg.Agreement.PositionTolerance = 2
	case "low-latency":
		cfg.Agreement.Threshold = 1
		cfg.Agreement.MaxPendingWords = 10
		cfg.Agreement.WordTimeoutMS = 1500
		cfg.Agreement.PositionTolerance = 1
	default:
		return fmt.Errorf("agreement.profile %q is not a known preset", cfg.Agreement.Profile)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIVE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIVE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIVE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIVE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIVE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "SCRIVE_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIVE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIVE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIVE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SCRIVE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIVE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIVE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIVE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIVE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIVE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIVE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIVE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIVE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SCRIVE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIVE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIVE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIVE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIVE_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.ASR.Enabled, "SCRIVE_ASR_ENABLED")
	overrideString(&cfg.ASR.Mode, "SCRIVE_ASR_MODE")
	overrideString(&cfg.ASR.Command, "SCRIVE_ASR_COMMAND")
	overrideString(&cfg.ASR.ModelPath, "SCRIVE_ASR_MODEL_PATH")
	overrideString(&cfg.ASR.Language, "SCRIVE_ASR_LANGUAGE")
	overrideInt(&cfg.ASR.SampleRate, "SCRIVE_ASR_SAMPLE_RATE")
	overrideInt(&cfg.ASR.Channels, "SCRIVE_ASR_CHANNELS")
	overrideInt(&cfg.ASR.WindowMS, "SCRIVE_ASR_WINDOW_MS")
	overrideInt(&cfg.ASR.EmitEveryMS, "SCRIVE_ASR_EMIT_EVERY_MS")
	overrideString(&cfg.Agreement.Profile, "SCRIVE_AGREEMENT_PROFILE")
	overrideInt(&cfg.Agreement.Threshold, "SCRIVE_AGREEMENT_THRESHOLD")
	overrideInt(&cfg.Agreement.MaxPendingWords, "SCRIVE_AGREEMENT_MAX_PENDING_WORDS")
	overrideInt(&cfg.Agreement.WordTimeoutMS, "SCRIVE_AGREEMENT_WORD_TIMEOUT_MS")
	overrideInt(&cfg.Agreement.PositionTolerance, "SCRIVE_AGREEMENT_POSITION_TOLERANCE")
	overrideInt(&cfg.Agreement.SweepIntervalMS, "SCRIVE_AGREEMENT_SWEEP_INTERVAL_MS")
	overrideInt(&cfg.Agreement.CommitBuffer, "SCRIVE_AGREEMENT_COMMIT_BUFFER")
	overrideBool(&cfg.Injection.Enabled, "SCRIVE_INJECTION_ENABLED")
	overrideInt(&cfg.Injection.FailureThreshold, "SCRIVE_INJECTION_FAILURE_THRESHOLD")
	overrideInt(&cfg.Injection.CooldownMS, "SCRIVE_INJECTION_COOLDOWN_MS")
	overrideInt(&cfg.Injection.AttemptTimeoutMS, "SCRIVE_INJECTION_ATTEMPT_TIMEOUT_MS")
	overrideInt(&cfg.Injection.MinGapMS, "SCRIVE_INJECTION_MIN_GAP_MS")
	overrideBool(&cfg.Injection.AppendSpace, "SCRIVE_INJECTION_APPEND_SPACE")
	overrideInt(&cfg.Injection.MaxKeyTextLength, "SCRIVE_INJECTION_MAX_KEY_TEXT_LENGTH")
	overrideFloat(&cfg.Injection.EWMAAlpha, "SCRIVE_INJECTION_EWMA_ALPHA")
	overrideBool(&cfg.Injection.Strategies.Accessibility.Enabled, "SCRIVE_INJECTION_ACCESSIBILITY_ENABLED")
	overrideBool(&cfg.Injection.Strategies.Keyboard.Enabled, "SCRIVE_INJECTION_KEYBOARD_ENABLED")
	overrideString(&cfg.Injection.Strategies.Keyboard.Command, "SCRIVE_INJECTION_KEYBOARD_COMMAND")
	overrideBool(&cfg.Injection.Strategies.Clipboard.Enabled, "SCRIVE_INJECTION_CLIPBOARD_ENABLED")
	overrideString(&cfg.Injection.Strategies.Clipboard.CopyCommand, "SCRIVE_INJECTION_CLIPBOARD_COPY_COMMAND")
	overrideString(&cfg.Injection.Strategies.Clipboard.ReadCommand, "SCRIVE_INJECTION_CLIPBOARD_READ_COMMAND")
	overrideString(&cfg.Injection.Strategies.Clipboard.PasteKeyCommand, "SCRIVE_INJECTION_CLIPBOARD_PASTE_KEY_COMMAND")
	overrideBool(&cfg.Injection.Strategies.Clipboard.Restore, "SCRIVE_INJECTION_CLIPBOARD_RESTORE")
	overrideBool(&cfg.Injection.Strategies.VirtualDevice.Enabled, "SCRIVE_INJECTION_VIRTUAL_DEVICE_ENABLED")
	overrideString(&cfg.Injection.Strategies.VirtualDevice.DevicePath, "SCRIVE_INJECTION_VIRTUAL_DEVICE_PATH")
	overrideString(&cfg.Target.Mode, "SCRIVE_TARGET_MODE")
	overrideString(&cfg.Target.Static.Classification, "SCRIVE_TARGET_STATIC_CLASSIFICATION")
	overrideBool(&cfg.Target.Static.Focusable, "SCRIVE_TARGET_STATIC_FOCUSABLE")
	overrideStringSlice(&cfg.Target.EditorPatterns, "SCRIVE_TARGET_EDITOR_PATTERNS")
	overrideStringSlice(&cfg.Target.TerminalPatterns, "SCRIVE_TARGET_TERMINAL_PATTERNS")
	overrideStringSlice(&cfg.Target.BrowserPatterns, "SCRIVE_TARGET_BROWSER_PATTERNS")
	overrideStringSlice(&cfg.Target.OfficePatterns, "SCRIVE_TARGET_OFFICE_PATTERNS")
	overrideBool(&cfg.Filters.Enabled, "SCRIVE_FILTERS_ENABLED")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.ASR.Enabled {
		switch cfg.ASR.Mode {
		case "mock", "exec":
		default:
			return errors.New("asr.mode must be one of mock|exec")
		}
		if cfg.ASR.Mode == "exec" && cfg.ASR.Command == "" {
			return errors.New("asr.command must be set when mode=exec")
		}
		if cfg.ASR.SampleRate <= 0 {
			return errors.New("asr.sample_rate must be positive")
		}
		if cfg.ASR.Channels <= 0 {
			return errors.New("asr.channels must be positive")
		}
		if cfg.ASR.WindowMS <= 0 {
			return errors.New("asr.window_ms must be positive")
		}
	}
	if cfg.Agreement.Threshold < 1 {
		return errors.New("agreement.threshold must be >= 1")
	}
	if cfg.Agreement.MaxPendingWords < 1 {
		return errors.New("agreement.max_pending_words must be >= 1")
	}
	if cfg.Agreement.WordTimeoutMS <= 0 {
		return errors.New("agreement.word_timeout_ms must be positive")
	}
	if cfg.Agreement.PositionTolerance < 0 {
		return errors.New("agreement.position_tolerance must be >= 0")
	}
	if cfg.Agreement.SweepIntervalMS <= 0 {
		return errors.New("agreement.sweep_interval_ms must be positive")
	}
	if cfg.Agreement.CommitBuffer < 1 {
		return errors.New("agreement.commit_buffer must be >= 1")
	}
	if cfg.Injection.Enabled {
		if cfg.Injection.FailureThreshold < 1 {
			return errors.New("injection.failure_threshold must be >= 1")
		}
		if cfg.Injection.CooldownMS < 0 {
			return errors.New("injection.cooldown_ms must be >= 0")
		}
		if cfg.Injection.AttemptTimeoutMS <= 0 {
			return errors.New("injection.attempt_timeout_ms must be positive")
		}
		if cfg.Injection.MinGapMS < 0 {
			return errors.New("injection.min_gap_ms must be >= 0")
		}
		if cfg.Injection.EWMAAlpha <= 0 || cfg.Injection.EWMAAlpha > 1 {
			return errors.New("injection.ewma_alpha must be in (0, 1]")
		}
		if cfg.Injection.Strategies.Keyboard.Enabled && cfg.Injection.Strategies.Keyboard.Command == "" {
			return errors.New("injection.strategies.keyboard.command must be set when keyboard is enabled")
		}
		if cfg.Injection.Strategies.Clipboard.Enabled {
			if cfg.Injection.Strategies.Clipboard.CopyCommand == "" {
				return errors.New("injection.strategies.clipboard.copy_command must be set when clipboard is enabled")
			}
			if cfg.Injection.Strategies.Clipboard.PasteKeyCommand == "" {
				return errors.New("injection.strategies.clipboard.paste_key_command must be set when clipboard is enabled")
			}
			if cfg.Injection.Strategies.Clipboard.Restore && cfg.Injection.Strategies.Clipboard.ReadCommand == "" {
				return errors.New("injection.strategies.clipboard.read_command must be set when restore is enabled")
			}
		}
		if cfg.Injection.Strategies.VirtualDevice.Enabled && cfg.Injection.Strategies.VirtualDevice.DevicePath == "" {
			return errors.New("injection.strategies.virtual_device.device_path must be set when virtual_device is enabled")
		}
	}
	switch cfg.Target.Mode {
	case "auto", "static":
	default:
		return errors.New("target.mode must be one of auto|static")
	}
	if cfg.Target.Mode == "static" {
		switch cfg.Target.Static.Classification {
		case "editor", "terminal", "browser", "office", "unknown":
		default:
			return errors.New("target.static.classification must be one of editor|terminal|browser|office|unknown")
		}
	}
	if cfg.Filters.Enabled {
		if len(cfg.Filters.Modules) == 0 {
			return errors.New("filters.modules must not be empty when filters are enabled")
		}
		for _, m := range cfg.Filters.Modules {
			if m.Name == "" {
				return errors.New("filters.modules entries must set name")
			}
			if m.Module == "" {
				return fmt.Errorf("filter %s must set module", m.Name)
			}
			if m.Entrypoint == "" {
				return fmt.Errorf("filter %s must set entrypoint", m.Name)
			}
		}
	}
	return nil
}
