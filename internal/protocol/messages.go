package protocol

import "time"

// AudioFrame carries PCM audio captured for one dictation session.
type AudioFrame struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	Final      bool      `json:"final"`
	CapturedAt time.Time `json:"captured_at"`
}

// Hypothesis is the recognizer's complete current best guess for all audio
// received so far in the session. Hypotheses revise their own tail freely;
// stabilization happens downstream. UtteranceID changes when a final frame
// closes one stretch of speech and a new one begins, so consumers can tell a
// sequence restart from out-of-order delivery.
type Hypothesis struct {
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id"`
	Sequence    int       `json:"sequence"`
	Text        string    `json:"text"`
	Model       string    `json:"model,omitempty"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// TextState is the stabilized view of a session after one hypothesis ingest.
type TextState struct {
	SessionID      string    `json:"session_id"`
	Sequence       int       `json:"sequence"`
	Committed      string    `json:"committed"`
	Pending        []string  `json:"pending,omitempty"`
	NewlyCommitted string    `json:"newly_committed,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CommitReason records why a word run left the pending region.
type CommitReason string

const (
	CommitAgreement CommitReason = "agreement"
	CommitTimeout   CommitReason = "timeout"
	CommitOverflow  CommitReason = "overflow"
	CommitFlush     CommitReason = "flush"
)

// Commit is a newly committed text delta, delivered in order.
type Commit struct {
	SessionID   string       `json:"session_id"`
	Sequence    int          `json:"sequence"`
	Text        string       `json:"text"`
	Reason      CommitReason `json:"reason"`
	CommittedAt time.Time    `json:"committed_at"`
}

// AttemptReport describes one strategy attempt inside a dispatch.
type AttemptReport struct {
	Strategy  string `json:"strategy"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// InjectionReport is published after every dispatched commit.
type InjectionReport struct {
	SessionID      string          `json:"session_id"`
	TextLength     int             `json:"text_length"`
	Success        bool            `json:"success"`
	StrategyUsed   string          `json:"strategy_used,omitempty"`
	Classification string          `json:"classification"`
	LatencyMS      int64           `json:"latency_ms"`
	Attempts       []AttemptReport `json:"attempts,omitempty"`
	InjectedAt     time.Time       `json:"injected_at"`
}

// FallbackDisplay asks any listening UI to show text the injector could not
// deliver.
type FallbackDisplay struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// ControlAction names a session lifecycle transition.
type ControlAction string

const (
	ControlStart ControlAction = "start"
	ControlStop  ControlAction = "stop"
	ControlPause ControlAction = "pause"
)

// Control starts, pauses, or stops a dictation session. Pause and stop both
// flush the pending region.
type Control struct {
	SessionID string        `json:"session_id,omitempty"`
	Action    ControlAction `json:"action"`
	IssuedAt  time.Time     `json:"issued_at"`
}

const (
	SubjectAudioFrame      = "audio.frame"
	SubjectHypothesis      = "asr.text.hypothesis"
	SubjectTextState       = "dictation.text.state"
	SubjectCommit          = "dictation.text.committed"
	SubjectInjectionReport = "dictation.inject.report"
	SubjectFallbackDisplay = "dictation.inject.fallback"
	SubjectControl         = "dictation.control"
)
