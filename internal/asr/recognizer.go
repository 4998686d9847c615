// Package asr feeds captured audio to a speech recognizer and publishes its
// rolling hypotheses. The recognizer always sees the session's current audio
// window and answers with its complete best guess for it; nothing here is
// stable until the stabilizer says so.
package asr

import (
	"context"
)

// Sample is one recognizer invocation's input: little-endian 16-bit PCM
// frames, interleaved when Channels > 1.
type Sample struct {
	PCM        []int16
	SampleRate int
	Channels   int
}

// Result is the recognizer's current best guess for the sample.
type Result struct {
	Text  string
	Model string
}

// Recognizer abstracts speech-to-text backends.
type Recognizer interface {
	Transcribe(ctx context.Context, sample Sample) (Result, error)
}
