package asr

import (
	"context"
	"strings"
)

// mockScript is the sentence the mock recognizer reveals, one word per
// 400 ms of audio. Deterministic on window length, so demo loops and tests
// see the same growing hypotheses every run.
var mockScript = strings.Fields(
	"this is a live dictation demo where words appear a few at a time " +
		"and settle into committed text once the stream agrees on them")

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, sample Sample) (Result, error) {
	rate := sample.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := sample.Channels
	if channels <= 0 {
		channels = 1
	}
	frames := len(sample.PCM) / channels
	perWord := rate * 2 / 5
	words := frames / perWord
	if words > len(mockScript) {
		words = len(mockScript)
	}
	return Result{Text: strings.Join(mockScript[:words], " "), Model: "mock"}, nil
}
