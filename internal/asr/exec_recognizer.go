package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/scrivelabs/scrive-core/internal/config"
)

// execRecognizer shells out to an external transcriber (whisper.cpp wrappers,
// vosk scripts). One invocation at a time; local models saturate the machine
// quickly enough that parallel runs only make every answer late.
type execRecognizer struct {
	cmd []string
	cfg config.ASRConfig
	mu  sync.Mutex
}

type execResult struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

func NewExecRecognizer(cfg config.ASRConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse asr command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("asr command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, sample Sample) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "scrive_asr_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, sample); err != nil {
		return Result{}, err
	}

	base := r.cmd[0]
	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, base, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("asr command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode asr response: %w", err)
	}
	return Result{Text: resp.Text, Model: resp.Model}, nil
}

func writePCMToWav(file *os.File, sample Sample) error {
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: sample.Channels, SampleRate: sample.SampleRate},
	}
	samples := make([]int, len(sample.PCM))
	for i, s := range sample.PCM {
		samples[i] = int(s)
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sample.SampleRate, 16, sample.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
