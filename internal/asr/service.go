package asr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/scrivelabs/scrive-core/internal/bus"
	"github.com/scrivelabs/scrive-core/internal/config"
	"github.com/scrivelabs/scrive-core/internal/protocol"
)

const transcribeTimeout = 30 * time.Second

type Service struct {
	cfg        config.ASRConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

// sessionState is one session's audio window. prefix carries text whose
// audio has been evicted from the window; hypotheses stay complete best
// guesses for the whole session because prefix is always prepended.
type sessionState struct {
	utterance    string
	buffer       []int16
	seq          int
	prefix       string
	lastText     string
	covered      int
	lastEmit     time.Time
	inflight     bool
	pendingFinal bool
}

func NewService(parent context.Context, cfg config.ASRConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "asr")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFrame, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		return
	}
	samples, err := decodePCM(frame.PCM)
	if err != nil {
		s.logger.Warn("dropping malformed audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{utterance: uuid.NewString()}
		s.sessions[frame.SessionID] = state
	}
	state.buffer = append(state.buffer, samples...)
	s.evictLocked(state)
	s.mu.Unlock()

	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
		return
	}
	if s.shouldEmit(frame.SessionID) {
		s.scheduleTranscription(frame.SessionID, false)
	}
}

// evictLocked keeps the audio window bounded. Audio already described by the
// last hypothesis folds into the text prefix before its samples go; audio no
// hypothesis has covered yet is only dropped raw as a last resort.
func (s *Service) evictLocked(state *sessionState) {
	max := s.windowSamples()
	if state.inflight || len(state.buffer) <= max {
		return
	}
	if state.covered > 0 && state.covered <= len(state.buffer) {
		state.prefix = joinText(state.prefix, state.lastText)
		state.buffer = append(state.buffer[:0], state.buffer[state.covered:]...)
		state.covered = 0
		state.lastText = ""
		return
	}
	over := len(state.buffer) - max
	state.buffer = append(state.buffer[:0], state.buffer[over:]...)
}

func (s *Service) windowSamples() int {
	rate := s.cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := s.cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	windowMS := s.cfg.WindowMS
	if windowMS <= 0 {
		windowMS = 6000
	}
	return rate * channels * windowMS / 1000
}

func (s *Service) shouldEmit(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.inflight {
		return false
	}
	if state.lastEmit.IsZero() {
		state.lastEmit = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.EmitEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.lastEmit) >= interval {
		state.lastEmit = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.inflight {
		if final {
			state.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	snapshot := append([]int16(nil), state.buffer...)
	n := len(state.buffer)
	prefix := state.prefix
	utterance := state.utterance
	state.inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, Sample{
			PCM:        snapshot,
			SampleRate: s.cfg.SampleRate,
			Channels:   s.cfg.Channels,
		})
		if err != nil {
			s.logger.Warn("transcription failed", slogError(err))
		}

		var seq int
		var pendingFinal bool
		s.mu.Lock()
		state := s.sessions[sessionID]
		if state != nil {
			state.inflight = false
			pendingFinal = state.pendingFinal
			if err == nil {
				state.lastText = result.Text
				state.covered = n
				state.seq++
				seq = state.seq
			}
			if !final {
				state.lastEmit = time.Now()
			}
			if final {
				delete(s.sessions, sessionID)
			}
		}
		s.mu.Unlock()

		if err == nil && seq > 0 {
			s.publishHypothesis(sessionID, utterance, seq, joinText(prefix, result.Text), result.Model)
		}
		if pendingFinal && !final {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) publishHypothesis(sessionID, utterance string, seq int, text, model string) {
	if text == "" {
		return
	}
	hyp := protocol.Hypothesis{
		SessionID:   sessionID,
		UtteranceID: utterance,
		Sequence:    seq,
		Text:        text,
		Model:       model,
		EmittedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(hyp)
	if err != nil {
		s.logger.Warn("failed to marshal hypothesis", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectHypothesis, data); err != nil {
		s.logger.Warn("failed to publish hypothesis", slogError(err))
	}
}

func decodePCM(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples, nil
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
