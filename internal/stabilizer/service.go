package stabilizer

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/scrivelabs/scrive-core/internal/bus"
	"github.com/scrivelabs/scrive-core/internal/config"
	"github.com/scrivelabs/scrive-core/internal/eventstore"
	"github.com/scrivelabs/scrive-core/internal/protocol"
)

// session is one dictation stream's agreement state. commitSeq numbers the
// deltas handed to the injector; paused sessions drop hypotheses until the
// next start control.
type session struct {
	stab      *Stabilizer
	updateSeq int
	commitSeq int
	paused    bool
}

// Service feeds recognizer hypotheses through per-session stabilizers and
// hands committed deltas to the injection worker over an ordered channel.
// Hypotheses for one session arrive serialized on the subscription, so
// commit order follows hypothesis order by construction.
type Service struct {
	cfg    config.AgreementConfig
	bus    *bus.Client
	store  *eventstore.Store
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	subHypotheses *nats.Subscription
	subControl    *nats.Subscription

	mu       sync.Mutex
	sessions map[string]*session

	commits chan protocol.Commit

	hypothesisCounter metric.Int64Counter
	wordCounter       metric.Int64Counter
	flushCounter      metric.Int64Counter
}

func NewService(parent context.Context, cfg config.AgreementConfig, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	buffer := cfg.CommitBuffer
	if buffer < 1 {
		buffer = 1
	}
	s := &Service{
		cfg:      cfg,
		bus:      busClient,
		store:    store,
		logger:   logger.With(slog.String("component", "stabilizer")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
		commits:  make(chan protocol.Commit, buffer),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to register stabilizer metrics", slogError(err))
	}
	return s
}

// Commits is the ordered hand-off to the injection worker. The channel is
// never closed; consumers stop through their own context.
func (s *Service) Commits() <-chan protocol.Commit {
	return s.commits
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectHypothesis, s.handleHypothesis)
	if err != nil {
		return err
	}
	s.subHypotheses = sub

	subControl, err := s.bus.Conn().Subscribe(protocol.SubjectControl, s.handleControl)
	if err != nil {
		s.subHypotheses.Drain()
		return err
	}
	s.subControl = subControl

	s.wg.Add(1)
	go s.sweepLoop()

	s.started.Store(true)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subHypotheses != nil {
		_ = s.subHypotheses.Drain()
	}
	if s.subControl != nil {
		_ = s.subControl.Drain()
	}
	s.wg.Wait()
	s.started.Store(false)
}

func (s *Service) Healthy() bool {
	return s.started.Load() && s.ctx.Err() == nil
}

// Retune swaps the agreement knobs for sessions created from now on.
// Sessions already in flight keep the options they started with.
func (s *Service) Retune(cfg config.AgreementConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.logger.Info("agreement settings retuned",
		slog.Int("threshold", cfg.Threshold),
		slog.Int("max_pending_words", cfg.MaxPendingWords),
		slog.Int("word_timeout_ms", cfg.WordTimeoutMS))
}

func (s *Service) handleHypothesis(msg *nats.Msg) {
	var hyp protocol.Hypothesis
	if err := json.Unmarshal(msg.Data, &hyp); err != nil {
		s.logger.Warn("failed to decode hypothesis", slogError(err))
		return
	}
	if hyp.SessionID == "" {
		s.logger.Warn("dropping hypothesis without session id")
		return
	}
	if strings.TrimSpace(hyp.Text) == "" {
		// Blank input is counted, not logged; a noisy recognizer would
		// otherwise flood the log.
		if s.hypothesisCounter != nil {
			s.hypothesisCounter.Add(s.ctx, 1,
				metric.WithAttributes(attribute.String("outcome", "ignored")))
		}
		return
	}

	now := time.Now()

	s.mu.Lock()
	sess := s.sessions[hyp.SessionID]
	if sess == nil {
		sess = s.newSessionLocked()
		s.sessions[hyp.SessionID] = sess
	}
	if sess.paused {
		s.mu.Unlock()
		return
	}
	state := sess.stab.Update(hyp.Text)
	sess.updateSeq++
	textState := buildTextState(hyp.SessionID, sess.updateSeq, state, now)
	commits := buildCommits(sess, hyp.SessionID, state.Commits, now)
	s.mu.Unlock()

	if s.hypothesisCounter != nil {
		s.hypothesisCounter.Add(s.ctx, 1,
			metric.WithAttributes(attribute.String("outcome", "ingested")))
	}
	s.persistHypothesis(hyp)
	s.publishTextState(textState)
	s.deliver(commits)
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctl protocol.Control
	if err := json.Unmarshal(msg.Data, &ctl); err != nil {
		s.logger.Warn("failed to decode control message", slogError(err))
		return
	}

	switch ctl.Action {
	case protocol.ControlStart:
		s.startSession(ctl.SessionID)
	case protocol.ControlPause:
		s.flushSession(ctl.SessionID, false)
	case protocol.ControlStop:
		s.flushSession(ctl.SessionID, true)
	default:
		s.logger.Warn("unknown control action", slog.String("action", string(ctl.Action)))
	}
}

// startSession creates a fresh stabilizer, replacing any prior state under
// the same id. Controls without a session id get one minted; the id becomes
// visible to listeners through the initial text state.
func (s *Service) startSession(id string) {
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()

	s.mu.Lock()
	sess := s.newSessionLocked()
	s.sessions[id] = sess
	textState := buildTextState(id, sess.updateSeq, sess.stab.State(), now)
	s.mu.Unlock()

	s.logger.Info("dictation session started", slog.String("session_id", id))
	if s.store != nil {
		if err := s.store.TouchSession(s.ctx, id); err != nil {
			s.logger.Warn("failed to record session start", slogError(err))
		}
	}
	s.publishTextState(textState)
}

// flushSession promotes everything still pending so pause and stop never
// strand trailing words. Stop removes the session; pause keeps it but drops
// further hypotheses until the next start.
func (s *Service) flushSession(id string, remove bool) {
	now := time.Now()

	s.mu.Lock()
	sess := s.sessions[id]
	if sess == nil {
		s.mu.Unlock()
		s.logger.Debug("control for unknown session", slog.String("session_id", id))
		return
	}
	state := sess.stab.Flush()
	sess.updateSeq++
	textState := buildTextState(id, sess.updateSeq, state, now)
	commits := buildCommits(sess, id, state.Commits, now)
	if remove {
		delete(s.sessions, id)
	} else {
		sess.paused = true
	}
	s.mu.Unlock()

	if s.flushCounter != nil {
		s.flushCounter.Add(s.ctx, 1)
	}
	if remove {
		s.logger.Info("dictation session stopped", slog.String("session_id", id))
	} else {
		s.logger.Info("dictation session paused", slog.String("session_id", id))
	}
	s.publishTextState(textState)
	s.deliver(commits)
}

// sweepLoop forces timeout evaluation for sessions whose recognizer has gone
// quiet; without it a stalled stream would never age its pending words out.
func (s *Service) sweepLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.SweepIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Service) sweepOnce() {
	now := time.Now()

	type result struct {
		textState protocol.TextState
		commits   []protocol.Commit
	}
	var results []result

	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.paused {
			continue
		}
		state := sess.stab.Sweep()
		if len(state.Commits) == 0 {
			continue
		}
		sess.updateSeq++
		results = append(results, result{
			textState: buildTextState(id, sess.updateSeq, state, now),
			commits:   buildCommits(sess, id, state.Commits, now),
		})
	}
	s.mu.Unlock()

	for _, r := range results {
		s.publishTextState(r.textState)
		s.deliver(r.commits)
	}
}

func (s *Service) newSessionLocked() *session {
	return &session{stab: New(Options{
		Threshold:         s.cfg.Threshold,
		MaxPending:        s.cfg.MaxPendingWords,
		WordTimeout:       time.Duration(s.cfg.WordTimeoutMS) * time.Millisecond,
		PositionTolerance: s.cfg.PositionTolerance,
	})}
}

func buildTextState(id string, seq int, state State, now time.Time) protocol.TextState {
	return protocol.TextState{
		SessionID:      id,
		Sequence:       seq,
		Committed:      state.Committed,
		Pending:        state.Pending,
		NewlyCommitted: state.NewlyCommitted,
		UpdatedAt:      now.UTC(),
	}
}

// buildCommits numbers each promoted run under the session lock so sequence
// order can never interleave across handlers.
func buildCommits(sess *session, id string, runs []CommitRun, now time.Time) []protocol.Commit {
	if len(runs) == 0 {
		return nil
	}
	out := make([]protocol.Commit, 0, len(runs))
	for _, run := range runs {
		if run.Text == "" {
			continue
		}
		sess.commitSeq++
		out = append(out, protocol.Commit{
			SessionID:   id,
			Sequence:    sess.commitSeq,
			Text:        run.Text,
			Reason:      run.Reason,
			CommittedAt: now.UTC(),
		})
	}
	return out
}

// deliver publishes each commit and then hands it to the injection worker.
// A full channel blocks rather than drops; committed text must reach the
// injector exactly once and in order.
func (s *Service) deliver(commits []protocol.Commit) {
	for _, commit := range commits {
		if s.wordCounter != nil {
			s.wordCounter.Add(s.ctx, int64(len(strings.Fields(commit.Text))),
				metric.WithAttributes(attribute.String("reason", string(commit.Reason))))
		}
		data, err := json.Marshal(commit)
		if err != nil {
			s.logger.Warn("failed to encode commit", slogError(err))
			continue
		}
		if err := s.bus.Conn().Publish(protocol.SubjectCommit, data); err != nil {
			s.logger.Warn("failed to publish commit", slogError(err))
		}
		if s.store != nil {
			if err := s.store.AppendEvent(s.ctx, commit.SessionID, eventstore.KindCommit, data); err != nil {
				s.logger.Warn("failed to persist commit", slogError(err))
			}
		}
		select {
		case s.commits <- commit:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) persistHypothesis(hyp protocol.Hypothesis) {
	if s.store == nil {
		return
	}
	data, err := json.Marshal(hyp)
	if err != nil {
		return
	}
	if err := s.store.AppendEvent(s.ctx, hyp.SessionID, eventstore.KindHypothesis, data); err != nil {
		s.logger.Warn("failed to persist hypothesis", slogError(err))
	}
}

func (s *Service) publishTextState(state protocol.TextState) {
	data, err := json.Marshal(state)
	if err != nil {
		s.logger.Warn("failed to encode text state", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTextState, data); err != nil {
		s.logger.Warn("failed to publish text state", slogError(err))
	}
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/scrivelabs/scrive-core/stabilizer")

	var err error
	s.hypothesisCounter, err = meter.Int64Counter("scrive.stabilizer.hypotheses",
		metric.WithDescription("Recognizer hypotheses ingested"))
	if err != nil {
		return err
	}
	s.wordCounter, err = meter.Int64Counter("scrive.stabilizer.words_committed",
		metric.WithDescription("Words promoted out of the pending region, by reason"))
	if err != nil {
		return err
	}
	s.flushCounter, err = meter.Int64Counter("scrive.stabilizer.flushes",
		metric.WithDescription("Pause and stop flushes"))
	if err != nil {
		return err
	}
	sessionGauge, err := meter.Int64ObservableGauge("scrive.stabilizer.sessions",
		metric.WithDescription("Active dictation sessions"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		s.mu.Lock()
		n := len(s.sessions)
		s.mu.Unlock()
		obs.ObserveInt64(sessionGauge, int64(n))
		return nil
	}, sessionGauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
