package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/nats-io/nats.go"
)

const transcribeTimeout = 45 * time.Second

// Service turns audio frames from the bus into transcripts. Frames are cut
// into utterances by a level detector; every closed utterance yields one
// final transcript and, when interim results are enabled, partials are
// published while it is still open. A stream that ends without any speech
// produces a final transcript flagged NoSpeech.
type Service struct {
	cfg         config.STTConfig
	bus         *bus.Client
	transcriber Transcriber
	log         *slog.Logger
	sessions    map[string]*sessionState
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	sub         *nats.Subscription
	wg          sync.WaitGroup
	ready       bool
}

type sessionState struct {
	detector    vad
	utterance   []byte
	heard       bool
	sampleRate  int
	channels    int
	lastPartial time.Time
	inflight    bool
	queue       []job
	closing     bool
}

type job struct {
	pcm        []byte
	sampleRate int
	channels   int
	final      bool
	noSpeech   bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, transcriber Transcriber) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:         cfg,
		bus:         busClient,
		transcriber: transcriber,
		log:         busClient.Logger().With(slog.String("component", "stt")),
		sessions:    make(map[string]*sessionState),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready = true
	s.log.Info("stt service started", slog.String("subject", subject))
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
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		return
	}
	level, err := frameLevel(frame.PCM)
	if err != nil {
		s.log.Warn("dropping audio frame", slog.String("session_id", frame.SessionID), slogError(err))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{sampleRate: s.cfg.SampleRate, channels: s.cfg.Channels}
		s.sessions[frame.SessionID] = state
	}
	if frame.SampleRate > 0 {
		state.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		state.channels = frame.Channels
	}

	inSpeech, ended := state.detector.Observe(level)
	if inSpeech || ended {
		state.heard = true
		state.utterance = append(state.utterance, frame.PCM...)
	}
	if ended {
		state.queue = append(state.queue, state.closeUtterance())
	}
	if frame.Final {
		switch {
		case len(state.utterance) > 0:
			state.queue = append(state.queue, state.closeUtterance())
		case !state.heard:
			state.queue = append(state.queue, job{final: true, noSpeech: true})
		}
		state.closing = true
	}
	if inSpeech && !frame.Final && s.partialDue(state) {
		state.queue = append(state.queue, state.partial())
	}
	next, ok := s.dispatchLocked(frame.SessionID, state)
	s.mu.Unlock()

	if ok {
		s.run(frame.SessionID, next)
	}
}

func (st *sessionState) closeUtterance() job {
	j := job{pcm: st.utterance, sampleRate: st.sampleRate, channels: st.channels, final: true}
	st.utterance = nil
	st.lastPartial = time.Time{}
	st.detector.Reset()
	return j
}

func (st *sessionState) partial() job {
	st.lastPartial = time.Now()
	return job{pcm: append([]byte(nil), st.utterance...), sampleRate: st.sampleRate, channels: st.channels}
}

func (s *Service) partialDue(state *sessionState) bool {
	if !s.cfg.PublishInterim || state.inflight {
		return false
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if state.lastPartial.IsZero() {
		state.lastPartial = time.Now()
		return false
	}
	return time.Since(state.lastPartial) >= interval
}

// dispatchLocked pops the next job when nothing is in flight. Partials that
// were overtaken by a final are dropped. A closing session with nothing
// left is forgotten.
func (s *Service) dispatchLocked(sessionID string, state *sessionState) (job, bool) {
	if state.inflight {
		return job{}, false
	}
	for len(state.queue) > 0 {
		next := state.queue[0]
		state.queue = state.queue[1:]
		if !next.final && len(state.queue) > 0 {
			continue
		}
		state.inflight = true
		return next, true
	}
	if state.closing {
		delete(s.sessions, sessionID)
	}
	return job{}, false
}

func (s *Service) run(sessionID string, j job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transcribe(sessionID, j)

		s.mu.Lock()
		var next job
		var ok bool
		if state := s.sessions[sessionID]; state != nil {
			state.inflight = false
			next, ok = s.dispatchLocked(sessionID, state)
		}
		s.mu.Unlock()

		if ok {
			s.run(sessionID, next)
		}
	}()
}

func (s *Service) transcribe(sessionID string, j job) {
	if j.noSpeech {
		s.publishTranscript(protocol.Transcript{SessionID: sessionID, NoSpeech: true}, true)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
	defer cancel()

	result, err := s.transcriber.Transcribe(ctx, j.pcm, j.sampleRate, j.channels, j.final)
	if err != nil {
		s.log.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
		if j.final && s.ctx.Err() == nil {
			s.publishTranscript(protocol.Transcript{SessionID: sessionID, Error: err.Error()}, true)
		}
		return
	}
	if result.Text == "" {
		if j.final {
			s.publishTranscript(protocol.Transcript{SessionID: sessionID, NoSpeech: true}, true)
		}
		return
	}
	s.publishTranscript(protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Confidence: result.Confidence,
	}, j.final)
}

func (s *Service) publishTranscript(msg protocol.Transcript, final bool) {
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg.Partial = !final
	msg.Timestamp = time.Now().UTC()
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
