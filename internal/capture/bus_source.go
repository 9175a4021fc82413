package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource feeds a session's audio.frame.<session> stream into a sink.
type BusSource struct {
	bus       *bus.Client
	sessionID string
	log       *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewBusSource(client *bus.Client, sessionID string, logger *slog.Logger) *BusSource {
	return &BusSource{
		bus:       client,
		sessionID: sessionID,
		log:       logger.With(slog.String("component", "capture"), slog.String("session_id", sessionID)),
	}
}

func (s *BusSource) Start(_ context.Context, sink Sink) error {
	if s.bus == nil || !s.bus.Healthy() {
		return fmt.Errorf("bus unavailable: %w", ErrUnsupportedPlatform)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}

	subject := protocol.SessionSubject(protocol.SubjectAudioFramePrefix, s.sessionID)
	sub, err := s.bus.Subscribe(subject, func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
			return
		}
		if err := sink.WritePCM16(frame.PCM, frame.Channels); err != nil {
			s.log.Warn("dropping audio frame", slog.Int("sequence", frame.Sequence), slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *BusSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return
	}
	if err := s.sub.Unsubscribe(); err != nil {
		s.log.Warn("unsubscribe audio frames", slog.String("error", err.Error()))
	}
	s.sub = nil
}
