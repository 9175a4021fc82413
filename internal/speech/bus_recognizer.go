package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusRecognizer turns the transcripts published on the bus for one session
// into recognition events.
type BusRecognizer struct {
	bus       *bus.Client
	sessionID string
	interim   bool
	log       *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewBusRecognizer listens for sessionID's transcripts. Partial transcripts
// are only forwarded when interim is set.
func NewBusRecognizer(client *bus.Client, sessionID string, interim bool, logger *slog.Logger) *BusRecognizer {
	return &BusRecognizer{
		bus:       client,
		sessionID: sessionID,
		interim:   interim,
		log:       logger.With(slog.String("component", "speech"), slog.String("session_id", sessionID)),
	}
}

func (r *BusRecognizer) Start(_ context.Context, emit func(Event)) error {
	if r.bus == nil || !r.bus.Healthy() {
		return fmt.Errorf("bus unavailable: %w", ErrUnsupportedPlatform)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return nil
	}

	subjects := []string{protocol.SubjectTranscriptFinal}
	if r.interim {
		subjects = append(subjects, protocol.SubjectTranscriptPartial)
	}
	for _, subject := range subjects {
		sub, err := r.bus.Subscribe(subject, func(msg *nats.Msg) { r.handle(msg, emit) })
		if err != nil {
			r.unsubscribeLocked()
			return err
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *BusRecognizer) handle(msg *nats.Msg, emit func(Event)) {
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		r.log.Warn("failed to decode transcript", slog.String("error", err.Error()))
		return
	}
	if tr.SessionID != r.sessionID {
		return
	}
	switch {
	case tr.NoSpeech:
		emit(Event{Err: ErrNoSpeech})
	case tr.Error != "":
		emit(Event{Err: errors.New(tr.Error)})
	default:
		emit(Event{Result: &Result{
			Text:       tr.Text,
			Confidence: tr.Confidence,
			Final:      !tr.Partial,
			At:         tr.Timestamp,
		}})
	}
}

func (r *BusRecognizer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked()
}

func (r *BusRecognizer) unsubscribeLocked() {
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			r.log.Warn("unsubscribe transcripts", slog.String("error", err.Error()))
		}
	}
	r.subs = nil
}
