package session

import (
	"log/slog"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/protocol"
)

// Publisher broadcasts session output. Implementations must not block the
// session loop for long.
type Publisher interface {
	Metrics(protocol.MetricsUpdate)
	Intervention(protocol.InterventionUpdate)
	Recommendation(protocol.Recommendation)
	Status(Status)
}

// BusPublisher sends session output to per-session NATS subjects.
type BusPublisher struct {
	bus *bus.Client
	log *slog.Logger
}

func NewBusPublisher(client *bus.Client, logger *slog.Logger) *BusPublisher {
	return &BusPublisher{
		bus: client,
		log: logger.With(slog.String("component", "publisher")),
	}
}

func (p *BusPublisher) Metrics(msg protocol.MetricsUpdate) {
	p.publish(protocol.SessionSubject(protocol.SubjectMetricsPrefix, msg.SessionID), msg)
}

func (p *BusPublisher) Intervention(msg protocol.InterventionUpdate) {
	p.publish(protocol.SessionSubject(protocol.SubjectInterventionPrefix, msg.SessionID), msg)
}

func (p *BusPublisher) Recommendation(msg protocol.Recommendation) {
	p.publish(protocol.SessionSubject(protocol.SubjectRecommendationPrefix, msg.SessionID), msg)
}

func (p *BusPublisher) Status(st Status) {
	p.publish(protocol.SessionSubject(protocol.SubjectStatusPrefix, st.SessionID), st)
}

func (p *BusPublisher) publish(subject string, v any) {
	if !p.bus.Healthy() {
		return
	}
	if err := p.bus.PublishJSON(subject, v); err != nil {
		p.log.Warn("failed to publish session output", slog.String("subject", subject), slogError(err))
	}
}

// NopPublisher discards everything.
type NopPublisher struct{}

func (NopPublisher) Metrics(protocol.MetricsUpdate)           {}
func (NopPublisher) Intervention(protocol.InterventionUpdate) {}
func (NopPublisher) Recommendation(protocol.Recommendation)   {}
func (NopPublisher) Status(Status)                            {}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
