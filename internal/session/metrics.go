package session

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/loqalabs/loqa-coach/session"

// Instruments holds the OpenTelemetry instruments sessions report through.
type Instruments struct {
	meter metric.Meter

	ticks             metric.Int64Counter
	confidence        metric.Float64Histogram
	stress            metric.Float64Histogram
	interventions     metric.Int64Counter
	completions       metric.Int64Counter
	recommendations   metric.Int64Counter
	listenerRestarts  metric.Int64Counter
	recognitionErrors metric.Int64Counter
	activeSessions    metric.Int64UpDownCounter
}

// NewInstruments creates the session instruments on mp. A nil provider
// yields no-op instruments.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	m := mp.Meter(meterName)
	in := &Instruments{meter: m}

	var err error
	if in.ticks, err = m.Int64Counter("coach.ticks",
		metric.WithDescription("Analysis ticks processed, by driver")); err != nil {
		return nil, fmt.Errorf("create ticks counter: %w", err)
	}
	if in.confidence, err = m.Float64Histogram("coach.confidence",
		metric.WithDescription("Combined confidence per metrics tick")); err != nil {
		return nil, fmt.Errorf("create confidence histogram: %w", err)
	}
	if in.stress, err = m.Float64Histogram("coach.stress",
		metric.WithDescription("Combined stress level per metrics tick")); err != nil {
		return nil, fmt.Errorf("create stress histogram: %w", err)
	}
	if in.interventions, err = m.Int64Counter("coach.interventions.started",
		metric.WithDescription("Recovery protocols started")); err != nil {
		return nil, fmt.Errorf("create interventions counter: %w", err)
	}
	if in.completions, err = m.Int64Counter("coach.interventions.completed",
		metric.WithDescription("Recovery protocols completed")); err != nil {
		return nil, fmt.Errorf("create completions counter: %w", err)
	}
	if in.recommendations, err = m.Int64Counter("coach.recommendations",
		metric.WithDescription("Coaching insights generated")); err != nil {
		return nil, fmt.Errorf("create recommendations counter: %w", err)
	}
	if in.listenerRestarts, err = m.Int64Counter("coach.listener.restarts",
		metric.WithDescription("Recognizer restarts after silence")); err != nil {
		return nil, fmt.Errorf("create restarts counter: %w", err)
	}
	if in.recognitionErrors, err = m.Int64Counter("coach.listener.errors",
		metric.WithDescription("Fatal recognition errors")); err != nil {
		return nil, fmt.Errorf("create recognition errors counter: %w", err)
	}
	if in.activeSessions, err = m.Int64UpDownCounter("coach.sessions.active",
		metric.WithDescription("Open coaching sessions")); err != nil {
		return nil, fmt.Errorf("create sessions counter: %w", err)
	}
	return in, nil
}

// ObserveResilience registers a gauge reporting the resilience score of
// every session returned by scores.
func (in *Instruments) ObserveResilience(scores func() map[string]float64) (metric.Registration, error) {
	gauge, err := in.meter.Float64ObservableGauge("coach.resilience",
		metric.WithDescription("Current resilience score per session"))
	if err != nil {
		return nil, fmt.Errorf("create resilience gauge: %w", err)
	}
	return in.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		for id, score := range scores() {
			obs.ObserveFloat64(gauge, score, metric.WithAttributes(attribute.String("session_id", id)))
		}
		return nil
	}, gauge)
}

func (in *Instruments) tick(ctx context.Context, driver string) {
	in.ticks.Add(ctx, 1, metric.WithAttributes(attribute.String("driver", driver)))
}

func (in *Instruments) fused(ctx context.Context, confidence, stress float64) {
	in.confidence.Record(ctx, confidence)
	in.stress.Record(ctx, stress)
}

func (in *Instruments) interventionStarted(ctx context.Context, protocol, urgency string) {
	in.interventions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("protocol", protocol),
		attribute.String("urgency", urgency)))
}

func (in *Instruments) interventionCompleted(ctx context.Context, protocol string) {
	in.completions.Add(ctx, 1, metric.WithAttributes(attribute.String("protocol", protocol)))
}

func (in *Instruments) recommendation(ctx context.Context, kind string) {
	in.recommendations.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
}

func (in *Instruments) restarted(ctx context.Context, n int) {
	if n > 0 {
		in.listenerRestarts.Add(ctx, int64(n))
	}
}

func (in *Instruments) recognitionFailed(ctx context.Context) {
	in.recognitionErrors.Add(ctx, 1)
}

func (in *Instruments) sessionOpened(ctx context.Context) { in.activeSessions.Add(ctx, 1) }

func (in *Instruments) sessionClosed(ctx context.Context) { in.activeSessions.Add(ctx, -1) }
