package recovery

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

type State string

const (
	StateMonitoring   State = "monitoring"
	StateIntervention State = "intervention"
)

const (
	defaultHistoryLimit = 20
	defaultTrendLimit   = 20
	defaultTickInterval = time.Second

	minEffectiveness = 0.6
	maxEffectiveness = 1.0

	// absorbs float drift so a 30 s protocol completes on its 30th tick
	progressEpsilon = 1e-9
)

// Trigger is delivered once per transition into StateIntervention.
type Trigger struct {
	Protocol     string   `json:"protocol"`
	Intervention string   `json:"intervention"`
	DurationMS   int64    `json:"duration_ms"`
	NeuralTarget string   `json:"neural_target"`
	Priority     Priority `json:"priority"`
	Urgency      string   `json:"urgency"`
}

type ActiveIntervention struct {
	Protocol       string      `json:"protocol"`
	StartTime      int64       `json:"start_time"`
	TriggerMetrics Observation `json:"trigger_metrics"`
	Progress       float64     `json:"progress"`
}

// HistoryEntry records one completed intervention.
type HistoryEntry struct {
	Protocol       string      `json:"protocol"`
	StartedAt      int64       `json:"started_at"`
	CompletedAt    int64       `json:"completed_at"`
	TriggerMetrics Observation `json:"trigger_metrics"`
	Urgency        Priority    `json:"urgency"`
	Effectiveness  float64     `json:"effectiveness"`
}

// Completion is passed to the completion hook when a protocol finishes.
type Completion struct {
	Protocol      string  `json:"protocol"`
	Effectiveness float64 `json:"effectiveness"`
}

// EffectivenessSource returns how well a finished protocol worked. Values
// are clamped to [0.6, 1.0].
type EffectivenessSource func(protocol string) float64

// RandomEffectiveness draws uniformly from [0.6, 1.0).
func RandomEffectiveness(string) float64 {
	return minEffectiveness + rand.Float64()*(maxEffectiveness-minEffectiveness)
}

type Config struct {
	Catalog       Catalog
	HistoryLimit  int
	TrendLimit    int
	Effectiveness EffectivenessSource
	// TickInterval is the wall time one Tick stands for. Zero means one
	// second.
	TickInterval time.Duration
	// OnComplete runs on the selector's goroutine when a protocol finishes.
	OnComplete func(Completion)
	Clock      func() time.Time
}

// Selector is the monitoring/intervention state machine of one session. It
// is driven from the session loop and is not safe for concurrent use.
type Selector struct {
	catalog       Catalog
	historyLimit  int
	trendLimit    int
	effectiveness EffectivenessSource
	onComplete    func(Completion)
	clock         func() time.Time
	tickInterval  time.Duration

	state      State
	baseline   *Baseline
	active     *ActiveIntervention
	history    []HistoryEntry
	trends     []Observation
	assessment Assessment
}

// NewSelector returns a monitoring selector. A nil catalog uses the
// defaults; any other catalog must pass Validate.
func NewSelector(cfg Config) (*Selector, error) {
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if err := cfg.Catalog.Validate(); err != nil {
		return nil, fmt.Errorf("recovery catalog: %w", err)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.TrendLimit <= 0 {
		cfg.TrendLimit = defaultTrendLimit
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.Effectiveness == nil {
		cfg.Effectiveness = RandomEffectiveness
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Selector{
		catalog:       cfg.Catalog,
		historyLimit:  cfg.HistoryLimit,
		trendLimit:    cfg.TrendLimit,
		effectiveness: cfg.Effectiveness,
		onComplete:    cfg.OnComplete,
		clock:         cfg.Clock,
		tickInterval:  cfg.TickInterval,
		state:         StateMonitoring,
		assessment:    Assessment{Level: LevelUnknown, Factors: []Factor{}},
	}, nil
}

// Observe records a metrics tick and assesses risk. The first observation
// becomes the session baseline. A Trigger is returned only when a new
// intervention starts; none can start while one is active.
func (s *Selector) Observe(o Observation) (Assessment, *Trigger) {
	if s.baseline == nil {
		b := newBaseline(o)
		s.baseline = &b
	}
	s.trends = append(s.trends, o)
	if over := len(s.trends) - s.trendLimit; over > 0 {
		s.trends = append(s.trends[:0], s.trends[over:]...)
	}

	a := Assess(o, s.baseline)
	s.assessment = a

	var name string
	switch a.Level {
	case LevelCritical:
		name = SelectProtocol(a)
	case LevelModerate:
		name = PreventiveProtocol(a)
	default:
		return a, nil
	}
	if s.active != nil || s.state != StateMonitoring {
		return a, nil
	}
	p, ok := s.catalog[name]
	if !ok {
		return a, nil
	}

	s.active = &ActiveIntervention{
		Protocol:       name,
		StartTime:      s.clock().UnixMilli(),
		TriggerMetrics: o,
	}
	s.state = StateIntervention
	return a, &Trigger{
		Protocol:     name,
		Intervention: p.Intervention,
		DurationMS:   p.DurationMS,
		NeuralTarget: p.NeuralTarget,
		Priority:     p.Priority,
		Urgency:      a.Urgency(),
	}
}

// Tick advances the active protocol by one tick interval. It returns the completion
// when the protocol reaches 100 percent.
func (s *Selector) Tick() *Completion {
	if s.active == nil {
		return nil
	}
	p := s.catalog[s.active.Protocol]
	s.active.Progress += 100 * float64(s.tickInterval.Milliseconds()) / float64(p.DurationMS)
	if s.active.Progress < 100-progressEpsilon {
		return nil
	}
	s.active.Progress = 100

	eff := math.Max(minEffectiveness, math.Min(maxEffectiveness, s.effectiveness(s.active.Protocol)))
	s.history = append(s.history, HistoryEntry{
		Protocol:       s.active.Protocol,
		StartedAt:      s.active.StartTime,
		CompletedAt:    s.clock().UnixMilli(),
		TriggerMetrics: s.active.TriggerMetrics,
		Urgency:        p.Priority,
		Effectiveness:  eff,
	})
	if over := len(s.history) - s.historyLimit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}

	done := &Completion{Protocol: s.active.Protocol, Effectiveness: eff}
	s.active = nil
	s.state = StateMonitoring
	if s.onComplete != nil {
		s.onComplete(*done)
	}
	return done
}

func (s *Selector) State() State { return s.state }

// Active returns a copy of the running intervention, or nil.
func (s *Selector) Active() *ActiveIntervention {
	if s.active == nil {
		return nil
	}
	a := *s.active
	return &a
}

func (s *Selector) Baseline() *Baseline {
	if s.baseline == nil {
		return nil
	}
	b := *s.baseline
	return &b
}

// LastAssessment is the assessment of the most recent observation.
func (s *Selector) LastAssessment() Assessment { return s.assessment }

func (s *Selector) History() []HistoryEntry {
	return append([]HistoryEntry(nil), s.history...)
}

// Trends returns the most recent observations, oldest first.
func (s *Selector) Trends() []Observation {
	return append([]Observation(nil), s.trends...)
}

// CriticalSaves counts completed interventions of immediate priority.
func (s *Selector) CriticalSaves() int {
	n := 0
	for _, h := range s.history {
		if h.Urgency == PriorityImmediate {
			n++
		}
	}
	return n
}

// Reset returns the selector to monitoring with no baseline, history or
// active intervention.
func (s *Selector) Reset() {
	s.state = StateMonitoring
	s.baseline = nil
	s.active = nil
	s.history = nil
	s.trends = nil
	s.assessment = Assessment{Level: LevelUnknown, Factors: []Factor{}}
}
