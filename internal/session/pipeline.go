package session

import (
	"time"

	"github.com/loqalabs/loqa-coach/internal/acoustic"
	"github.com/loqalabs/loqa-coach/internal/advisor"
	"github.com/loqalabs/loqa-coach/internal/fusion"
	"github.com/loqalabs/loqa-coach/internal/linguistic"
	"github.com/loqalabs/loqa-coach/internal/psychology"
	"github.com/loqalabs/loqa-coach/internal/recovery"
	"github.com/loqalabs/loqa-coach/internal/resilience"
)

const scoreHistoryLimit = 20

type PipelineConfig struct {
	Psychology        psychology.Config
	Recovery          recovery.Config
	InitialResilience float64
	Personality       advisor.Personality
	Clock             func() time.Time
}

// Step is what one metrics tick produced.
type Step struct {
	Metrics    fusion.Metrics
	Assessment recovery.Assessment
	Trigger    *recovery.Trigger
	Completion *recovery.Completion
	Resilience float64
}

// Snapshot is a read-only view of a session's state.
type Snapshot struct {
	Metrics       fusion.Metrics               `json:"metrics"`
	Report        linguistic.Report            `json:"report"`
	Profile       *psychology.Profile          `json:"profile,omitempty"`
	VoiceBaseline *psychology.Baseline         `json:"voice_baseline,omitempty"`
	Resilience    float64                      `json:"resilience"`
	Grade         resilience.Grade             `json:"grade"`
	State         recovery.State               `json:"state"`
	Active        *recovery.ActiveIntervention `json:"active,omitempty"`
	Assessment    recovery.Assessment          `json:"assessment"`
	History       []recovery.HistoryEntry      `json:"history"`
	CriticalSaves int                          `json:"critical_saves"`
	Insights      []advisor.Insight            `json:"insights"`
}

// Pipeline wires the analysis stages of one session together. It has no
// goroutines or timers of its own: callers drive it with CaptureTick,
// Segment, MetricsTick and AdvisorTick, either from a session loop or from
// a replay on a virtual clock. It is not safe for concurrent use.
type Pipeline struct {
	clock func() time.Time

	engine     *psychology.Engine
	aggregator *linguistic.Aggregator
	selector   *recovery.Selector
	scorer     *resilience.Scorer
	advisor    *advisor.Advisor

	sample acoustic.VoiceSample
	scores []float64
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	p := &Pipeline{
		clock:      cfg.Clock,
		engine:     psychology.NewEngine(cfg.Psychology),
		aggregator: linguistic.NewAggregator(cfg.Clock),
		scorer:     resilience.NewScorer(cfg.InitialResilience),
		advisor:    advisor.New(cfg.Personality, cfg.Clock),
	}
	rc := cfg.Recovery
	rc.Clock = cfg.Clock
	hook := rc.OnComplete
	rc.OnComplete = func(c recovery.Completion) {
		p.scorer.ApplyInterventionBonus(c.Effectiveness)
		if hook != nil {
			hook(c)
		}
	}
	selector, err := recovery.NewSelector(rc)
	if err != nil {
		return nil, err
	}
	p.selector = selector
	return p, nil
}

// CaptureTick analyses one acoustic frame. Frames arriving within the same
// millisecond as the previous one are rejected with psychology.ErrOutOfOrder.
func (p *Pipeline) CaptureTick(frame acoustic.Frame) error {
	sample, _, err := p.engine.Process(frame, p.clock().UnixMilli())
	if err != nil {
		return err
	}
	p.sample = sample
	return nil
}

// Segment feeds a recognition result and returns the hesitations found.
func (p *Pipeline) Segment(seg linguistic.Segment) []string {
	return p.aggregator.Ingest(seg)
}

// SpeechFailed records a fatal recognition error. Accumulated speech stays
// queryable.
func (p *Pipeline) SpeechFailed(err error) { p.aggregator.Fail(err) }

// ResetSpeech clears the speech accumulator for a new listening run.
func (p *Pipeline) ResetSpeech() { p.aggregator.Reset() }

// ResetVoice clears the voice history and baseline for a new capture run.
func (p *Pipeline) ResetVoice() {
	p.engine.Reset()
	p.sample = acoustic.VoiceSample{}
}

// Metrics fuses whatever is known right now. It never fails; missing data
// yields zeroed fields.
func (p *Pipeline) Metrics() fusion.Metrics {
	now := p.clock()
	return fusion.Fuse(p.aggregator.Report(now), p.engine.Latest(), p.sample, now)
}

// HasData reports whether any voice profile or final speech has been seen
// since the last reset.
func (p *Pipeline) HasData() bool {
	return p.engine.Latest() != nil || p.aggregator.Report(p.clock()).TotalWords > 0
}

// MetricsTick runs one metrics tick: risk assessment on fused metrics, the
// continuous resilience recompute, and one second of progress on an
// intervention that was already running. Assessment and recompute wait
// until the session has data, so the recovery baseline comes from the first
// real report.
func (p *Pipeline) MetricsTick() Step {
	now := p.clock()
	report := p.aggregator.Report(now)
	profile := p.engine.Latest()
	m := fusion.Fuse(report, profile, p.sample, now)

	if profile == nil && report.TotalWords == 0 {
		return Step{
			Metrics:    m,
			Assessment: p.selector.LastAssessment(),
			Completion: p.selector.Tick(),
			Resilience: p.scorer.Score(),
		}
	}

	var flow *psychology.FlowState
	if profile != nil {
		flow = &profile.FlowState
	}
	obs := recovery.Observe(m, report, flow)
	assessment, trigger := p.selector.Observe(obs)

	p.scorer.RecomputeFromMetrics(resilience.Inputs{
		Stability:       obs.VoiceStability,
		RecoverySpeedMS: obs.RecoverySpeedMS,
		AdaptationScore: obs.AdaptationScore,
		StressLevel:     obs.StressLevel,
	})

	var completion *recovery.Completion
	if trigger == nil {
		completion = p.selector.Tick()
	}

	score := p.scorer.Score()
	p.scores = append(p.scores, score/100)
	if over := len(p.scores) - scoreHistoryLimit; over > 0 {
		p.scores = append(p.scores[:0], p.scores[over:]...)
	}

	return Step{
		Metrics:    m,
		Assessment: assessment,
		Trigger:    trigger,
		Completion: completion,
		Resilience: score,
	}
}

// AdvisorTick produces the next coaching insight.
func (p *Pipeline) AdvisorTick() advisor.Insight {
	now := p.clock()
	report := p.aggregator.Report(now)
	return p.advisor.Generate(advisor.Input{
		Metrics: fusion.Fuse(report, p.engine.Latest(), p.sample, now),
		Report:  report,
		History: append([]float64(nil), p.scores...),
	})
}

func (p *Pipeline) SetPersonality(personality advisor.Personality) {
	p.advisor.SetPersonality(personality)
}

func (p *Pipeline) Personality() advisor.Personality { return p.advisor.Personality() }

// Snapshot copies the current state.
func (p *Pipeline) Snapshot() Snapshot {
	now := p.clock()
	report := p.aggregator.Report(now)
	profile := p.engine.Latest()
	score := p.scorer.Score()
	var profileCopy *psychology.Profile
	if profile != nil {
		c := *profile
		profileCopy = &c
	}
	return Snapshot{
		Metrics:       fusion.Fuse(report, profile, p.sample, now),
		Report:        report,
		Profile:       profileCopy,
		VoiceBaseline: p.engine.Baseline(),
		Resilience:    score,
		Grade:         resilience.GradeFor(score),
		State:         p.selector.State(),
		Active:        p.selector.Active(),
		Assessment:    p.selector.LastAssessment(),
		History:       p.selector.History(),
		CriticalSaves: p.selector.CriticalSaves(),
		Insights:      p.advisor.Conversation(),
	}
}

// Reset re-initialises every stage.
func (p *Pipeline) Reset() {
	p.ResetVoice()
	p.aggregator.Reset()
	p.selector.Reset()
	p.scorer.Reset()
	p.advisor.Reset()
	p.scores = nil
}
