// Package psychology fuses acoustic samples with a rolling voice history and a
// one-shot calibration baseline into a per-tick psychology profile.
package psychology

import (
	"errors"
	"math"

	"github.com/loqalabs/loqa-coach/internal/acoustic"
)

// ErrOutOfOrder is returned when a sample is not newer than the last one.
var ErrOutOfOrder = errors.New("voice sample timestamp not increasing")

const (
	minProfileSamples = 5

	defaultWindowMS        = 30000
	defaultBaselineSamples = 20

	energyInstabilityWindow = 10
	energyInstabilityLimit  = 0.1
	confidenceDropWindow    = 5
	confidenceDropRatio     = 0.7
)

// Baseline holds the calibration averages taken once per session.
type Baseline struct {
	AverageVolume    float64 `json:"average_volume"`
	AveragePitch     float64 `json:"average_pitch"`
	AverageEnergy    float64 `json:"average_energy"`
	AverageStability float64 `json:"average_stability"`
}

type Confidence struct {
	VolumeConfidence  float64 `json:"volume_confidence"`
	PitchConfidence   float64 `json:"pitch_confidence"`
	EnergyConfidence  float64 `json:"energy_confidence"`
	OverallConfidence float64 `json:"overall_confidence"`
}

type Stress struct {
	VoiceStrain       bool `json:"voice_strain"`
	EnergyInstability bool `json:"energy_instability"`
	ConfidenceDrops   bool `json:"confidence_drops"`
}

// ActiveFlags counts the stress indicators that are set.
func (s Stress) ActiveFlags() int {
	n := 0
	for _, f := range []bool{s.VoiceStrain, s.EnergyInstability, s.ConfidenceDrops} {
		if f {
			n++
		}
	}
	return n
}

type FlowState struct {
	IsInFlow     bool    `json:"is_in_flow"`
	FlowDuration float64 `json:"flow_duration"`
	ArousalLevel float64 `json:"arousal_level"`
}

// Antifragility sub-scores are nil until an Estimator provides them.
type Antifragility struct {
	PressureResponse    *float64 `json:"pressure_response"`
	RecoveryPattern     *float64 `json:"recovery_pattern"`
	StrengthProgression *float64 `json:"strength_progression"`
}

// Profile is the fused output of one analysis tick.
type Profile struct {
	Confidence    Confidence    `json:"confidence"`
	Stress        Stress        `json:"stress"`
	FlowState     FlowState     `json:"flow_state"`
	Antifragility Antifragility `json:"antifragility"`
	Timestamp     int64         `json:"timestamp"`
}

// Config tunes an Engine. Zero values take the defaults (30 s window, 20
// calibration samples, NeutralEstimator).
type Config struct {
	WindowMS        int64
	BaselineSamples int
	Estimator       Estimator
}

// Engine owns the voice history and baseline for one session. It is not safe
// for concurrent use; the owning session loop serialises access.
type Engine struct {
	windowMS        int64
	baselineSamples int
	estimator       Estimator

	history  []acoustic.VoiceSample
	baseline *Baseline
	latest   *Profile
}

func NewEngine(cfg Config) *Engine {
	if cfg.WindowMS <= 0 {
		cfg.WindowMS = defaultWindowMS
	}
	if cfg.BaselineSamples <= 0 {
		cfg.BaselineSamples = defaultBaselineSamples
	}
	if cfg.Estimator == nil {
		cfg.Estimator = NeutralEstimator{}
	}
	return &Engine{
		windowMS:        cfg.WindowMS,
		baselineSamples: cfg.BaselineSamples,
		estimator:       cfg.Estimator,
	}
}

// Process runs one tick: extract a sample from frame, append it to the
// history and analyse it. The returned profile is nil while calibrating.
func (e *Engine) Process(frame acoustic.Frame, timestamp int64) (acoustic.VoiceSample, *Profile, error) {
	sample := acoustic.Extract(frame, e.history, timestamp)
	if err := e.Append(sample); err != nil {
		return sample, e.latest, err
	}
	e.latest = e.Analyze(sample)
	return sample, e.latest, nil
}

// Append adds a sample and evicts everything at or older than the window
// measured from the new sample.
func (e *Engine) Append(sample acoustic.VoiceSample) error {
	if n := len(e.history); n > 0 && sample.Timestamp <= e.history[n-1].Timestamp {
		return ErrOutOfOrder
	}
	e.history = append(e.history, sample)

	cutoff := sample.Timestamp - e.windowMS
	drop := 0
	for drop < len(e.history) && e.history[drop].Timestamp <= cutoff {
		drop++
	}
	if drop > 0 {
		e.history = append(e.history[:0], e.history[drop:]...)
	}
	return nil
}

// Analyze computes the profile of current against the history. It
// establishes the baseline the first time the history is long enough and
// returns nil while no baseline exists.
func (e *Engine) Analyze(current acoustic.VoiceSample) *Profile {
	if len(e.history) < minProfileSamples {
		return nil
	}
	if e.baseline == nil && len(e.history) >= e.baselineSamples {
		e.baseline = averageOf(e.history)
	}
	base := e.baseline
	if base == nil {
		return nil
	}

	conf := Confidence{
		VolumeConfidence: math.Max(0, 1-math.Abs(current.Volume-base.AverageVolume)),
		// Stability ratio, not pitch; see DESIGN.md open questions.
		PitchConfidence:  ratioCapped(current.Stability, base.AverageStability),
		EnergyConfidence: math.Max(0, 1-math.Abs(current.Energy-base.AverageEnergy)),
	}
	conf.OverallConfidence = conf.VolumeConfidence*0.4 + conf.PitchConfidence*0.4 + conf.EnergyConfidence*0.2

	return &Profile{
		Confidence: conf,
		Stress: Stress{
			VoiceStrain:       current.Pitch > base.AveragePitch*1.2 && current.Stability < base.AverageStability*0.8,
			EnergyInstability: energyInstability(tail(e.history, energyInstabilityWindow)),
			ConfidenceDrops:   confidenceDrops(tail(e.history, confidenceDropWindow)),
		},
		FlowState: FlowState{
			IsInFlow: math.Abs(current.Volume-base.AverageVolume) < 0.1 &&
				math.Abs(current.Energy-base.AverageEnergy) < 0.1 &&
				current.Stability > base.AverageStability*0.8,
			FlowDuration: e.estimator.FlowDuration(e.history),
			ArousalLevel: e.estimator.ArousalLevel(current, *base),
		},
		Antifragility: Antifragility{
			PressureResponse:    e.estimator.PressureResponse(e.history),
			RecoveryPattern:     e.estimator.RecoveryPattern(e.history),
			StrengthProgression: e.estimator.StrengthProgression(e.history),
		},
		Timestamp: current.Timestamp,
	}
}

// History returns a copy of the retained samples, oldest first.
func (e *Engine) History() []acoustic.VoiceSample {
	return append([]acoustic.VoiceSample(nil), e.history...)
}

// Baseline returns a copy of the calibration baseline, or nil.
func (e *Engine) Baseline() *Baseline {
	if e.baseline == nil {
		return nil
	}
	b := *e.baseline
	return &b
}

// Latest is the most recent profile, nil while calibrating.
func (e *Engine) Latest() *Profile { return e.latest }

// Reset clears history, baseline and profile for a new analysis run.
func (e *Engine) Reset() {
	e.history = nil
	e.baseline = nil
	e.latest = nil
}

func averageOf(history []acoustic.VoiceSample) *Baseline {
	var b Baseline
	for _, h := range history {
		b.AverageVolume += h.Volume
		b.AveragePitch += h.Pitch
		b.AverageEnergy += h.Energy
		b.AverageStability += h.Stability
	}
	n := float64(len(history))
	b.AverageVolume /= n
	b.AveragePitch /= n
	b.AverageEnergy /= n
	b.AverageStability /= n
	return &b
}

// ratioCapped is min(1, now/base). A zero baseline yields 1 for a positive
// current value and 0 otherwise, instead of Inf/NaN.
func ratioCapped(now, base float64) float64 {
	if base == 0 {
		if now > 0 {
			return 1
		}
		return 0
	}
	return math.Min(1, now/base)
}

func energyInstability(samples []acoustic.VoiceSample) bool {
	energies := make([]float64, len(samples))
	for i, s := range samples {
		energies[i] = s.Energy
	}
	return acoustic.Variance(energies) > energyInstabilityLimit
}

func confidenceDrops(samples []acoustic.VoiceSample) bool {
	for i := 1; i < len(samples); i++ {
		if samples[i].Volume < samples[i-1].Volume*confidenceDropRatio {
			return true
		}
	}
	return false
}

func tail(samples []acoustic.VoiceSample, n int) []acoustic.VoiceSample {
	if len(samples) <= n {
		return samples
	}
	return samples[len(samples)-n:]
}
