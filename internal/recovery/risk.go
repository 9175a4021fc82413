package recovery

import (
	"github.com/loqalabs/loqa-coach/internal/fusion"
	"github.com/loqalabs/loqa-coach/internal/linguistic"
	"github.com/loqalabs/loqa-coach/internal/psychology"
)

const fallbackRecoverySpeed = 1000

// Observation is the per-tick view of a session used for risk assessment.
// Levels are in [0,1]; RecoverySpeedMS is in milliseconds.
type Observation struct {
	StressLevel          float64 `json:"stress_level"`
	VoiceStability       float64 `json:"voice_stability"`
	EnergyLevel          float64 `json:"energy_level"`
	VoiceVolume          float64 `json:"voice_volume"`
	HesitationRate       float64 `json:"hesitation_rate"`
	ConfidenceLevel      float64 `json:"confidence_level"`
	RecoverySpeedMS      float64 `json:"recovery_speed_ms"`
	AdaptationScore      float64 `json:"adaptation_score"`
	StabilityConsistency float64 `json:"stability_consistency"`
	Timestamp            int64   `json:"timestamp"`
}

// Observe derives an Observation from fused metrics, the linguistic recovery
// patterns and the latest flow state (nil while calibrating).
func Observe(m fusion.Metrics, report linguistic.Report, flow *psychology.FlowState) Observation {
	recovery := float64(fallbackRecoverySpeed)
	if len(report.RecoveryPatterns) > 0 {
		recovery = float64(report.RecoveryPatterns[0].RecoverySpeed)
	}
	consistency := 0.5
	if flow != nil {
		consistency = 0.4
		if flow.FlowDuration > 10 {
			consistency = 0.8
		}
	}
	return Observation{
		StressLevel:          m.Combined.StressLevel / 100,
		VoiceStability:       m.Acoustic.Stability,
		EnergyLevel:          m.Acoustic.Energy,
		VoiceVolume:          m.Acoustic.Volume,
		HesitationRate:       m.Linguistic.HesitationRate,
		ConfidenceLevel:      m.Combined.Confidence / 100,
		RecoverySpeedMS:      recovery,
		AdaptationScore:      report.AdaptabilityScore / 100,
		StabilityConsistency: consistency,
		Timestamp:            m.RecordedAt,
	}
}

// Baseline is the session reference taken from the first observation. Zero
// readings fall back to neutral values.
type Baseline struct {
	AverageStability      float64 `json:"average_stability"`
	AverageEnergy         float64 `json:"average_energy"`
	TypicalHesitationRate float64 `json:"typical_hesitation_rate"`
	BaselineConfidence    float64 `json:"baseline_confidence"`
	Timestamp             int64   `json:"timestamp"`
}

func newBaseline(o Observation) Baseline {
	return Baseline{
		AverageStability:      orDefault(o.VoiceStability, 0.5),
		AverageEnergy:         orDefault(o.EnergyLevel, 0.5),
		TypicalHesitationRate: orDefault(o.HesitationRate, 0.1),
		BaselineConfidence:    orDefault(o.ConfidenceLevel, 0.5),
		Timestamp:             o.Timestamp,
	}
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

type Level string

const (
	LevelUnknown  Level = "unknown"
	LevelLow      Level = "low"
	LevelModerate Level = "moderate"
	LevelCritical Level = "critical"
)

type Factor string

const (
	ElevatedStress       Factor = "elevated_stress"
	StabilityDegradation Factor = "stability_degradation"
	EnergyDepletion      Factor = "energy_depletion"
	ConfidenceErosion    Factor = "confidence_erosion"
	SlowRecovery         Factor = "slow_recovery"
)

type Assessment struct {
	Level          Level    `json:"level"`
	Score          int      `json:"score"`
	Factors        []Factor `json:"factors"`
	Recommendation string   `json:"recommendation"`
}

func (a Assessment) Has(f Factor) bool {
	for _, x := range a.Factors {
		if x == f {
			return true
		}
	}
	return false
}

// Assess scores o against the baseline. A nil baseline yields LevelUnknown.
func Assess(o Observation, b *Baseline) Assessment {
	if b == nil {
		return Assessment{Level: LevelUnknown, Factors: []Factor{}}
	}

	factors := []Factor{}
	score := 0
	add := func(cond bool, f Factor, points int) {
		if cond {
			factors = append(factors, f)
			score += points
		}
	}
	add(o.StressLevel > 0.6, ElevatedStress, 30)
	add(o.VoiceStability < b.AverageStability*0.7, StabilityDegradation, 25)
	add(o.EnergyLevel < b.AverageEnergy*0.5, EnergyDepletion, 20)
	add(o.ConfidenceLevel < b.BaselineConfidence*0.6, ConfidenceErosion, 25)
	add(o.RecoverySpeedMS > 3000, SlowRecovery, 15)

	level := LevelLow
	switch {
	case score > 60:
		level = LevelCritical
	case score > 30:
		level = LevelModerate
	}
	return Assessment{Level: level, Score: score, Factors: factors, Recommendation: recommendation(score)}
}

func recommendation(score int) string {
	switch {
	case score > 60:
		return "Immediate intervention required - multiple performance indicators compromised"
	case score > 30:
		return "Preventive measures recommended - early intervention optimal"
	}
	return "Performance within acceptable parameters - continue monitoring"
}

// SelectProtocol applies the priority rule for a critical assessment.
func SelectProtocol(a Assessment) string {
	switch {
	case a.Has(ElevatedStress) && a.Has(StabilityDegradation):
		return RespiratoryReset
	case a.Has(ConfidenceErosion):
		return CognitiveReframe
	case a.Has(EnergyDepletion):
		return EnergyModulation
	case a.Has(SlowRecovery):
		return AntifragilityBoost
	}
	return RespiratoryReset
}

// PreventiveProtocol is the choice for a moderate assessment.
func PreventiveProtocol(a Assessment) string {
	if len(a.Factors) == 0 {
		return FlowStateInduction
	}
	return SelectProtocol(a)
}

// Urgency of the intervention an assessment calls for; empty when none.
func (a Assessment) Urgency() string {
	switch a.Level {
	case LevelCritical:
		return "immediate"
	case LevelModerate:
		return "preventive"
	}
	return ""
}
