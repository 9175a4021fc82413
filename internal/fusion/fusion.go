// Package fusion reduces the linguistic report and the acoustic psychology
// profile of a session into one 0-100 scaled metrics record.
package fusion

import (
	"math"
	"time"

	"github.com/loqalabs/loqa-coach/internal/acoustic"
	"github.com/loqalabs/loqa-coach/internal/linguistic"
	"github.com/loqalabs/loqa-coach/internal/psychology"
)

type Linguistic struct {
	TotalWords        int     `json:"total_words"`
	TotalHesitations  int     `json:"total_hesitations"`
	SpeakingSpeed     float64 `json:"speaking_speed"`
	HesitationRate    float64 `json:"hesitation_rate"`
	AverageConfidence float64 `json:"average_confidence"`
}

type Acoustic struct {
	Volume    float64 `json:"volume"`
	Pitch     float64 `json:"pitch"`
	Energy    float64 `json:"energy"`
	Stability float64 `json:"stability"`
}

// Combined fields are always within [0,100].
type Combined struct {
	Confidence         float64 `json:"confidence"`
	StressLevel        float64 `json:"stress_level"`
	FlowState          float64 `json:"flow_state"`
	AntifragilityScore float64 `json:"antifragility_score"`
}

// Metrics is the record handed to scoring, recovery and advisors.
type Metrics struct {
	Linguistic Linguistic `json:"linguistic"`
	Acoustic   Acoustic   `json:"acoustic"`
	Combined   Combined   `json:"combined"`
	RecordedAt int64      `json:"recorded_at"`
}

// Fuse combines a linguistic report with the latest profile and voice sample.
// profile may be nil while the acoustic side is calibrating; its terms then
// count as zero. Fuse has no side effects.
func Fuse(report linguistic.Report, profile *psychology.Profile, sample acoustic.VoiceSample, recordedAt time.Time) Metrics {
	var voiceConfidence, voiceStress, voiceFlow, voiceAnti float64
	if profile != nil {
		voiceConfidence = profile.Confidence.OverallConfidence
		voiceStress = StressComposite(profile.Stress)
		voiceFlow = FlowScore(profile.FlowState)
		voiceAnti = VoiceAntifragility(profile.Antifragility)
	}

	confidence := math.Min(1, (report.AverageConfidence+voiceConfidence)/2)
	stress := math.Min(1, voiceStress+report.HesitationRate)
	antifragility := math.Min(1, (voiceAnti+report.AdaptabilityScore/100+AverageRecovery(report.RecoveryPatterns))/3)

	return Metrics{
		Linguistic: Linguistic{
			TotalWords:        report.TotalWords,
			TotalHesitations:  report.TotalHesitations,
			SpeakingSpeed:     report.SpeakingSpeed,
			HesitationRate:    report.HesitationRate,
			AverageConfidence: report.AverageConfidence,
		},
		Acoustic: Acoustic{
			Volume:    sample.Volume,
			Pitch:     sample.Pitch,
			Energy:    sample.Energy,
			Stability: sample.Stability,
		},
		Combined: Combined{
			Confidence:         Percent(confidence),
			StressLevel:        Percent(stress),
			FlowState:          Percent(voiceFlow),
			AntifragilityScore: Percent(antifragility),
		},
		RecordedAt: recordedAt.UnixMilli(),
	}
}

// StressComposite is the share of stress flags that are set.
func StressComposite(s psychology.Stress) float64 {
	return float64(s.ActiveFlags()) / 3
}

// FlowScore is 1 in flow and 0 otherwise.
func FlowScore(f psychology.FlowState) float64 {
	if f.IsInFlow {
		return 1
	}
	return 0
}

// VoiceAntifragility averages the measured antifragility sub-scores; 0 when
// none are measured.
func VoiceAntifragility(a psychology.Antifragility) float64 {
	var sum float64
	n := 0
	for _, v := range []*float64{a.PressureResponse, a.RecoveryPattern, a.StrengthProgression} {
		if v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// AverageRecovery is the share of hesitations followed by stronger confidence.
func AverageRecovery(patterns []linguistic.RecoveryPattern) float64 {
	if len(patterns) == 0 {
		return 0
	}
	stronger := 0
	for _, p := range patterns {
		if p.StrengthAfterSetback {
			stronger++
		}
	}
	return float64(stronger) / float64(len(patterns))
}

// Percent rescales v from [0,1] to [0,100], clamped. NaN maps to 0.
func Percent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v*100))
}
