package psychology

import "github.com/loqalabs/loqa-coach/internal/acoustic"

// Estimator supplies the profile fields that have no agreed formula yet.
// Implementations receive the retained history (oldest first) and must not
// modify it. A nil sub-score means "not measured".
type Estimator interface {
	FlowDuration(history []acoustic.VoiceSample) float64
	ArousalLevel(current acoustic.VoiceSample, baseline Baseline) float64
	PressureResponse(history []acoustic.VoiceSample) *float64
	RecoveryPattern(history []acoustic.VoiceSample) *float64
	StrengthProgression(history []acoustic.VoiceSample) *float64
}

// NeutralEstimator reports zero durations and leaves every antifragility
// sub-score unmeasured.
type NeutralEstimator struct{}

func (NeutralEstimator) FlowDuration([]acoustic.VoiceSample) float64 { return 0 }
func (NeutralEstimator) ArousalLevel(acoustic.VoiceSample, Baseline) float64 { return 0 }
func (NeutralEstimator) PressureResponse([]acoustic.VoiceSample) *float64 { return nil }
func (NeutralEstimator) RecoveryPattern([]acoustic.VoiceSample) *float64 { return nil }
func (NeutralEstimator) StrengthProgression([]acoustic.VoiceSample) *float64 { return nil }
