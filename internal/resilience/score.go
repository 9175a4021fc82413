// Package resilience keeps the running resilience score of a session.
//
// The score has two update paths that are deliberately kept apart: a
// continuous recompute that replaces the score on every metrics tick, and an
// additive bonus applied when a recovery protocol completes. The recompute
// overwrites any bonus on the next tick.
package resilience

import "math"

const DefaultInitial = 75

// Inputs are the metrics the continuous recompute reads. Levels are in
// [0,1]; RecoverySpeedMS is in milliseconds.
type Inputs struct {
	Stability       float64
	RecoverySpeedMS float64
	AdaptationScore float64
	StressLevel     float64
}

// Scorer is owned by one session and is not safe for concurrent use.
type Scorer struct {
	initial float64
	score   float64
}

// NewScorer starts at initial, clamped to [0,100].
func NewScorer(initial float64) *Scorer {
	initial = clamp(initial)
	return &Scorer{initial: initial, score: initial}
}

func (s *Scorer) Score() float64 { return s.score }

// RecomputeFromMetrics replaces the score with the weighted, rounded sum of
// the current inputs.
func (s *Scorer) RecomputeFromMetrics(in Inputs) float64 {
	stability := in.Stability * 30
	recovery := math.Max(0, (5000-in.RecoverySpeedMS)/5000) * 25
	adaptation := in.AdaptationScore * 25
	stress := math.Max(0, 1-in.StressLevel) * 20
	s.score = clamp(math.Round(stability + recovery + adaptation + stress))
	return s.score
}

// ApplyInterventionBonus adds effectiveness*5 to the score, capped at 100.
func (s *Scorer) ApplyInterventionBonus(effectiveness float64) float64 {
	s.score = clamp(math.Min(100, s.score+effectiveness*5))
	return s.score
}

// Reset restores the initial score.
func (s *Scorer) Reset() { s.score = s.initial }

type Grade struct {
	Letter      string `json:"grade"`
	Description string `json:"description"`
}

// GradeFor maps a score to a letter grade.
func GradeFor(score float64) Grade {
	switch {
	case score >= 90:
		return Grade{"A+", "Exceptional"}
	case score >= 80:
		return Grade{"A", "Excellent"}
	case score >= 70:
		return Grade{"B", "Good"}
	case score >= 60:
		return Grade{"C", "Average"}
	}
	return Grade{"D", "Developing"}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
