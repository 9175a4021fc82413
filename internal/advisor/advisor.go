// Package advisor turns fused session metrics into short coaching insights
// phrased in one of several advisor personalities.
package advisor

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/loqalabs/loqa-coach/internal/fusion"
	"github.com/loqalabs/loqa-coach/internal/linguistic"
)

type Personality string

const (
	Analytical Personality = "analytical"
	Supportive Personality = "supportive"
	Strategic  Personality = "strategic"
)

// ParsePersonality maps a config value to a personality; unknown values
// fall back to Analytical.
func ParsePersonality(s string) Personality {
	switch p := Personality(s); p {
	case Analytical, Supportive, Strategic:
		return p
	}
	return Analytical
}

type voice struct {
	tone    string
	phrases [3]string
	focus   string
}

var voices = map[Personality]voice{
	Analytical: {
		tone:    "precise",
		phrases: [3]string{"Based on voice pattern analysis", "The data indicates", "Performance metrics suggest"},
		focus:   "technical analysis",
	},
	Supportive: {
		tone:    "encouraging",
		phrases: [3]string{"Your progress shows", "This improvement demonstrates", "Building on your strengths"},
		focus:   "motivation and growth",
	},
	Strategic: {
		tone:    "forward-thinking",
		phrases: [3]string{"Consider adapting", "Future sessions could benefit", "Strategic development involves"},
		focus:   "long-term improvement",
	},
}

// Insight types, in delivery priority order.
const (
	TypeStrength    = "strength"
	TypeProgress    = "progress"
	TypeResilience  = "resilience"
	TypeDevelopment = "development"
	TypeObservation = "observation"
)

var typePriority = map[string]int{
	TypeStrength:    0,
	TypeProgress:    1,
	TypeResilience:  2,
	TypeDevelopment: 3,
	TypeObservation: 4,
}

type Insight struct {
	Type        string      `json:"type"`
	Category    string      `json:"category"`
	Message     string      `json:"message"`
	Confidence  float64     `json:"confidence"`
	Actionable  string      `json:"actionable"`
	Personality Personality `json:"personality"`
	Tone        string      `json:"tone"`
	Focus       string      `json:"focus"`
	Timestamp   int64       `json:"timestamp"`
}

// Input is what the advisor looks at for one insight. History holds earlier
// session scores in [0,1], oldest first.
type Input struct {
	Metrics fusion.Metrics
	Report  linguistic.Report
	History []float64
}

const (
	defaultConversationLimit = 50
	rapidRecoveryMS          = 1000
)

// Advisor keeps the personality and the delivered insights of a session.
// It is not safe for concurrent use.
type Advisor struct {
	personality Personality
	clock       func() time.Time
	limit       int

	conversation []Insight
}

func New(p Personality, clock func() time.Time) *Advisor {
	if clock == nil {
		clock = time.Now
	}
	return &Advisor{personality: ParsePersonality(string(p)), clock: clock, limit: defaultConversationLimit}
}

func (a *Advisor) Personality() Personality { return a.personality }

// SetPersonality switches the phrasing of later insights.
func (a *Advisor) SetPersonality(p Personality) { a.personality = ParsePersonality(string(p)) }

// Generate produces the best insight for in and records it.
func (a *Advisor) Generate(in Input) Insight {
	v := voices[a.personality]
	candidates := candidateInsights(v, in)

	var chosen Insight
	if len(candidates) == 0 {
		chosen = Insight{
			Type:       TypeObservation,
			Category:   "general",
			Message:    fmt.Sprintf("%s continuous monitoring underway.", v.phrases[0]),
			Confidence: 0.75,
			Actionable: "Continue consistent practice",
		}
	} else {
		chosen = selectInsight(candidates)
	}
	chosen.Personality = a.personality
	chosen.Tone = v.tone
	chosen.Focus = v.focus
	chosen.Timestamp = a.clock().UnixMilli()

	a.conversation = append(a.conversation, chosen)
	if over := len(a.conversation) - a.limit; over > 0 {
		a.conversation = append(a.conversation[:0], a.conversation[over:]...)
	}
	return chosen
}

// Conversation returns delivered insights, oldest first.
func (a *Advisor) Conversation() []Insight {
	return append([]Insight(nil), a.conversation...)
}

func (a *Advisor) Reset() { a.conversation = nil }

func candidateInsights(v voice, in Input) []Insight {
	var out []Insight
	acoustic := in.Metrics.Acoustic

	if acoustic.Stability > 0.8 {
		out = append(out, Insight{
			Type:       TypeStrength,
			Category:   "vocal_control",
			Message:    fmt.Sprintf("%s exceptional vocal stability at %d%%.", v.phrases[1], percent(acoustic.Stability)),
			Confidence: 0.92,
			Actionable: "Leverage this stability for advanced articulation practice",
		})
	}
	if acoustic.Energy < 0.3 {
		out = append(out, Insight{
			Type:       TypeDevelopment,
			Category:   "energy_modulation",
			Message:    fmt.Sprintf("Energy levels are subdued at %d%%. %s.", percent(acoustic.Energy), v.phrases[2]),
			Confidence: 0.87,
			Actionable: "Practice graduated energy scales",
		})
	}
	if len(in.History) > 2 {
		if trend := AnalyzeTrend(in.History[len(in.History)-3:]); trend.Direction == Upward {
			out = append(out, Insight{
				Type:       TypeProgress,
				Category:   "trajectory",
				Message:    fmt.Sprintf("%s, your trajectory shows %d%% improvement.", v.phrases[0], trend.Magnitude),
				Confidence: 0.89,
				Actionable: "Maintain training intensity",
			})
		}
	}
	if patterns := in.Report.RecoveryPatterns; len(patterns) > 0 {
		var sum float64
		for _, p := range patterns {
			sum += float64(p.RecoverySpeed)
		}
		pace := "moderate"
		if sum/float64(len(patterns)) < rapidRecoveryMS {
			pace = "rapid"
		}
		out = append(out, Insight{
			Type:       TypeResilience,
			Category:   "stress_adaptation",
			Message:    fmt.Sprintf("Stress recovery avg is %s.", pace),
			Confidence: 0.84,
			Actionable: "Implement stress inoculation drills",
		})
	}
	return out
}

// selectInsight orders by type priority, then by confidence.
func selectInsight(insights []Insight) Insight {
	sort.SliceStable(insights, func(i, j int) bool {
		pi, pj := typePriority[insights[i].Type], typePriority[insights[j].Type]
		if pi != pj {
			return pi < pj
		}
		return insights[i].Confidence > insights[j].Confidence
	})
	return insights[0]
}

type Direction string

const (
	Upward   Direction = "upward"
	Downward Direction = "downward"
	Stable   Direction = "stable"
)

type Trend struct {
	Direction Direction `json:"direction"`
	Magnitude int       `json:"magnitude"`
}

// AnalyzeTrend compares the mean of the later half of scores with the mean
// of the earlier half. Changes within five percent count as stable.
func AnalyzeTrend(scores []float64) Trend {
	if len(scores) < 2 {
		return Trend{Direction: Stable}
	}
	half := len(scores) / 2
	first := mean(scores[:half])
	second := mean(scores[half:])
	if first == 0 {
		return Trend{Direction: Stable}
	}
	change := (second - first) / first * 100

	t := Trend{Direction: Stable, Magnitude: int(math.Round(math.Abs(change)))}
	switch {
	case change > 5:
		t.Direction = Upward
	case change < -5:
		t.Direction = Downward
	}
	return t
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func percent(v float64) int { return int(math.Round(v * 100)) }
