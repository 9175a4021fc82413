package advisor

import "math"

type Level string

const (
	Fragile     Level = "fragile"
	Robust      Level = "robust"
	Antifragile Level = "antifragile"
)

// AntifragilityScore combines a stress-response slope (about -2.5..2.5), a
// recovery time in seconds and an adaptation rate in [0,1] into a 0-100
// score.
func AntifragilityScore(stressResponse, recoveryTimeSec, adaptationRate float64) float64 {
	stress := math.Max(0, math.Min(100, (stressResponse+2.5)*20))
	recovery := math.Max(0, math.Min(100, (1800-recoveryTimeSec)/18))
	adaptation := adaptationRate * 100
	return stress*0.4 + recovery*0.3 + adaptation*0.3
}

func Classify(score float64) Level {
	switch {
	case score >= 75:
		return Antifragile
	case score >= 45:
		return Robust
	}
	return Fragile
}

// Recommendations lists training steps to move from current toward target.
func Recommendations(current, target Level) []string {
	if current == target {
		return []string{"Maintain current training intensity and diversify stress exposure."}
	}
	switch current {
	case Fragile:
		return []string{
			"Increase low-intensity stress inoculation exercises (e.g., uncertainty training).",
			"Incorporate progressive exposure protocols to expand comfort zones.",
			"Begin autonomic nervous system training (e.g., box breathing under load).",
		}
	case Robust:
		return []string{
			"Introduce moderate-level hormetic stress challenges (e.g., controlled public speaking pressure).",
			"Practice paradoxical thinking and antifragile mindset exercises.",
			"Deploy system-design principles like optionality and redundancy in speech training.",
		}
	}
	return nil
}
