// Package linguistic accumulates committed speech-recognition results for a
// session and reports speaking rate, hesitations, confidence and how quickly
// the speaker recovers after a hesitation.
package linguistic

import (
	"math"
	"regexp"
	"strings"
	"time"
)

const (
	defaultConfidence     = 0.5
	recoveryLookahead     = 5
	fallbackRecoverySpeed = 1000
)

var hesitationPattern = regexp.MustCompile(`(?i)\b(um|uh|er|ah|like|you know)\b`)

// Segment is one recognition result. Interim segments are provisional and
// never counted.
type Segment struct {
	Text       string
	Confidence float64
	Final      bool
}

type Hesitation struct {
	Word       string  `json:"word"`
	Timestamp  int64   `json:"timestamp"`
	Confidence float64 `json:"confidence"`
}

type RecoveryPattern struct {
	HesitationType       string `json:"hesitation_type"`
	RecoverySpeed        int64  `json:"recovery_speed_ms"`
	StrengthAfterSetback bool   `json:"strength_after_setback"`
}

// Report is a point-in-time summary of the accumulator.
type Report struct {
	TotalWords        int               `json:"total_words"`
	TotalHesitations  int               `json:"total_hesitations"`
	SpeakingSpeed     float64           `json:"speaking_speed"`
	HesitationRate    float64           `json:"hesitation_rate"`
	AverageConfidence float64           `json:"average_confidence"`
	TotalDurationMS   int64             `json:"total_duration_ms"`
	RecoveryPatterns  []RecoveryPattern `json:"recovery_patterns"`
	AdaptabilityScore float64           `json:"adaptability_score"`
	LastError         string            `json:"last_error,omitempty"`
}

// Aggregator is the speech accumulator of one session. It is driven from the
// session loop and is not safe for concurrent use.
type Aggregator struct {
	clock func() time.Time

	totalWords  int
	hesitations []Hesitation
	confidences []float64
	timestamps  []int64
	lastErr     error
}

// NewAggregator returns an empty aggregator; a nil clock uses time.Now.
func NewAggregator(clock func() time.Time) *Aggregator {
	if clock == nil {
		clock = time.Now
	}
	return &Aggregator{clock: clock}
}

// Ingest folds a final segment into the accumulator and returns the
// hesitation markers it contained. Interim segments are ignored.
func (a *Aggregator) Ingest(seg Segment) []string {
	if !seg.Final {
		return nil
	}
	now := a.clock().UnixMilli()
	conf := seg.Confidence
	if conf == 0 {
		conf = defaultConfidence
	}

	a.timestamps = append(a.timestamps, now)
	a.confidences = append(a.confidences, conf)
	a.totalWords += len(strings.Fields(seg.Text))

	matches := hesitationPattern.FindAllString(seg.Text, -1)
	found := make([]string, 0, len(matches))
	for _, m := range matches {
		word := strings.ToLower(m)
		found = append(found, word)
		a.hesitations = append(a.hesitations, Hesitation{Word: word, Timestamp: now, Confidence: conf})
	}
	return found
}

// Fail records a recognition error. Accumulated totals are kept.
func (a *Aggregator) Fail(err error) {
	a.lastErr = err
}

// Err returns the last recorded recognition error.
func (a *Aggregator) Err() error { return a.lastErr }

// Reset clears every accumulated value and the recorded error.
func (a *Aggregator) Reset() {
	*a = Aggregator{clock: a.clock}
}

// Report summarises the accumulator as of now.
func (a *Aggregator) Report(now time.Time) Report {
	elapsed := 1.0
	if len(a.timestamps) > 0 {
		elapsed = math.Max(1, float64(now.UnixMilli()-a.timestamps[0])/1000)
	}

	var rate float64
	if a.totalWords > 0 {
		rate = float64(len(a.hesitations)) / float64(a.totalWords)
	}

	var avg float64
	if len(a.confidences) > 0 {
		for _, c := range a.confidences {
			avg += c
		}
		avg /= float64(len(a.confidences))
	}

	r := Report{
		TotalWords:        a.totalWords,
		TotalHesitations:  len(a.hesitations),
		SpeakingSpeed:     float64(a.totalWords) / (elapsed / 60),
		HesitationRate:    rate,
		AverageConfidence: avg,
		TotalDurationMS:   int64(elapsed * 1000),
		RecoveryPatterns:  a.recoveryPatterns(),
		AdaptabilityScore: math.Max(0, math.Min(100, avg*100-rate*50)),
	}
	if a.lastErr != nil {
		r.LastError = a.lastErr.Error()
	}
	return r
}

// recoveryPatterns pairs hesitation i with the result timestamps and
// confidences that follow result i.
func (a *Aggregator) recoveryPatterns() []RecoveryPattern {
	out := make([]RecoveryPattern, 0, len(a.hesitations))
	for i, h := range a.hesitations {
		p := RecoveryPattern{HesitationType: h.Word, RecoverySpeed: fallbackRecoverySpeed}
		if next := window(a.timestamps, i+1, recoveryLookahead); len(next) > 0 {
			p.RecoverySpeed = next[0] - h.Timestamp
		}
		if i+1 < len(a.confidences) {
			p.StrengthAfterSetback = a.confidences[i+1] > h.Confidence
		}
		out = append(out, p)
	}
	return out
}

func window(values []int64, from, n int) []int64 {
	if from >= len(values) {
		return nil
	}
	return values[from:min(from+n, len(values))]
}
