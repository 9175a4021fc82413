package linguistic

import (
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"
)

var (
	fillerWords = map[string]struct{}{
		"um": {}, "uh": {}, "er": {}, "ah": {}, "like": {}, "basically": {},
		"actually": {}, "literally": {}, "so": {}, "well": {},
	}

	sentenceSplit  = regexp.MustCompile(`[.!?]+`)
	silentEnding   = regexp.MustCompile(`(?:[^laeiouy]es|ed|[^laeiouy]e)$`)
	syllableVowels = regexp.MustCompile(`[aeiouy]{1,2}`)
)

type Sentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// TextStats describes a finished transcript.
type TextStats struct {
	WordCount             int       `json:"word_count"`
	WordsPerMinute        float64   `json:"words_per_minute"`
	HesitationRate        float64   `json:"hesitation_rate"`
	FillerWords           []string  `json:"filler_words"`
	AverageSentenceLength float64   `json:"average_sentence_length"`
	ReadabilityScore      float64   `json:"readability_score"`
	Sentiment             Sentiment `json:"sentiment"`
}

// AnalyzeText computes transcript statistics over the span [start, end].
// Spans shorter than one second count as one second.
func AnalyzeText(transcript string, start, end time.Time) TextStats {
	cleaned := strings.TrimSpace(transcript)
	words := strings.Fields(cleaned)
	count := len(words)
	seconds := math.Max(1, end.Sub(start).Seconds())

	fillers := findFillers(words)

	sentences := 0
	for _, s := range sentenceSplit.Split(cleaned, -1) {
		if strings.TrimSpace(s) != "" {
			sentences++
		}
	}
	var avgSentence float64
	if sentences > 0 {
		avgSentence = float64(count) / float64(sentences)
	}

	flesch := 206.835 - 1.015*avgSentence - 84.6*(float64(countSyllables(words))/float64(max(1, count)))

	return TextStats{
		WordCount:             count,
		WordsPerMinute:        round(float64(count)/seconds*60, 2),
		HesitationRate:        round(float64(len(fillers))/float64(max(1, count)), 4),
		FillerWords:           fillers,
		AverageSentenceLength: round(avgSentence, 2),
		ReadabilityScore:      math.Max(0, math.Min(100, flesch)),
		Sentiment:             Sentiment{Label: "neutral", Score: 0.5},
	}
}

func findFillers(words []string) []string {
	found := []string{}
	for i := 0; i < len(words); i++ {
		w := normalizeWord(words[i])
		if w == "you" && i+1 < len(words) && normalizeWord(words[i+1]) == "know" {
			found = append(found, "you know")
			i++
			continue
		}
		if _, ok := fillerWords[w]; ok {
			found = append(found, w)
		}
	}
	return found
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, unicode.IsPunct))
}

// countSyllables is a rough English estimator: drop a silent ending and a
// leading y, then count vowel groups of at most two letters.
func countSyllables(words []string) int {
	n := 0
	for _, w := range words {
		w = strings.ToLower(w)
		w = silentEnding.ReplaceAllString(w, "")
		w = strings.TrimPrefix(w, "y")
		n += len(syllableVowels.FindAllString(w, -1))
	}
	return n
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
