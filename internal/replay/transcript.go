package replay

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-coach/internal/linguistic"
)

// Utterance is one timed recognition result. AtMS is the offset from the
// start of the recording.
type Utterance struct {
	AtMS       int64   `yaml:"at_ms" json:"at_ms"`
	Text       string  `yaml:"text" json:"text"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
	Interim    bool    `yaml:"interim,omitempty" json:"interim,omitempty"`
}

func (u Utterance) segment() linguistic.Segment {
	return linguistic.Segment{Text: u.Text, Confidence: u.Confidence, Final: !u.Interim}
}

type transcriptFile struct {
	Utterances []Utterance `yaml:"utterances"`
}

// LoadTranscript reads a YAML transcript and returns its utterances ordered
// by offset.
func LoadTranscript(path string) ([]Utterance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	var file transcriptFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}
	for i, u := range file.Utterances {
		if u.AtMS < 0 {
			return nil, fmt.Errorf("utterance %d: at_ms must not be negative", i)
		}
		if u.Confidence < 0 || u.Confidence > 1 {
			return nil, fmt.Errorf("utterance %d: confidence must be within [0,1]", i)
		}
	}
	sort.SliceStable(file.Utterances, func(i, j int) bool {
		return file.Utterances[i].AtMS < file.Utterances[j].AtMS
	})
	return file.Utterances, nil
}
