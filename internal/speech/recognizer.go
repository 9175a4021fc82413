// Package speech receives recognition results for a session and keeps the
// recognition stream alive across platform stalls.
package speech

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoSpeech is the transient "nothing heard" condition. Listeners
	// recover from it without surfacing it.
	ErrNoSpeech = errors.New("no speech detected")
	// ErrUnsupportedPlatform means no recognition facility is available.
	ErrUnsupportedPlatform = errors.New("speech recognition unsupported")
)

// Result is one recognition result. Interim results are provisional.
type Result struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Final      bool      `json:"final"`
	At         time.Time `json:"at"`
}

// Event is pushed by a Recognizer: either a result or an error.
type Event struct {
	Result *Result
	Err    error
}

// Recognizer is a push-driven recognition facility. After Start succeeds it
// calls emit for every event until Stop returns. emit never blocks.
type Recognizer interface {
	Start(ctx context.Context, emit func(Event)) error
	Stop()
}
