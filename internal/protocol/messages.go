package protocol

import (
	"time"

	"github.com/loqalabs/loqa-coach/internal/advisor"
	"github.com/loqalabs/loqa-coach/internal/fusion"
	"github.com/loqalabs/loqa-coach/internal/recovery"
)

// AudioFrame represents PCM audio data streamed from a capture client.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	// Error is set when the recognizer gave up on the utterance; NoSpeech
	// marks the transient "nothing heard" case.
	Error    string `json:"error,omitempty"`
	NoSpeech bool   `json:"no_speech,omitempty"`
}

// MetricsUpdate is published after every fused metrics tick.
type MetricsUpdate struct {
	SessionID  string         `json:"session_id"`
	Metrics    fusion.Metrics `json:"metrics"`
	Resilience float64        `json:"resilience"`
	Grade      string         `json:"grade"`
	Timestamp  time.Time      `json:"timestamp"`
}

type InterventionPhase string

const (
	InterventionStarted   InterventionPhase = "started"
	InterventionCompleted InterventionPhase = "completed"
)

// InterventionUpdate announces a protocol starting or finishing. Trigger is
// set for started, Completion for completed.
type InterventionUpdate struct {
	SessionID  string               `json:"session_id"`
	Phase      InterventionPhase    `json:"phase"`
	Trigger    *recovery.Trigger    `json:"trigger,omitempty"`
	Completion *recovery.Completion `json:"completion,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

type Recommendation struct {
	SessionID string          `json:"session_id"`
	Insight   advisor.Insight `json:"insight"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"

	SubjectMetricsPrefix        = "coach.metrics"
	SubjectInterventionPrefix   = "coach.intervention"
	SubjectRecommendationPrefix = "coach.recommendation"
	SubjectStatusPrefix         = "coach.status"

	// SubjectCoachWildcard matches every coach output subject.
	SubjectCoachWildcard = "coach.>"
)

// SessionSubject scopes a subject prefix to one session.
func SessionSubject(prefix, sessionID string) string {
	return prefix + "." + sessionID
}
