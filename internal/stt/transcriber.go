package stt

import (
	"context"
)

// TranscriptResult captures transcriber output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Transcriber abstracts STT backends. pcm is little-endian signed 16-bit
// audio; final is false for interim passes over an utterance in progress.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}
