package stt

import (
	"context"
	"fmt"
)

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	mode := "partial"
	if final {
		mode = "final"
	}
	ms := 0
	if sampleRate > 0 && channels > 0 {
		ms = len(pcm) / 2 / channels * 1000 / sampleRate
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("%s utterance of %d ms", mode, ms),
		Confidence: 0.5,
	}, nil
}
