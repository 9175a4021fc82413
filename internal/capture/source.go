// Package capture connects a session's audio input to its analyser.
package capture

import (
	"context"
	"errors"

	"github.com/go-audio/audio"
)

var (
	// ErrPermissionDenied means the audio input exists but may not be read.
	ErrPermissionDenied = errors.New("audio capture permission denied")
	// ErrUnsupportedPlatform means no audio input is available at all.
	ErrUnsupportedPlatform = errors.New("audio capture unsupported")
)

// Sink receives captured audio. *acoustic.Analyser satisfies it.
type Sink interface {
	WritePCM16(pcm []byte, channels int) error
	WriteBuffer(buf *audio.IntBuffer)
}

// Source streams audio into a Sink until stopped. Start returns
// ErrPermissionDenied or ErrUnsupportedPlatform (possibly wrapped) when the
// input cannot be opened; in that case nothing is written.
type Source interface {
	Start(ctx context.Context, sink Sink) error
	Stop()
}
