package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavChunk = 20 * time.Millisecond

// ReadWAV decodes a whole PCM WAV file.
func ReadWAV(path string) (*audio.IntBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("open %s: %w", path, ErrPermissionDenied)
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", path, ErrUnsupportedPlatform)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("%s has no sample rate", path)
	}
	return buf, nil
}

// Chunks splits buf into consecutive buffers of d worth of audio. The last
// chunk may be shorter.
func Chunks(buf *audio.IntBuffer, d time.Duration) []*audio.IntBuffer {
	channels := max(buf.Format.NumChannels, 1)
	frames := max(int(int64(buf.Format.SampleRate)*int64(d)/int64(time.Second)), 1)
	step := frames * channels

	var out []*audio.IntBuffer
	for i := 0; i < len(buf.Data); i += step {
		end := min(i+step, len(buf.Data))
		out = append(out, &audio.IntBuffer{
			Format:         buf.Format,
			Data:           buf.Data[i:end],
			SourceBitDepth: buf.SourceBitDepth,
		})
	}
	return out
}

// WAVSource plays a file into the sink at real-time pace, as if it were a
// microphone, and then goes quiet.
type WAVSource struct {
	path string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWAVSource(path string) *WAVSource {
	return &WAVSource{path: path}
}

func (s *WAVSource) Start(ctx context.Context, sink Sink) error {
	buf, err := ReadWAV(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.play(ctx, sink, Chunks(buf, wavChunk), s.done)
	return nil
}

func (s *WAVSource) play(ctx context.Context, sink Sink, chunks []*audio.IntBuffer, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(wavChunk)
	defer ticker.Stop()
	for _, chunk := range chunks {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sink.WriteBuffer(chunk)
		}
	}
}

// Stop halts playback; no writes happen after it returns.
func (s *WAVSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}
