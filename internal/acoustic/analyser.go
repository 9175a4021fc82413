package acoustic

import (
	"encoding/binary"
	"errors"
	"math"
	"math/cmplx"
	"sync"

	"github.com/go-audio/audio"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// ErrMisalignedPCM is returned when a 16-bit PCM payload has an odd length.
var ErrMisalignedPCM = errors.New("pcm payload not aligned")

// AnalyserConfig mirrors the tuning of a browser analyser node.
type AnalyserConfig struct {
	SampleRate  int
	FFTSize     int
	Smoothing   float64
	MinDecibels float64
	MaxDecibels float64
}

// Analyser keeps the most recent FFTSize mono samples and renders them into
// a Frame on demand: time-domain samples plus byte-quantised, temporally
// smoothed magnitude bins. Writers and readers may be on different
// goroutines.
type Analyser struct {
	cfg AnalyserConfig

	mu       sync.Mutex
	ring     []float64
	pos      int
	filled   int
	fft      *fourier.FFT
	smoothed []float64
	coeffs   []complex128
}

// NewAnalyser returns an analyser; zero config fields take the browser defaults.
func NewAnalyser(cfg AnalyserConfig) *Analyser {
	if cfg.FFTSize <= 0 {
		cfg.FFTSize = 2048
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.MinDecibels == 0 && cfg.MaxDecibels == 0 {
		cfg.MinDecibels, cfg.MaxDecibels = -90, -10
	}
	return &Analyser{
		cfg:      cfg,
		ring:     make([]float64, cfg.FFTSize),
		fft:      fourier.NewFFT(cfg.FFTSize),
		smoothed: make([]float64, cfg.FFTSize/2),
		coeffs:   make([]complex128, cfg.FFTSize/2+1),
	}
}

// SampleRate reports the rate frames are tagged with.
func (a *Analyser) SampleRate() int { return a.cfg.SampleRate }

// WritePCM16 appends little-endian signed 16-bit PCM.
func (a *Analyser) WritePCM16(pcm []byte, channels int) error {
	if len(pcm)%2 != 0 {
		return ErrMisalignedPCM
	}
	if channels <= 0 {
		channels = 1
	}
	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	a.WriteBuffer(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: a.cfg.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	})
	return nil
}

// WriteBuffer appends an integer PCM buffer, down-mixing to mono.
func (a *Analyser) WriteBuffer(buf *audio.IntBuffer) {
	if buf == nil || len(buf.Data) == 0 {
		return
	}
	if buf.Format == nil {
		buf.Format = &audio.Format{NumChannels: 1, SampleRate: a.cfg.SampleRate}
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	fb := buf.AsFloat32Buffer()

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i+channels <= len(fb.Data); i += channels {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(fb.Data[i+c])
		}
		a.ring[a.pos] = sum / float64(channels)
		a.pos = (a.pos + 1) % len(a.ring)
		if a.filled < len(a.ring) {
			a.filled++
		}
	}
}

// Ready reports whether any audio has been written since the last Reset.
func (a *Analyser) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filled > 0
}

// Reset drops buffered audio and smoothing state.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.ring {
		a.ring[i] = 0
	}
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
	a.pos, a.filled = 0, 0
}

// Frame renders the current window. Each call advances the smoothing state,
// so it should be called once per analysis tick.
func (a *Analyser) Frame() Frame {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	td := make([]float64, n)
	for i := 0; i < n; i++ {
		v := a.ring[(a.pos+i)%n]
		td[i] = math.Max(-1, math.Min(1, v))
	}

	windowed := window.Blackman(append([]float64(nil), td...))
	a.fft.Coefficients(a.coeffs, windowed)

	bins := make([]float64, n/2)
	span := a.cfg.MaxDecibels - a.cfg.MinDecibels
	for k := range bins {
		mag := cmplx.Abs(a.coeffs[k]) / float64(n)
		a.smoothed[k] = a.cfg.Smoothing*a.smoothed[k] + (1-a.cfg.Smoothing)*mag
		db := 20 * math.Log10(a.smoothed[k])
		scaled := math.Floor(255 * (db - a.cfg.MinDecibels) / span)
		bins[k] = math.Max(0, math.Min(255, scaled))
	}

	return Frame{
		TimeDomain:    td,
		Frequency:     bins,
		MagnitudeBits: defaultMagnitudeBits,
		SampleRate:    a.cfg.SampleRate,
	}
}
