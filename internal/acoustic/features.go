// Package acoustic turns raw microphone audio into per-tick voice features:
// loudness, dominant pitch within the speaking band, spectral energy and a
// short-horizon stability estimate.
package acoustic

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// Human speaking band scanned for the dominant pitch.
	voiceBandLowHz  = 80.0
	voiceBandHighHz = 400.0

	// stabilityWindow is the number of prior samples stability looks at.
	stabilityWindow = 10

	// DefaultStability is reported until enough history exists.
	DefaultStability = 0.5

	defaultMagnitudeBits = 8
)

// VoiceSample is the feature vector produced once per analysis tick.
type VoiceSample struct {
	Volume    float64 `json:"volume"`
	Pitch     float64 `json:"pitch"`
	Energy    float64 `json:"energy"`
	Stability float64 `json:"stability"`
	Timestamp int64   `json:"timestamp"`
}

// Frame is one analysis window. TimeDomain holds samples normalised to
// [-1,1]; Frequency holds non-negative bin magnitudes quantised to
// MagnitudeBits (8 when zero).
type Frame struct {
	TimeDomain    []float64
	Frequency     []float64
	MagnitudeBits int
	SampleRate    int
}

// FrameFromBytes builds a Frame from unsigned 8-bit buffers where the time
// domain is centred on 128.
func FrameFromBytes(timeData, freqData []byte, sampleRate int) Frame {
	td := make([]float64, len(timeData))
	for i, v := range timeData {
		td[i] = (float64(v) - 128) / 128
	}
	fd := make([]float64, len(freqData))
	for i, v := range freqData {
		fd[i] = float64(v)
	}
	return Frame{TimeDomain: td, Frequency: fd, MagnitudeBits: defaultMagnitudeBits, SampleRate: sampleRate}
}

// Extract computes a VoiceSample for frame. history is the voice history
// before this sample is appended; it is only read.
func Extract(frame Frame, history []VoiceSample, timestamp int64) VoiceSample {
	return VoiceSample{
		Volume:    RMSVolume(frame.TimeDomain),
		Pitch:     DominantPitch(frame.Frequency, frame.SampleRate),
		Energy:    Energy(frame.Frequency, frame.MagnitudeBits),
		Stability: Stability(history),
		Timestamp: timestamp,
	}
}

// RMSVolume is the root mean square of normalised samples.
func RMSVolume(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(samples, samples) / float64(len(samples)))
}

// DominantPitch returns the frequency in Hz of the strongest bin inside the
// 80-400 Hz band, or 0 when the band is silent.
func DominantPitch(bins []float64, sampleRate int) float64 {
	n := len(bins)
	if n == 0 || sampleRate <= 0 {
		return 0
	}
	nyquist := float64(sampleRate) / 2
	lo := int(math.Floor(voiceBandLowHz * float64(n) / nyquist))
	hi := int(math.Floor(voiceBandHighHz * float64(n) / nyquist))
	if hi > n {
		hi = n
	}

	maxIndex := 0
	maxValue := 0.0
	for i := lo; i < hi; i++ {
		if bins[i] > maxValue {
			maxValue = bins[i]
			maxIndex = i
		}
	}
	return float64(maxIndex) * nyquist / float64(n)
}

// Energy is the mean bin magnitude scaled to [0,1] by the magnitude bit depth.
func Energy(bins []float64, magnitudeBits int) float64 {
	if len(bins) == 0 {
		return 0
	}
	if magnitudeBits <= 0 {
		magnitudeBits = defaultMagnitudeBits
	}
	full := math.Exp2(float64(magnitudeBits)) - 1
	return stat.Mean(bins, nil) / full
}

// Stability blends pitch and volume steadiness over the last ten samples of
// history. It returns DefaultStability when fewer than ten samples exist.
func Stability(history []VoiceSample) float64 {
	if len(history) < stabilityWindow {
		return DefaultStability
	}
	recent := history[len(history)-stabilityWindow:]
	pitches := make([]float64, len(recent))
	volumes := make([]float64, len(recent))
	for i, s := range recent {
		pitches[i] = s.Pitch
		volumes[i] = s.Volume
	}

	pitchStability := math.Max(0, 1-Variance(pitches)/100)
	volumeStability := math.Max(0, 1-Variance(volumes))
	return (pitchStability + volumeStability) / 2
}

// Variance is the population variance of values; 0 for an empty slice.
func Variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.PopVariance(values, nil)
}
