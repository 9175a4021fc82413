package stt

import (
	"encoding/binary"

	"github.com/loqalabs/loqa-coach/internal/acoustic"
)

// Hysteresis tuned for 16 kHz frames of roughly 20 ms.
const (
	vadSpeechThreshold  = 0.015
	vadSilenceThreshold = 0.008
	vadStartFrames      = 3
	vadEndFrames        = 30
)

// vad splits a frame stream into utterances by RMS level. Speech starts
// after vadStartFrames loud frames and ends after vadEndFrames quiet ones.
type vad struct {
	inSpeech     bool
	speechCount  int
	silenceCount int
}

// Observe feeds one frame level. It reports whether the detector is in
// speech after the frame and whether this frame closed an utterance.
func (v *vad) Observe(level float64) (inSpeech, ended bool) {
	if v.inSpeech {
		if level < vadSilenceThreshold {
			v.silenceCount++
			if v.silenceCount >= vadEndFrames {
				v.inSpeech = false
				v.silenceCount = 0
				return false, true
			}
		} else {
			v.silenceCount = 0
		}
		return true, false
	}

	if level >= vadSpeechThreshold {
		v.speechCount++
		if v.speechCount >= vadStartFrames {
			v.inSpeech = true
			v.speechCount = 0
		}
	} else {
		v.speechCount = 0
	}
	return v.inSpeech, false
}

func (v *vad) Reset() { *v = vad{} }

func decodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, acoustic.ErrMisalignedPCM
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// frameLevel is the RMS of a PCM16 frame normalised to [0,1].
func frameLevel(pcm []byte) (float64, error) {
	samples, err := decodePCM16(pcm)
	if err != nil {
		return 0, err
	}
	norm := make([]float64, len(samples))
	for i, s := range samples {
		norm[i] = float64(s) / 32768
	}
	return acoustic.RMSVolume(norm), nil
}
