package acoustic

import (
	"encoding/binary"
	"math"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRMSVolume(t *testing.T) {
	if got := RMSVolume(nil); got != 0 {
		t.Fatalf("expected 0 for empty buffer, got %v", got)
	}
	if got := RMSVolume([]float64{0.5, -0.5, 0.5, -0.5}); !approx(got, 0.5) {
		t.Fatalf("expected 0.5, got %v", got)
	}
}

func TestFrameFromBytesNormalisesTimeDomain(t *testing.T) {
	f := FrameFromBytes([]byte{128, 192, 64, 0}, []byte{255, 0}, 44100)
	want := []float64{0, 0.5, -0.5, -1}
	for i, v := range want {
		if !approx(f.TimeDomain[i], v) {
			t.Fatalf("sample %d: want %v got %v", i, v, f.TimeDomain[i])
		}
	}
	if f.MagnitudeBits != 8 || f.SampleRate != 44100 {
		t.Fatalf("unexpected frame metadata: %+v", f)
	}
}

func TestDominantPitchScansVoiceBandOnly(t *testing.T) {
	// 1024 bins over a 24 kHz nyquist: 23.4375 Hz per bin, band = [3, 17).
	bins := make([]float64, 1024)
	bins[1] = 255  // below band
	bins[10] = 120 // 234.375 Hz
	bins[40] = 250 // above band
	got := DominantPitch(bins, 48000)
	if !approx(got, 10*24000.0/1024) {
		t.Fatalf("expected in-band peak, got %v", got)
	}
	if got := DominantPitch(make([]float64, 1024), 48000); got != 0 {
		t.Fatalf("expected 0 for silent band, got %v", got)
	}
}

func TestEnergyUsesBitDepth(t *testing.T) {
	if got := Energy([]float64{255, 255, 0, 0}, 8); !approx(got, 0.5) {
		t.Fatalf("expected 0.5, got %v", got)
	}
	if got := Energy([]float64{65535}, 16); !approx(got, 1) {
		t.Fatalf("expected 1 for full-scale 16-bit, got %v", got)
	}
	if got := Energy([]float64{255}, 0); !approx(got, 1) {
		t.Fatalf("expected byte default, got %v", got)
	}
}

func TestStabilityDefaultsBelowTenSamples(t *testing.T) {
	for n := 0; n < 10; n++ {
		history := make([]VoiceSample, n)
		for i := range history {
			history[i] = VoiceSample{Pitch: float64(i * 50), Volume: float64(i)}
		}
		if got := Stability(history); got != 0.5 {
			t.Fatalf("n=%d: expected exactly 0.5, got %v", n, got)
		}
	}
}

func TestStabilityFromLastTenSamples(t *testing.T) {
	history := make([]VoiceSample, 0, 15)
	// Older samples are wildly different and must be ignored.
	for i := 0; i < 5; i++ {
		history = append(history, VoiceSample{Pitch: 1000, Volume: 5})
	}
	for i := 0; i < 10; i++ {
		history = append(history, VoiceSample{Pitch: 200, Volume: 0.3})
	}
	if got := Stability(history); !approx(got, 1) {
		t.Fatalf("expected perfectly stable voice, got %v", got)
	}

	// Alternate pitch 190/210: variance 100 -> pitch stability 0.
	history = history[:5]
	for i := 0; i < 10; i++ {
		p := 190.0
		if i%2 == 1 {
			p = 210
		}
		history = append(history, VoiceSample{Pitch: p, Volume: 0.3})
	}
	if got := Stability(history); !approx(got, 0.5) {
		t.Fatalf("expected 0.5 with unstable pitch, got %v", got)
	}
}

func TestExtractDoesNotTouchHistory(t *testing.T) {
	history := []VoiceSample{{Pitch: 100}}
	frame := FrameFromBytes([]byte{128, 128}, []byte{10, 20}, 48000)
	s := Extract(frame, history, 42)
	if s.Timestamp != 42 || s.Stability != 0.5 {
		t.Fatalf("unexpected sample %+v", s)
	}
	if len(history) != 1 {
		t.Fatalf("history mutated")
	}
}

func TestAnalyserDetectsTone(t *testing.T) {
	const rate = 48000
	a := NewAnalyser(AnalyserConfig{SampleRate: rate, FFTSize: 2048, Smoothing: 0})
	if a.Ready() {
		t.Fatal("analyser should not be ready before audio arrives")
	}

	pcm := make([]byte, 2048*2)
	for i := 0; i < 2048; i++ {
		v := 0.5 * math.Sin(2*math.Pi*210*float64(i)/rate)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*32767)))
	}
	if err := a.WritePCM16(pcm, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !a.Ready() {
		t.Fatal("expected analyser ready")
	}

	frame := a.Frame()
	if len(frame.Frequency) != 1024 || len(frame.TimeDomain) != 2048 {
		t.Fatalf("unexpected frame sizes %d/%d", len(frame.Frequency), len(frame.TimeDomain))
	}
	pitch := DominantPitch(frame.Frequency, frame.SampleRate)
	if math.Abs(pitch-210) > 2*float64(rate)/2/1024 {
		t.Fatalf("expected pitch near 210 Hz, got %v", pitch)
	}
	vol := RMSVolume(frame.TimeDomain)
	if math.Abs(vol-0.5/math.Sqrt2) > 0.02 {
		t.Fatalf("expected rms near 0.354, got %v", vol)
	}

	a.Reset()
	if a.Ready() {
		t.Fatal("expected reset to clear analyser")
	}
}

func TestAnalyserRejectsOddPCM(t *testing.T) {
	a := NewAnalyser(AnalyserConfig{})
	if err := a.WritePCM16([]byte{1, 2, 3}, 1); err != ErrMisalignedPCM {
		t.Fatalf("expected ErrMisalignedPCM, got %v", err)
	}
}
