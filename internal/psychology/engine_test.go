package psychology

import (
	"errors"
	"math"
	"testing"

	"github.com/loqalabs/loqa-coach/internal/acoustic"
)

func steady(ts int64) acoustic.VoiceSample {
	return acoustic.VoiceSample{Volume: 0.3, Pitch: 180, Energy: 0.4, Stability: 0.8, Timestamp: ts}
}

// calibrate feeds n steady samples through the engine the way Process does.
func calibrate(t *testing.T, e *Engine, n int64) {
	t.Helper()
	for i := int64(1); i <= n; i++ {
		s := steady(i * 100)
		if err := e.Append(s); err != nil {
			t.Fatalf("append: %v", err)
		}
		e.Analyze(s)
	}
}

func TestAnalyzeNeedsHistoryAndBaseline(t *testing.T) {
	e := NewEngine(Config{})
	for i := int64(1); i <= 19; i++ {
		s := steady(i * 100)
		if err := e.Append(s); err != nil {
			t.Fatalf("append: %v", err)
		}
		if p := e.Analyze(s); p != nil {
			t.Fatalf("sample %d: expected no profile before calibration, got %+v", i, p)
		}
	}
	if e.Baseline() != nil {
		t.Fatal("baseline should not exist with 19 samples")
	}

	s := steady(2000)
	if err := e.Append(s); err != nil {
		t.Fatal(err)
	}
	p := e.Analyze(s)
	if p == nil {
		t.Fatal("expected profile once history reaches 20 samples")
	}
	if p.Confidence.OverallConfidence < 0.999999 {
		t.Fatalf("expected full confidence for a baseline-identical sample, got %v", p.Confidence.OverallConfidence)
	}
	if !p.FlowState.IsInFlow {
		t.Fatal("expected baseline-identical sample to be in flow")
	}
	if p.Antifragility.PressureResponse != nil || p.FlowState.FlowDuration != 0 {
		t.Fatalf("expected neutral placeholders, got %+v", p)
	}
}

func TestBaselineIsOneShot(t *testing.T) {
	e := NewEngine(Config{})
	for i := int64(1); i <= 20; i++ {
		s := steady(i * 100)
		_ = e.Append(s)
		e.Analyze(s)
	}
	first := e.Baseline()
	if first == nil {
		t.Fatal("expected baseline after 20 samples")
	}

	for i := int64(21); i <= 60; i++ {
		s := acoustic.VoiceSample{Volume: 0.9, Pitch: 320, Energy: 0.9, Stability: 0.2, Timestamp: i * 100}
		_ = e.Append(s)
		e.Analyze(s)
	}
	if got := e.Baseline(); *got != *first {
		t.Fatalf("baseline changed: before %+v after %+v", *first, *got)
	}
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	e := NewEngine(Config{})
	if err := e.Append(steady(100)); err != nil {
		t.Fatal(err)
	}
	if err := e.Append(steady(100)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder for equal timestamp, got %v", err)
	}
	if err := e.Append(steady(50)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder for older timestamp, got %v", err)
	}
	if len(e.History()) != 1 {
		t.Fatalf("rejected samples must not be retained")
	}
}

func TestHistoryEvictsOutsideWindow(t *testing.T) {
	e := NewEngine(Config{WindowMS: 1000})
	for _, ts := range []int64{1, 500, 1000, 1001, 1600} {
		_ = e.Append(steady(ts))
	}
	h := e.History()
	// Cutoff for 1600 is 600: samples at 1 and 500 are gone.
	if len(h) != 3 || h[0].Timestamp != 1000 {
		t.Fatalf("unexpected history after eviction: %+v", h)
	}
}

func TestStressIndicators(t *testing.T) {
	e := NewEngine(Config{BaselineSamples: 5})
	calibrate(t, e, 5)

	strained := acoustic.VoiceSample{Volume: 0.05, Pitch: 300, Energy: 0.4, Stability: 0.5, Timestamp: 600}
	_ = e.Append(strained)
	p := e.Analyze(strained)
	if p == nil {
		t.Fatal("expected profile")
	}
	if !p.Stress.VoiceStrain {
		t.Fatal("expected voice strain: pitch 300 > 216 and stability 0.5 < 0.64")
	}
	if !p.Stress.ConfidenceDrops {
		t.Fatal("expected confidence drop: volume fell from 0.3 to 0.05")
	}
	if p.Stress.EnergyInstability {
		t.Fatal("energy is flat; no instability expected")
	}
	if p.FlowState.IsInFlow {
		t.Fatal("strained sample should not be in flow")
	}
	if got := p.Stress.ActiveFlags(); got != 2 {
		t.Fatalf("expected 2 active flags, got %d", got)
	}
}

func TestPitchConfidenceUsesStability(t *testing.T) {
	e := NewEngine(Config{BaselineSamples: 5})
	calibrate(t, e, 5)
	s := acoustic.VoiceSample{Volume: 0.3, Pitch: 180, Energy: 0.4, Stability: 0.4, Timestamp: 600}
	_ = e.Append(s)
	p := e.Analyze(s)
	if math.Abs(p.Confidence.PitchConfidence-0.5) > 1e-9 {
		t.Fatalf("expected stability ratio 0.4/0.8, got %v", p.Confidence.PitchConfidence)
	}
}

func TestProcessAndReset(t *testing.T) {
	e := NewEngine(Config{})
	frame := acoustic.FrameFromBytes([]byte{128, 160, 96, 128}, []byte{0, 10, 20, 30}, 8000)
	sample, profile, err := e.Process(frame, 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if profile != nil {
		t.Fatal("expected no profile for first sample")
	}
	if sample.Stability != acoustic.DefaultStability {
		t.Fatalf("expected default stability, got %v", sample.Stability)
	}
	if _, _, err := e.Process(frame, 5); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected out-of-order error, got %v", err)
	}

	e.Reset()
	if len(e.History()) != 0 || e.Baseline() != nil || e.Latest() != nil {
		t.Fatal("expected reset to clear engine state")
	}
}

type fixedEstimator struct {
	NeutralEstimator
	pressure float64
}

func (f fixedEstimator) PressureResponse([]acoustic.VoiceSample) *float64 { return &f.pressure }

func TestEstimatorExtensionPoint(t *testing.T) {
	e := NewEngine(Config{BaselineSamples: 5, Estimator: fixedEstimator{pressure: 0.7}})
	var p *Profile
	for i := int64(1); i <= 5; i++ {
		s := steady(i * 100)
		_ = e.Append(s)
		p = e.Analyze(s)
	}
	if p == nil || p.Antifragility.PressureResponse == nil || *p.Antifragility.PressureResponse != 0.7 {
		t.Fatalf("expected estimator-provided pressure response, got %+v", p)
	}
	if p.Antifragility.RecoveryPattern != nil {
		t.Fatal("unimplemented sub-scores should stay absent")
	}
}
