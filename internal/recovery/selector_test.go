package recovery

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/loqalabs/loqa-coach/internal/fusion"
	"github.com/loqalabs/loqa-coach/internal/linguistic"
	"github.com/loqalabs/loqa-coach/internal/psychology"
)

func calm() Observation {
	return Observation{
		StressLevel:     0.1,
		VoiceStability:  0.8,
		EnergyLevel:     0.5,
		ConfidenceLevel: 0.8,
		RecoverySpeedMS: 1000,
		AdaptationScore: 0.7,
	}
}

func mustSelector(t *testing.T, cfg Config) *Selector {
	t.Helper()
	s, err := NewSelector(cfg)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	return s
}

func newTestSelector(t *testing.T, eff float64, completions *[]Completion) *Selector {
	return mustSelector(t, Config{
		Effectiveness: func(string) float64 { return eff },
		OnComplete: func(c Completion) {
			if completions != nil {
				*completions = append(*completions, c)
			}
		},
		Clock: func() time.Time { return time.UnixMilli(5000) },
	})
}

func TestAssessScoresFactors(t *testing.T) {
	b := &Baseline{AverageStability: 0.8, AverageEnergy: 0.5, BaselineConfidence: 0.8}

	a := Assess(calm(), b)
	if a.Level != LevelLow || a.Score != 0 || len(a.Factors) != 0 {
		t.Fatalf("expected low risk, got %+v", a)
	}

	o := calm()
	o.StressLevel = 0.9
	o.VoiceStability = 0.3
	a = Assess(o, b)
	if a.Level != LevelModerate || a.Score != 55 {
		t.Fatalf("expected moderate 55, got %+v", a)
	}

	o.EnergyLevel = 0.1
	o.RecoverySpeedMS = 4000
	a = Assess(o, b)
	if a.Level != LevelCritical || a.Score != 90 {
		t.Fatalf("expected critical 90, got %+v", a)
	}
	if a.Recommendation == "" {
		t.Fatal("expected recommendation text")
	}

	if got := Assess(o, nil); got.Level != LevelUnknown {
		t.Fatalf("expected unknown without baseline, got %v", got.Level)
	}
}

func TestProtocolSelection(t *testing.T) {
	cases := []struct {
		factors []Factor
		want    string
	}{
		{[]Factor{ElevatedStress, StabilityDegradation}, RespiratoryReset},
		{[]Factor{ElevatedStress, StabilityDegradation, ConfidenceErosion, EnergyDepletion, SlowRecovery}, RespiratoryReset},
		{[]Factor{ElevatedStress, ConfidenceErosion, EnergyDepletion}, CognitiveReframe},
		{[]Factor{ElevatedStress, EnergyDepletion, SlowRecovery}, EnergyModulation},
		{[]Factor{ElevatedStress, SlowRecovery, StabilityDegradation}, RespiratoryReset},
		{[]Factor{StabilityDegradation, SlowRecovery, ElevatedStress}, RespiratoryReset},
		{[]Factor{StabilityDegradation, SlowRecovery}, AntifragilityBoost},
		{[]Factor{ElevatedStress}, RespiratoryReset},
	}
	for _, tc := range cases {
		if got := SelectProtocol(Assessment{Factors: tc.factors}); got != tc.want {
			t.Errorf("%v: want %s got %s", tc.factors, tc.want, got)
		}
	}
	if got := PreventiveProtocol(Assessment{Level: LevelModerate, Factors: []Factor{}}); got != FlowStateInduction {
		t.Fatalf("expected flow induction for factorless moderate risk, got %s", got)
	}
}

func TestCriticalStressAndStabilityPicksRespiratoryReset(t *testing.T) {
	s := newTestSelector(t, 0.8, nil)
	s.Observe(calm())

	o := calm()
	o.StressLevel = 0.95
	o.VoiceStability = 0.1
	o.ConfidenceLevel = 0.4 // erosion pushes the score past critical
	a, trig := s.Observe(o)
	if a.Level != LevelCritical {
		t.Fatalf("expected critical, got %+v", a)
	}
	if trig == nil || trig.Protocol != RespiratoryReset {
		t.Fatalf("expected respiratory reset trigger, got %+v", trig)
	}
	if trig.DurationMS != 30000 || trig.NeuralTarget != "parasympathetic activation" || trig.Urgency != "immediate" {
		t.Fatalf("unexpected trigger payload %+v", trig)
	}
	if s.State() != StateIntervention {
		t.Fatalf("expected intervention state, got %s", s.State())
	}
}

func TestAtMostOneIntervention(t *testing.T) {
	s := newTestSelector(t, 0.8, nil)
	s.Observe(calm())

	critical := calm()
	critical.StressLevel = 0.9
	critical.VoiceStability = 0.1
	critical.ConfidenceLevel = 0.1
	_, first := s.Observe(critical)
	if first == nil {
		t.Fatal("expected first intervention")
	}
	before := s.Active()

	critical.EnergyLevel = 0
	a, second := s.Observe(critical)
	if a.Level != LevelCritical {
		t.Fatalf("expected assessment to still run, got %v", a.Level)
	}
	if second != nil {
		t.Fatalf("second intervention started while one active: %+v", second)
	}
	if got := s.Active(); !reflect.DeepEqual(got, before) {
		t.Fatalf("active intervention overwritten: %+v -> %+v", before, got)
	}
}

func TestProgressCompletesAndCallsHook(t *testing.T) {
	var done []Completion
	s := newTestSelector(t, 0.9, &done)
	s.Observe(calm())
	o := calm()
	o.StressLevel = 0.9
	o.VoiceStability = 0.1
	o.ConfidenceLevel = 0.1
	s.Observe(o)

	for i := 1; i < 30; i++ {
		if c := s.Tick(); c != nil {
			t.Fatalf("respiratory reset completed early at tick %d", i)
		}
	}
	if p := s.Active().Progress; p < 96 || p >= 100 {
		t.Fatalf("unexpected progress after 29 ticks: %v", p)
	}
	c := s.Tick()
	if c == nil || c.Protocol != RespiratoryReset || c.Effectiveness != 0.9 {
		t.Fatalf("expected completion on tick 30, got %+v", c)
	}
	if len(done) != 1 || done[0] != *c {
		t.Fatalf("completion hook not called once: %+v", done)
	}
	if s.State() != StateMonitoring || s.Active() != nil {
		t.Fatal("expected return to monitoring")
	}
	h := s.History()
	if len(h) != 1 || h[0].Urgency != PriorityImmediate || s.CriticalSaves() != 1 {
		t.Fatalf("unexpected history %+v", h)
	}
	if s.Tick() != nil {
		t.Fatal("tick without active intervention must be a no-op")
	}
}

func TestProgressFollowsTickInterval(t *testing.T) {
	s := mustSelector(t, Config{
		TickInterval:  500 * time.Millisecond,
		Effectiveness: func(string) float64 { return 0.8 },
	})
	s.Observe(calm())
	o := calm()
	o.StressLevel = 0.9
	o.VoiceStability = 0.1
	o.ConfidenceLevel = 0.1
	s.Observe(o)

	// 30 s of respiratory reset at half-second ticks
	for i := 1; i < 60; i++ {
		if c := s.Tick(); c != nil {
			t.Fatalf("completed early at tick %d", i)
		}
	}
	if c := s.Tick(); c == nil || c.Protocol != RespiratoryReset {
		t.Fatalf("expected completion on tick 60, got %+v", c)
	}
}

func TestNewSelectorValidatesCatalog(t *testing.T) {
	cat := DefaultCatalog()
	p := cat[RespiratoryReset]
	p.DurationMS = 0
	cat[RespiratoryReset] = p
	if _, err := NewSelector(Config{Catalog: cat}); err == nil {
		t.Fatal("expected error for zero duration protocol")
	}

	cat = DefaultCatalog()
	delete(cat, EnergyModulation)
	if _, err := NewSelector(Config{Catalog: cat}); err == nil {
		t.Fatal("expected error for missing protocol")
	}
}

func TestEffectivenessIsClamped(t *testing.T) {
	var done []Completion
	s := newTestSelector(t, 3, &done)
	s.Observe(calm())
	o := calm()
	o.StressLevel = 0.9
	o.VoiceStability = 0.1
	o.ConfidenceLevel = 0.1
	s.Observe(o)
	for s.Active() != nil {
		s.Tick()
	}
	if done[0].Effectiveness != 1 {
		t.Fatalf("expected effectiveness clamped to 1, got %v", done[0].Effectiveness)
	}

	for i := 0; i < 100; i++ {
		if v := RandomEffectiveness(""); v < 0.6 || v >= 1 {
			t.Fatalf("random effectiveness out of range: %v", v)
		}
	}
}

func TestHistoryAndTrendsBounded(t *testing.T) {
	s := mustSelector(t, Config{HistoryLimit: 2, TrendLimit: 3, Effectiveness: func(string) float64 { return 0.7 }})
	s.Observe(calm())
	for i := 0; i < 4; i++ {
		o := calm()
		o.StressLevel = 0.9
		o.VoiceStability = 0.1
		o.ConfidenceLevel = 0.1
		if _, trig := s.Observe(o); trig == nil {
			t.Fatalf("round %d: expected trigger", i)
		}
		for s.Active() != nil {
			s.Tick()
		}
	}
	if len(s.History()) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(s.History()))
	}
	if len(s.Trends()) != 3 {
		t.Fatalf("expected trends capped at 3, got %d", len(s.Trends()))
	}

	s.Reset()
	if s.Baseline() != nil || len(s.History()) != 0 || s.State() != StateMonitoring {
		t.Fatal("expected reset selector")
	}
}

func TestBaselineDefaultsZeroReadings(t *testing.T) {
	s := mustSelector(t, Config{})
	s.Observe(Observation{})
	b := s.Baseline()
	if b.AverageStability != 0.5 || b.AverageEnergy != 0.5 || b.BaselineConfidence != 0.5 || b.TypicalHesitationRate != 0.1 {
		t.Fatalf("unexpected defaulted baseline %+v", b)
	}
}

func TestObserveFromFusedMetrics(t *testing.T) {
	m := fusion.Metrics{
		Linguistic: fusion.Linguistic{HesitationRate: 0.2},
		Acoustic:   fusion.Acoustic{Stability: 0.7, Energy: 0.3, Volume: 0.2},
		Combined:   fusion.Combined{Confidence: 60, StressLevel: 40},
		RecordedAt: 99,
	}
	report := linguistic.Report{
		AdaptabilityScore: 50,
		RecoveryPatterns:  []linguistic.RecoveryPattern{{RecoverySpeed: 2500}},
	}
	o := Observe(m, report, &psychology.FlowState{FlowDuration: 12})
	want := Observation{
		StressLevel: 0.4, VoiceStability: 0.7, EnergyLevel: 0.3, VoiceVolume: 0.2,
		HesitationRate: 0.2, ConfidenceLevel: 0.6, RecoverySpeedMS: 2500,
		AdaptationScore: 0.5, StabilityConsistency: 0.8, Timestamp: 99,
	}
	if o != want {
		t.Fatalf("unexpected observation\nwant %+v\ngot  %+v", want, o)
	}
	if o := Observe(m, linguistic.Report{}, nil); o.RecoverySpeedMS != 1000 || o.StabilityConsistency != 0.5 {
		t.Fatalf("expected fallbacks, got %+v", o)
	}
}

func TestLoadCatalogOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocols.yaml")
	data := []byte(`protocols:
  respiratoryReset:
    intervention: Box breathing, four counts each side
    duration_ms: 20000
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	p := c[RespiratoryReset]
	if p.Intervention != "Box breathing, four counts each side" || p.DurationMS != 20000 {
		t.Fatalf("override not applied: %+v", p)
	}
	if p.Priority != PriorityImmediate || p.Name != RespiratoryReset {
		t.Fatalf("unset fields should keep defaults: %+v", p)
	}
	if len(c.Names()) != 5 {
		t.Fatalf("expected five protocols, got %v", c.Names())
	}
}

func TestLoadCatalogRejects(t *testing.T) {
	cases := map[string]string{
		"unknown protocol": "protocols:\n  yodel:\n    duration_ms: 5000\n",
		"short duration":   "protocols:\n  energyModulation:\n    duration_ms: 10\n",
		"bad priority":     "protocols:\n  energyModulation:\n    priority: whenever\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "protocols.yaml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadCatalog(path); err == nil {
				t.Fatal("expected catalog error")
			}
		})
	}
}
