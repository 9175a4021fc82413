// Package replay runs a recorded session through the analysis pipeline on
// a virtual clock, so a recording always produces the same timeline.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-audio/audio"

	"github.com/loqalabs/loqa-coach/internal/acoustic"
	"github.com/loqalabs/loqa-coach/internal/advisor"
	"github.com/loqalabs/loqa-coach/internal/capture"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/psychology"
	"github.com/loqalabs/loqa-coach/internal/recovery"
	"github.com/loqalabs/loqa-coach/internal/session"
)

// trailing time after the last input so short interventions can finish
const defaultTail = 5 * time.Second

var epoch = time.UnixMilli(1_700_000_000_000)

type EventKind string

const (
	EventTrigger        EventKind = "intervention_started"
	EventCompletion     EventKind = "intervention_completed"
	EventRecommendation EventKind = "recommendation"
	EventHesitation     EventKind = "hesitation"
)

// Event is one notable thing that happened during a replay.
type Event struct {
	AtMS           int64                `json:"at_ms"`
	Kind           EventKind            `json:"kind"`
	Trigger        *recovery.Trigger    `json:"trigger,omitempty"`
	Completion     *recovery.Completion `json:"completion,omitempty"`
	Recommendation *advisor.Insight     `json:"recommendation,omitempty"`
	Word           string               `json:"word,omitempty"`
}

type Options struct {
	Config      config.Config
	Catalog     recovery.Catalog
	Personality advisor.Personality
	// Effectiveness defaults to a random draw per completion.
	Effectiveness recovery.EffectivenessSource
	// Tail extends the replay past the last audio sample or utterance.
	Tail time.Duration
}

// Result is the outcome of a replay.
type Result struct {
	DurationMS int64            `json:"duration_ms"`
	Frames     int              `json:"frames"`
	Timeline   []Event          `json:"timeline"`
	Final      session.Snapshot `json:"final"`
}

// Run replays audio (which may be nil) and a transcript. Capture ticks,
// metrics ticks and advisor ticks interleave exactly as they would in a
// live session with the configured intervals.
func Run(ctx context.Context, audioBuf *audio.IntBuffer, utterances []Utterance, opts Options) (Result, error) {
	cfg := opts.Config
	if opts.Catalog == nil {
		opts.Catalog = recovery.DefaultCatalog()
	}
	if opts.Personality == "" {
		opts.Personality = advisor.ParsePersonality(cfg.Advisor.Personality)
	}
	if opts.Tail <= 0 {
		opts.Tail = defaultTail
	}

	captureEvery := time.Duration(cfg.Capture.TickIntervalMS) * time.Millisecond
	metricsEvery := time.Duration(cfg.Recovery.ProgressIntervalMS) * time.Millisecond
	advisorEvery := time.Duration(cfg.Advisor.IntervalMS) * time.Millisecond
	if captureEvery <= 0 || metricsEvery <= 0 {
		return Result{}, errors.New("capture and progress intervals must be positive")
	}

	now := epoch
	clock := func() time.Time { return now }

	analyser := acoustic.NewAnalyser(acoustic.AnalyserConfig{
		SampleRate:  sampleRate(audioBuf, cfg.Capture.SampleRate),
		FFTSize:     cfg.Capture.FFTSize,
		Smoothing:   cfg.Capture.Smoothing,
		MinDecibels: cfg.Capture.MinDecibels,
		MaxDecibels: cfg.Capture.MaxDecibels,
	})
	pipeline, err := session.NewPipeline(session.PipelineConfig{
		Psychology: psychology.Config{
			WindowMS:        int64(cfg.Capture.HistoryWindowMS),
			BaselineSamples: cfg.Capture.BaselineSamples,
		},
		Recovery: recovery.Config{
			Catalog:       opts.Catalog,
			HistoryLimit:  cfg.Recovery.HistoryLimit,
			TrendLimit:    cfg.Recovery.TrendLimit,
			TickInterval:  metricsEvery,
			Effectiveness: opts.Effectiveness,
		},
		InitialResilience: cfg.Recovery.InitialResilience,
		Personality:       opts.Personality,
		Clock:             clock,
	})
	if err != nil {
		return Result{}, err
	}

	var chunks []*audio.IntBuffer
	if audioBuf != nil && len(audioBuf.Data) > 0 {
		chunks = capture.Chunks(audioBuf, captureEvery)
	}
	end := time.Duration(len(chunks)) * captureEvery
	if n := len(utterances); n > 0 {
		end = max(end, time.Duration(utterances[n-1].AtMS)*time.Millisecond)
	}
	end += opts.Tail

	var (
		res         Result
		next        int
		nextMetrics = metricsEvery
		nextAdvisor = advisorEvery
	)
	for elapsed := captureEvery; elapsed <= end; elapsed += captureEvery {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		now = epoch.Add(elapsed)
		at := elapsed.Milliseconds()

		if i := int(elapsed/captureEvery) - 1; i < len(chunks) {
			analyser.WriteBuffer(chunks[i])
			if err := pipeline.CaptureTick(analyser.Frame()); err != nil && !errors.Is(err, psychology.ErrOutOfOrder) {
				return Result{}, fmt.Errorf("capture tick at %dms: %w", at, err)
			}
			res.Frames++
		}

		for ; next < len(utterances) && utterances[next].AtMS <= at; next++ {
			for _, word := range pipeline.Segment(utterances[next].segment()) {
				res.Timeline = append(res.Timeline, Event{AtMS: at, Kind: EventHesitation, Word: word})
			}
		}

		if elapsed >= nextMetrics {
			nextMetrics += metricsEvery
			step := pipeline.MetricsTick()
			if step.Trigger != nil {
				res.Timeline = append(res.Timeline, Event{AtMS: at, Kind: EventTrigger, Trigger: step.Trigger})
			}
			if step.Completion != nil {
				res.Timeline = append(res.Timeline, Event{AtMS: at, Kind: EventCompletion, Completion: step.Completion})
			}
		}

		if cfg.Advisor.Enabled && advisorEvery > 0 && elapsed >= nextAdvisor {
			nextAdvisor += advisorEvery
			if pipeline.HasData() {
				insight := pipeline.AdvisorTick()
				res.Timeline = append(res.Timeline, Event{AtMS: at, Kind: EventRecommendation, Recommendation: &insight})
			}
		}
	}

	res.DurationMS = end.Milliseconds()
	res.Final = pipeline.Snapshot()
	return res, nil
}

// RunFiles loads a WAV recording and a transcript and replays them. Either
// path may be empty, but not both.
func RunFiles(ctx context.Context, wavPath, transcriptPath string, opts Options) (Result, error) {
	if wavPath == "" && transcriptPath == "" {
		return Result{}, errors.New("a wav file or a transcript is required")
	}
	var buf *audio.IntBuffer
	if wavPath != "" {
		b, err := capture.ReadWAV(wavPath)
		if err != nil {
			return Result{}, err
		}
		buf = b
	}
	var utterances []Utterance
	if transcriptPath != "" {
		u, err := LoadTranscript(transcriptPath)
		if err != nil {
			return Result{}, err
		}
		utterances = u
	}
	return Run(ctx, buf, utterances, opts)
}

func sampleRate(buf *audio.IntBuffer, fallback int) int {
	if buf != nil && buf.Format != nil && buf.Format.SampleRate > 0 {
		return buf.Format.SampleRate
	}
	return fallback
}
