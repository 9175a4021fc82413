package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-coach/internal/acoustic"
	"github.com/loqalabs/loqa-coach/internal/advisor"
	"github.com/loqalabs/loqa-coach/internal/capture"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/eventstore"
	"github.com/loqalabs/loqa-coach/internal/fusion"
	"github.com/loqalabs/loqa-coach/internal/linguistic"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/loqalabs/loqa-coach/internal/psychology"
	"github.com/loqalabs/loqa-coach/internal/recovery"
	"github.com/loqalabs/loqa-coach/internal/resilience"
	"github.com/loqalabs/loqa-coach/internal/schedule"
	"github.com/loqalabs/loqa-coach/internal/speech"
)

// ErrClosed is returned by commands sent to a closed session.
var ErrClosed = errors.New("session closed")

// metrics ticks between persisted snapshots
const snapshotEvery = 10

type CaptureState string

const (
	CaptureIdle             CaptureState = "idle"
	CaptureActive           CaptureState = "capturing"
	CapturePermissionDenied CaptureState = "permission_denied"
	CaptureUnsupported      CaptureState = "unsupported"
	CaptureFailed           CaptureState = "failed"
)

type ListeningState string

const (
	ListeningIdle        ListeningState = "idle"
	ListeningActive      ListeningState = "listening"
	ListeningUnsupported ListeningState = "unsupported"
	ListeningFailed      ListeningState = "failed"
)

// Status summarises a session for listings and the status subject.
type Status struct {
	SessionID      string              `json:"session_id"`
	Personality    advisor.Personality `json:"personality"`
	Capture        CaptureState        `json:"capture"`
	CaptureError   string              `json:"capture_error,omitempty"`
	Listening      ListeningState      `json:"listening"`
	ListeningError string              `json:"listening_error,omitempty"`
	Restarts       int                 `json:"restarts"`
	RecoveryState  recovery.State      `json:"recovery_state"`
	ActiveProtocol string              `json:"active_protocol,omitempty"`
	Progress       float64             `json:"progress"`
	Resilience     float64             `json:"resilience"`
	Grade          string              `json:"grade"`
	CriticalSaves  int                 `json:"critical_saves"`
	StartedAt      time.Time           `json:"started_at"`
}

// Options configure a Coach. Source and Recognizer may be nil, in which
// case starting capture or listening reports the platform as unsupported.
type Options struct {
	ID            string
	Config        config.Config
	Personality   advisor.Personality
	Catalog       recovery.Catalog
	Effectiveness recovery.EffectivenessSource
	Source        capture.Source
	Recognizer    speech.Recognizer
	Publisher     Publisher
	Journal       *Journal
	Instruments   *Instruments
	Logger        *slog.Logger
}

type messageKind int

const (
	msgCaptureTick messageKind = iota
	msgMetricsTick
	msgAdvisorTick
	msgStartCapture
	msgStopCapture
	msgStartListening
	msgStopListening
	msgReset
	msgSetPersonality
)

type message struct {
	kind        messageKind
	gen         uint64
	personality advisor.Personality
	reply       chan error
}

type view struct {
	snapshot Snapshot
	status   Status
}

// Coach runs one coaching session. All analysis state is owned by a single
// loop goroutine; timers and recognizer events reach it through mailboxes,
// and readers see the snapshot published after the last loop step.
// Callbacks registered with OnInterventionTrigger and OnRecommendation run
// on the loop goroutine and must not call back into the Coach's commands.
type Coach struct {
	id          string
	log         *slog.Logger
	source      capture.Source
	publisher   Publisher
	journal     *Journal
	instruments *Instruments
	startedAt   time.Time

	analyser *acoustic.Analyser
	pipeline *Pipeline
	listener *speech.Listener

	inbox       *schedule.Mailbox[message]
	captureTick *schedule.Repeater
	metricsTick *schedule.Repeater
	advisorTick *schedule.Repeater

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// owned by the loop goroutine
	capturing     bool
	captureErr    error
	listenErr     error
	restarts      int
	sinceSnapshot int
	lastStatus    Status

	current atomic.Pointer[view]

	cbMu             sync.Mutex
	onTrigger        []func(recovery.Trigger)
	onRecommendation []func(advisor.Insight)
}

// NewCoach creates a session and starts its loop. The session's timers run
// until Close or until parent is cancelled. It fails when the catalog does
// not validate.
func NewCoach(parent context.Context, opts Options) (*Coach, error) {
	cfg := opts.Config
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = NopPublisher{}
	}
	if opts.Instruments == nil {
		instruments, err := NewInstruments(nil)
		if err != nil {
			return nil, err
		}
		opts.Instruments = instruments
	}
	if opts.Personality == "" {
		opts.Personality = advisor.ParsePersonality(cfg.Advisor.Personality)
	}

	pipeline, err := NewPipeline(PipelineConfig{
		Psychology: psychology.Config{
			WindowMS:        int64(cfg.Capture.HistoryWindowMS),
			BaselineSamples: cfg.Capture.BaselineSamples,
		},
		Recovery: recovery.Config{
			Catalog:       opts.Catalog,
			HistoryLimit:  cfg.Recovery.HistoryLimit,
			TrendLimit:    cfg.Recovery.TrendLimit,
			TickInterval:  time.Duration(cfg.Recovery.ProgressIntervalMS) * time.Millisecond,
			Effectiveness: opts.Effectiveness,
		},
		InitialResilience: cfg.Recovery.InitialResilience,
		Personality:       opts.Personality,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	log := opts.Logger.With(slog.String("component", "session"), slog.String("session_id", opts.ID))
	c := &Coach{
		id:          opts.ID,
		log:         log,
		source:      opts.Source,
		publisher:   opts.Publisher,
		journal:     opts.Journal,
		instruments: opts.Instruments,
		startedAt:   time.Now().UTC(),
		analyser: acoustic.NewAnalyser(acoustic.AnalyserConfig{
			SampleRate:  cfg.Capture.SampleRate,
			FFTSize:     cfg.Capture.FFTSize,
			Smoothing:   cfg.Capture.Smoothing,
			MinDecibels: cfg.Capture.MinDecibels,
			MaxDecibels: cfg.Capture.MaxDecibels,
		}),
		pipeline: pipeline,
		inbox:    schedule.NewMailbox[message](),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if opts.Recognizer != nil {
		c.listener = speech.NewListener(opts.Recognizer, speech.ListenerConfig{
			SilenceRestart: time.Duration(cfg.Listening.SilenceRestartMS) * time.Millisecond,
			RestartPause:   time.Duration(cfg.Listening.RestartPauseMS) * time.Millisecond,
			MaxRestarts:    cfg.Listening.MaxRestarts,
		}, log)
	}

	c.captureTick = c.repeater(cfg.Capture.TickIntervalMS, msgCaptureTick)
	c.metricsTick = c.repeater(cfg.Recovery.ProgressIntervalMS, msgMetricsTick)
	c.metricsTick.Start(ctx)
	if cfg.Advisor.Enabled {
		c.advisorTick = c.repeater(cfg.Advisor.IntervalMS, msgAdvisorTick)
		c.advisorTick.Start(ctx)
	}

	c.publishView()
	go c.run()
	return c, nil
}

func (c *Coach) repeater(intervalMS int, kind messageKind) *schedule.Repeater {
	return schedule.NewRepeater(time.Duration(intervalMS)*time.Millisecond, func(gen uint64) {
		c.inbox.Put(message{kind: kind, gen: gen})
	})
}

func (c *Coach) ID() string { return c.id }

// StartCapture begins acoustic analysis. It is a no-op while capturing.
// When the audio input cannot be opened the error is returned and also
// kept in Status; the session stays usable.
func (c *Coach) StartCapture() error { return c.call(message{kind: msgStartCapture}) }

func (c *Coach) StopCapture() error { return c.call(message{kind: msgStopCapture}) }

// StartListening begins a new listening run with an empty transcript. It
// is a no-op while listening.
func (c *Coach) StartListening() error { return c.call(message{kind: msgStartListening}) }

func (c *Coach) StopListening() error { return c.call(message{kind: msgStopListening}) }

// Reset clears all analysis state. Capture and listening keep running.
func (c *Coach) Reset() error { return c.call(message{kind: msgReset}) }

func (c *Coach) SetPersonality(p advisor.Personality) error {
	return c.call(message{kind: msgSetPersonality, personality: p})
}

// FusedMetrics returns the latest fused metrics. Fields without data are
// zero.
func (c *Coach) FusedMetrics() fusion.Metrics { return c.current.Load().snapshot.Metrics }

// Snapshot returns the state published after the last loop step. Callers
// must treat it as read-only.
func (c *Coach) Snapshot() Snapshot { return c.current.Load().snapshot }

func (c *Coach) Status() Status { return c.current.Load().status }

// OnInterventionTrigger registers fn to run once per intervention start.
func (c *Coach) OnInterventionTrigger(fn func(recovery.Trigger)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onTrigger = append(c.onTrigger, fn)
}

// OnRecommendation registers fn to run for every generated insight.
func (c *Coach) OnRecommendation(fn func(advisor.Insight)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onRecommendation = append(c.onRecommendation, fn)
}

// Close stops every timer and input of the session and waits for the loop
// to exit.
func (c *Coach) Close() {
	c.cancel()
	<-c.done
}

// Done is closed once the session loop has exited.
func (c *Coach) Done() <-chan struct{} { return c.done }

func (c *Coach) call(msg message) error {
	msg.reply = make(chan error, 1)
	if !c.inbox.Put(msg) {
		return ErrClosed
	}
	select {
	case err := <-msg.reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Coach) listenerReady() <-chan struct{} {
	if c.listener == nil {
		return nil
	}
	return c.listener.Ready()
}

func (c *Coach) run() {
	defer close(c.done)
	for {
		var replies []reply
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case <-c.inbox.Ready():
			replies = c.handleBatch(c.inbox.Drain())
		case <-c.listenerReady():
			c.processSpeech()
		}
		// publish before replying so callers observe their own command
		c.publishView()
		for _, r := range replies {
			r.ch <- r.err
		}
	}
}

type reply struct {
	ch  chan error
	err error
}

func (c *Coach) shutdown() {
	c.captureTick.Stop()
	c.metricsTick.Stop()
	if c.advisorTick != nil {
		c.advisorTick.Stop()
	}
	if c.capturing {
		c.source.Stop()
		c.capturing = false
	}
	if c.listener != nil {
		c.listener.Close()
	}
	c.inbox.Close()
	c.log.Debug("session loop stopped")
}

func (c *Coach) handleBatch(msgs []message) []reply {
	var replies []reply
	respond := func(msg message, err error) {
		replies = append(replies, reply{ch: msg.reply, err: err})
	}
	// capture ticks that piled up behind a slow step are coalesced
	captured := false
	for _, msg := range msgs {
		switch msg.kind {
		case msgCaptureTick:
			if captured || !c.captureTick.Current(msg.gen) {
				continue
			}
			captured = true
			c.captureStep()
		case msgMetricsTick:
			if c.metricsTick.Current(msg.gen) {
				c.metricsStep()
			}
		case msgAdvisorTick:
			if c.advisorTick != nil && c.advisorTick.Current(msg.gen) {
				c.advisorStep()
			}
		case msgStartCapture:
			respond(msg, c.startCapture())
		case msgStopCapture:
			c.stopCapture()
			respond(msg, nil)
		case msgStartListening:
			respond(msg, c.startListening())
		case msgStopListening:
			if c.listener != nil {
				c.listener.Stop()
			}
			respond(msg, nil)
		case msgReset:
			c.reset()
			respond(msg, nil)
		case msgSetPersonality:
			c.pipeline.SetPersonality(msg.personality)
			respond(msg, nil)
		}
	}
	return replies
}

func (c *Coach) startCapture() error {
	if c.capturing {
		return nil
	}
	if c.source == nil {
		c.captureErr = capture.ErrUnsupportedPlatform
		return c.captureErr
	}
	c.analyser.Reset()
	c.pipeline.ResetVoice()
	if err := c.source.Start(c.ctx, c.analyser); err != nil {
		c.captureErr = err
		c.log.Warn("audio capture unavailable", slogError(err))
		return err
	}
	c.captureErr = nil
	c.capturing = true
	c.captureTick.Start(c.ctx)
	c.log.Info("audio capture started")
	return nil
}

func (c *Coach) stopCapture() {
	if !c.capturing {
		return
	}
	c.source.Stop()
	c.captureTick.Stop()
	c.capturing = false
	c.log.Info("audio capture stopped")
}

func (c *Coach) startListening() error {
	if c.listener == nil {
		c.listenErr = speech.ErrUnsupportedPlatform
		return c.listenErr
	}
	if c.listener.Listening() {
		return nil
	}
	c.pipeline.ResetSpeech()
	if err := c.listener.Start(c.ctx); err != nil {
		c.listenErr = err
		c.log.Warn("speech recognition unavailable", slogError(err))
		return err
	}
	c.listenErr = nil
	c.restarts = 0
	c.log.Info("listening started")
	return nil
}

func (c *Coach) reset() {
	c.analyser.Reset()
	c.pipeline.Reset()
	c.sinceSnapshot = 0
	c.log.Info("session reset")
}

func (c *Coach) captureStep() {
	if !c.analyser.Ready() {
		return
	}
	c.instruments.tick(c.ctx, "capture")
	if err := c.pipeline.CaptureTick(c.analyser.Frame()); err != nil {
		c.log.Debug("capture tick skipped", slogError(err))
	}
}

func (c *Coach) metricsStep() {
	step := c.pipeline.MetricsTick()
	now := time.Now().UTC()
	c.instruments.tick(c.ctx, "metrics")
	if c.pipeline.HasData() {
		c.instruments.fused(c.ctx, step.Metrics.Combined.Confidence, step.Metrics.Combined.StressLevel)
	}

	c.publisher.Metrics(protocol.MetricsUpdate{
		SessionID:  c.id,
		Metrics:    step.Metrics,
		Resilience: step.Resilience,
		Grade:      resilience.GradeFor(step.Resilience).Letter,
		Timestamp:  now,
	})

	if t := step.Trigger; t != nil {
		c.log.Info("recovery protocol started",
			slog.String("protocol", t.Protocol),
			slog.String("urgency", t.Urgency),
			slog.Int("risk_score", step.Assessment.Score))
		c.instruments.interventionStarted(c.ctx, t.Protocol, t.Urgency)
		c.publisher.Intervention(protocol.InterventionUpdate{
			SessionID: c.id,
			Phase:     protocol.InterventionStarted,
			Trigger:   t,
			Timestamp: now,
		})
		c.journal.Record(c.id, eventstore.KindInterventionStarted, t)
		for _, fn := range c.triggerCallbacks() {
			fn(*t)
		}
	}

	if done := step.Completion; done != nil {
		c.log.Info("recovery protocol completed",
			slog.String("protocol", done.Protocol),
			slog.Float64("effectiveness", done.Effectiveness))
		c.instruments.interventionCompleted(c.ctx, done.Protocol)
		c.publisher.Intervention(protocol.InterventionUpdate{
			SessionID:  c.id,
			Phase:      protocol.InterventionCompleted,
			Completion: done,
			Timestamp:  now,
		})
		c.journal.Record(c.id, eventstore.KindInterventionCompleted, done)
	}

	c.sinceSnapshot++
	if c.sinceSnapshot >= snapshotEvery {
		c.sinceSnapshot = 0
		c.journal.Record(c.id, eventstore.KindMetricsSnapshot, protocol.MetricsUpdate{
			SessionID:  c.id,
			Metrics:    step.Metrics,
			Resilience: step.Resilience,
			Grade:      resilience.GradeFor(step.Resilience).Letter,
			Timestamp:  now,
		})
	}
}

func (c *Coach) advisorStep() {
	if !c.pipeline.HasData() {
		return
	}
	insight := c.pipeline.AdvisorTick()
	c.instruments.recommendation(c.ctx, insight.Type)
	c.publisher.Recommendation(protocol.Recommendation{
		SessionID: c.id,
		Insight:   insight,
		Timestamp: time.Now().UTC(),
	})
	c.journal.Record(c.id, eventstore.KindRecommendation, insight)
	for _, fn := range c.recommendationCallbacks() {
		fn(insight)
	}
}

func (c *Coach) processSpeech() {
	results, err := c.listener.Process()
	for _, r := range results {
		markers := c.pipeline.Segment(linguistic.Segment{Text: r.Text, Confidence: r.Confidence, Final: r.Final})
		if len(markers) > 0 {
			c.log.Debug("hesitation markers", slog.Any("markers", markers))
		}
	}
	if n := c.listener.Restarts(); n != c.restarts {
		c.instruments.restarted(c.ctx, n-c.restarts)
		c.restarts = n
	}
	if err != nil {
		c.listenErr = err
		c.pipeline.SpeechFailed(err)
		c.instruments.recognitionFailed(c.ctx)
		c.journal.Record(c.id, eventstore.KindListeningError, map[string]string{"error": err.Error()})
	}
}

func (c *Coach) triggerCallbacks() []func(recovery.Trigger) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	return slices.Clone(c.onTrigger)
}

func (c *Coach) recommendationCallbacks() []func(advisor.Insight) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	return slices.Clone(c.onRecommendation)
}

func (c *Coach) publishView() {
	snap := c.pipeline.Snapshot()
	st := c.buildStatus(snap)
	c.current.Store(&view{snapshot: snap, status: st})
	if st != c.lastStatus {
		c.lastStatus = st
		c.publisher.Status(st)
	}
}

func (c *Coach) buildStatus(snap Snapshot) Status {
	st := Status{
		SessionID:     c.id,
		Personality:   c.pipeline.Personality(),
		Capture:       c.captureState(),
		Listening:     c.listeningState(),
		Restarts:      c.restarts,
		RecoveryState: snap.State,
		Resilience:    snap.Resilience,
		Grade:         snap.Grade.Letter,
		CriticalSaves: snap.CriticalSaves,
		StartedAt:     c.startedAt,
	}
	if c.captureErr != nil {
		st.CaptureError = c.captureErr.Error()
	}
	if c.listenErr != nil {
		st.ListeningError = c.listenErr.Error()
	}
	if snap.Active != nil {
		st.ActiveProtocol = snap.Active.Protocol
		st.Progress = snap.Active.Progress
	}
	return st
}

func (c *Coach) captureState() CaptureState {
	switch {
	case c.capturing:
		return CaptureActive
	case c.captureErr == nil:
		return CaptureIdle
	case errors.Is(c.captureErr, capture.ErrPermissionDenied):
		return CapturePermissionDenied
	case errors.Is(c.captureErr, capture.ErrUnsupportedPlatform):
		return CaptureUnsupported
	default:
		return CaptureFailed
	}
}

func (c *Coach) listeningState() ListeningState {
	switch {
	case c.listener != nil && c.listener.Listening():
		return ListeningActive
	case c.listenErr == nil:
		return ListeningIdle
	case errors.Is(c.listenErr, speech.ErrUnsupportedPlatform):
		return ListeningUnsupported
	default:
		return ListeningFailed
	}
}
