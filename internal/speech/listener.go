package speech

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-coach/internal/schedule"
)

type ListenerConfig struct {
	// SilenceRestart is how long the stream may stay quiet before the
	// recognizer is restarted.
	SilenceRestart time.Duration
	// RestartPause separates stopping and starting the recognizer.
	RestartPause time.Duration
	// MaxRestarts caps consecutive silent restarts. A final result resets
	// the count.
	MaxRestarts int
}

type signalKind int

const (
	signalEvent signalKind = iota
	signalWatchdog
	signalResume
)

type signal struct {
	kind  signalKind
	epoch uint64
	gen   uint64
	event Event
}

// Listener drives a Recognizer on behalf of one owner goroutine. Recognizer
// events and timer expiries are queued in a mailbox; the owner waits on
// Ready and calls Process, so all state changes happen on the owner's
// goroutine. Events from a recognizer run that was stopped are discarded.
type Listener struct {
	rec Recognizer
	cfg ListenerConfig
	log *slog.Logger

	inbox    *schedule.Mailbox[signal]
	watchdog *schedule.Deadline
	pause    *schedule.Deadline

	ctx       context.Context
	epoch     uint64
	listening bool
	paused    bool
	restarts  int
	err       error
}

func NewListener(rec Recognizer, cfg ListenerConfig, logger *slog.Logger) *Listener {
	if cfg.SilenceRestart <= 0 {
		cfg.SilenceRestart = 3 * time.Second
	}
	if cfg.RestartPause < 0 {
		cfg.RestartPause = 0
	}
	l := &Listener{
		rec:   rec,
		cfg:   cfg,
		log:   logger.With(slog.String("component", "listener")),
		inbox: schedule.NewMailbox[signal](),
		ctx:   context.Background(),
	}
	l.watchdog = schedule.NewDeadline(cfg.SilenceRestart, func(gen uint64) {
		l.inbox.Put(signal{kind: signalWatchdog, gen: gen})
	})
	l.pause = schedule.NewDeadline(cfg.RestartPause, func(gen uint64) {
		l.inbox.Put(signal{kind: signalResume, gen: gen})
	})
	return l
}

// Ready signals that Process has work.
func (l *Listener) Ready() <-chan struct{} { return l.inbox.Ready() }

// Start begins listening. It is a no-op while already listening. When the
// recognizer cannot start, its error is returned and the listener stays
// idle.
func (l *Listener) Start(ctx context.Context) error {
	if l.listening {
		return nil
	}
	l.ctx = ctx
	l.restarts = 0
	l.err = nil
	if err := l.startRecognizer(); err != nil {
		return err
	}
	l.listening = true
	return nil
}

// Stop ends listening and cancels the watchdog and any pending restart.
func (l *Listener) Stop() {
	if !l.listening {
		return
	}
	l.halt()
}

// Close stops listening and rejects further events.
func (l *Listener) Close() {
	l.Stop()
	l.inbox.Close()
}

func (l *Listener) Listening() bool { return l.listening }

// Restarts counts silent restarts since the last final result.
func (l *Listener) Restarts() int { return l.restarts }

// Err is the fatal error that ended the last listening run, if any.
func (l *Listener) Err() error { return l.err }

// Process handles queued events and returns the results received. A
// non-nil error is fatal: listening has stopped.
func (l *Listener) Process() ([]Result, error) {
	var results []Result
	for _, sig := range l.inbox.Drain() {
		switch sig.kind {
		case signalEvent:
			if !l.listening || l.paused || sig.epoch != l.epoch {
				continue
			}
			if err := sig.event.Err; err != nil {
				if errors.Is(err, ErrNoSpeech) {
					l.watchdog.Arm()
					continue
				}
				l.fail(err)
				return results, err
			}
			if r := sig.event.Result; r != nil {
				results = append(results, *r)
				if r.Final {
					l.restarts = 0
				}
				l.watchdog.Arm()
			}
		case signalWatchdog:
			if !l.watchdog.Current(sig.gen) {
				continue
			}
			l.watchdog.Disarm()
			l.restartAfterSilence()
		case signalResume:
			if !l.pause.Current(sig.gen) {
				continue
			}
			l.pause.Disarm()
			l.paused = false
			if err := l.startRecognizer(); err != nil {
				l.fail(err)
				return results, err
			}
		}
	}
	return results, nil
}

func (l *Listener) startRecognizer() error {
	l.epoch++
	epoch := l.epoch
	emit := func(ev Event) {
		l.inbox.Put(signal{kind: signalEvent, epoch: epoch, event: ev})
	}
	if err := l.rec.Start(l.ctx, emit); err != nil {
		return err
	}
	l.watchdog.Arm()
	return nil
}

func (l *Listener) restartAfterSilence() {
	if l.restarts >= l.cfg.MaxRestarts {
		l.log.Debug("silence restart cap reached", slog.Int("restarts", l.restarts))
		return
	}
	l.restarts++
	l.log.Debug("restarting recognizer after silence", slog.Int("restart", l.restarts))
	l.rec.Stop()
	l.epoch++
	l.paused = true
	l.pause.Arm()
}

func (l *Listener) fail(err error) {
	l.log.Warn("recognition failed", slog.String("error", err.Error()))
	l.halt()
	l.err = err
}

func (l *Listener) halt() {
	if !l.paused {
		l.rec.Stop()
	}
	l.watchdog.Disarm()
	l.pause.Disarm()
	l.epoch++
	l.listening = false
	l.paused = false
}
