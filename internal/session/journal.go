package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-coach/internal/eventstore"
)

const (
	defaultJournalDepth = 256
	journalWriteTimeout = 5 * time.Second
)

// Recorder persists session timelines. *eventstore.Store satisfies it.
type Recorder interface {
	AppendSession(ctx context.Context, sessionID, personality string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	CloseSession(ctx context.Context, sessionID string) error
}

type journalOp int

const (
	opOpen journalOp = iota
	opEvent
	opClose
)

type journalEntry struct {
	op          journalOp
	sessionID   string
	personality string
	event       eventstore.Event
}

// Journal writes to a Recorder from a single background goroutine, in the
// order entries were submitted. Submitting never blocks: when the queue is
// full the entry is dropped and counted.
type Journal struct {
	rec     Recorder
	log     *slog.Logger
	entries chan journalEntry
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewJournal(rec Recorder, depth int, logger *slog.Logger) *Journal {
	if depth <= 0 {
		depth = defaultJournalDepth
	}
	j := &Journal{
		rec:     rec,
		log:     logger.With(slog.String("component", "journal")),
		entries: make(chan journalEntry, depth),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *Journal) OpenSession(sessionID, personality string) {
	j.submit(journalEntry{op: opOpen, sessionID: sessionID, personality: personality})
}

func (j *Journal) CloseSession(sessionID string) {
	j.submit(journalEntry{op: opClose, sessionID: sessionID})
}

// Record marshals v immediately, so callers may reuse it afterwards.
func (j *Journal) Record(sessionID string, kind eventstore.Kind, v any) {
	if j == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		j.log.Warn("failed to encode journal entry", slog.String("kind", string(kind)), slogError(err))
		return
	}
	j.submit(journalEntry{op: opEvent, sessionID: sessionID, event: eventstore.Event{
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}})
}

// Dropped counts entries discarded because the queue was full.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Close flushes queued entries and stops the writer. Later submissions are
// dropped.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.entries)
	}
	j.mu.Unlock()
	<-j.done
}

func (j *Journal) submit(e journalEntry) {
	if j == nil {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.entries <- e:
	default:
		if j.dropped.Add(1)%100 == 1 {
			j.log.Warn("journal full, dropping entries", slog.String("session_id", e.sessionID))
		}
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for e := range j.entries {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		var err error
		switch e.op {
		case opOpen:
			err = j.rec.AppendSession(ctx, e.sessionID, e.personality)
		case opEvent:
			err = j.rec.AppendEvent(ctx, e.event)
		case opClose:
			err = j.rec.CloseSession(ctx, e.sessionID)
		}
		cancel()
		if err != nil {
			j.log.Warn("journal write failed", slog.String("session_id", e.sessionID), slogError(err))
		}
	}
}
