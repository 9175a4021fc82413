package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-coach/internal/advisor"
	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/capture"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/eventstore"
	"github.com/loqalabs/loqa-coach/internal/recovery"
	"github.com/loqalabs/loqa-coach/internal/speech"
	"go.opentelemetry.io/otel/metric"
)

// ErrNotFound is returned for unknown session IDs.
var ErrNotFound = errors.New("session not found")

// Deps are the collaborators a Manager hands to its sessions. Bus and
// Recorder may be nil. NewSource and NewRecognizer override how inputs are
// built from config.
type Deps struct {
	Bus           *bus.Client
	Recorder      Recorder
	MeterProvider metric.MeterProvider
	Logger        *slog.Logger
	Effectiveness recovery.EffectivenessSource
	NewSource     func(sessionID string) capture.Source
	NewRecognizer func(sessionID string) speech.Recognizer
}

// Manager owns the live sessions of the process.
type Manager struct {
	cfg         config.Config
	deps        Deps
	log         *slog.Logger
	catalog     recovery.Catalog
	publisher   Publisher
	journal     *Journal
	instruments *Instruments
	gauge       metric.Registration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Coach
}

func NewManager(parent context.Context, cfg config.Config, deps Deps) (*Manager, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	catalog := recovery.DefaultCatalog()
	if path := cfg.Recovery.CatalogPath; path != "" {
		loaded, err := recovery.LoadCatalog(path)
		if err != nil {
			return nil, fmt.Errorf("load protocol catalog: %w", err)
		}
		catalog = loaded
	}
	instruments, err := NewInstruments(deps.MeterProvider)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		cfg:         cfg,
		deps:        deps,
		log:         deps.Logger.With(slog.String("component", "sessions")),
		catalog:     catalog,
		publisher:   NopPublisher{},
		instruments: instruments,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Coach),
	}
	if deps.Bus != nil {
		m.publisher = NewBusPublisher(deps.Bus, deps.Logger)
	}
	if deps.Recorder != nil {
		m.journal = NewJournal(deps.Recorder, 0, deps.Logger)
	}
	if m.deps.NewSource == nil {
		m.deps.NewSource = m.configuredSource
	}
	if m.deps.NewRecognizer == nil {
		m.deps.NewRecognizer = func(id string) speech.Recognizer {
			return speech.NewBusRecognizer(deps.Bus, id, cfg.STT.PublishInterim, deps.Logger)
		}
	}

	m.gauge, err = instruments.ObserveResilience(m.scores)
	if err != nil {
		cancel()
		m.journal.Close()
		return nil, err
	}
	m.log.Info("session manager ready", slog.Any("protocols", catalog.Names()))
	return m, nil
}

func (m *Manager) configuredSource(id string) capture.Source {
	if m.cfg.Capture.Source == "wav" {
		return capture.NewWAVSource(m.cfg.Capture.WAVPath)
	}
	return capture.NewBusSource(m.deps.Bus, id, m.deps.Logger)
}

// Create opens a session with a fresh ID. An empty personality uses the
// configured default.
func (m *Manager) Create(personality string) (*Coach, error) {
	if personality == "" {
		personality = m.cfg.Advisor.Personality
	}
	p := advisor.ParsePersonality(personality)
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return nil, ErrClosed
	}

	m.journal.OpenSession(id, string(p))
	m.journal.Record(id, eventstore.KindSessionCreated, map[string]string{"personality": string(p)})

	c, err := NewCoach(m.ctx, Options{
		ID:            id,
		Config:        m.cfg,
		Personality:   p,
		Catalog:       m.catalog,
		Effectiveness: m.deps.Effectiveness,
		Source:        m.deps.NewSource(id),
		Recognizer:    m.deps.NewRecognizer(id),
		Publisher:     m.publisher,
		Journal:       m.journal,
		Instruments:   m.instruments,
		Logger:        m.deps.Logger,
	})
	if err != nil {
		m.journal.CloseSession(id)
		return nil, err
	}
	m.sessions[id] = c
	m.instruments.sessionOpened(m.ctx)
	m.log.Info("session created", slog.String("session_id", id), slog.String("personality", string(p)))
	return c, nil
}

func (m *Manager) Get(id string) (*Coach, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Delete closes a session and ends its timeline.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	c, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.closeSession(c)
	return nil
}

func (m *Manager) closeSession(c *Coach) {
	final := c.Snapshot()
	c.Close()
	m.journal.Record(c.ID(), eventstore.KindSessionClosed, map[string]any{
		"resilience":     final.Resilience,
		"grade":          final.Grade.Letter,
		"critical_saves": final.CriticalSaves,
		"interventions":  len(final.History),
	})
	m.journal.CloseSession(c.ID())
	m.instruments.sessionClosed(context.Background())
	m.log.Info("session closed", slog.String("session_id", c.ID()))
}

// List returns the status of every session, oldest first.
func (m *Manager) List() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) Catalog() recovery.Catalog { return m.catalog }

func (m *Manager) scores() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.sessions))
	for id, c := range m.sessions {
		out[id] = c.Status().Resilience
	}
	return out
}

// Close ends every session and flushes the journal.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Coach, 0, len(m.sessions))
	for _, c := range m.sessions {
		sessions = append(sessions, c)
	}
	m.sessions = make(map[string]*Coach)
	m.cancel()
	m.mu.Unlock()

	for _, c := range sessions {
		m.closeSession(c)
	}
	if m.gauge != nil {
		_ = m.gauge.Unregister()
	}
	m.journal.Close()
}
