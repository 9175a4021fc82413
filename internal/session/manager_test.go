package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-coach/internal/advisor"
	"github.com/loqalabs/loqa-coach/internal/capture"
	"github.com/loqalabs/loqa-coach/internal/eventstore"
	"github.com/loqalabs/loqa-coach/internal/speech"
)

func openStore(t *testing.T) *eventstore.Store {
	t.Helper()
	cfg := testConfig().EventStore
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.RetentionMode = "persistent"
	store, err := eventstore.Open(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestManagerSessionLifecycle(t *testing.T) {
	store := openStore(t)
	mgr, err := NewManager(context.Background(), testConfig(), Deps{
		Recorder:      store,
		Logger:        testLogger(),
		NewSource:     func(string) capture.Source { return &fakeSource{} },
		NewRecognizer: func(string) speech.Recognizer { return &fakeRecognizer{} },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	c, err := mgr.Create("supportive")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := c.Status().Personality; got != advisor.Supportive {
		t.Fatalf("expected supportive, got %s", got)
	}
	if _, err := mgr.Get(c.ID()); err != nil {
		t.Fatalf("get: %v", err)
	}
	other, err := mgr.Create("")
	if err != nil {
		t.Fatalf("create default: %v", err)
	}
	if other.Status().Personality != advisor.Analytical {
		t.Fatalf("expected configured default personality")
	}
	if got := len(mgr.List()); got != 2 {
		t.Fatalf("expected 2 sessions, got %d", got)
	}

	if err := mgr.Delete(c.ID()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := mgr.Delete(c.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if _, err := mgr.Get(c.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	mgr.Close()
	if mgr.Count() != 0 {
		t.Fatalf("expected no sessions after close")
	}
	if _, err := mgr.Create(""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}

	counts, err := store.CountByKind(context.Background(), c.ID())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[eventstore.KindSessionCreated] != 1 || counts[eventstore.KindSessionClosed] != 1 {
		t.Fatalf("unexpected timeline %v", counts)
	}
}

func TestManagerRejectsBadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("protocols: [not a map"), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	cfg := testConfig()
	cfg.Recovery.CatalogPath = path
	if _, err := NewManager(context.Background(), cfg, Deps{Logger: testLogger()}); err == nil {
		t.Fatalf("expected catalog error")
	}
}

func TestManagerDefaultInputsWithoutBus(t *testing.T) {
	mgr, err := NewManager(context.Background(), testConfig(), Deps{Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)

	c, err := mgr.Create("")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.StartCapture(); !errors.Is(err, capture.ErrUnsupportedPlatform) {
		t.Fatalf("expected unsupported capture, got %v", err)
	}
	if err := c.StartListening(); !errors.Is(err, speech.ErrUnsupportedPlatform) {
		t.Fatalf("expected unsupported listening, got %v", err)
	}
	st := c.Status()
	if st.Capture != CaptureUnsupported || st.Listening != ListeningUnsupported {
		t.Fatalf("unexpected status %+v", st)
	}
}
