package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-coach/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.Record(ctx, "s", KindRecommendation, map[string]string{"a": "b"}); err != nil {
		t.Fatalf("ephemeral record should be a no-op: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %d (%v)", len(events), err)
	}
}

func TestRecordAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()

	sessionID := "session-123"
	if err := es.AppendSession(ctx, sessionID, "supportive"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	payload := map[string]any{"protocol": "respiratoryReset", "duration_ms": 30000}
	if err := es.Record(ctx, sessionID, KindInterventionStarted, payload); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.Record(ctx, sessionID, KindRecommendation, map[string]string{"type": "strength"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != KindInterventionStarted || events[0].TraceID == "" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	var got map[string]any
	if err := json.Unmarshal(events[0].Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got["protocol"] != "respiratoryReset" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}

	counts, err := es.CountByKind(ctx, sessionID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[KindInterventionStarted] != 1 || counts[KindRecommendation] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestCloseSessionInSessionModeDropsTimeline(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.AppendSession(ctx, "s1", "analytical"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Record(ctx, "s1", KindMetricsSnapshot, map[string]float64{"confidence": 80}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected timeline dropped, got %d events", len(events))
	}
}

func TestCloseSessionInPersistentModeKeepsTimeline(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()

	if err := es.AppendSession(ctx, "s1", "analytical"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Record(ctx, "s1", KindSessionClosed, struct{}{}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected timeline kept, got %d (%v)", len(events), err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session", "analytical"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Record(ctx, "old-session", KindSessionCreated, struct{}{}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session", "analytical"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
