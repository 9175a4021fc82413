package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-coach/internal/capture"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/eventstore"
	"github.com/loqalabs/loqa-coach/internal/fusion"
	"github.com/loqalabs/loqa-coach/internal/recovery"
	"github.com/loqalabs/loqa-coach/internal/session"
	"github.com/loqalabs/loqa-coach/internal/speech"
)

type okSource struct{}

func (okSource) Start(context.Context, capture.Sink) error { return nil }
func (okSource) Stop()                                     {}

type okRecognizer struct{}

func (okRecognizer) Start(context.Context, func(speech.Event)) error { return nil }
func (okRecognizer) Stop()                                           {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, deps session.Deps) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.EventStore.RetentionMode = "persistent"
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")

	store, err := eventstore.Open(context.Background(), cfg.EventStore, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	deps.Logger = testLogger()
	deps.Recorder = store
	mgr, err := session.NewManager(context.Background(), cfg, deps)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)

	mux := http.NewServeMux()
	(&api{sessions: mgr, timeline: store, log: testLogger()}).routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func createSession(t *testing.T, srv *httptest.Server, personality string) session.Status {
	t.Helper()
	resp := do(t, http.MethodPost, srv.URL+"/v1/sessions", map[string]string{"personality": personality})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	return decode[session.Status](t, resp)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, session.Deps{
		NewSource:     func(string) capture.Source { return okSource{} },
		NewRecognizer: func(string) speech.Recognizer { return okRecognizer{} },
	})

	st := createSession(t, srv, "strategic")
	if st.SessionID == "" || st.Personality != "strategic" {
		t.Fatalf("unexpected status %+v", st)
	}
	base := srv.URL + "/v1/sessions/" + st.SessionID

	resp := do(t, http.MethodPost, base+"/capture/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture start: expected 200, got %d", resp.StatusCode)
	}
	if got := decode[session.Status](t, resp); got.Capture != session.CaptureActive {
		t.Fatalf("expected capturing, got %s", got.Capture)
	}

	resp = do(t, http.MethodPost, base+"/listening/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("listening start: expected 200, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, base+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", resp.StatusCode)
	}
	m := decode[fusion.Metrics](t, resp)
	if m.Combined.Confidence < 0 || m.Combined.Confidence > 100 {
		t.Fatalf("confidence out of range: %v", m.Combined.Confidence)
	}

	resp = do(t, http.MethodPut, base+"/personality", map[string]string{"personality": "supportive"})
	if got := decode[session.Status](t, resp); got.Personality != "supportive" {
		t.Fatalf("expected supportive, got %s", got.Personality)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/sessions", nil)
	if list := decode[[]session.Status](t, resp); len(list) != 1 {
		t.Fatalf("expected one session, got %d", len(list))
	}

	resp = do(t, http.MethodPost, base+"/capture/pause", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown action: expected 404, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodDelete, base, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, base+"/status", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestPlatformFailuresAreConflicts(t *testing.T) {
	srv := newTestServer(t, session.Deps{})
	st := createSession(t, srv, "")
	base := srv.URL + "/v1/sessions/" + st.SessionID

	for _, path := range []string{"/capture/start", "/listening/start"} {
		resp := do(t, http.MethodPost, base+path, nil)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("%s: expected 409, got %d", path, resp.StatusCode)
		}
		body := decode[errorResponse](t, resp)
		if body.Error == "" || body.Status == nil {
			t.Fatalf("%s: expected error and status, got %+v", path, body)
		}
	}

	resp := do(t, http.MethodGet, base+"/status", nil)
	got := decode[session.Status](t, resp)
	if got.Capture != session.CaptureUnsupported || got.Listening != session.ListeningUnsupported {
		t.Fatalf("unexpected status %+v", got)
	}
}

func TestEventsAndProtocols(t *testing.T) {
	srv := newTestServer(t, session.Deps{})
	st := createSession(t, srv, "")
	base := srv.URL + "/v1/sessions/" + st.SessionID

	resp := do(t, http.MethodGet, base+"/events?limit=0", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, base+"/events", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", resp.StatusCode)
	}
	_ = decode[[]eventstore.Event](t, resp)

	resp = do(t, http.MethodGet, srv.URL+"/v1/protocols", nil)
	protocols := decode[[]recovery.Protocol](t, resp)
	if len(protocols) != len(recovery.DefaultCatalog()) {
		t.Fatalf("expected %d protocols, got %d", len(recovery.DefaultCatalog()), len(protocols))
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/sessions/missing/metrics", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing session: expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateRejectsUnknownFields(t *testing.T) {
	srv := newTestServer(t, session.Deps{})
	resp := do(t, http.MethodPost, srv.URL+"/v1/sessions", map[string]string{"persona": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestReadyReflectsState(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Enabled = false
	r := New(cfg, testLogger())

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}

	r.ready.Store(true)
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", rec.Code)
	}
}
