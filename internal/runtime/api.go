package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/loqalabs/loqa-coach/internal/advisor"
	"github.com/loqalabs/loqa-coach/internal/eventstore"
	"github.com/loqalabs/loqa-coach/internal/recovery"
	"github.com/loqalabs/loqa-coach/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const maxBodyBytes = 1 << 16

// Timeline reads recorded session events. *eventstore.Store satisfies it.
type Timeline interface {
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

type api struct {
	sessions *session.Manager
	timeline Timeline
	log      *slog.Logger
}

type errorResponse struct {
	Error  string          `json:"error"`
	Status *session.Status `json:"status,omitempty"`
}

type personalityRequest struct {
	Personality string `json:"personality"`
}

func (a *api) routes(mux *http.ServeMux) {
	a.handle(mux, "GET /v1/sessions", a.listSessions)
	a.handle(mux, "POST /v1/sessions", a.createSession)
	a.handle(mux, "DELETE /v1/sessions/{id}", a.deleteSession)
	a.handle(mux, "GET /v1/sessions/{id}/status", a.sessionStatus)
	a.handle(mux, "GET /v1/sessions/{id}/metrics", a.sessionMetrics)
	a.handle(mux, "GET /v1/sessions/{id}/snapshot", a.sessionSnapshot)
	a.handle(mux, "GET /v1/sessions/{id}/events", a.sessionEvents)
	a.handle(mux, "POST /v1/sessions/{id}/capture/{action}", a.capture)
	a.handle(mux, "POST /v1/sessions/{id}/listening/{action}", a.listening)
	a.handle(mux, "POST /v1/sessions/{id}/reset", a.reset)
	a.handle(mux, "PUT /v1/sessions/{id}/personality", a.setPersonality)
	a.handle(mux, "GET /v1/protocols", a.listProtocols)
}

func (a *api) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	tracer := otel.Tracer("github.com/loqalabs/loqa-coach/runtime")
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), pattern)
		defer span.End()
		if id := r.PathValue("id"); id != "" {
			span.SetAttributes(attribute.String("session_id", id))
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *api) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.List())
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	var req personalityRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	c, err := a.sessions.Create(req.Personality)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusCreated, c.Status())
}

func (a *api) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Delete(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) sessionStatus(w http.ResponseWriter, r *http.Request) {
	if c := a.lookup(w, r); c != nil {
		writeJSON(w, http.StatusOK, c.Status())
	}
}

func (a *api) sessionMetrics(w http.ResponseWriter, r *http.Request) {
	if c := a.lookup(w, r); c != nil {
		writeJSON(w, http.StatusOK, c.FusedMetrics())
	}
}

func (a *api) sessionSnapshot(w http.ResponseWriter, r *http.Request) {
	if c := a.lookup(w, r); c != nil {
		writeJSON(w, http.StatusOK, c.Snapshot())
	}
}

func (a *api) sessionEvents(w http.ResponseWriter, r *http.Request) {
	c := a.lookup(w, r)
	if c == nil {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	events, err := a.timeline.ListSessionEvents(r.Context(), c.ID(), limit)
	if err != nil {
		a.log.Warn("failed to list session events", slog.String("session_id", c.ID()), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *api) capture(w http.ResponseWriter, r *http.Request) {
	c := a.lookup(w, r)
	if c == nil {
		return
	}
	switch r.PathValue("action") {
	case "start":
		a.respond(w, c, c.StartCapture())
	case "stop":
		a.respond(w, c, c.StopCapture())
	default:
		http.NotFound(w, r)
	}
}

func (a *api) listening(w http.ResponseWriter, r *http.Request) {
	c := a.lookup(w, r)
	if c == nil {
		return
	}
	switch r.PathValue("action") {
	case "start":
		a.respond(w, c, c.StartListening())
	case "stop":
		a.respond(w, c, c.StopListening())
	default:
		http.NotFound(w, r)
	}
}

func (a *api) reset(w http.ResponseWriter, r *http.Request) {
	if c := a.lookup(w, r); c != nil {
		a.respond(w, c, c.Reset())
	}
}

func (a *api) setPersonality(w http.ResponseWriter, r *http.Request) {
	c := a.lookup(w, r)
	if c == nil {
		return
	}
	var req personalityRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.respond(w, c, c.SetPersonality(advisor.ParsePersonality(req.Personality)))
}

func (a *api) listProtocols(w http.ResponseWriter, _ *http.Request) {
	catalog := a.sessions.Catalog()
	out := make([]recovery.Protocol, 0, len(catalog))
	for _, p := range catalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

func (a *api) lookup(w http.ResponseWriter, r *http.Request) *session.Coach {
	c, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil
	}
	return c
}

// respond reports a session command. Capture and recognition failures are
// conditions of the session, not of the server, so they map to 409 with the
// resulting status attached.
func (a *api) respond(w http.ResponseWriter, c *session.Coach, err error) {
	st := c.Status()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, st)
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusGone, err)
	default:
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Status: &st})
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
