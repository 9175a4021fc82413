package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/eventstore"
	"github.com/loqalabs/loqa-coach/internal/natsserver"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/loqalabs/loqa-coach/internal/session"
	"github.com/loqalabs/loqa-coach/internal/stt"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	stt      *stt.Service
	sessions *session.Manager
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every subsystem, serves HTTP until ctx is cancelled and
// then tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if terr := tel.shutdown(shutdownCtx); terr != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", terr.Error()))
		}
	}()

	defer r.teardown()
	if err := r.startServices(ctx, tel); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.Handle("GET /metrics", tel.metrics)
	(&api{sessions: r.sessions, timeline: r.store, log: r.logger.With(slog.String("component", "api"))}).routes(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != addr {
		promMux := http.NewServeMux()
		promMux.Handle("GET /metrics", tel.metrics)
		servers = append(servers, &http.Server{
			Addr:              bind,
			Handler:           promMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("metrics", r.cfg.Telemetry.PrometheusBind))

	return g.Wait()
}

func (r *Runtime) startServices(ctx context.Context, tel *telemetry) error {
	busCfg := r.cfg.Bus
	if busCfg.Enabled {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.nats = ns
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}

		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
		r.bus = client

		if busCfg.Stream != "" {
			maxAge := time.Duration(busCfg.StreamMaxAgeSec) * time.Second
			if err := client.EnsureStream(busCfg.Stream, []string{protocol.SubjectCoachWildcard}, maxAge); err != nil {
				r.logger.Warn("coach output stream unavailable", slog.String("stream", busCfg.Stream), slog.String("error", err.Error()))
			}
		}
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if r.cfg.STT.Enabled {
		if r.bus == nil {
			return errors.New("stt requires the bus")
		}
		transcriber, err := newTranscriber(r.cfg.STT)
		if err != nil {
			return err
		}
		r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, transcriber)
		if err := r.stt.Start(); err != nil {
			return err
		}
	}

	sessions, err := session.NewManager(ctx, r.cfg, session.Deps{
		Bus:           r.bus,
		Recorder:      store,
		MeterProvider: tel.meterProvider,
		Logger:        r.logger,
	})
	if err != nil {
		return err
	}
	r.sessions = sessions
	return nil
}

func newTranscriber(cfg config.STTConfig) (stt.Transcriber, error) {
	switch cfg.Mode {
	case "exec":
		return stt.NewExecTranscriber(cfg)
	default:
		return stt.NewMockTranscriber(), nil
	}
}

func (r *Runtime) teardown() {
	if r.sessions != nil {
		r.sessions.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.nats.Shutdown()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	if r.cfg.EventStore.RetentionMode != "persistent" {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) healthy() bool {
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	if r.stt != nil && !r.stt.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
