package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dnn/internal/config"
)

// Job is the work a runtime hosts, typically one training run.
type Job func(ctx context.Context) error

type Runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	servers   []*http.Server
	telemetry *telemetry
	ready     atomic.Bool
	wg        sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Run installs telemetry, serves /healthz, /readyz and /metrics while job
// runs, and tears everything down once job returns or ctx is cancelled.
func (r *Runtime) Run(ctx context.Context, job Job) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	metricsHandler := tel.handler

	if r.cfg.HTTP.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", r.handleHealth)
		mux.HandleFunc("/readyz", r.handleReady)
		if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind == "" {
			mux.Handle("/metrics", metricsHandler)
		}
		if err := r.serve(fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port), mux); err != nil {
			r.shutdown()
			return err
		}
	}
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		if err := r.serve(r.cfg.Telemetry.PrometheusBind, mux); err != nil {
			r.shutdown()
			return err
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("run", r.cfg.RunName))

	jobErr := job(ctx)
	r.ready.Store(false)
	if jobErr != nil && errors.Is(jobErr, context.Canceled) && ctx.Err() != nil {
		r.logger.Info("job cancelled")
	}

	r.logger.Info("runtime stopping")
	r.shutdown()
	return jobErr
}

func (r *Runtime) serve(addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.servers = append(r.servers, srv)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http listening", slog.String("addr", ln.Addr().String()))
	return nil
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range r.servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.telemetry != nil {
		if err := r.telemetry.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
