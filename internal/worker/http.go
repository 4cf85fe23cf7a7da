package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gaspardpetit/llamaswarm/internal/api"
	"github.com/gaspardpetit/llamaswarm/internal/apierr"
	"github.com/gaspardpetit/llamaswarm/internal/logx"
)

const maxBodyBytes = 32 << 20

// Handler exposes POST /completion plus /status, /version and /metrics.
func (w *Worker) Handler() http.Handler {
	r := chi.NewRouter()
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}
	r.Post("/completion", w.handleCompletion)
	r.Get("/status", w.handleStatus)
	r.Get("/version", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, w.version)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (w *Worker) handleCompletion(rw http.ResponseWriter, r *http.Request) {
	// The caller going away does not stop the generation; the flag is
	// cleared when the backend returns.
	body := http.MaxBytesReader(rw, r.Body, maxBodyBytes)
	res, err := w.CompleteFrom(context.WithoutCancel(r.Context()), body)
	if err != nil {
		apierr.Write(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

func (w *Worker) handleStatus(rw http.ResponseWriter, r *http.Request) {
	st := w.status.get()
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		st.Memory = &MemoryInfo{Total: vm.Total, Available: vm.Available, UsedPercent: vm.UsedPercent}
	} else {
		logx.Log.Debug().Err(err).Msg("read host memory")
	}
	writeJSON(rw, http.StatusOK, st)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("write response")
	}
}

// Serve announces the worker and serves ln until ctx is done, then drains
// and shuts the listener down.
func (w *Worker) Serve(ctx context.Context, ln net.Listener, drainTimeout time.Duration) error {
	if err := w.Announce(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	srv := &http.Server{Handler: w.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logx.Log.Info().Int("worker_id", w.id).Str("addr", ln.Addr().String()).Msg("worker listening")

	select {
	case err := <-errCh:
		_ = w.store.Withdraw(context.WithoutCancel(ctx), w.id)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	var drainErr error
	if drainTimeout != 0 {
		drainErr = w.Drain(context.WithoutCancel(ctx), drainTimeout)
	} else if err := w.store.Withdraw(context.WithoutCancel(ctx), w.id); err != nil {
		drainErr = err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Log.Error().Err(err).Msg("worker shutdown")
	}
	logx.Log.Info().Int("worker_id", w.id).Msg("worker stopped")
	return drainErr
}
