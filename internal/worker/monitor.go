package worker

import (
	"context"
	"time"

	"github.com/gaspardpetit/llamaswarm/internal/logx"
	"github.com/gaspardpetit/llamaswarm/internal/reconnect"
)

// HealthChecker lists the models a backend serves; an error means the
// backend is unreachable.
type HealthChecker interface {
	Tags(ctx context.Context) ([]string, error)
}

// MonitorBackend probes hc every interval until ctx is done, backing off on
// failure, and records connectivity on the worker's status.
func (w *Worker) MonitorBackend(ctx context.Context, hc HealthChecker, interval time.Duration) {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	attempt := 0
	for {
		delay := interval
		if err := w.probeBackend(ctx, hc); err != nil {
			delay = reconnect.Delay(attempt)
			attempt++
		} else {
			attempt = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (w *Worker) probeBackend(ctx context.Context, hc HealthChecker) error {
	models, err := hc.Tags(ctx)
	if err != nil {
		if w.status.get().ConnectedToBackend {
			logx.Log.Warn().Err(err).Int("worker_id", w.id).Msg("backend unreachable")
		}
		w.status.setBackend(false, nil, err)
		return err
	}
	if !w.status.get().ConnectedToBackend {
		logx.Log.Info().Int("worker_id", w.id).Strs("models", models).Msg("backend connected")
	}
	w.status.setBackend(true, models, nil)
	return nil
}
