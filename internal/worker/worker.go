// Package worker hosts one generation backend and serves exactly one
// completion at a time, publishing its busy flag around each request.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gaspardpetit/llamaswarm/internal/apierr"
	"github.com/gaspardpetit/llamaswarm/internal/availability"
	"github.com/gaspardpetit/llamaswarm/internal/backend"
	"github.com/gaspardpetit/llamaswarm/internal/chat"
	"github.com/gaspardpetit/llamaswarm/internal/logx"
	"github.com/gaspardpetit/llamaswarm/internal/metrics"
	"github.com/gaspardpetit/llamaswarm/internal/tokens"
	"github.com/gaspardpetit/llamaswarm/internal/validate"
)

// Options configure a Worker. They are fixed for the worker's lifetime.
type Options struct {
	// ID is the port the worker listens on.
	ID        int
	Name      string
	Model     string
	MaxWindow int
	// Truncate drops the oldest history until the conversation fits.
	Truncate bool
	// Timeout bounds one backend call; zero means no bound.
	Timeout time.Duration
	Store   availability.Store
	Backend backend.Generator
	Counter tokens.Counter
	Version VersionInfo
}

// Worker is the per-process context passed to every request handler.
type Worker struct {
	id       int
	store    availability.Store
	backend  backend.Generator
	budget   *tokens.Budget
	truncate bool
	timeout  time.Duration
	version  VersionInfo

	// mu is held for a whole request so a second one waits until the
	// first has flipped the flag back.
	mu       sync.Mutex
	inflight inflight
	status   *status
}

// New builds a Worker. The Counter defaults to tokens.Approx.
func New(opts Options) *Worker {
	counter := opts.Counter
	if counter == nil {
		counter = tokens.Approx{}
	}
	return &Worker{
		id:       opts.ID,
		store:    opts.Store,
		backend:  opts.Backend,
		budget:   tokens.NewBudget(counter, opts.MaxWindow),
		truncate: opts.Truncate,
		timeout:  opts.Timeout,
		version:  opts.Version,
		status: newStatus(State{
			WorkerID:   opts.ID,
			WorkerName: opts.Name,
			Model:      opts.Model,
			MaxWindow:  opts.MaxWindow,
			Version:    opts.Version.Version,
		}),
	}
}

// ID returns the worker's identifier, its listening port.
func (w *Worker) ID() int { return w.id }

// Status returns a copy of the worker's current status.
func (w *Worker) Status() State { return w.status.get() }

// Announce publishes the initial idle record.
func (w *Worker) Announce(ctx context.Context) error {
	if err := w.store.Publish(ctx, w.id, false); err != nil {
		return fmt.Errorf("announce worker %d: %w", w.id, err)
	}
	metrics.SetWorkerBusy(false)
	return nil
}

// Complete runs one request through the lifecycle.
func (w *Worker) Complete(ctx context.Context, body []byte) (chat.Completion, error) {
	return w.CompleteFrom(ctx, bytes.NewReader(body))
}

// CompleteFrom runs one request through the lifecycle, reading its body
// from r once the worker is marked busy. The busy flag is published before
// any work and cleared on every exit path, including an unreadable body and
// panics, before CompleteFrom returns.
func (w *Worker) CompleteFrom(ctx context.Context, r io.Reader) (res chat.Completion, err error) {
	w.inflight.inc()
	defer w.inflight.dec()
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	w.status.begin()
	w.publish(ctx, true)
	logx.Log.Debug().Int("worker_id", w.id).Msg("completion start")
	defer func() {
		if r := recover(); r != nil {
			err = apierr.UnknownServer(fmt.Errorf("panic: %v", r))
		}
		w.publish(context.WithoutCancel(ctx), false)
		w.status.finish(err)
		outcome := "success"
		if err != nil {
			e := apierr.From(err)
			err = e
			outcome = e.Kind.Name()
			logx.Log.Warn().Int("worker_id", w.id).Str("kind", outcome).Int("status", e.Status()).Msg(e.Message)
		}
		metrics.RecordJob(outcome, time.Since(start))
		logx.Log.Debug().Int("worker_id", w.id).Dur("duration", time.Since(start)).Str("outcome", outcome).Msg("completion end")
	}()
	return w.process(ctx, r)
}

func (w *Worker) process(ctx context.Context, r io.Reader) (chat.Completion, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return chat.Completion{}, apierr.InvalidRequest(fmt.Sprintf("Request body could not be read: %v.", err))
	}
	req, err := validate.Decode(body)
	if err != nil {
		return chat.Completion{}, err
	}

	count := w.budget.Count(req.Messages)
	metrics.RecordPromptTokens(count)
	logx.Log.Debug().Int("worker_id", w.id).Int("conversation_length", count).Msg("conversation counted")

	messages := req.Messages
	if w.truncate {
		genBudget := 0
		if req.MaxGenLen != nil {
			genBudget = *req.MaxGenLen
		}
		messages = w.budget.TruncateOldest(messages, genBudget, true)
		if !w.budget.Fits(messages, genBudget) {
			return chat.Completion{}, apierr.OutOfTokens(w.budget.MaxWindow, count, req.MaxGenLen)
		}
		if len(messages) < len(req.Messages) {
			logx.Log.Info().Int("worker_id", w.id).Int("dropped", len(req.Messages)-len(messages)).Msg("history truncated")
		}
	}

	genCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	gen, err := w.backend.Generate(genCtx, backend.Params{
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxGenLen:   req.MaxGenLen,
	})
	if err != nil {
		var e *apierr.Error
		if errors.As(err, &e) {
			return chat.Completion{}, e
		}
		return chat.Completion{}, apierr.UnknownServer(err)
	}
	if gen.StopReason == backend.StopOutOfTokens {
		return chat.Completion{}, apierr.OutOfTokens(w.budget.MaxWindow, count, req.MaxGenLen)
	}
	if v := validate.Generation(gen.Role, gen.Content); len(v) > 0 {
		return chat.Completion{}, apierr.InvalidResponse(v...)
	}
	return chat.Completion{
		ServedBy: w.id,
		Result:   chat.Result{Role: gen.Role, Content: gen.Content},
	}, nil
}

// publish writes the flag, keeping it at busy while draining. Failures are
// logged; the flag is advisory and the request proceeds.
func (w *Worker) publish(ctx context.Context, busy bool) {
	if w.status.isDraining() {
		busy = true
	}
	if err := w.store.Publish(ctx, w.id, busy); err != nil {
		logx.Log.Error().Err(err).Int("worker_id", w.id).Bool("busy", busy).Msg("publish availability")
	}
	metrics.SetWorkerBusy(busy)
}

// Drain marks the worker busy so the router stops selecting it, waits for
// admitted requests to finish, then withdraws the record. A timeout <= 0
// waits until ctx is done.
func (w *Worker) Drain(ctx context.Context, timeout time.Duration) error {
	w.status.startDrain()
	w.publish(ctx, true)
	logx.Log.Info().Int("worker_id", w.id).Int64("inflight", w.inflight.load()).Msg("draining")

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	drained := w.inflight.waitForZero(waitCtx)
	if !drained {
		logx.Log.Warn().Int("worker_id", w.id).Int64("inflight", w.inflight.load()).Msg("drain timeout exceeded")
	}
	if err := w.store.Withdraw(context.WithoutCancel(ctx), w.id); err != nil {
		return fmt.Errorf("withdraw worker %d: %w", w.id, err)
	}
	if !drained {
		return waitCtx.Err()
	}
	return nil
}
