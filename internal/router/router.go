// Package router picks an idle worker for each request and relays its
// answer to the caller.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/llamaswarm/internal/api"
	"github.com/gaspardpetit/llamaswarm/internal/apierr"
	"github.com/gaspardpetit/llamaswarm/internal/availability"
	"github.com/gaspardpetit/llamaswarm/internal/logx"
	"github.com/gaspardpetit/llamaswarm/internal/metrics"
)

const maxWorkerBody = 64 << 20

// Router holds no state beyond its collaborators; it never writes
// availability records.
type Router struct {
	store  availability.Store
	host   string
	client *http.Client
}

// New returns a Router that reads store and forwards to workers on host.
// timeout bounds one forward; zero means no bound.
func New(store availability.Store, host string, timeout time.Duration) *Router {
	return &Router{
		store:  store,
		host:   host,
		client: &http.Client{Timeout: timeout},
	}
}

// Response is what the caller receives when routing produced an HTTP answer,
// either the worker's result or its relayed error.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// WorkerURL returns the completion endpoint of the worker listening on
// host:port.
func WorkerURL(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/completion"
}

// Workers returns the current availability snapshot.
func (rt *Router) Workers(ctx context.Context) ([]availability.Record, error) {
	return rt.store.Snapshot(ctx)
}

// Route forwards body unmodified to the first idle worker. A returned error
// is always an *apierr.Error raised by the router itself; worker errors come
// back as a Response carrying the worker's status.
func (rt *Router) Route(ctx context.Context, body []byte, header http.Header) (Response, error) {
	reqID := header.Get(api.RequestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	resp, err := rt.route(ctx, reqID, body, header)
	if err != nil {
		e := apierr.From(err)
		metrics.RecordRouterRequest(e.Kind.Name())
		return Response{}, e
	}
	outcome := "success"
	if resp.Status != http.StatusOK {
		outcome = "relayed_" + strconv.Itoa(resp.Status)
	}
	metrics.RecordRouterRequest(outcome)
	return resp, nil
}

func (rt *Router) route(ctx context.Context, reqID string, body []byte, header http.Header) (Response, error) {
	records, err := rt.store.Snapshot(ctx)
	if err != nil {
		logx.Log.Error().Err(err).Str("request_id", reqID).Msg("availability snapshot")
		return Response{}, apierr.UnknownServer(fmt.Errorf("availability snapshot: %w", err))
	}
	idle := 0
	for _, r := range records {
		if !r.Busy {
			idle++
		}
	}
	metrics.SetSnapshot(len(records), idle)

	target, ok := availability.FirstIdle(records)
	if !ok {
		logx.Log.Warn().Str("request_id", reqID).Int("workers", len(records)).Msg("all workers busy")
		return Response{}, apierr.AllWorkersBusy()
	}

	url := WorkerURL(rt.host, target.WorkerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, apierr.UnknownServer(err)
	}
	if ct := header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(api.RequestIDHeader, reqID)

	logx.Log.Debug().Str("request_id", reqID).Int("worker_id", target.WorkerID).Msg("dispatch")
	start := time.Now()
	resp, err := rt.client.Do(req)
	if err != nil {
		logx.Log.Error().Err(err).Str("request_id", reqID).Int("worker_id", target.WorkerID).Msg("upstream unreachable")
		return Response{}, apierr.UpstreamUnreachable(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkerBody))
	metrics.RecordDispatch(target.WorkerID, time.Since(start))
	if err != nil {
		logx.Log.Error().Err(err).Str("request_id", reqID).Int("worker_id", target.WorkerID).Msg("upstream unreachable")
		return Response{}, apierr.UpstreamUnreachable(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logx.Log.Info().Str("request_id", reqID).Int("worker_id", target.WorkerID).Int("status", resp.StatusCode).Msg("relay worker error")
		return relay(resp, raw), nil
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		if err == nil {
			err = fmt.Errorf("worker %d: response has no result", target.WorkerID)
		}
		logx.Log.Error().Err(err).Str("request_id", reqID).Int("worker_id", target.WorkerID).Msg("upstream unreachable")
		return Response{}, apierr.UpstreamUnreachable(err)
	}
	logx.Log.Info().Str("request_id", reqID).Int("worker_id", target.WorkerID).Dur("duration", time.Since(start)).Msg("complete")
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return Response{Status: http.StatusOK, Header: h, Body: envelope.Result}, nil
}

// relay passes a worker error through unchanged. A body the router cannot
// parse is replaced by an empty one.
func relay(resp *http.Response, raw []byte) Response {
	h := http.Header{}
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "Transfer-Encoding") || strings.EqualFold(k, "Connection") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		h[k] = append([]string(nil), vs...)
	}
	if !json.Valid(raw) {
		raw = nil
	}
	return Response{Status: resp.StatusCode, Header: h, Body: raw}
}

// Write sends r to w.
func (r Response) Write(w http.ResponseWriter) {
	for k, vs := range r.Header {
		w.Header()[k] = vs
	}
	w.WriteHeader(r.Status)
	if len(r.Body) > 0 {
		if _, err := w.Write(r.Body); err != nil {
			logx.Log.Error().Err(err).Msg("write response")
		}
	}
}
