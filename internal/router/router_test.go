package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gaspardpetit/llamaswarm/internal/api"
	"github.com/gaspardpetit/llamaswarm/internal/apierr"
	"github.com/gaspardpetit/llamaswarm/internal/availability"
)

const body = `{"messages":[{"role":"user","content":"hi"}]}`

// fakeWorker serves handler and counts the calls it receives.
type fakeWorker struct {
	srv   *httptest.Server
	port  int
	calls int32

	mu     sync.Mutex
	header http.Header
	body   []byte
}

func (fw *fakeWorker) received() (http.Header, []byte) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.header, fw.body
}

func newFakeWorker(t *testing.T, handler http.HandlerFunc) *fakeWorker {
	t.Helper()
	fw := &fakeWorker{}
	fw.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fw.calls, 1)
		b, _ := io.ReadAll(r.Body)
		fw.mu.Lock()
		fw.header, fw.body = r.Header.Clone(), b
		fw.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(fw.srv.Close)
	_, p, _ := net.SplitHostPort(fw.srv.Listener.Addr().String())
	fw.port, _ = strconv.Atoi(p)
	return fw
}

func success(served int, content string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"served_by":` + strconv.Itoa(served) + `,"result":{"role":"assistant","content":"` + content + `"}}`))
	}
}

func publish(t *testing.T, store availability.Store, id int, busy bool) {
	t.Helper()
	if err := store.Publish(context.Background(), id, busy); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestRouteSelectsIdleWorker(t *testing.T) {
	a := newFakeWorker(t, success(1, "hi"))
	b := newFakeWorker(t, success(2, "from b"))
	store := availability.NewMemoryStore()
	publish(t, store, a.port, false)
	publish(t, store, b.port, true)

	rt := New(store, "127.0.0.1", time.Second)
	resp, err := rt.Route(context.Background(), []byte(body), http.Header{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status: %d", resp.Status)
	}
	var out map[string]string
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["role"] != "assistant" || out["content"] != "hi" || len(out) != 2 {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
	if atomic.LoadInt32(&a.calls) != 1 || atomic.LoadInt32(&b.calls) != 0 {
		t.Fatalf("calls a=%d b=%d", a.calls, b.calls)
	}
	hdr, got := a.received()
	if string(got) != body {
		t.Fatalf("body not forwarded unmodified: %s", got)
	}
	if hdr.Get(api.RequestIDHeader) == "" {
		t.Fatalf("request id not set on forward")
	}
}

func TestRouteLowestIdleIDFirst(t *testing.T) {
	a := newFakeWorker(t, success(1, "a"))
	b := newFakeWorker(t, success(2, "b"))
	store := availability.NewMemoryStore()
	publish(t, store, a.port, false)
	publish(t, store, b.port, false)
	first := a
	if b.port < a.port {
		first = b
	}
	rt := New(store, "127.0.0.1", time.Second)
	if _, err := rt.Route(context.Background(), []byte(body), http.Header{}); err != nil {
		t.Fatalf("route: %v", err)
	}
	if atomic.LoadInt32(&first.calls) != 1 {
		t.Fatalf("expected the lowest worker id to be selected")
	}
}

func TestRouteAllBusy(t *testing.T) {
	a := newFakeWorker(t, success(1, "a"))
	b := newFakeWorker(t, success(2, "b"))
	store := availability.NewMemoryStore()
	publish(t, store, a.port, true)
	publish(t, store, b.port, true)

	rt := New(store, "127.0.0.1", time.Second)
	_, err := rt.Route(context.Background(), []byte(body), http.Header{})
	var e *apierr.Error
	if !errors.As(err, &e) || e.Kind != apierr.KindAllWorkersBusy {
		t.Fatalf("expected AllWorkersBusy, got %v", err)
	}
	rr := httptest.NewRecorder()
	apierr.Write(rr, err)
	if rr.Code != http.StatusServiceUnavailable || rr.Body.String() != `{"error":"All LLM servers are busy."}` {
		t.Fatalf("unexpected busy response %d %s", rr.Code, rr.Body.String())
	}
	if atomic.LoadInt32(&a.calls)+atomic.LoadInt32(&b.calls) != 0 {
		t.Fatalf("no worker should be contacted")
	}
}

func TestRouteNoWorkers(t *testing.T) {
	rt := New(availability.NewMemoryStore(), "127.0.0.1", time.Second)
	_, err := rt.Route(context.Background(), []byte(body), http.Header{})
	if e := apierr.From(err); err == nil || e.Kind != apierr.KindAllWorkersBusy {
		t.Fatalf("expected AllWorkersBusy, got %v", err)
	}
}

func TestRouteRelaysWorkerError(t *testing.T) {
	errBody := `{"name":"OutOfTokensError","message":"too long","budget":8192,"conversation_length":9000,"gen_length":"Unlimited"}`
	a := newFakeWorker(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Worker", "a")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(errBody))
	})
	store := availability.NewMemoryStore()
	publish(t, store, a.port, false)

	rt := New(store, "127.0.0.1", time.Second)
	resp, err := rt.Route(context.Background(), []byte(body), http.Header{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Status != http.StatusTooManyRequests || string(resp.Body) != errBody {
		t.Fatalf("unexpected relay %d %s", resp.Status, resp.Body)
	}
	if resp.Header.Get("X-Worker") != "a" || resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("headers not relayed: %v", resp.Header)
	}

	rr := httptest.NewRecorder()
	resp.Write(rr)
	if rr.Code != http.StatusTooManyRequests || rr.Body.String() != errBody || rr.Header().Get("X-Worker") != "a" {
		t.Fatalf("unexpected written relay %d %s", rr.Code, rr.Body.String())
	}
}

func TestRouteRelaysUnparsableErrorAsEmpty(t *testing.T) {
	a := newFakeWorker(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})
	store := availability.NewMemoryStore()
	publish(t, store, a.port, false)

	resp, err := New(store, "127.0.0.1", time.Second).Route(context.Background(), []byte(body), http.Header{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Status != http.StatusBadGateway || len(resp.Body) != 0 {
		t.Fatalf("unexpected relay %d %q", resp.Status, resp.Body)
	}
}

func TestRouteUpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	store := availability.NewMemoryStore()
	publish(t, store, port, false)

	_, err = New(store, "127.0.0.1", time.Second).Route(context.Background(), []byte(body), http.Header{})
	var e *apierr.Error
	if !errors.As(err, &e) || e.Kind != apierr.KindUpstreamUnreachable {
		t.Fatalf("expected UpstreamUnreachable, got %v", err)
	}
	if e.Message != "Failed to reach LLM server." {
		t.Fatalf("transport details leaked: %q", e.Message)
	}
	if e.Status() != http.StatusInternalServerError {
		t.Fatalf("status: %d", e.Status())
	}
}

func TestRouteMalformedSuccess(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":  "hello",
		"no result": `{"served_by":1}`,
		"null":      `{"served_by":1,"result":null}`,
	} {
		t.Run(name, func(t *testing.T) {
			a := newFakeWorker(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(payload))
			})
			store := availability.NewMemoryStore()
			publish(t, store, a.port, false)
			_, err := New(store, "127.0.0.1", time.Second).Route(context.Background(), []byte(body), http.Header{})
			if e := apierr.From(err); err == nil || e.Kind != apierr.KindUpstreamUnreachable {
				t.Fatalf("expected UpstreamUnreachable, got %v", err)
			}
		})
	}
}

func TestRouteTimeout(t *testing.T) {
	release := make(chan struct{})
	a := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	store := availability.NewMemoryStore()
	publish(t, store, a.port, false)

	_, err := New(store, "127.0.0.1", 50*time.Millisecond).Route(context.Background(), []byte(body), http.Header{})
	if e := apierr.From(err); err == nil || e.Kind != apierr.KindUpstreamUnreachable {
		t.Fatalf("expected UpstreamUnreachable on timeout, got %v", err)
	}
}

func TestRouteKeepsCallerRequestID(t *testing.T) {
	a := newFakeWorker(t, success(1, "hi"))
	store := availability.NewMemoryStore()
	publish(t, store, a.port, false)
	h := http.Header{}
	h.Set(api.RequestIDHeader, "req-42")
	if _, err := New(store, "127.0.0.1", time.Second).Route(context.Background(), []byte(body), h); err != nil {
		t.Fatalf("route: %v", err)
	}
	hdr, _ := a.received()
	if got := hdr.Get(api.RequestIDHeader); got != "req-42" {
		t.Fatalf("request id: %q", got)
	}
}

type failingStore struct{ availability.Store }

func (failingStore) Snapshot(context.Context) ([]availability.Record, error) {
	return nil, errors.New("redis down")
}

func TestRouteSnapshotFailure(t *testing.T) {
	_, err := New(failingStore{}, "127.0.0.1", time.Second).Route(context.Background(), []byte(body), http.Header{})
	if e := apierr.From(err); err == nil || e.Kind != apierr.KindUnknownServer {
		t.Fatalf("expected UnknownServer, got %v", err)
	}
}

func TestWorkerURL(t *testing.T) {
	if got := WorkerURL("127.0.0.1", 8001); got != "http://127.0.0.1:8001/completion" {
		t.Fatalf("url: %s", got)
	}
	if got := WorkerURL("::1", 8001); got != "http://[::1]:8001/completion" {
		t.Fatalf("url: %s", got)
	}
}
