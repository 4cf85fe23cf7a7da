package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/llamaswarm/internal/availability"
	"github.com/gaspardpetit/llamaswarm/internal/chat"
)

func TestHandlerCompletion(t *testing.T) {
	w := newTestWorker(t, availability.NewMemoryStore(), reply(chat.RoleAssistant, "hi"), nil)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/completion", "application/json", strings.NewReader(hiBody))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var out chat.Completion
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ServedBy != 8001 || out.Result.Content != "hi" || out.Result.Role != chat.RoleAssistant {
		t.Fatalf("unexpected envelope: %+v", out)
	}
}

func TestHandlerStatusAndVersion(t *testing.T) {
	w := New(Options{
		ID: 8004, Name: "gpu0", Model: "llama3", MaxWindow: 8192,
		Store: availability.NewMemoryStore(), Backend: reply(chat.RoleAssistant, "x"),
		Version: VersionInfo{Version: "v1", BuildSHA: "sha1", BuildDate: "2024-01-01"},
	})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var st State
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != StateIdle || st.WorkerID != 8004 || st.WorkerName != "gpu0" || st.MaxWindow != 8192 || st.Version != "v1" {
		t.Fatalf("unexpected state: %+v", st)
	}

	respV, err := http.Get(srv.URL + "/version")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	defer func() { _ = respV.Body.Close() }()
	var vi VersionInfo
	if err := json.NewDecoder(respV.Body).Decode(&vi); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if vi.Version != "v1" || vi.BuildSHA != "sha1" {
		t.Fatalf("unexpected version info: %+v", vi)
	}

	respM, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	_ = respM.Body.Close()
	if respM.StatusCode != http.StatusOK {
		t.Fatalf("metrics status: %d", respM.StatusCode)
	}
}

func TestServeAnnouncesAndWithdraws(t *testing.T) {
	store := availability.NewMemoryStore()
	ln, port, err := Listen("127.0.0.1", nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	w := New(Options{ID: port, MaxWindow: 8192, Store: store, Backend: reply(chat.RoleAssistant, "hi")})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx, ln, time.Second) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, _ := store.Snapshot(context.Background())
		if len(recs) == 1 {
			if recs[0].WorkerID != port || recs[0].Busy {
				t.Fatalf("unexpected record: %+v", recs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker never announced")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/completion", port), "application/json", strings.NewReader(hiBody))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if recs, _ := store.Snapshot(context.Background()); len(recs) != 0 {
		t.Fatalf("record not withdrawn: %v", recs)
	}
}

func TestListenSkipsReserved(t *testing.T) {
	var rejected int
	ln, port, err := Listen("127.0.0.1", func(p int) bool {
		if rejected == 0 {
			rejected = p
			return true
		}
		return false
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	if rejected == 0 || port == 0 {
		t.Fatalf("reserved check not consulted")
	}
	if port == rejected {
		t.Fatalf("listener kept the reserved port %d", port)
	}
}

func TestListenAllReserved(t *testing.T) {
	if _, _, err := Listen("127.0.0.1", func(int) bool { return true }); err == nil {
		t.Fatalf("expected error when every port is reserved")
	}
}

type fakeHealth struct {
	models []string
	err    error
}

func (f fakeHealth) Tags(context.Context) ([]string, error) { return f.models, f.err }

func TestProbeBackend(t *testing.T) {
	w := New(Options{ID: 1, Store: availability.NewMemoryStore(), Backend: reply(chat.RoleAssistant, "x")})
	if err := w.probeBackend(context.Background(), fakeHealth{models: []string{"llama3"}}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	st := w.Status()
	if !st.ConnectedToBackend || len(st.Models) != 1 || st.Models[0] != "llama3" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if err := w.probeBackend(context.Background(), fakeHealth{err: errors.New("refused")}); err == nil {
		t.Fatalf("expected probe error")
	}
	st = w.Status()
	if st.ConnectedToBackend || st.LastError != "refused" {
		t.Fatalf("unexpected status: %+v", st)
	}
}
