package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func wrap(h http.Handler) http.Handler {
	chain := MiddlewareChain()
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h
}

func TestRequestIDMiddleware(t *testing.T) {
	var captured string
	h := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = chiMiddleware.GetReqID(r.Context())
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rr, req)
	if captured == "" {
		t.Fatalf("missing request id")
	}
	if rr.Header().Get(RequestIDHeader) != captured {
		t.Fatalf("request id not echoed: %q vs %q", rr.Header().Get(RequestIDHeader), captured)
	}
}

func TestRequestIDHeaderMatchesChi(t *testing.T) {
	if RequestIDHeader != chiMiddleware.RequestIDHeader {
		t.Fatalf("header %q, chi reads %q", RequestIDHeader, chiMiddleware.RequestIDHeader)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	var captured string
	h := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = chiMiddleware.GetReqID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if captured != "abc-123" {
		t.Fatalf("expected inbound request id, got %q", captured)
	}
}

func TestRequestLoggerKeepsBody(t *testing.T) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(prev)

	var got string
	h := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/completion", strings.NewReader(`{"a":1}`))
	h.ServeHTTP(rr, req)
	if got != `{"a":1}` {
		t.Fatalf("body consumed by logger: %q", got)
	}
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status: %d", rr.Code)
	}
}
