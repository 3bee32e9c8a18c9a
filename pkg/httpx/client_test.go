package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequestJSONRetriesOn5xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"try again"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"valid":true}`))
	}))
	defer srv.Close()

	status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{"key":"k"}`), nil, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200 after retry, got %d", status)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if string(body) != `{"valid":true}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestRequestJSONDoesNotRetryOn4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, nil, nil, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if attempts != 1 {
		t.Fatalf("expected single attempt, got %d", attempts)
	}
}

func TestRequestJSONTransportErrorExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, _, err := RequestJSON(context.Background(), nil, http.MethodPost, url, nil, nil, 1, time.Millisecond)
	if err == nil {
		t.Fatal("expected transport error")
	}
}

func TestRequestJSONSetsHeaders(t *testing.T) {
	var gotKey, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Loader-Key")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{}`), map[string]string{"X-Loader-Key": "LIC-9"}, 0, 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if gotKey != "LIC-9" {
		t.Fatalf("expected loader key header, got %q", gotKey)
	}
	if gotType != "application/json" {
		t.Fatalf("expected json content type, got %q", gotType)
	}
}

func TestRequestJSONStopsBackoffOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := RequestJSON(ctx, srv.Client(), http.MethodPost, srv.URL, nil, nil, 3, time.Hour)
	if err == nil {
		t.Fatal("expected context error during backoff")
	}
}
