package notesync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// objectServer is a minimal content-addressed object service. failures makes
// the first N calls answer with the configured status.
type objectServer struct {
	objects  map[ContentRef][]byte
	failures int32
	failWith int
	requests int32
}

func newObjectServer() *objectServer {
	return &objectServer{objects: map[ContentRef][]byte{}}
}

func (o *objectServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&o.requests, 1)
		if atomic.LoadInt32(&o.failures) > 0 {
			atomic.AddInt32(&o.failures, -1)
			http.Error(w, `{"code":"unavailable","message":"try later"}`, o.failWith)
			return
		}
		switch {
		case r.URL.Path == "/v1/readyz":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/v1/objects" && r.Method == http.MethodPost:
			data, _ := io.ReadAll(r.Body)
			ref := ContentAddress(data)
			o.objects[ref] = data
			_ = json.NewEncoder(w).Encode(map[string]string{"cid": string(ref)})
		case strings.HasPrefix(r.URL.Path, "/v1/objects/") && r.Method == http.MethodGet:
			ref := ContentRef(strings.TrimPrefix(r.URL.Path, "/v1/objects/"))
			data, ok := o.objects[ref]
			if !ok {
				http.Error(w, `{"code":"not_found","message":"no such object"}`, http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestRemote(t *testing.T, baseURL string) *HTTPRemoteStore {
	t.Helper()
	store, err := NewHTTPRemoteStore(HTTPRemoteStoreOptions{
		BaseURL:       baseURL,
		TokenProvider: StaticTokenProvider("test-token"),
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		MaxElapsed:    250 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new remote store failed: %v", err)
	}
	return store
}

func TestHTTPRemoteUploadRoundTrip(t *testing.T) {
	backend := newObjectServer()
	server := httptest.NewServer(backend.handler())
	defer server.Close()
	store := newTestRemote(t, server.URL)

	payload := []byte(`{"ops":[]}`)
	ref, err := store.Upload(context.Background(), payload)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if ref != ContentAddress(payload) {
		t.Fatalf("expected content-addressed ref, got %s", ref)
	}

	data, err := store.Retrieve(context.Background(), ref)
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("round trip mismatch: %s", data)
	}
	if !store.Ready(context.Background()) {
		t.Fatalf("expected ready store")
	}
}

func TestHTTPRemoteSendsBearerToken(t *testing.T) {
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(map[string]string{"cid": string(ContentAddress(data))})
	}))
	defer server.Close()
	store := newTestRemote(t, server.URL)

	if _, err := store.Upload(context.Background(), []byte("x")); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if header != "Bearer test-token" {
		t.Fatalf("expected bearer token, got %q", header)
	}
}

func TestHTTPRemoteRetriesTransientFailures(t *testing.T) {
	backend := newObjectServer()
	backend.failures = 2
	backend.failWith = http.StatusServiceUnavailable
	server := httptest.NewServer(backend.handler())
	defer server.Close()
	store := newTestRemote(t, server.URL)

	payload := []byte("retry me")
	ref, err := store.Upload(context.Background(), payload)
	if err != nil {
		t.Fatalf("upload failed after retries: %v", err)
	}
	if ref != ContentAddress(payload) {
		t.Fatalf("unexpected ref %s", ref)
	}
	if got := atomic.LoadInt32(&backend.requests); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestHTTPRemoteNotFoundIsPermanent(t *testing.T) {
	backend := newObjectServer()
	server := httptest.NewServer(backend.handler())
	defer server.Close()
	store := newTestRemote(t, server.URL)

	_, err := store.Retrieve(context.Background(), "sha256-deadbeef")
	if !errors.Is(err, ErrRemoteNotFound) {
		t.Fatalf("expected ErrRemoteNotFound, got %v", err)
	}
	if got := atomic.LoadInt32(&backend.requests); got != 1 {
		t.Fatalf("404 must not be retried, saw %d attempts", got)
	}
}

func TestHTTPRemoteExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer server.Close()
	store := newTestRemote(t, server.URL)

	_, err := store.Upload(context.Background(), []byte("x"))
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable after exhaustion, got %v", err)
	}
}

func TestHTTPRemoteRejectsMismatchedRef(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"cid": "sha256-wrong"})
	}))
	defer server.Close()
	store := newTestRemote(t, server.URL)

	if _, err := store.Upload(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected error for mismatched ref")
	}
}

func TestHTTPRemoteRejectsCorruptedContent(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte("tampered"))
	}))
	defer server.Close()
	store := newTestRemote(t, server.URL)

	if _, err := store.Retrieve(context.Background(), "sha256-deadbeef"); err == nil {
		t.Fatalf("expected error for content mismatch")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("content mismatch must not be retried, saw %d calls", calls)
	}
}

func TestHTTPRemoteReadyFalseWhenDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	store := newTestRemote(t, server.URL)
	if store.Ready(context.Background()) {
		t.Fatalf("expected not ready on 503")
	}
	server.Close()
	if store.Ready(context.Background()) {
		t.Fatalf("expected not ready on connection failure")
	}
}
