package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentworkforce/notesync/internal/notesync"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *notesync.Engine) {
	t.Helper()
	engine, err := notesync.New(notesync.Options{
		DeviceID:       "test-device",
		Remote:         notesync.NewMemoryRemoteStore(),
		DisableMonitor: true,
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return NewServerWithConfig(engine, cfg), engine
}

func doRequest(t *testing.T, srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("invalid response body %q: %v", rec.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthGuardsAPIRoutes(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{AuthToken: "secret"})

	rec := doRequest(t, srv, http.MethodGet, "/v1/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/v1/status", "", map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/v1/status", "", map[string]string{"Authorization": "secret"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer scheme, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/v1/status", "", map[string]string{"Authorization": "Bearer secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}

	// Health stays open even with auth configured.
	rec = doRequest(t, srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", rec.Code)
	}
}

func TestNoteCRUD(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})

	rec := doRequest(t, srv, http.MethodPut, "/v1/notes/note-1", `{"text":"hello"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on save, got %d: %s", rec.Code, rec.Body.String())
	}
	var saved struct {
		RemoteRef string `json:"remoteRef"`
		Queued    bool   `json:"queued"`
	}
	decodeBody(t, rec, &saved)
	if saved.RemoteRef == "" || saved.Queued {
		t.Fatalf("expected direct sync, got %+v", saved)
	}

	rec = doRequest(t, srv, http.MethodGet, "/v1/notes/note-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", rec.Code)
	}
	var note struct {
		Text string `json:"text"`
	}
	decodeBody(t, rec, &note)
	if note.Text != "hello" {
		t.Fatalf("unexpected text %q", note.Text)
	}

	rec = doRequest(t, srv, http.MethodGet, "/v1/notes", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d", rec.Code)
	}
	var list struct {
		Notes []notesync.NoteSummary `json:"notes"`
	}
	decodeBody(t, rec, &list)
	if len(list.Notes) != 1 || list.Notes[0].DocumentID != "note-1" {
		t.Fatalf("unexpected inventory %+v", list.Notes)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/v1/notes/note-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/v1/notes/note-1", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestAutosaveThenForceSave(t *testing.T) {
	srv, engine := newTestServer(t, ServerConfig{})

	rec := doRequest(t, srv, http.MethodPost, "/v1/notes/note-1/autosave", `{"text":"draft","priority":"high"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on autosave, got %d", rec.Code)
	}
	if notes, _ := engine.ListNotes(); len(notes) != 0 {
		t.Fatalf("autosave must not persist before the debounce fires")
	}

	rec = doRequest(t, srv, http.MethodPost, "/v1/notes/note-1/save", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on force save, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, srv, http.MethodGet, "/v1/notes/note-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected persisted note after force save, got %d", rec.Code)
	}
}

func TestVersionEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})

	doRequest(t, srv, http.MethodPut, "/v1/notes/note-1", `{"text":"a\nb\nc\n"}`, nil)
	rec := doRequest(t, srv, http.MethodPost, "/v1/notes/note-1/versions", `{"description":"first"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on version create, got %d: %s", rec.Code, rec.Body.String())
	}
	var entry notesync.VersionEntry
	decodeBody(t, rec, &entry)
	if entry.Version != 1 || entry.ChangeType != notesync.ChangeCreate {
		t.Fatalf("unexpected entry %+v", entry)
	}

	doRequest(t, srv, http.MethodPut, "/v1/notes/note-1", `{"text":"a\nb\nc\nd\ne\n"}`, nil)
	rec = doRequest(t, srv, http.MethodPost, "/v1/notes/note-1/versions", `{"description":"second"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on second version, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/v1/notes/note-1/versions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on history, got %d", rec.Code)
	}
	var history struct {
		Versions []notesync.VersionEntry `json:"versions"`
	}
	decodeBody(t, rec, &history)
	if len(history.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(history.Versions))
	}

	rec = doRequest(t, srv, http.MethodGet, "/v1/notes/note-1/versions/compare?from=1&to=2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on compare, got %d", rec.Code)
	}
	var diff notesync.VersionDiff
	decodeBody(t, rec, &diff)
	if diff.LinesAdded != 2 || diff.LinesRemoved != 0 {
		t.Fatalf("expected +2/-0, got +%d/-%d", diff.LinesAdded, diff.LinesRemoved)
	}

	rec = doRequest(t, srv, http.MethodPost, "/v1/notes/note-1/versions/1/restore", "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on restore, got %d: %s", rec.Code, rec.Body.String())
	}
	var restored notesync.VersionEntry
	decodeBody(t, rec, &restored)
	if restored.ChangeType != notesync.ChangeRestore || restored.Version != 3 {
		t.Fatalf("unexpected restore entry %+v", restored)
	}
	rec = doRequest(t, srv, http.MethodGet, "/v1/notes/note-1", "", nil)
	var note struct {
		Text string `json:"text"`
	}
	decodeBody(t, rec, &note)
	if note.Text != "a\nb\nc\n" {
		t.Fatalf("expected restored text, got %q", note.Text)
	}
}

func TestVersionEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	doRequest(t, srv, http.MethodPut, "/v1/notes/note-1", `{"text":"x"}`, nil)

	rec := doRequest(t, srv, http.MethodGet, "/v1/notes/note-1/versions/compare?from=zero&to=2", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad compare params, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/v1/notes/note-1/versions/nope/restore", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad version number, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/v1/notes/note-1/versions/9/restore", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing version, got %d", rec.Code)
	}
}

func TestConnectivitySignalEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})

	rec := doRequest(t, srv, http.MethodPost, "/v1/connectivity", `{"signal":"reachable"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/v1/connectivity", `{"signal":"flaky"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown signal, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, srv, http.MethodGet, "/v1/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status struct {
		DeviceID   string `json:"deviceId"`
		State      string `json:"state"`
		QueueDepth int    `json:"queueDepth"`
	}
	decodeBody(t, rec, &status)
	if status.DeviceID != "test-device" || status.State != "online" || status.QueueDepth != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestRejectsOversizedBody(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{MaxBodyBytes: 64})
	big := `{"text":"` + strings.Repeat("x", 256) + `"}`
	rec := doRequest(t, srv, http.MethodPut, "/v1/notes/note-1", big, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, srv, http.MethodGet, "/v1/nonsense", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/other", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside /v1, got %d", rec.Code)
	}
}
