package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/notesync/internal/notesync"
)

type ServerConfig struct {
	// AuthToken guards the /v1 routes. Empty disables auth, for local use.
	AuthToken    string
	MaxBodyBytes int64
}

// Server exposes the sync engine over HTTP. Routing is a hand-rolled path
// split; every /v1 route requires the bearer token when one is configured.
type Server struct {
	engine *notesync.Engine
	cfg    ServerConfig
}

func NewServer(engine *notesync.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *notesync.Engine, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{engine: engine, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.Status())
	case len(parts) == 3 && parts[1] == "status" && parts[2] == "watch" && r.Method == http.MethodGet:
		s.handleStatusWatch(w, r)
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		go s.engine.Reconcile(context.Background())
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconciling"})
	case len(parts) == 2 && parts[1] == "connectivity" && r.Method == http.MethodPost:
		s.handleConnectivitySignal(w, r)
	case len(parts) == 2 && parts[1] == "notes" && r.Method == http.MethodGet:
		s.handleListNotes(w, r)
	case len(parts) == 3 && parts[1] == "notes":
		s.handleNote(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "notes" && parts[3] == "save" && r.Method == http.MethodPost:
		s.handleForceSave(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "notes" && parts[3] == "autosave" && r.Method == http.MethodPost:
		s.handleAutosave(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "notes" && parts[3] == "versions" && r.Method == http.MethodGet:
		s.handleVersionHistory(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "notes" && parts[3] == "versions" && r.Method == http.MethodPost:
		s.handleCreateVersion(w, r, parts[2])
	case len(parts) == 5 && parts[1] == "notes" && parts[3] == "versions" && parts[4] == "compare" && r.Method == http.MethodGet:
		s.handleCompareVersions(w, r, parts[2])
	case len(parts) == 6 && parts[1] == "notes" && parts[3] == "versions" && parts[5] == "restore" && r.Method == http.MethodPost:
		s.handleRestoreVersion(w, r, parts[2], parts[4])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

type authError struct {
	status  int
	code    string
	message string
}

func (s *Server) authorize(r *http.Request) *authError {
	if s.cfg.AuthToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return &authError{http.StatusUnauthorized, "unauthorized", "missing Authorization header"}
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &authError{http.StatusUnauthorized, "unauthorized", "malformed Authorization header"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
		return &authError{http.StatusUnauthorized, "unauthorized", "invalid token"}
	}
	return nil
}

func (s *Server) handleListNotes(w http.ResponseWriter, _ *http.Request) {
	notes, err := s.engine.ListNotes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": notes})
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request, noteID string) {
	switch r.Method {
	case http.MethodGet:
		text, err := s.engine.GetNote(r.Context(), noteID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"documentId": noteID, "text": text})
	case http.MethodPut:
		var body struct {
			Text string `json:"text"`
		}
		if !s.decodeJSONBody(w, r, &body) {
			return
		}
		result, err := s.engine.SaveNote(r.Context(), noteID, body.Text)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		status := http.StatusOK
		if result.Queued {
			status = http.StatusAccepted
		}
		writeJSON(w, status, result)
	case http.MethodDelete:
		if err := s.engine.DeleteNote(r.Context(), noteID); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (s *Server) handleForceSave(w http.ResponseWriter, r *http.Request, noteID string) {
	if err := s.engine.ForceSave(r.Context(), noteID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleAutosave(w http.ResponseWriter, r *http.Request, noteID string) {
	var body struct {
		Text     string `json:"text"`
		Priority string `json:"priority"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	priority := notesync.SaveNormal
	if strings.EqualFold(body.Priority, "high") {
		priority = notesync.SaveHigh
	}
	s.engine.UpdateNote(noteID, body.Text, priority)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleVersionHistory(w http.ResponseWriter, r *http.Request, noteID string) {
	entries, err := s.engine.GetVersionHistory(r.Context(), noteID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": entries})
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request, noteID string) {
	var body struct {
		Description string `json:"description"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	entry, queued, err := s.engine.CreateVersion(r.Context(), noteID, body.Description)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if queued {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleCompareVersions(w http.ResponseWriter, r *http.Request, noteID string) {
	from, fromErr := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("from")))
	to, toErr := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("to")))
	if fromErr != nil || toErr != nil || from < 1 || to < 1 {
		writeError(w, http.StatusBadRequest, "bad_request", "from and to must be positive version numbers")
		return
	}
	diff, err := s.engine.CompareVersions(r.Context(), noteID, from, to)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *Server) handleRestoreVersion(w http.ResponseWriter, r *http.Request, noteID, rawVersion string) {
	version, err := strconv.Atoi(strings.TrimSpace(rawVersion))
	if err != nil || version < 1 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid version number")
		return
	}
	entry, restoreErr := s.engine.RestoreVersion(r.Context(), noteID, version)
	if restoreErr != nil {
		writeEngineError(w, restoreErr)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleConnectivitySignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Signal string `json:"signal"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	switch strings.ToLower(strings.TrimSpace(body.Signal)) {
	case "reachable":
		s.engine.SignalReachable()
	case "offline":
		s.engine.SignalOffline()
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "signal must be reachable or offline")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleStatusWatch streams a status snapshot on connect and after every
// connectivity transition.
func (s *Server) handleStatusWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	updates := make(chan struct{}, 1)
	sub := s.engine.SubscribeConnectivity(func(notesync.ConnTransition) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	defer sub.Cancel()

	if err := wsjson.Write(ctx, conn, s.engine.Status()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "done")
			return
		case <-updates:
			if err := wsjson.Write(ctx, conn, s.engine.Status()); err != nil {
				return
			}
		}
	}
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notesync.ErrNotFound), errors.Is(err, notesync.ErrRemoteNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, notesync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, notesync.ErrNotProvisioned):
		writeError(w, http.StatusConflict, "not_provisioned", err.Error())
	case errors.Is(err, notesync.ErrCapacity):
		writeError(w, http.StatusInsufficientStorage, "capacity", err.Error())
	case errors.Is(err, notesync.ErrRemoteUnavailable):
		writeError(w, http.StatusServiceUnavailable, "remote_unavailable", err.Error())
	case errors.Is(err, notesync.ErrCorruptRecord):
		writeError(w, http.StatusUnprocessableEntity, "corrupt_record", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
