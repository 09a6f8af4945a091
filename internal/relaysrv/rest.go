package relaysrv

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/wire"
)

// RegisterREST attaches the relay's minimal session-lifecycle REST surface
// (POST/GET /sessions, GET/DELETE /sessions/{id}) to mux, delegating to the
// same catalog the bridge/web WebSocket router uses.
//
// Grounded on the REST shape the CLI front-end is documented to call against
// this relay: a thin, bearer-token-authenticated CRUD layer over Catalog.
func (rt *Router) RegisterREST(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", rt.handleCreateSession)
	mux.HandleFunc("GET /sessions", rt.handleListSessionsREST)
	mux.HandleFunc("GET /sessions/{id}", rt.handleGetSessionREST)
	mux.HandleFunc("DELETE /sessions/{id}", rt.handleDeleteSessionREST)
}

type createSessionRequest struct {
	Tag     string `json:"tag"`
	Profile string `json:"profile"`
	CWD     string `json:"cwd"`
}

type sessionEnvelope struct {
	Session wire.SessionView `json:"session"`
}

type sessionsEnvelope struct {
	Sessions []wire.SessionView `json:"sessions"`
}

// authenticateREST validates the Authorization: Bearer <token> header,
// writing a 401 and returning ok=false on any failure.
func (rt *Router) authenticateREST(w http.ResponseWriter, r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		writeRESTError(w, http.StatusUnauthorized, wire.ErrNotAuthenticated, "missing bearer token")
		return "", false
	}
	userID, err := rt.catalog.ValidateAuthToken(token)
	if err != nil {
		writeRESTError(w, http.StatusUnauthorized, wire.ErrAuthFailed, "invalid token")
		return "", false
	}
	return userID, true
}

func (rt *Router) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := rt.authenticateREST(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRESTError(w, http.StatusBadRequest, wire.ErrInvalidMessage, "malformed request body")
		return
	}

	rec := SessionRecord{
		ID:          uuid.NewString(),
		Tag:         req.Tag,
		UserID:      userID,
		MachineID:   r.Header.Get("X-Machine-ID"),
		MachineName: r.Header.Get("X-Machine-Name"),
		Status:      StatusInitializing,
		CWD:         req.CWD,
	}
	if err := rt.catalog.CreateSession(rec); err != nil {
		rt.log.Warn("create session failed", "err", err)
		writeRESTError(w, http.StatusInternalServerError, wire.ErrInvalidMessage, "could not create session")
		return
	}

	out, err := rt.catalog.GetSession(rec.ID)
	if err != nil {
		rt.log.Warn("reload created session failed", "err", err)
		out = rec
	}
	writeJSON(w, http.StatusOK, sessionEnvelope{Session: sessionView(out)})
}

func (rt *Router) handleListSessionsREST(w http.ResponseWriter, r *http.Request) {
	userID, ok := rt.authenticateREST(w, r)
	if !ok {
		return
	}
	recs, err := rt.catalog.ListSessionsForUser(userID)
	if err != nil {
		writeRESTError(w, http.StatusInternalServerError, wire.ErrInvalidMessage, err.Error())
		return
	}
	views := make([]wire.SessionView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, sessionView(rec))
	}
	writeJSON(w, http.StatusOK, sessionsEnvelope{Sessions: views})
}

func (rt *Router) handleGetSessionREST(w http.ResponseWriter, r *http.Request) {
	userID, ok := rt.authenticateREST(w, r)
	if !ok {
		return
	}
	rec, err := rt.catalog.GetSession(r.PathValue("id"))
	if err != nil {
		writeRESTError(w, http.StatusNotFound, wire.ErrSessionNotFound, "session not found")
		return
	}
	if rec.UserID != userID {
		writeRESTError(w, http.StatusForbidden, wire.ErrAccessDenied, "session belongs to another user")
		return
	}
	writeJSON(w, http.StatusOK, sessionEnvelope{Session: sessionView(rec)})
}

// handleDeleteSessionREST soft-deletes a Running/Paused session (marks it
// Terminated, retaining the row for history) and hard-deletes an
// Initializing/Terminated one.
func (rt *Router) handleDeleteSessionREST(w http.ResponseWriter, r *http.Request) {
	userID, ok := rt.authenticateREST(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	rec, err := rt.catalog.GetSession(id)
	if err != nil {
		writeRESTError(w, http.StatusNotFound, wire.ErrSessionNotFound, "session not found")
		return
	}
	if rec.UserID != userID {
		writeRESTError(w, http.StatusForbidden, wire.ErrAccessDenied, "session belongs to another user")
		return
	}

	switch rec.Status {
	case StatusRunning, StatusPaused:
		rt.forwardToCLI(r.Context(), id, wire.KindSessionStopped, &wire.SessionStopped{SessionID: id})
		if err := rt.catalog.UpdateSessionStatus(id, StatusTerminated); err != nil {
			rt.log.Warn("terminate session failed", "err", err)
		}
	default:
		rt.forwardToCLI(r.Context(), id, wire.KindSessionDeleted, &wire.SessionDeleted{SessionID: id})
		if err := rt.catalog.DeleteSession(id); err != nil {
			rt.log.Warn("delete session failed", "err", err)
		}
		rt.mu.Lock()
		delete(rt.webBySession, id)
		delete(rt.history, id)
		rt.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRESTError(w http.ResponseWriter, status int, code wire.ErrorCode, message string) {
	writeJSON(w, status, wire.Error{Code: code, Message: message})
}
