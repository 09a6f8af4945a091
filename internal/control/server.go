// Package control is the daemon's local-loopback surface: a one-shot JSON
// endpoint for starting/listing/killing sessions, and a WebSocket endpoint
// the local terminal client attaches through using the same wire protocol
// the relay bridge speaks.
//
// Grounded on internal/transport/server.go's listen/mux/graceful-shutdown
// shape (adapted from a Unix socket to loopback TCP) and
// internal/relay/pty_relay.go's message-switch for the attach path.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/ptysession"
	"github.com/tetherhq/tether/internal/ringbuf"
	"github.com/tetherhq/tether/internal/sessionmgr"
	"github.com/tetherhq/tether/internal/wire"
)

const writeTimeout = 10 * time.Second

// Server serves the daemon's local control API on addr (loopback TCP).
type Server struct {
	mgr  *sessionmgr.Manager
	addr string
	log  *slog.Logger
}

// NewServer returns a control Server bound to addr (e.g. "127.0.0.1:16790").
func NewServer(mgr *sessionmgr.Manager, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{mgr: mgr, addr: addr, log: log}
}

// ListenAndServe runs until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", s.handleStartSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions/{id}/kill", s.handleKillSession)
	mux.HandleFunc("GET /attach", s.handleAttach)
}

type startSessionRequest struct {
	Tag        string   `json:"tag"`
	Command    []string `json:"command"`
	WorkingDir string   `json:"working_dir"`
	Cols       int      `json:"cols"`
	Rows       int      `json:"rows"`
}

type sessionResponse struct {
	ID         string `json:"id"`
	Tag        string `json:"tag"`
	Status     string `json:"status"`
	WorkingDir string `json:"working_dir"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func toSessionResponse(meta ptysession.Metadata) sessionResponse {
	return sessionResponse{ID: meta.ID, Tag: meta.Tag, Status: string(meta.Status()), WorkingDir: meta.WorkingDir}
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(req.Command) == 0 {
		req.Command = []string{"claude"}
	}
	if req.Cols == 0 {
		req.Cols = 80
	}
	if req.Rows == 0 {
		req.Rows = 24
	}
	sess, err := s.mgr.StartSession(sessionmgr.StartOptions{
		Tag: req.Tag, Command: req.Command, WorkingDir: req.WorkingDir, Cols: req.Cols, Rows: req.Rows,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess.SnapshotMetadata()))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	metas := s.mgr.Mux().ListSessions()
	out := make([]sessionResponse, 0, len(metas))
	for _, m := range metas {
		out = append(out, toSessionResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.StopSession(id); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAttach upgrades to a WebSocket and speaks the same tagged-union wire
// protocol the relay bridge uses, directly against the local multiplexer.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	clientID := "local-" + uuid.NewString()
	ctx := r.Context()
	var sessionID string
	var stopOut chan struct{}

	detach := func() {
		if sessionID == "" {
			return
		}
		s.mgr.Mux().DetachClient(sessionID, clientID)
		close(stopOut)
		sessionID = ""
		stopOut = nil
	}
	defer detach()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cm wire.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			continue
		}

		switch p := cm.Payload.(type) {
		case *wire.AttachSession:
			detach()
			sub, snapshot, err := s.mgr.Mux().AttachClient(p.SessionID, clientID)
			if err != nil {
				writeControl(ctx, conn, wire.KindError, &wire.Error{Code: wire.ErrSessionNotFound, Message: err.Error()})
				continue
			}
			sessionID = p.SessionID
			stopOut = make(chan struct{})
			go relayOutput(ctx, conn, sessionID, sub, stopOut)
			writeControl(ctx, conn, wire.KindTerminalReady, &wire.TerminalReady{SessionID: sessionID})
			writeControl(ctx, conn, wire.KindSrvTerminalHistory, &wire.SrvTerminalHistory{SessionID: sessionID, Bytes: snapshot})

		case *wire.TerminalInput:
			if err := s.mgr.Mux().SendInput(p.SessionID, p.Bytes); err != nil {
				writeControl(ctx, conn, wire.KindTerminalError, &wire.TerminalError{SessionID: p.SessionID, Message: err.Error()})
			}

		case *wire.TerminalResize:
			s.mgr.Mux().ResizeSession(p.SessionID, p.Cols, p.Rows)

		case *wire.DetachSession:
			detach()

		case *wire.StopSession:
			s.mgr.StopSession(p.SessionID)
			writeControl(ctx, conn, wire.KindSessionStopped, &wire.SessionStopped{SessionID: p.SessionID})
			detach()

		case *wire.Ping:
			writeControl(ctx, conn, wire.KindPong, &wire.Pong{})
		}
	}
}

func relayOutput(ctx context.Context, conn *websocket.Conn, sessionID string, sub *ringbuf.Subscription, stop <-chan struct{}) {
	for {
		select {
		case data, ok := <-sub.C():
			if !ok {
				return
			}
			writeControl(ctx, conn, wire.KindSrvTerminalOutput, &wire.SrvTerminalOutput{SessionID: sessionID, Bytes: data})
		case <-stop:
			return
		}
	}
}

func writeControl(ctx context.Context, conn *websocket.Conn, kind wire.ServerKind, payload any) {
	data, err := json.Marshal(wire.ServerMessage{Kind: kind, Payload: payload})
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	conn.Write(writeCtx, websocket.MessageText, data)
}
