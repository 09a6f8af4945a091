package relaysrv

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/wire"
)

const (
	writeTimeout      = 10 * time.Second
	historyCap        = 64 * 1024
	pendingRequestTTL = 30 * time.Second
)

// cliConn is one daemon bridge connection: the relay side of one session's
// internal/bridge link.
type cliConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	sessionID string
	machineID string
	userID    string
}

// webConn is one browser connection, possibly joined to several sessions.
type webConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	userID  string
}

type pendingRemote struct {
	web *webConn
}

// Router dispatches the wire protocol between daemon bridges and browser
// clients, and keeps the catalog's session/machine rows current.
//
// Grounded on internal/relay/pty_relay.go's PTYRoutes (session_id → route)
// and internal/relay/workers.go's WingRegistry (machine_id → live
// connections), collapsed onto this system's tagged-union wire protocol.
type Router struct {
	catalog *Catalog
	log     *slog.Logger

	mu           sync.RWMutex
	bySession    map[string]*cliConn
	byMachine    map[string]map[*cliConn]struct{}
	webBySession map[string]map[*webConn]struct{}
	webByUser    map[string]map[*webConn]struct{}
	history      map[string][]byte

	pendingMu sync.Mutex
	pending   map[string]*pendingRemote
}

// NewRouter returns a Router backed by catalog.
func NewRouter(catalog *Catalog, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		catalog:      catalog,
		log:          log,
		bySession:    make(map[string]*cliConn),
		byMachine:    make(map[string]map[*cliConn]struct{}),
		webBySession: make(map[string]map[*webConn]struct{}),
		webByUser:    make(map[string]map[*webConn]struct{}),
		history:      make(map[string][]byte),
		pending:      make(map[string]*pendingRemote),
	}
}

// HandleBridge upgrades a daemon's relay bridge connection and serves it
// until it disconnects.
func (rt *Router) HandleBridge(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		rt.log.Warn("bridge accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	cc := &cliConn{conn: conn}
	ctx := r.Context()

	defer rt.detachCLI(cc)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cm wire.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			continue
		}
		rt.dispatchFromCLI(ctx, cc, cm)
	}
}

// HandleWeb upgrades a browser connection and serves it until it disconnects.
func (rt *Router) HandleWeb(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		rt.log.Warn("web accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	wc := &webConn{conn: conn}
	ctx := r.Context()

	defer rt.detachWeb(wc)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cm wire.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			continue
		}
		rt.dispatchFromWeb(ctx, wc, cm)
	}
}

func (rt *Router) dispatchFromCLI(ctx context.Context, cc *cliConn, cm wire.ClientMessage) {
	switch p := cm.Payload.(type) {
	case *wire.Authenticate:
		userID, err := rt.catalog.ValidateAuthToken(p.Token)
		if err != nil {
			rt.writeCLI(ctx, cc, wire.KindError, &wire.Error{Code: wire.ErrAuthFailed, Message: "invalid token"})
			return
		}
		cc.userID = userID
		rt.writeCLI(ctx, cc, wire.KindAuthenticated, &wire.Authenticated{UserID: userID})

	case *wire.RegisterMachine:
		cc.machineID = p.MachineID
		if err := rt.catalog.UpsertMachine(p.MachineID, p.Name, p.Platform); err != nil {
			rt.log.Warn("register machine failed", "err", err)
			return
		}
		rt.writeCLI(ctx, cc, wire.KindMachineRegistered, &wire.MachineRegistered{MachineID: p.MachineID, Name: p.Name})

	case *wire.UpdateMachineStatus:
		rt.catalog.SetMachineOnline(p.MachineID, p.Online)
		rt.writeCLI(ctx, cc, wire.KindMachineUpdated, &wire.MachineUpdated{MachineID: p.MachineID})

	case *wire.AttachSession:
		if cc.userID == "" {
			rt.writeCLI(ctx, cc, wire.KindError, &wire.Error{Code: wire.ErrNotAuthenticated, Message: "not authenticated"})
			return
		}

		existing, err := rt.catalog.GetSession(p.SessionID)
		if err != nil {
			// Unknown session id: never implicitly create one out of an
			// attach, that's what caused phantom sessions historically.
			rt.writeCLI(ctx, cc, wire.KindTerminalError, &wire.TerminalError{SessionID: p.SessionID, Message: "unknown session"})
			return
		}
		if existing.UserID != cc.userID {
			rt.writeCLI(ctx, cc, wire.KindError, &wire.Error{Code: wire.ErrAccessDenied, Message: "session belongs to another user"})
			return
		}
		if existing.Status == StatusTerminated {
			rt.writeCLI(ctx, cc, wire.KindTerminalError, &wire.TerminalError{SessionID: p.SessionID, Message: "session terminated"})
			return
		}

		cc.sessionID = p.SessionID
		cc.machineID = p.MachineID
		rt.mu.Lock()
		rt.bySession[p.SessionID] = cc
		if rt.byMachine[p.MachineID] == nil {
			rt.byMachine[p.MachineID] = make(map[*cliConn]struct{})
		}
		rt.byMachine[p.MachineID][cc] = struct{}{}
		rt.mu.Unlock()

		if err := rt.catalog.UpsertSession(SessionRecord{
			ID: p.SessionID, Tag: p.Tag, UserID: existing.UserID,
			MachineID: p.MachineID, MachineName: p.MachineName,
			Status: StatusRunning, CWD: p.CWD,
		}); err != nil {
			rt.log.Warn("upsert session failed", "err", err)
		}

		rec, err := rt.catalog.GetSession(p.SessionID)
		if err != nil {
			rt.log.Warn("reload session after attach failed", "err", err)
			rec = existing
			rec.Status = StatusRunning
		}
		rt.broadcastMachineListToUser(ctx, existing.UserID)
		rt.writeCLI(ctx, cc, wire.KindSessionUpdated, &wire.SessionUpdated{Session: sessionView(rec)})
		rt.writeCLI(ctx, cc, wire.KindTerminalReady, &wire.TerminalReady{SessionID: p.SessionID})

	case *wire.TerminalHistory:
		rt.setHistory(p.SessionID, p.Bytes)
		rt.broadcastToWeb(ctx, p.SessionID, wire.KindSrvTerminalHistory, &wire.SrvTerminalHistory{SessionID: p.SessionID, Bytes: p.Bytes})

	case *wire.TerminalOutput:
		rt.appendHistory(p.SessionID, p.Bytes)
		rt.broadcastToWeb(ctx, p.SessionID, wire.KindSrvTerminalOutput, &wire.SrvTerminalOutput{SessionID: p.SessionID, Bytes: p.Bytes})

	case *wire.RemoteSessionResult:
		rt.pendingMu.Lock()
		pr := rt.pending[p.RequestID]
		delete(rt.pending, p.RequestID)
		rt.pendingMu.Unlock()
		if pr != nil {
			rt.writeWeb(ctx, pr.web, wire.KindRemoteSessionResponse, &wire.RemoteSessionResponse{
				RequestID: p.RequestID, Success: p.Success, Session: p.Session, Error: p.Error,
			})
		}

	case *wire.GitStatusResponse:
		rt.broadcastToWeb(ctx, p.SessionID, wire.KindGitStatus, &wire.GitStatus{SessionID: p.SessionID, Output: p.Output})
	case *wire.GitDiffResponse:
		rt.broadcastToWeb(ctx, p.SessionID, wire.KindGitDiff, &wire.GitDiff{SessionID: p.SessionID, Output: p.Output})
	case *wire.GitCommitResponse:
		rt.broadcastToWeb(ctx, p.SessionID, wire.KindGitCommitResult, &wire.GitCommitResult{SessionID: p.SessionID, Output: p.Output, Error: p.Error})

	case *wire.Ping:
		rt.writeCLI(ctx, cc, wire.KindPong, &wire.Pong{})
	}
}

func (rt *Router) dispatchFromWeb(ctx context.Context, wc *webConn, cm wire.ClientMessage) {
	switch p := cm.Payload.(type) {
	case *wire.Authenticate:
		userID, err := rt.catalog.ValidateAuthToken(p.Token)
		if err != nil {
			rt.writeWeb(ctx, wc, wire.KindError, &wire.Error{Code: wire.ErrAuthFailed, Message: "invalid token"})
			return
		}
		wc.userID = userID
		rt.mu.Lock()
		if rt.webByUser[userID] == nil {
			rt.webByUser[userID] = make(map[*webConn]struct{})
		}
		rt.webByUser[userID][wc] = struct{}{}
		rt.mu.Unlock()
		rt.writeWeb(ctx, wc, wire.KindAuthenticated, &wire.Authenticated{UserID: userID})

	case *wire.JoinSession:
		rec, err := rt.catalog.GetSessionByTag(p.Tag)
		if err != nil {
			rt.writeWeb(ctx, wc, wire.KindError, &wire.Error{Code: wire.ErrSessionNotFound, Message: "no session with that tag"})
			return
		}
		if rec.UserID != wc.userID {
			rt.writeWeb(ctx, wc, wire.KindError, &wire.Error{Code: wire.ErrAccessDenied, Message: "session belongs to another user"})
			return
		}
		if rec.Status == StatusTerminated {
			rt.writeWeb(ctx, wc, wire.KindError, &wire.Error{Code: wire.ErrSessionNotFound, Message: "session terminated"})
			return
		}
		rt.joinWeb(ctx, wc, rec.ID)

	case *wire.AttachSession:
		rec, ok := rt.authorizeSession(ctx, wc, p.SessionID)
		if !ok {
			return
		}
		if rec.Status == StatusTerminated {
			rt.writeWeb(ctx, wc, wire.KindError, &wire.Error{Code: wire.ErrSessionNotFound, Message: "session terminated"})
			return
		}
		rt.joinWeb(ctx, wc, p.SessionID)

	case *wire.DetachSession:
		rt.mu.Lock()
		if set := rt.webBySession[p.SessionID]; set != nil {
			delete(set, wc)
		}
		rt.mu.Unlock()

	case *wire.TerminalInput:
		rt.forwardToCLI(ctx, p.SessionID, wire.KindSrvTerminalInput, &wire.SrvTerminalInput{SessionID: p.SessionID, Bytes: p.Bytes})

	case *wire.TerminalResize:
		// No first-class server→CLI resize kind: tunnel it inside the
		// overloaded terminal_output envelope, same as the legacy protocol.
		nested, err := json.Marshal(wire.ClientMessage{Kind: wire.KindTerminalResize, Payload: p})
		if err == nil {
			rt.forwardToCLI(ctx, p.SessionID, wire.KindSrvTerminalOutput, &wire.SrvTerminalOutput{SessionID: p.SessionID, Bytes: wire.ByteSeq(nested)})
		}

	case *wire.ListSessions:
		recs, err := rt.catalog.ListSessionsForUser(wc.userID)
		if err != nil {
			rt.writeWeb(ctx, wc, wire.KindError, &wire.Error{Code: wire.ErrInvalidMessage, Message: err.Error()})
			return
		}
		views := make([]wire.SessionView, 0, len(recs))
		for _, r := range recs {
			views = append(views, sessionView(r))
		}
		rt.writeWeb(ctx, wc, wire.KindSessionsList, &wire.SessionsList{Sessions: views})

	case *wire.ListMachines:
		recs, err := rt.catalog.ListMachines()
		if err != nil {
			rt.writeWeb(ctx, wc, wire.KindError, &wire.Error{Code: wire.ErrInvalidMessage, Message: err.Error()})
			return
		}
		views := make([]wire.MachineView, 0, len(recs))
		for _, m := range recs {
			views = append(views, wire.MachineView{ID: m.ID, Name: m.Name, Platform: m.Platform, Online: m.Online})
		}
		rt.writeWeb(ctx, wc, wire.KindMachineList, &wire.MachineList{Machines: views})

	case *wire.StopSession:
		if _, ok := rt.authorizeSession(ctx, wc, p.SessionID); !ok {
			return
		}
		rt.forwardToCLI(ctx, p.SessionID, wire.KindSessionStopped, &wire.SessionStopped{SessionID: p.SessionID})
		rt.catalog.UpdateSessionStatus(p.SessionID, StatusTerminated)

	case *wire.DeleteSession:
		if _, ok := rt.authorizeSession(ctx, wc, p.SessionID); !ok {
			return
		}
		rt.forwardToCLI(ctx, p.SessionID, wire.KindSessionDeleted, &wire.SessionDeleted{SessionID: p.SessionID})
		rt.catalog.DeleteSession(p.SessionID)
		rt.mu.Lock()
		delete(rt.webBySession, p.SessionID)
		delete(rt.history, p.SessionID)
		rt.mu.Unlock()

	case *wire.RequestRemoteSession:
		rt.requestRemoteSession(ctx, wc, p)

	case *wire.GetGitStatus:
		rt.forwardToCLI(ctx, p.SessionID, wire.KindGitStatusRequest, &wire.GitStatusRequest{SessionID: p.SessionID})
	case *wire.GetGitDiff:
		rt.forwardToCLI(ctx, p.SessionID, wire.KindGitDiffRequest, &wire.GitDiffRequest{SessionID: p.SessionID, Path: p.Path})
	case *wire.GitCommit:
		rt.forwardToCLI(ctx, p.SessionID, wire.KindGitCommitRequest, &wire.GitCommitRequest{SessionID: p.SessionID, Message: p.Message})

	case *wire.Ping:
		rt.writeWeb(ctx, wc, wire.KindPong, &wire.Pong{})
	}
}

func (rt *Router) joinWeb(ctx context.Context, wc *webConn, sessionID string) {
	rt.mu.Lock()
	if rt.webBySession[sessionID] == nil {
		rt.webBySession[sessionID] = make(map[*webConn]struct{})
	}
	rt.webBySession[sessionID][wc] = struct{}{}
	hist := rt.history[sessionID]
	rt.mu.Unlock()

	rt.writeWeb(ctx, wc, wire.KindTerminalReady, &wire.TerminalReady{SessionID: sessionID})
	if len(hist) > 0 {
		rt.writeWeb(ctx, wc, wire.KindSrvTerminalHistory, &wire.SrvTerminalHistory{SessionID: sessionID, Bytes: hist})
	}
}

func (rt *Router) requestRemoteSession(ctx context.Context, wc *webConn, p *wire.RequestRemoteSession) {
	rt.mu.RLock()
	var target *cliConn
	for c := range rt.byMachine[p.MachineID] {
		target = c
		break
	}
	rt.mu.RUnlock()

	if target == nil {
		rt.writeWeb(ctx, wc, wire.KindError, &wire.Error{Code: wire.ErrMachineOffline, Message: "machine has no active connection"})
		return
	}

	requestID := uuid.NewString()
	rt.pendingMu.Lock()
	rt.pending[requestID] = &pendingRemote{web: wc}
	rt.pendingMu.Unlock()

	time.AfterFunc(pendingRequestTTL, func() {
		rt.pendingMu.Lock()
		pr, ok := rt.pending[requestID]
		if ok {
			delete(rt.pending, requestID)
		}
		rt.pendingMu.Unlock()
		if ok {
			rt.writeWeb(context.Background(), pr.web, wire.KindError, &wire.Error{Code: wire.ErrRemoteSessionTimeout, Message: "remote session request timed out"})
		}
	})

	rt.writeCLI(ctx, target, wire.KindStartRemoteSession, &wire.StartRemoteSession{
		RequestID: requestID, MachineID: p.MachineID, CWD: p.CWD, Args: p.Args,
	})
}

// authorizeSession looks up sessionID and confirms it belongs to wc,
// writing a typed Error and returning ok=false on any failure.
func (rt *Router) authorizeSession(ctx context.Context, wc *webConn, sessionID string) (SessionRecord, bool) {
	rec, err := rt.catalog.GetSession(sessionID)
	if err != nil {
		rt.writeWeb(ctx, wc, wire.KindError, &wire.Error{Code: wire.ErrSessionNotFound, Message: "session not found"})
		return SessionRecord{}, false
	}
	if rec.UserID != wc.userID {
		rt.writeWeb(ctx, wc, wire.KindError, &wire.Error{Code: wire.ErrAccessDenied, Message: "session belongs to another user"})
		return SessionRecord{}, false
	}
	return rec, true
}

// broadcastMachineListToUser sends the current machine registry to every
// web connection authenticated as userID.
func (rt *Router) broadcastMachineListToUser(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	recs, err := rt.catalog.ListMachines()
	if err != nil {
		rt.log.Warn("list machines for broadcast failed", "err", err)
		return
	}
	views := make([]wire.MachineView, 0, len(recs))
	for _, m := range recs {
		views = append(views, wire.MachineView{ID: m.ID, Name: m.Name, Platform: m.Platform, Online: m.Online})
	}

	rt.mu.RLock()
	conns := make([]*webConn, 0, len(rt.webByUser[userID]))
	for wc := range rt.webByUser[userID] {
		conns = append(conns, wc)
	}
	rt.mu.RUnlock()

	for _, wc := range conns {
		rt.writeWeb(ctx, wc, wire.KindMachineList, &wire.MachineList{Machines: views})
	}
}

func (rt *Router) forwardToCLI(ctx context.Context, sessionID string, kind wire.ServerKind, payload any) {
	rt.mu.RLock()
	cc := rt.bySession[sessionID]
	rt.mu.RUnlock()
	if cc == nil {
		return
	}
	rt.writeCLI(ctx, cc, kind, payload)
}

func (rt *Router) broadcastToWeb(ctx context.Context, sessionID string, kind wire.ServerKind, payload any) {
	rt.mu.RLock()
	set := rt.webBySession[sessionID]
	conns := make([]*webConn, 0, len(set))
	for wc := range set {
		conns = append(conns, wc)
	}
	rt.mu.RUnlock()
	for _, wc := range conns {
		rt.writeWeb(ctx, wc, kind, payload)
	}
}

func (rt *Router) setHistory(sessionID string, data []byte) {
	if len(data) > historyCap {
		data = data[len(data)-historyCap:]
	}
	rt.mu.Lock()
	rt.history[sessionID] = append([]byte(nil), data...)
	rt.mu.Unlock()
}

func (rt *Router) appendHistory(sessionID string, data []byte) {
	rt.mu.Lock()
	buf := append(rt.history[sessionID], data...)
	if len(buf) > historyCap {
		buf = buf[len(buf)-historyCap:]
	}
	rt.history[sessionID] = buf
	rt.mu.Unlock()
}

func (rt *Router) detachCLI(cc *cliConn) {
	rt.mu.Lock()
	if rt.bySession[cc.sessionID] == cc {
		delete(rt.bySession, cc.sessionID)
	}
	if set := rt.byMachine[cc.machineID]; set != nil {
		delete(set, cc)
		if len(set) == 0 {
			delete(rt.byMachine, cc.machineID)
		}
	}
	rt.mu.Unlock()

	if cc.machineID != "" && !rt.machineHasConn(cc.machineID) {
		rt.catalog.SetMachineOnline(cc.machineID, false)
	}

	if cc.sessionID == "" {
		return
	}
	if err := rt.catalog.UpdateSessionStatus(cc.sessionID, StatusTerminated); err != nil {
		rt.log.Warn("terminate session on disconnect failed", "err", err)
	}
	ctx := context.Background()
	rt.broadcastToWeb(ctx, cc.sessionID, wire.KindSessionStopped, &wire.SessionStopped{SessionID: cc.sessionID})
	rt.broadcastMachineListToUser(ctx, cc.userID)
}

func (rt *Router) machineHasConn(machineID string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.byMachine[machineID]) > 0
}

func (rt *Router) detachWeb(wc *webConn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, set := range rt.webBySession {
		delete(set, wc)
	}
	if set := rt.webByUser[wc.userID]; set != nil {
		delete(set, wc)
		if len(set) == 0 {
			delete(rt.webByUser, wc.userID)
		}
	}
}

func (rt *Router) writeCLI(ctx context.Context, cc *cliConn, kind wire.ServerKind, payload any) {
	data, err := json.Marshal(wire.ServerMessage{Kind: kind, Payload: payload})
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	if err := cc.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		rt.log.Debug("write to bridge failed", "err", err)
	}
}

func (rt *Router) writeWeb(ctx context.Context, wc *webConn, kind wire.ServerKind, payload any) {
	data, err := json.Marshal(wire.ServerMessage{Kind: kind, Payload: payload})
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	if err := wc.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		rt.log.Debug("write to browser failed", "err", err)
	}
}

func sessionView(r SessionRecord) wire.SessionView {
	return wire.SessionView{
		ID: r.ID, Tag: r.Tag, UserID: r.UserID, MachineID: r.MachineID,
		MachineName: r.MachineName, Status: r.Status, CWD: r.CWD,
		CreatedAt: r.CreatedAt.Format(time.RFC3339), LastActivity: r.LastActivity.Format(time.RFC3339),
	}
}
