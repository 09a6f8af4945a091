// Package bridge maintains one daemon-side duplex link per session to the
// relay server: it forwards a session's output upstream, applies input and
// directives the server forwards back down, and reconnects with backoff
// whenever the link drops.
//
// Grounded on internal/ws/client.go's Client.Run reconnect loop and
// connectAndServe dial/register/heartbeat/read-loop shape, generalized from
// one daemon-wide connection to one connection per attached session.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tetherhq/tether/internal/mux"
	"github.com/tetherhq/tether/internal/ringbuf"
	"github.com/tetherhq/tether/internal/wire"
)

const (
	heartbeatInterval = 30 * time.Second
	lagCheckInterval  = 5 * time.Second
	writeTimeout      = 10 * time.Second
)

// errSessionGone signals that the server told us the session no longer
// exists; Run treats it as a clean stop rather than something to reconnect
// over.
var errSessionGone = errors.New("bridge: session no longer exists")

// Spawner starts a sibling bridge for a session this bridge just created on
// the server's behalf (a RequestRemoteSession grant). Implemented by the
// session manager, which owns the full set of running bridges.
type Spawner interface {
	SpawnBridge(sessionID, tag, cwd string)
}

// Deps are the daemon-wide collaborators and credentials every bridge needs.
type Deps struct {
	Mux         *mux.Multiplexer
	ServerURL   string
	Token       string
	MachineID   string
	MachineName string
	Spawner     Spawner
}

// Bridge links one session to the relay server.
type Bridge struct {
	sessionID string
	tag       string
	cwd       string
	deps      Deps
	log       *slog.Logger

	writeMu  sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New returns a Bridge for sessionID, not yet running.
func New(sessionID, tag, cwd string, deps Deps, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		sessionID: sessionID,
		tag:       tag,
		cwd:       cwd,
		deps:      deps,
		log:       log.With("session_id", sessionID),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Stop asks the bridge to tear down and not reconnect. Idempotent.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Done reports when Run has returned.
func (b *Bridge) Done() <-chan struct{} {
	return b.doneCh
}

// Run drives the reconnect loop (1, 2, 4, 8, 16, 30, 30, ... seconds) until
// Stop is called, ctx is canceled, or the server reports the session gone.
func (b *Bridge) Run(ctx context.Context) {
	defer close(b.doneCh)

	backoff := NewBackoff(time.Second, 30*time.Second)
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := b.runOnce(ctx, backoff)
		if err == nil || errors.Is(err, errSessionGone) {
			return
		}
		if ctx.Err() != nil {
			return
		}

		delay := backoff.Next()
		b.log.Warn("bridge disconnected, reconnecting", "err", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runOnce performs one attach-and-serve cycle: subscribe locally, dial,
// authenticate, attach, seed history, then run the steady-state loop until
// the connection drops, Stop is called, or the session disappears.
func (b *Bridge) runOnce(ctx context.Context, backoff *Backoff) error {
	sub, snapshot, err := b.deps.Mux.AttachClient(b.sessionID, mux.RemoteRelayClientID)
	if err != nil {
		return fmt.Errorf("bridge: attach local session: %w", err)
	}
	defer func() {
		b.deps.Mux.DetachClient(b.sessionID, mux.RemoteRelayClientID)
		sub.Close()
	}()

	// Drain anything already queued so the TerminalHistory seed we send
	// below is consistent with what steady-state forwarding picks up next.
drain:
	for {
		select {
		case <-sub.C():
		default:
			break drain
		}
	}

	conn, _, err := websocket.Dial(ctx, b.deps.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("bridge: dial: %w", err)
	}
	defer conn.CloseNow()

	if err := b.writeMsg(ctx, conn, wire.ClientMessage{
		Kind:    wire.KindAuthenticate,
		Payload: &wire.Authenticate{Token: b.deps.Token},
	}); err != nil {
		return fmt.Errorf("bridge: send authenticate: %w", err)
	}
	reply, err := readMsg(ctx, conn)
	if err != nil {
		return fmt.Errorf("bridge: read authenticate reply: %w", err)
	}
	if reply.Kind == wire.KindError {
		return fmt.Errorf("bridge: authenticate rejected: %s", errMessage(reply))
	}

	if err := b.writeMsg(ctx, conn, wire.ClientMessage{
		Kind: wire.KindAttachSession,
		Payload: &wire.AttachSession{
			SessionID:   b.sessionID,
			Tag:         b.tag,
			CWD:         b.cwd,
			MachineID:   b.deps.MachineID,
			MachineName: b.deps.MachineName,
		},
	}); err != nil {
		return fmt.Errorf("bridge: send attach_session: %w", err)
	}
	reply, err = readMsg(ctx, conn)
	if err != nil {
		return fmt.Errorf("bridge: read attach_session reply: %w", err)
	}
	if reply.Kind == wire.KindError {
		return fmt.Errorf("bridge: attach_session rejected: %s", errMessage(reply))
	}

	if err := b.writeMsg(ctx, conn, wire.ClientMessage{
		Kind:    wire.KindTerminalHistory,
		Payload: &wire.TerminalHistory{SessionID: b.sessionID, Bytes: snapshot},
	}); err != nil {
		return fmt.Errorf("bridge: send terminal_history: %w", err)
	}

	backoff.Reset()
	b.log.Info("bridge attached")
	return b.serve(ctx, conn, sub)
}

// serve runs the steady-state loop: session output upstream, server
// directives downstream, periodic heartbeat, periodic lag check.
func (b *Bridge) serve(ctx context.Context, conn *websocket.Conn, sub *ringbuf.Subscription) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgCh := make(chan wire.ServerMessage, 32)
	errCh := make(chan error, 1)
	go b.readLoop(readCtx, conn, msgCh, errCh)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	lagCheck := time.NewTicker(lagCheckInterval)
	defer lagCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return nil

		case data, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("bridge: output subscription closed")
			}
			if err := b.writeMsg(ctx, conn, wire.ClientMessage{
				Kind:    wire.KindTerminalOutput,
				Payload: &wire.TerminalOutput{SessionID: b.sessionID, Bytes: data},
			}); err != nil {
				return fmt.Errorf("bridge: forward output: %w", err)
			}

		case sm, ok := <-msgCh:
			if !ok {
				continue
			}
			if err := b.dispatch(ctx, conn, sm); err != nil {
				return err
			}

		case err := <-errCh:
			return err

		case <-heartbeat.C:
			if err := b.writeMsg(ctx, conn, wire.ClientMessage{Kind: wire.KindPing, Payload: &wire.Ping{}}); err != nil {
				return fmt.Errorf("bridge: heartbeat: %w", err)
			}

		case <-lagCheck.C:
			if n := sub.TakeLagged(); n > 0 {
				b.log.Warn("dropped output frames, subscriber fell behind", "dropped", n)
			}
		}
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- wire.ServerMessage, errCh chan<- error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		var sm wire.ServerMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			b.log.Warn("dropping malformed server message", "err", err)
			continue
		}
		select {
		case out <- sm:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch applies one server-directed message. Returning an error tears the
// connection down (reconnect applies unless it's errSessionGone).
func (b *Bridge) dispatch(ctx context.Context, conn *websocket.Conn, sm wire.ServerMessage) error {
	switch p := sm.Payload.(type) {
	case *wire.SrvTerminalInput:
		if p.SessionID == b.sessionID {
			if err := b.deps.Mux.SendInput(b.sessionID, p.Bytes); err != nil {
				b.log.Warn("apply remote input failed", "err", err)
			}
		}

	case *wire.SrvTerminalOutput:
		// Legacy tunneling fallback: a nested ClientMessage (typically a
		// resize) arriving inside what the taxonomy still calls an output
		// frame, for anything not yet promoted to a first-class kind.
		if p.SessionID == b.sessionID {
			b.applyTunneled(p.Bytes)
		}

	case *wire.SessionStopped:
		if p.SessionID == b.sessionID {
			b.deps.Mux.KillSession(b.sessionID)
			return errSessionGone
		}

	case *wire.SessionDeleted:
		if p.SessionID == b.sessionID {
			b.deps.Mux.KillSession(b.sessionID)
			return errSessionGone
		}

	case *wire.StartRemoteSession:
		b.handleStartRemoteSession(ctx, conn, p)

	case *wire.GitStatusRequest:
		if p.SessionID == b.sessionID {
			b.handleGitStatus(ctx, conn, p)
		}

	case *wire.GitDiffRequest:
		if p.SessionID == b.sessionID {
			b.handleGitDiff(ctx, conn, p)
		}

	case *wire.GitCommitRequest:
		if p.SessionID == b.sessionID {
			b.handleGitCommit(ctx, conn, p)
		}

	case *wire.Pong:
		// no-op, heartbeat reply

	case *wire.Error:
		b.log.Warn("server error", "code", p.Code, "message", p.Message)

	default:
		b.log.Debug("ignoring unhandled server message", "kind", sm.Kind)
	}
	return nil
}

// applyTunneled decodes a nested wire.ClientMessage out of an overloaded
// output frame and applies the directives it still carries (resize, and
// input as a fallback for peers that haven't adopted the first-class kind).
func (b *Bridge) applyTunneled(data []byte) {
	var cm wire.ClientMessage
	if err := json.Unmarshal(data, &cm); err != nil {
		return
	}
	switch p := cm.Payload.(type) {
	case *wire.TerminalResize:
		if p.SessionID == b.sessionID {
			b.deps.Mux.ResizeSession(b.sessionID, p.Cols, p.Rows)
		}
	case *wire.TerminalInput:
		if p.SessionID == b.sessionID {
			b.deps.Mux.SendInput(b.sessionID, p.Bytes)
		}
	}
}

func (b *Bridge) handleStartRemoteSession(ctx context.Context, conn *websocket.Conn, req *wire.StartRemoteSession) {
	result := wire.RemoteSessionResult{RequestID: req.RequestID}

	cwd := req.CWD
	if cwd == "" {
		cwd = os.Getenv("HOME")
	}
	command := []string{"claude"}
	command = append(command, req.Args...)
	tag := randomTag()

	sess, err := b.deps.Mux.CreateSession(mux.CreateOptions{
		Tag:        tag,
		Command:    command,
		WorkingDir: cwd,
		Cols:       80,
		Rows:       24,
	})
	if err != nil {
		result.Success = false
		result.Error = err.Error()
	} else {
		meta := sess.SnapshotMetadata()
		result.Success = true
		result.Session = &wire.SessionView{
			ID:          sess.ID(),
			Tag:         meta.Tag,
			MachineID:   b.deps.MachineID,
			MachineName: b.deps.MachineName,
			Status:      string(meta.Status()),
			CWD:         meta.WorkingDir,
		}
		if b.deps.Spawner != nil {
			b.deps.Spawner.SpawnBridge(sess.ID(), tag, cwd)
		}
	}

	if err := b.writeMsg(ctx, conn, wire.ClientMessage{Kind: wire.KindRemoteSessionResult, Payload: &result}); err != nil {
		b.log.Warn("send remote_session_result failed", "err", err)
	}
}

func (b *Bridge) handleGitStatus(ctx context.Context, conn *websocket.Conn, req *wire.GitStatusRequest) {
	cwd, err := b.deps.Mux.GetSessionCWD(req.SessionID)
	if err != nil {
		b.sendGitStatus(ctx, conn, req.SessionID, err.Error())
		return
	}
	out, err := runGit(ctx, cwd, "status", "--porcelain=v1", "--branch")
	if err != nil {
		out = fmt.Sprintf("%s\n%s", out, err)
	}
	b.sendGitStatus(ctx, conn, req.SessionID, out)
}

func (b *Bridge) sendGitStatus(ctx context.Context, conn *websocket.Conn, sessionID, output string) {
	if err := b.writeMsg(ctx, conn, wire.ClientMessage{
		Kind:    wire.KindGitStatusResponse,
		Payload: &wire.GitStatusResponse{SessionID: sessionID, Output: output},
	}); err != nil {
		b.log.Warn("send git_status_response failed", "err", err)
	}
}

func (b *Bridge) handleGitDiff(ctx context.Context, conn *websocket.Conn, req *wire.GitDiffRequest) {
	cwd, err := b.deps.Mux.GetSessionCWD(req.SessionID)
	if err != nil {
		b.sendGitDiff(ctx, conn, req.SessionID, err.Error())
		return
	}
	args := []string{"diff"}
	if req.Path != "" {
		args = append(args, "--", req.Path)
	}
	out, err := runGit(ctx, cwd, args...)
	if err != nil {
		out = fmt.Sprintf("%s\n%s", out, err)
	}
	b.sendGitDiff(ctx, conn, req.SessionID, out)
}

func (b *Bridge) sendGitDiff(ctx context.Context, conn *websocket.Conn, sessionID, output string) {
	if err := b.writeMsg(ctx, conn, wire.ClientMessage{
		Kind:    wire.KindGitDiffResponse,
		Payload: &wire.GitDiffResponse{SessionID: sessionID, Output: output},
	}); err != nil {
		b.log.Warn("send git_diff_response failed", "err", err)
	}
}

func (b *Bridge) handleGitCommit(ctx context.Context, conn *websocket.Conn, req *wire.GitCommitRequest) {
	resp := wire.GitCommitResponse{SessionID: req.SessionID}
	cwd, err := b.deps.Mux.GetSessionCWD(req.SessionID)
	if err != nil {
		resp.Error = err.Error()
	} else {
		out, err := runGit(ctx, cwd, "commit", "-am", req.Message)
		resp.Output = out
		if err != nil {
			resp.Error = err.Error()
		}
	}
	if err := b.writeMsg(ctx, conn, wire.ClientMessage{Kind: wire.KindGitCommitResponse, Payload: &resp}); err != nil {
		b.log.Warn("send git_commit_response failed", "err", err)
	}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (b *Bridge) writeMsg(ctx context.Context, conn *websocket.Conn, msg wire.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func readMsg(ctx context.Context, conn *websocket.Conn) (wire.ServerMessage, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return wire.ServerMessage{}, err
	}
	var sm wire.ServerMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		return wire.ServerMessage{}, err
	}
	return sm, nil
}

func errMessage(sm wire.ServerMessage) string {
	if e, ok := sm.Payload.(*wire.Error); ok {
		return e.Message
	}
	return "unknown error"
}

var tagAdjectives = []string{"happy", "swift", "calm", "bright", "quiet", "bold", "lucky", "brave", "eager", "clever"}
var tagNouns = []string{"fox", "otter", "falcon", "heron", "badger", "lynx", "wren", "marten", "raven", "mink"}

func randomTag() string {
	return fmt.Sprintf("%s-%s-%d", tagAdjectives[rand.Intn(len(tagAdjectives))], tagNouns[rand.Intn(len(tagNouns))], rand.Intn(900)+100)
}
