// Package mux holds the daemon's live catalog of sessions and the set of
// client attachments to each, on top of internal/persist's on-disk state
// and internal/ptysession's per-session I/O loop.
package mux

import (
	"fmt"
	"sync"
	"time"

	"github.com/tetherhq/tether/internal/persist"
	"github.com/tetherhq/tether/internal/ptysession"
	"github.com/tetherhq/tether/internal/ringbuf"
)

// killWait bounds how long KillSession waits for a session's loop to
// persist its final state before files are removed out from under it.
const killWait = 3 * time.Second

// RemoteRelayClientID is the special client_id the Relay Bridge registers
// under when it subscribes to a session on the daemon's behalf. Its
// presence alone is never sufficient to keep a session alive.
const RemoteRelayClientID = "remote-relay"

// Multiplexer holds the registry of live sessions and client attachments.
// Sessions and connections share one reader-writer lock: both are small,
// frequently-read, rarely-written maps, and keeping them under one lock
// keeps attach/detach atomic with respect to each other.
type Multiplexer struct {
	store *persist.Manager

	mu          sync.RWMutex
	sessions    map[string]*ptysession.Session
	connections map[string][]string // session_id -> client_ids
}

// New returns a Multiplexer backed by the given persistence manager.
func New(store *persist.Manager) *Multiplexer {
	return &Multiplexer{
		store:       store,
		sessions:    make(map[string]*ptysession.Session),
		connections: make(map[string][]string),
	}
}

// Initialize recovers every persisted session and rehydrates it: a fresh
// child process per recorded command/cwd/env/size, scrollback reloaded
// from the log tail.
func (m *Multiplexer) Initialize() error {
	metas, err := m.store.RecoverSessions()
	if err != nil {
		return fmt.Errorf("mux: recover sessions: %w", err)
	}
	for _, meta := range metas {
		sess, err := m.store.RehydrateSession(meta)
		if err != nil {
			continue // isolate failures to the affected session
		}
		m.mu.Lock()
		m.sessions[sess.ID()] = sess
		m.mu.Unlock()
	}
	return nil
}

// CreateOptions mirrors persist.CreateOptions for callers that only import mux.
type CreateOptions = persist.CreateOptions

// CreateSession spawns and registers a new session.
func (m *Multiplexer) CreateSession(opts CreateOptions) (*ptysession.Session, error) {
	sess, err := m.store.CreateSession(opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()
	return sess, nil
}

// AttachClient registers clientID against sessionID and returns a fresh
// output subscription plus a scrollback snapshot (≤100 KiB), obtained
// atomically so no broadcast between snapshot and subscribe is lost.
func (m *Multiplexer) AttachClient(sessionID, clientID string) (*ringbuf.Subscription, []byte, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}
	sub, snapshot := sess.SubscribeOutput()

	m.mu.Lock()
	m.connections[sess.ID()] = append(m.connections[sess.ID()], clientID)
	m.mu.Unlock()

	return sub, snapshot, nil
}

// DetachClient removes clientID from sessionID's attachment list. If the
// remaining set is empty, or its only member is the remote-relay client,
// the session is killed: an unattended PTY with nobody but the relay bridge
// watching it is not worth keeping alive.
func (m *Multiplexer) DetachClient(sessionID, clientID string) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	id := sess.ID()

	m.mu.Lock()
	remaining := removeClient(m.connections[id], clientID)
	m.connections[id] = remaining
	killNeeded := len(remaining) == 0 || (len(remaining) == 1 && remaining[0] == RemoteRelayClientID)
	m.mu.Unlock()

	if killNeeded {
		return m.KillSession(id)
	}
	return nil
}

func removeClient(clients []string, target string) []string {
	out := clients[:0]
	for _, c := range clients {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// SendInput writes data to the named session's child.
func (m *Multiplexer) SendInput(idOrTag string, data []byte) error {
	sess, err := m.lookup(idOrTag)
	if err != nil {
		return err
	}
	return sess.Write(data)
}

// ResizeSession adjusts a session's PTY window.
func (m *Multiplexer) ResizeSession(idOrTag string, cols, rows int) error {
	sess, err := m.lookup(idOrTag)
	if err != nil {
		return err
	}
	return sess.Resize(cols, rows)
}

// GetSessionCWD returns the session's recorded working directory.
func (m *Multiplexer) GetSessionCWD(idOrTag string) (string, error) {
	sess, err := m.lookup(idOrTag)
	if err != nil {
		return "", err
	}
	return sess.WorkingDir(), nil
}

// ListSessions returns metadata for every live session. Sessions with
// exit_code set report Exited; sessions with a live pid report Running
// regardless of whether any client is currently attached.
func (m *Multiplexer) ListSessions() []ptysession.Metadata {
	m.mu.RLock()
	sessions := make([]*ptysession.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]ptysession.Metadata, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.SnapshotMetadata())
	}
	return out
}

// KillSession terminates the named session's child and removes it (and its
// on-disk state) from the registry. Idempotent.
func (m *Multiplexer) KillSession(idOrTag string) error {
	sess, err := m.lookup(idOrTag)
	if err != nil {
		return nil // already gone
	}
	id := sess.ID()
	sess.Kill()
	sess.Shutdown()
	select {
	case <-sess.Done():
	case <-time.After(killWait):
	}

	m.mu.Lock()
	delete(m.sessions, id)
	delete(m.connections, id)
	m.mu.Unlock()

	return m.store.RemoveSessionFiles(id)
}

// GetSession resolves idOrTag to its live *ptysession.Session, for callers
// outside this package that need the session itself rather than a
// connection-oriented operation (the session manager's start-session reuse
// policy, the local control server's attach path).
func (m *Multiplexer) GetSession(idOrTag string) (*ptysession.Session, error) {
	return m.lookup(idOrTag)
}

// lookup resolves idOrTag to a live session: direct id match first, then a
// linear scan for a matching tag.
func (m *Multiplexer) lookup(idOrTag string) (*ptysession.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.sessions[idOrTag]; ok {
		return s, nil
	}
	for _, s := range m.sessions {
		if s.SnapshotMetadata().Tag == idOrTag {
			return s, nil
		}
	}
	return nil, fmt.Errorf("mux: no session with id or tag %q", idOrTag)
}
