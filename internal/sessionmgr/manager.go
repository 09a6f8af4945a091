// Package sessionmgr is the policy layer above the multiplexer: tag-reuse
// rules for starting sessions, daemon-restart recovery, and the bookkeeping
// of which session has an active relay bridge.
package sessionmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetherhq/tether/internal/bridge"
	"github.com/tetherhq/tether/internal/mux"
	"github.com/tetherhq/tether/internal/ptysession"
)

// Manager owns tag-reuse policy for session creation plus the set of
// relay bridges running against the multiplexer's live sessions.
type Manager struct {
	mux      *mux.Multiplexer
	bridgeOf bridge.Deps
	log      *slog.Logger

	mu      sync.Mutex
	bridges map[string]*bridge.Bridge
}

// New returns a Manager. bridgeOf supplies the relay credentials (server
// URL, token, machine identity) every spawned bridge will use; its Mux field
// is overwritten with mx.
func New(mx *mux.Multiplexer, bridgeOf bridge.Deps, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		mux:     mx,
		log:     log,
		bridges: make(map[string]*bridge.Bridge),
	}
	bridgeOf.Mux = mx
	bridgeOf.Spawner = m
	m.bridgeOf = bridgeOf
	return m
}

// Mux returns the underlying multiplexer, for callers (the local control
// server) that need direct attach/input/resize access.
func (m *Manager) Mux() *mux.Multiplexer { return m.mux }

// StartOptions describes a session a caller wants running.
type StartOptions struct {
	Tag        string
	Command    []string
	WorkingDir string
	Env        []ptysession.EnvVar
	Cols, Rows int
}

// StartSession implements the reuse-by-tag policy: an existing, still-running
// session with the same tag is returned as-is; a dead one with that tag is
// cleared out and replaced; otherwise a brand new session is spawned.
func (m *Manager) StartSession(opts StartOptions) (*ptysession.Session, error) {
	if opts.Tag != "" {
		if existing, err := m.mux.GetSession(opts.Tag); err == nil {
			if existing.SnapshotMetadata().Status() == ptysession.StatusRunning {
				return existing, nil
			}
			if err := m.mux.KillSession(existing.ID()); err != nil {
				return nil, fmt.Errorf("sessionmgr: clear dead tag %q: %w", opts.Tag, err)
			}
		}
	}

	sess, err := m.mux.CreateSession(mux.CreateOptions{
		Tag:        opts.Tag,
		Command:    opts.Command,
		WorkingDir: opts.WorkingDir,
		Env:        opts.Env,
		Cols:       opts.Cols,
		Rows:       opts.Rows,
	})
	if err != nil {
		return nil, err
	}
	if m.bridgeOf.ServerURL != "" {
		m.SpawnBridge(sess.ID(), opts.Tag, opts.WorkingDir)
	}
	return sess, nil
}

// StopSession stops its bridge, if any, then kills the session.
func (m *Manager) StopSession(idOrTag string) error {
	if sess, err := m.mux.GetSession(idOrTag); err == nil {
		m.StopBridge(sess.ID())
	}
	return m.mux.KillSession(idOrTag)
}

// RecoverSessions rehydrates every persisted session and, when the daemon
// is configured with a relay server URL, spawns a bridge for every
// rehydrated session that reports Running.
func (m *Manager) RecoverSessions() error {
	if err := m.mux.Initialize(); err != nil {
		return err
	}
	if m.bridgeOf.ServerURL == "" {
		return nil
	}
	for _, meta := range m.mux.ListSessions() {
		if meta.Status() != ptysession.StatusRunning {
			continue
		}
		m.SpawnBridge(meta.ID, meta.Tag, meta.WorkingDir)
	}
	return nil
}

// SpawnBridge starts (once) a relay bridge for sessionID. Implements
// bridge.Spawner so a bridge handling StartRemoteSession can ask for a
// sibling bridge on the session it just created.
func (m *Manager) SpawnBridge(sessionID, tag, cwd string) {
	m.mu.Lock()
	if _, exists := m.bridges[sessionID]; exists {
		m.mu.Unlock()
		return
	}
	b := bridge.New(sessionID, tag, cwd, m.bridgeOf, m.log)
	m.bridges[sessionID] = b
	m.mu.Unlock()

	go func() {
		b.Run(context.Background())
		m.mu.Lock()
		delete(m.bridges, sessionID)
		m.mu.Unlock()
	}()
}

// StopBridge tears down sessionID's bridge, if one is running, without
// touching the session itself.
func (m *Manager) StopBridge(sessionID string) {
	m.mu.Lock()
	b := m.bridges[sessionID]
	m.mu.Unlock()
	if b != nil {
		b.Stop()
	}
}

// Shutdown stops every running bridge.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	bridges := make([]*bridge.Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.mu.Unlock()
	for _, b := range bridges {
		b.Stop()
	}
}
