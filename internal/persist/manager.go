// Package persist owns <state_dir>/sessions/: durable per-session metadata
// (<id>.json) and scrollback tail (<id>.log), plus respawn-based
// rehydration after a daemon restart. It never holds live *ptysession.Session
// references in a registry of its own; that's the multiplexer's job. This
// package only knows how to read, write, and resurrect what's on disk.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/ptysession"
)

// Manager reads/writes session state under a single state directory.
type Manager struct {
	stateDir     string
	ringCapacity int
}

// New returns a Manager rooted at stateDir. ringCapacity is passed through
// to every spawned session's ring buffer (0 uses ptysession's default).
func New(stateDir string, ringCapacity int) *Manager {
	return &Manager{stateDir: stateDir, ringCapacity: ringCapacity}
}

// CreateOptions describes a brand-new session to spawn and persist.
type CreateOptions struct {
	ID         string
	Tag        string
	Command    []string
	WorkingDir string
	Env        []ptysession.EnvVar
	Cols, Rows int
}

// CreateSession spawns a new PTY session and writes its initial metadata.
func (m *Manager) CreateSession(opts CreateOptions) (*ptysession.Session, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	sess, err := ptysession.Spawn(ptysession.SpawnOptions{
		ID:           opts.ID,
		Tag:          opts.Tag,
		Command:      opts.Command,
		WorkingDir:   opts.WorkingDir,
		Env:          opts.Env,
		Cols:         opts.Cols,
		Rows:         opts.Rows,
		RingCapacity: m.ringCapacity,
		Persist:      m.save,
	})
	if err != nil {
		return nil, err
	}
	if err := m.save(sess.SnapshotMetadata(), nil); err != nil {
		return nil, fmt.Errorf("persist: write initial metadata: %w", err)
	}
	return sess, nil
}

// save writes meta as pretty JSON to <id>.json and, when scrollback is
// non-nil, overwrites <id>.log with the current buffer tail. Both writes
// are atomic (write to a temp file, then rename) so a crash mid-write never
// leaves a half-written file behind.
func (m *Manager) save(meta ptysession.Metadata, scrollback []byte) error {
	if err := config.EnsureStateDirs(m.stateDir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWrite(config.SessionMetaPath(m.stateDir, meta.ID), data); err != nil {
		return err
	}
	if scrollback != nil {
		if err := atomicWrite(config.SessionLogPath(m.stateDir, meta.ID), scrollback); err != nil {
			return err
		}
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// GetSession looks up one persisted session's metadata by id, falling back
// to a linear scan for a matching tag.
func (m *Manager) GetSession(idOrTag string) (ptysession.Metadata, error) {
	path := config.SessionMetaPath(m.stateDir, idOrTag)
	if meta, err := readMeta(path); err == nil {
		return meta, nil
	}

	all, err := m.ListSessions()
	if err != nil {
		return ptysession.Metadata{}, err
	}
	for _, meta := range all {
		if meta.Tag == idOrTag {
			return meta, nil
		}
	}
	return ptysession.Metadata{}, fmt.Errorf("persist: no session with id or tag %q", idOrTag)
}

func readMeta(path string) (ptysession.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ptysession.Metadata{}, err
	}
	var meta ptysession.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return ptysession.Metadata{}, err
	}
	return meta, nil
}

// ListSessions returns the metadata of every session file on disk,
// regardless of whether its child process is still alive.
func (m *Manager) ListSessions() ([]ptysession.Metadata, error) {
	entries, err := os.ReadDir(config.SessionsDir(m.stateDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []ptysession.Metadata
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		meta, err := readMeta(filepath.Join(config.SessionsDir(m.stateDir), e.Name()))
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// RecoverSessions is an alias for ListSessions kept for the name used in
// the multiplexer's initialize() contract: scan what's on disk, hand every
// entry to RehydrateSession.
func (m *Manager) RecoverSessions() ([]ptysession.Metadata, error) {
	return m.ListSessions()
}

// KillSession signals SIGTERM to the process recorded for idOrTag, waits
// briefly, escalates to SIGKILL if it's still alive, then removes its
// on-disk metadata and log files. Idempotent: killing an already-dead or
// already-removed session succeeds without error.
func (m *Manager) KillSession(idOrTag string) error {
	meta, err := m.GetSession(idOrTag)
	if err != nil {
		return nil // nothing to kill; treat as already-gone (L4 idempotence)
	}
	if meta.Pid != nil && processAlive(*meta.Pid) {
		syscall.Kill(*meta.Pid, syscall.SIGTERM)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) && processAlive(*meta.Pid) {
			time.Sleep(50 * time.Millisecond)
		}
		if processAlive(*meta.Pid) {
			syscall.Kill(*meta.Pid, syscall.SIGKILL)
		}
	}
	return m.RemoveSessionFiles(meta.ID)
}

// RemoveSessionFiles deletes a session's metadata and log files directly,
// without touching its process. Used by callers (the multiplexer) that
// already own a live *ptysession.Session and have confirmed its loop has
// exited, so there's no risk of a late periodic-save recreating the file
// after removal.
func (m *Manager) RemoveSessionFiles(id string) error {
	os.Remove(config.SessionMetaPath(m.stateDir, id))
	os.Remove(config.SessionLogPath(m.stateDir, id))
	return nil
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// RehydrateSession respawns a fresh child process using meta's recorded
// command/cwd/env/size, reloads up to the ring capacity of log tail into
// the new session's scrollback, and returns it for the caller (the
// multiplexer) to register. If the previous child somehow outlived the
// daemon restart, it is killed first: control can't be regained without
// the old PTY master fd.
func (m *Manager) RehydrateSession(meta ptysession.Metadata) (*ptysession.Session, error) {
	if meta.Pid != nil && processAlive(*meta.Pid) {
		syscall.Kill(*meta.Pid, syscall.SIGKILL)
	}

	sess, err := ptysession.Spawn(ptysession.SpawnOptions{
		ID:           meta.ID,
		Tag:          meta.Tag,
		Command:      meta.Command,
		WorkingDir:   meta.WorkingDir,
		Env:          meta.Env,
		Cols:         meta.Cols,
		Rows:         meta.Rows,
		RingCapacity: m.ringCapacity,
		Persist:      m.save,
	})
	if err != nil {
		return nil, fmt.Errorf("persist: rehydrate %s: %w", meta.ID, err)
	}

	if log, err := os.ReadFile(config.SessionLogPath(m.stateDir, meta.ID)); err == nil {
		sess.RestoreScrollback(log)
	}
	return sess, nil
}
