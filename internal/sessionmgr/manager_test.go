package sessionmgr

import (
	"testing"
	"time"

	"github.com/tetherhq/tether/internal/bridge"
	"github.com/tetherhq/tether/internal/mux"
	"github.com/tetherhq/tether/internal/persist"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := persist.New(t.TempDir(), 0)
	mx := mux.New(store)
	return New(mx, bridge.Deps{}, nil)
}

func TestStartSession_ReusesRunningTag(t *testing.T) {
	m := newTestManager(t)

	first, err := m.StartSession(StartOptions{Tag: "fox", Command: []string{"/bin/cat"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer first.Kill()

	second, err := m.StartSession(StartOptions{Tag: "fox", Command: []string{"/bin/cat"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("StartSession (reuse): %v", err)
	}
	if second.ID() != first.ID() {
		t.Fatalf("expected reuse of running session %s, got new session %s", first.ID(), second.ID())
	}
}

func TestStartSession_ReplacesDeadTag(t *testing.T) {
	m := newTestManager(t)

	first, err := m.StartSession(StartOptions{Tag: "owl", Command: []string{"/bin/sh", "-c", "exit 0"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	select {
	case <-first.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("first session never exited")
	}

	second, err := m.StartSession(StartOptions{Tag: "owl", Command: []string{"/bin/cat"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("StartSession (replace dead tag): %v", err)
	}
	defer second.Kill()

	if second.ID() == first.ID() {
		t.Fatalf("expected a new session id replacing the dead tag, got the same id %s", first.ID())
	}
	metas := m.Mux().ListSessions()
	var found int
	for _, meta := range metas {
		if meta.Tag == "owl" {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("expected exactly one session tagged %q after replacement, found %d", "owl", found)
	}
}

func TestStartSession_CreatesNewWithDistinctTags(t *testing.T) {
	m := newTestManager(t)

	a, err := m.StartSession(StartOptions{Tag: "a", Command: []string{"/bin/cat"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("StartSession a: %v", err)
	}
	defer a.Kill()

	b, err := m.StartSession(StartOptions{Tag: "b", Command: []string{"/bin/cat"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("StartSession b: %v", err)
	}
	defer b.Kill()

	if a.ID() == b.ID() {
		t.Fatal("expected distinct sessions for distinct tags")
	}
}

func TestStopSession_KillsByTag(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.StartSession(StartOptions{Tag: "stopme", Command: []string{"/bin/cat"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if err := m.StopSession("stopme"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	if _, err := m.Mux().GetSession(sess.ID()); err == nil {
		t.Fatal("expected session to be gone from the registry after StopSession")
	}
}

func TestSpawnBridge_NoopWithoutServerURL(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.StartSession(StartOptions{Tag: "nobridge", Command: []string{"/bin/cat"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer sess.Kill()

	m.mu.Lock()
	n := len(m.bridges)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no bridges spawned without a configured relay server, got %d", n)
	}
}
