package mux

import (
	"testing"
	"time"

	"github.com/tetherhq/tether/internal/persist"
	"github.com/tetherhq/tether/internal/ptysession"
)

func newTestMux(t *testing.T) *Multiplexer {
	t.Helper()
	store := persist.New(t.TempDir(), 0)
	return New(store)
}

func TestMultiplexer_CreateAndAttach(t *testing.T) {
	m := newTestMux(t)
	sess, err := m.CreateSession(CreateOptions{Tag: "happy-fox-7", Command: []string{"/bin/cat"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer sess.Kill()

	sub, _, err := m.AttachClient(sess.ID(), "client-1")
	if err != nil {
		t.Fatalf("AttachClient: %v", err)
	}
	defer sub.Close()

	if err := m.SendInput(sess.ID(), []byte("hi\n")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	select {
	case <-sub.C():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output")
	}
}

func TestMultiplexer_DetachKillsWhenEmpty(t *testing.T) {
	m := newTestMux(t)
	sess, err := m.CreateSession(CreateOptions{Tag: "t", Command: []string{"/bin/cat"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sub, _, err := m.AttachClient(sess.ID(), "client-1")
	if err != nil {
		t.Fatalf("AttachClient: %v", err)
	}
	sub.Close()

	if err := m.DetachClient(sess.ID(), "client-1"); err != nil {
		t.Fatalf("DetachClient: %v", err)
	}

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to be killed after last client detached")
	}
}

func TestMultiplexer_DetachKeepsSessionWithRemainingClient(t *testing.T) {
	m := newTestMux(t)
	sess, err := m.CreateSession(CreateOptions{Tag: "t2", Command: []string{"/bin/cat"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer sess.Kill()

	sub1, _, _ := m.AttachClient(sess.ID(), "client-1")
	defer sub1.Close()
	sub2, _, _ := m.AttachClient(sess.ID(), "client-2")
	defer sub2.Close()

	if err := m.DetachClient(sess.ID(), "client-1"); err != nil {
		t.Fatalf("DetachClient: %v", err)
	}

	select {
	case <-sess.Done():
		t.Fatal("session should remain alive with client-2 still attached")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestMultiplexer_DetachKillsWhenOnlyRemoteRelayRemains(t *testing.T) {
	m := newTestMux(t)
	sess, err := m.CreateSession(CreateOptions{Tag: "t3", Command: []string{"/bin/cat"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sub1, _, _ := m.AttachClient(sess.ID(), "client-1")
	defer sub1.Close()
	subRelay, _, _ := m.AttachClient(sess.ID(), RemoteRelayClientID)
	defer subRelay.Close()

	if err := m.DetachClient(sess.ID(), "client-1"); err != nil {
		t.Fatalf("DetachClient: %v", err)
	}

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to be killed once only remote-relay remains")
	}
}

func TestMultiplexer_ListSessionsReportsStatus(t *testing.T) {
	m := newTestMux(t)
	sess, err := m.CreateSession(CreateOptions{Tag: "list-me", Command: []string{"/bin/cat"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer sess.Kill()

	list := m.ListSessions()
	if len(list) != 1 {
		t.Fatalf("ListSessions returned %d entries, want 1", len(list))
	}
	if list[0].Status() != ptysession.StatusRunning {
		t.Errorf("Status = %q, want running", list[0].Status())
	}
}

func TestMultiplexer_KillSessionIdempotent(t *testing.T) {
	m := newTestMux(t)
	sess, err := m.CreateSession(CreateOptions{Tag: "kill-twice", Command: []string{"/bin/cat"}, WorkingDir: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := m.KillSession(sess.ID()); err != nil {
		t.Fatalf("first KillSession: %v", err)
	}
	if err := m.KillSession(sess.ID()); err != nil {
		t.Fatalf("second KillSession (idempotent): %v", err)
	}
}
