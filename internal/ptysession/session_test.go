package ptysession

import (
	"bytes"
	"testing"
	"time"
)

func spawnCat(t *testing.T, persist PersistFunc) *Session {
	t.Helper()
	s, err := Spawn(SpawnOptions{
		ID:         "test-session",
		Tag:        "test-tag",
		Command:    []string{"/bin/cat"},
		WorkingDir: "/tmp",
		Cols:       80,
		Rows:       24,
		Persist:    persist,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return s
}

func TestSession_WriteEchoesThroughOutput(t *testing.T) {
	s := spawnCat(t, nil)
	defer s.Kill()

	sub, _ := s.SubscribeOutput()
	defer sub.Close()

	if err := s.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case chunk := <-sub.C():
		if !bytes.Contains(chunk, []byte("hello")) {
			t.Errorf("output %q does not contain %q", chunk, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output")
	}
}

func TestSession_SubscribeReturnsScrollbackSnapshot(t *testing.T) {
	s := spawnCat(t, nil)
	defer s.Kill()

	if err := s.Write([]byte("first\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	_, snapshot := s.SubscribeOutput()
	if !bytes.Contains(snapshot, []byte("first")) {
		t.Errorf("snapshot %q does not contain %q", snapshot, "first")
	}
}

func TestSession_ResizeUpdatesMetadata(t *testing.T) {
	s := spawnCat(t, nil)
	defer s.Kill()

	if err := s.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	meta := s.SnapshotMetadata()
	if meta.Cols != 120 || meta.Rows != 40 {
		t.Errorf("Cols/Rows = %d/%d, want 120/40", meta.Cols, meta.Rows)
	}
}

func TestSession_ShutdownDoesNotKillChild(t *testing.T) {
	s := spawnCat(t, nil)
	defer s.Kill()

	s.Shutdown()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after Shutdown")
	}

	meta := s.SnapshotMetadata()
	if meta.ExitCode != nil {
		t.Errorf("ExitCode = %v, want nil (child should outlive Shutdown)", *meta.ExitCode)
	}
}

func TestSession_WriteAfterDoneReturnsChannelClosed(t *testing.T) {
	s, err := Spawn(SpawnOptions{
		ID:      "exit-session",
		Tag:     "exit-tag",
		Command: []string{"/bin/sh", "-c", "exit 3"},
		Cols:    80,
		Rows:    24,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for child exit")
	}

	meta := s.SnapshotMetadata()
	if meta.ExitCode == nil || *meta.ExitCode != 3 {
		t.Errorf("ExitCode = %v, want 3", meta.ExitCode)
	}

	if err := s.Write([]byte("x")); err != ErrChannelClosed {
		t.Errorf("Write after exit = %v, want ErrChannelClosed", err)
	}
}

func TestSession_PersistCalledOnShutdown(t *testing.T) {
	var gotMeta Metadata
	var gotScrollback []byte
	calls := 0
	persist := func(meta Metadata, scrollback []byte) error {
		calls++
		gotMeta = meta
		gotScrollback = scrollback
		return nil
	}

	s := spawnCat(t, persist)
	defer s.Kill()

	if err := s.Write([]byte("persisted\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	s.Shutdown()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}

	if calls == 0 {
		t.Fatal("expected persist to be called at least once")
	}
	if gotMeta.ID != "test-session" {
		t.Errorf("persisted meta ID = %q, want %q", gotMeta.ID, "test-session")
	}
	if !bytes.Contains(gotScrollback, []byte("persisted")) {
		t.Errorf("persisted scrollback %q does not contain %q", gotScrollback, "persisted")
	}
}
