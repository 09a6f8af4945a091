// Package ptysession owns one PTY-backed child process: input, resize,
// output broadcast, scrollback, and periodic/final persistence.
package ptysession

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/tetherhq/tether/internal/ringbuf"
)

const (
	inputChanCap      = 100
	readChunkSize     = 32 * 1024
	persistInterval   = 30 * time.Second
	snapshotTailBytes = 100 * 1024
	defaultRingCap    = 10 * 1024 * 1024
)

// PersistFunc durably records a metadata snapshot plus the current
// scrollback tail. Injected so this package never depends on internal/persist
// (which depends on this package to spawn sessions in the first place).
type PersistFunc func(meta Metadata, scrollback []byte) error

// SpawnOptions configures a new session.
type SpawnOptions struct {
	ID           string
	Tag          string
	Command      []string
	WorkingDir   string
	Env          []EnvVar
	Cols, Rows   int
	RingCapacity int // 0 uses the 10 MiB default
	Persist      PersistFunc
}

type resizeReq struct{ cols, rows int }

// Session owns a child process attached to a PTY master.
type Session struct {
	id string

	cmd  *exec.Cmd
	ptmx *os.File

	ring  *ringbuf.Buffer
	bcast *ringbuf.Broadcaster
	dataMu sync.Mutex // guards ring; SubscribeOutput also holds it while subscribing to bcast

	metaMu sync.RWMutex
	meta   Metadata

	inputCh   chan []byte
	resizeCh  chan resizeReq
	shutdownCh chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once

	persist PersistFunc
}

// Spawn starts a new child process attached to a PTY and begins its I/O loop.
func Spawn(opts SpawnOptions) (*Session, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("ptysession: empty command")
	}
	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.WorkingDir

	env := make([]string, 0, len(opts.Env))
	for _, kv := range opts.Env {
		env = append(env, kv.Key+"="+kv.Value)
	}
	cmd.Env = env

	size := &pty.Winsize{Cols: uint16(opts.Cols), Rows: uint16(opts.Rows)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("ptysession: pty start: %w", err)
	}

	capacity := opts.RingCapacity
	if capacity <= 0 {
		capacity = defaultRingCap
	}

	pid := cmd.Process.Pid
	now := time.Now()
	s := &Session{
		id:         opts.ID,
		cmd:        cmd,
		ptmx:       ptmx,
		ring:       ringbuf.New(capacity),
		bcast:      ringbuf.NewBroadcaster(),
		inputCh:    make(chan []byte, inputChanCap),
		resizeCh:   make(chan resizeReq, 1),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		persist:    opts.Persist,
		meta: Metadata{
			ID:           opts.ID,
			Tag:          opts.Tag,
			Command:      opts.Command,
			WorkingDir:   opts.WorkingDir,
			Env:          opts.Env,
			CreatedAt:    now,
			LastActivity: now,
			Cols:         opts.Cols,
			Rows:         opts.Rows,
			Pid:          &pid,
		},
	}

	readCh := make(chan []byte, 16)
	exitCh := make(chan *int, 1)
	go s.readLoop(readCh, exitCh)
	go s.mainLoop(readCh, exitCh)

	return s, nil
}

// readLoop blocks on the PTY master and forwards raw chunks to the main
// loop. It owns no session state directly, per the scheduling model's
// blocking-task/cooperative-pool split.
func (s *Session) readLoop(out chan<- []byte, exitCh chan<- *int) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			close(out)
			state, waitErr := s.cmd.Process.Wait()
			var code *int
			if waitErr == nil && state != nil {
				c := state.ExitCode()
				code = &c
			}
			exitCh <- code
			close(exitCh)
			return
		}
	}
}

// mainLoop is the session's single-writer owner of metadata, ring buffer,
// and broadcaster: input draining, resize, periodic persistence, and
// shutdown all funnel through this one select loop.
func (s *Session) mainLoop(readCh <-chan []byte, exitCh <-chan *int) {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	defer close(s.doneCh)

	for {
		select {
		case chunk, ok := <-readCh:
			if !ok {
				readCh = nil
				continue
			}
			s.appendOutput(chunk)

		case code := <-exitCh:
			s.metaMu.Lock()
			s.meta.ExitCode = code
			s.meta.Pid = nil
			snapshot := s.meta.clone()
			s.metaMu.Unlock()
			s.persistNow(snapshot)
			return

		case data := <-s.inputCh:
			if _, err := s.ptmx.Write(data); err != nil {
				return
			}

		case r := <-s.resizeCh:
			pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(r.cols), Rows: uint16(r.rows)})
			s.metaMu.Lock()
			s.meta.Cols, s.meta.Rows = r.cols, r.rows
			s.metaMu.Unlock()

		case <-ticker.C:
			s.persistNow(s.SnapshotMetadata())

		case <-s.shutdownCh:
			s.persistNow(s.SnapshotMetadata())
			return
		}
	}
}

func (s *Session) appendOutput(chunk []byte) {
	s.dataMu.Lock()
	s.ring.Push(chunk)
	s.dataMu.Unlock()
	s.bcast.Publish(chunk)

	s.metaMu.Lock()
	s.meta.LastActivity = time.Now()
	s.metaMu.Unlock()
}

func (s *Session) persistNow(meta Metadata) {
	if s.persist == nil {
		return
	}
	s.dataMu.Lock()
	tail := s.ring.Snapshot()
	s.dataMu.Unlock()
	_ = s.persist(meta, tail)
}

// Write enqueues input to the child. Returns ErrChannelClosed once the
// session loop has exited, or ErrBackpressure if the input channel is full.
func (s *Session) Write(data []byte) error {
	select {
	case <-s.doneCh:
		return ErrChannelClosed
	default:
	}
	select {
	case s.inputCh <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Resize adjusts the PTY window. A pending resize not yet applied is
// replaced by the latest one (last-write-wins via the buffered channel).
// Returns ErrChannelClosed once the loop has exited.
func (s *Session) Resize(cols, rows int) error {
	select {
	case <-s.doneCh:
		return ErrChannelClosed
	default:
	}
	select {
	case s.resizeCh <- resizeReq{cols, rows}:
	default:
		// Drain the stale pending resize and apply the latest.
		select {
		case <-s.resizeCh:
		default:
		}
		select {
		case s.resizeCh <- resizeReq{cols, rows}:
		default:
		}
	}
	return nil
}

// RestoreScrollback seeds the ring buffer from previously-persisted log
// bytes. Used by rehydration, before the first client attaches.
func (s *Session) RestoreScrollback(data []byte) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.ring.Restore(data)
}

// SubscribeOutput returns a fresh broadcast subscription plus an atomic
// snapshot of the current buffer (truncated to the last 100 KiB), obtained
// under the same lock so no output can be produced in between and lost.
func (s *Session) SubscribeOutput() (*ringbuf.Subscription, []byte) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	sub := s.bcast.Subscribe()
	snapshot := s.ring.SnapshotTail(snapshotTailBytes)
	return sub, snapshot
}

// SnapshotMetadata returns a copy of the session's current metadata.
func (s *Session) SnapshotMetadata() Metadata {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.meta.clone()
}

// WorkingDir reads through to the session's recorded cwd.
func (s *Session) WorkingDir() string {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.meta.WorkingDir
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Done returns a channel closed once the session's loop has exited.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Shutdown signals the loop to exit. The child process is left running and
// may outlive a daemon restart.
func (s *Session) Shutdown() {
	s.closeOnce.Do(func() { close(s.shutdownCh) })
}

// Kill terminates the child process directly (used by kill_session, as
// opposed to Shutdown which merely detaches the daemon from a live child).
func (s *Session) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}
