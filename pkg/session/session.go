// Package session implements session lifecycle management: a PTY-backed
// process (pty.go), an event loop multiplexing its I/O (eventloop_*.go;
// edge-triggered on kqueue, level-triggered on epoll and select), and the Session/Manager types persisting session
// metadata to disk (this file, registry.go).
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusCleaned  Status = "cleaned"
)

// Info is the on-disk, JSON-serialized record of a session, written to
// <control-root>/<id>/meta.json. It is advisory: the recording's header and
// tail event are the primary source of truth when the registry
// reconstructs sessions at startup (see Manager.loadFromDisk); meta.json
// fills in fields the recording can't carry (pid, cwd, name). It is also
// the in-memory source of truth while the session is alive; Session wraps
// it with the runtime handles (PTY, lock) that never touch disk.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Cmdline      string    `json:"cmdline,omitempty"`
	Args         []string  `json:"args"`
	Cwd          string    `json:"cwd"`
	Env          []string  `json:"env,omitempty"`
	Term         string    `json:"term"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Pid          int       `json:"pid"`
	Status       string    `json:"status"`
	ExitCode     *int      `json:"exitCode,omitempty"`
	IsSpawned    bool      `json:"isSpawned,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	LastModified time.Time `json:"lastModified"`
}

// metaFilename is the advisory metadata file's name within a session's
// directory.
const metaFilename = "meta.json"

// Save atomically writes the info to <dir>/meta.json (write-tmp, rename).
func (info *Info) Save(dir string) error {
	info.LastModified = time.Now()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session info: %w", err)
	}

	path := filepath.Join(dir, metaFilename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session info: %w", err)
	}
	return os.Rename(tmp, path)
}

// loadInfo reads <dir>/meta.json, if present. A missing meta.json is not
// fatal to registry reconstruction — it just means fields like pid/cwd/name
// are left at their zero values, recovered only from the recording header.
func loadInfo(dir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFilename))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshal session info: %w", err)
	}
	return &info, nil
}

// Session is a live, in-process handle on one PTY-backed process: its
// metadata (info), its on-disk location (controlPath/ID), and — once
// started — its PTY and event-loop handles.
type Session struct {
	ID          string
	controlPath string // control root; the session's own directory is Path()

	mu   sync.Mutex
	info *Info
	pty  *PTY

	manager *Manager
	logger  *zap.Logger
}

// Path returns the session's own directory, <controlPath>/<ID>.
func (s *Session) Path() string {
	return filepath.Join(s.controlPath, s.ID)
}

// StreamOutPath returns the path of the session's asciicast recording.
func (s *Session) StreamOutPath() string {
	return filepath.Join(s.Path(), "stream-out")
}

// StdinPath returns the path of the session's input FIFO.
func (s *Session) StdinPath() string {
	return filepath.Join(s.Path(), "stdin")
}

// IsAlive reports whether the session's process is still running.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Status == string(StatusRunning) || s.info.Status == string(StatusStarting)
}

// UpdateStatus recomputes and persists the session's status from whether
// its process is still alive, invariant 3 from the data model ("status ==
// running iff the PTY's child process is alive").
func (s *Session) UpdateStatus() error {
	s.mu.Lock()
	alive := s.pty != nil && processAlive(s.pty.Pid())
	if !alive && s.info.Status == string(StatusRunning) {
		s.info.Status = string(StatusExited)
	}
	info := s.info
	s.mu.Unlock()

	if err := info.Save(s.Path()); err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to persist session status", zap.String("session_id", s.ID), zap.Error(err))
		}
		return err
	}
	return nil
}

// SendInput writes text to the session's PTY. Per invariant 4, input is
// rejected unless the session is running. A session whose status still
// says "running" but whose process has actually died is caught here by a
// liveness probe, transitioned to exited, and reported as ErrSessionGone
// rather than written to a dead PTY.
func (s *Session) SendInput(data []byte) error {
	s.mu.Lock()
	p := s.pty
	status := s.info.Status
	s.mu.Unlock()

	if status != string(StatusRunning) || p == nil {
		return NewSessionError("session is not running", ErrSessionNotRunning, s.ID)
	}

	if !processAlive(p.Pid()) {
		_ = s.UpdateStatus()
		return NewSessionError("session process has died", ErrSessionGone, s.ID)
	}

	_, err := p.pty.Write(data)
	return err
}

// Resize changes the session's terminal size.
func (s *Session) Resize(width, height int) error {
	s.mu.Lock()
	p := s.pty
	s.mu.Unlock()

	if p == nil {
		return NewSessionError("session is not running", ErrSessionNotRunning, s.ID)
	}
	return p.Resize(width, height)
}

// Kill terminates the session's process: SIGTERM, then after a 1s grace
// period SIGKILL, matching the Kill operation's failure-mode contract.
func (s *Session) Kill() error {
	s.mu.Lock()
	p := s.pty
	s.mu.Unlock()

	if p == nil || p.cmd.Process == nil {
		return nil
	}

	pid := p.cmd.Process.Pid
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return s.UpdateStatus()
		}
		time.Sleep(50 * time.Millisecond)
	}

	_ = p.cmd.Process.Kill()
	return s.UpdateStatus()
}

// Info returns a copy of the session's current metadata.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.info
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
