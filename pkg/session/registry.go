package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sessionforge/sessiond/pkg/recording"
)

// CreateOptions configures a new session. Zero values fall back to the
// Manager's defaults.
type CreateOptions struct {
	Name   string
	Args   []string
	Cwd    string
	Env    []string
	Term   string
	Width  int
	Height int
}

// Manager is the Session Registry: it owns every live Session, reconstructs
// them at startup primarily from each session's recording (header + tail
// event, with meta.json advisory), and watches the control root for
// sessions created or removed out of band.
type Manager struct {
	controlPath string
	logger      *zap.Logger

	defaultTerm          string
	defaultWidth         int
	defaultHeight        int
	doNotAllowColumnSet  bool

	mu       sync.RWMutex
	sessions map[string]*Session

	watcher         *fsnotify.Watcher
	stopWatch       chan struct{}
	watchedSessions map[string]bool
}

// NewManager creates a registry rooted at controlPath, performing the
// startup directory scan required by invariant: every on-disk session
// directory is reconstructed into an in-memory Session before the HTTP
// surface starts serving requests.
func NewManager(controlPath string, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(controlPath, 0o755); err != nil {
		return nil, fmt.Errorf("create control root: %w", err)
	}

	m := &Manager{
		controlPath:     controlPath,
		logger:          logger,
		defaultTerm:     "xterm-256color",
		defaultWidth:    80,
		defaultHeight:   24,
		sessions:        make(map[string]*Session),
		watchedSessions: make(map[string]bool),
		stopWatch:       make(chan struct{}),
	}

	if err := m.scanExisting(); err != nil {
		logger.Warn("startup session scan failed", zap.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create control root watcher: %w", err)
	}
	if err := watcher.Add(controlPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch control root: %w", err)
	}
	m.watcher = watcher
	go m.watchControlRoot()

	return m, nil
}

// scanExisting reconstructs Sessions from every subdirectory of the
// control root that carries a parseable recording, bounded concurrency via
// errgroup so a large control root doesn't spawn unbounded goroutines.
func (m *Manager) scanExisting() error {
	entries, err := os.ReadDir(m.controlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var g errgroup.Group
	g.SetLimit(8)

	for _, entry := range entries {
		if !entry.IsDir() || !isValidSessionID(entry.Name()) {
			continue
		}
		id := entry.Name()
		g.Go(func() error {
			if err := m.loadFromDisk(id); err != nil {
				m.logger.Warn("failed to reconstruct session", zap.String("session_id", id), zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

// loadFromDisk reconstructs a Session the way the registry's startup scan
// requires: the recording's header and tail event are authoritative, since
// they are what the session actually wrote while it ran; meta.json is
// advisory and only supplies fields the recording doesn't carry (pid, cwd,
// name, command). A directory whose recording has no parseable header is
// not a session this registry can reconstruct.
func (m *Manager) loadFromDisk(id string) error {
	dir := filepath.Join(m.controlPath, id)
	streamPath := filepath.Join(dir, "stream-out")

	header, err := recording.ParseHeader(streamPath)
	if err != nil {
		return fmt.Errorf("parse recording header: %w", err)
	}

	info, _ := loadInfo(dir)
	if info == nil {
		info = &Info{}
	}
	info.ID = id
	if info.Cmdline == "" {
		info.Cmdline = header.Command
	}
	if info.Term == "" {
		info.Term = header.Env["TERM"]
	}
	if header.Width != 0 {
		info.Width = int(header.Width)
	}
	if header.Height != 0 {
		info.Height = int(header.Height)
	}
	if info.StartedAt.IsZero() && header.Timestamp != 0 {
		info.StartedAt = time.Unix(header.Timestamp, 0)
	}

	last, hasEvent, _ := recording.LastEvent(streamPath)
	switch {
	case hasEvent && last.Kind == "exit":
		info.Status = string(StatusExited)
		info.ExitCode = decodeExitCode(last.Data)

	case info.Pid != 0 && !processAlive(info.Pid):
		// The pid recorded in meta.json is gone but the recording never
		// saw the exit event (e.g. the process was killed out of band, or
		// sessiond crashed before reaping it). Reconcile by synthesizing
		// the missing terminal event.
		info.Status = string(StatusExited)
		zero := 0
		info.ExitCode = &zero
		if err := appendSyntheticExit(streamPath, 0); err != nil && m.logger != nil {
			m.logger.Warn("failed to append synthetic exit event", zap.String("session_id", id), zap.Error(err))
		}

	case info.Status == "":
		// No advisory status at all (meta.json missing) and the pid check
		// above didn't fire; treat as running until the next UpdateStatus
		// poll proves otherwise.
		info.Status = string(StatusRunning)
	}

	if err := info.Save(dir); err != nil && m.logger != nil {
		m.logger.Warn("failed to persist reconciled session metadata", zap.String("session_id", id), zap.Error(err))
	}

	sess := &Session{
		ID:          id,
		controlPath: m.controlPath,
		info:        info,
		manager:     m,
		logger:      m.logger,
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	return nil
}

// decodeExitCode parses the exit event's data slot, a decimal string per
// the on-wire format.
func decodeExitCode(data json.RawMessage) *int {
	var codeStr string
	if err := json.Unmarshal(data, &codeStr); err != nil {
		zero := 0
		return &zero
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		code = 0
	}
	return &code
}

// appendSyntheticExit appends a terminal exit event to a recording whose
// process died without one ever being written, keeping the invariant that
// every exited session's recording ends with exactly one exit event.
func appendSyntheticExit(streamPath string, exitCode int) error {
	f, err := os.OpenFile(streamPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal([3]string{"exit", strconv.Itoa(exitCode), ""})
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// watchControlRoot watches for session directories created or removed by
// another process (e.g. a CLI invocation that writes a session directly),
// debounced the same way a directory-scan watcher naturally needs to be:
// a session directory appears before its meta.json is fully written.
func (m *Manager) watchControlRoot() {
	pending := make(map[string]bool)
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			base := filepath.Base(ev.Name)
			if !isValidSessionID(base) || filepath.Dir(ev.Name) != m.controlPath {
				continue
			}
			switch {
			case ev.Op&fsnotify.Create == fsnotify.Create:
				pending[base] = true
				debounce.Reset(100 * time.Millisecond)
			case ev.Op&fsnotify.Remove == fsnotify.Remove:
				m.mu.Lock()
				delete(m.sessions, base)
				m.mu.Unlock()
			}

		case <-debounce.C:
			for id := range pending {
				m.mu.RLock()
				_, known := m.sessions[id]
				m.mu.RUnlock()
				if known {
					continue
				}
				if err := m.waitAndLoad(id); err != nil {
					m.logger.Warn("failed to load externally created session", zap.String("session_id", id), zap.Error(err))
				}
			}
			pending = make(map[string]bool)

		case <-m.stopWatch:
			return
		}
	}
}

// waitAndLoad polls up to 5s for stream-out to carry a parseable header
// before giving up, since a session directory is created (and watched)
// before its recording header is written.
func (m *Manager) waitAndLoad(id string) error {
	streamPath := filepath.Join(m.controlPath, id, "stream-out")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := recording.ParseHeader(streamPath); err == nil {
			return m.loadFromDisk(id)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for recording header")
}

func isValidSessionID(id string) bool {
	if len(id) != 36 {
		return false
	}
	return id[8] == '-' && id[13] == '-' && id[18] == '-' && id[23] == '-'
}

// Create starts a new PTY-backed session and registers it.
func (m *Manager) Create(opts CreateOptions) (*Session, error) {
	if len(opts.Args) == 0 {
		return nil, NewSessionError("command cannot be empty", ErrInvalidArgument, "")
	}

	id := uuid.New().String()
	dir := filepath.Join(m.controlPath, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	if opts.Term == "" {
		opts.Term = m.defaultTerm
	}
	if opts.Width == 0 {
		opts.Width = m.defaultWidth
	}
	if opts.Height == 0 {
		opts.Height = m.defaultHeight
	}
	if opts.Cwd == "" {
		opts.Cwd, _ = os.Getwd()
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(opts.Args[0])
	}

	info := &Info{
		ID:        id,
		Name:      opts.Name,
		Cmdline:   strings.Join(opts.Args, " "),
		Args:      opts.Args,
		Cwd:       opts.Cwd,
		Env:       opts.Env,
		Term:      opts.Term,
		Width:     opts.Width,
		Height:    opts.Height,
		Status:    string(StatusStarting),
		StartedAt: time.Now(),
	}

	sess := &Session{
		ID:          id,
		controlPath: m.controlPath,
		info:        info,
		manager:     m,
		logger:      m.logger,
	}

	p, err := NewPTY(sess)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	sess.mu.Lock()
	sess.pty = p
	info.Pid = p.Pid()
	info.Status = string(StatusRunning)
	sess.mu.Unlock()

	if err := info.Save(dir); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("save session info: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go func() {
		if err := p.Run(); err != nil {
			m.logger.Debug("session process ended", zap.String("session_id", id), zap.Error(err))
		}
	}()

	return sess, nil
}

// Get returns a registered session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, NewSessionError("no such session", ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns all sessions, newest first, reconciling any that have
// exited since last observed.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		_ = s.UpdateStatus()
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Info().StartedAt.After(sessions[j].Info().StartedAt)
	})
	return sessions
}

// Cleanup removes a single exited session's on-disk state and registry
// entry. Cleaning up a still-running session is refused.
func (m *Manager) Cleanup(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if sess.IsAlive() {
		return NewSessionError("cannot clean up a running session", ErrSessionNotRunning, id)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	return os.RemoveAll(sess.Path())
}

// CleanupExited removes every exited session and returns how many were
// removed.
func (m *Manager) CleanupExited() (int, error) {
	count := 0
	for _, s := range m.List() {
		if s.Info().Status == string(StatusExited) {
			if err := m.Cleanup(s.ID); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

// GetDoNotAllowColumnSet reports whether terminal resize requests
// (SIGWINCH propagation, HTTP resize) are administratively disabled.
func (m *Manager) GetDoNotAllowColumnSet() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doNotAllowColumnSet
}

// SetDoNotAllowColumnSet toggles resize support server-wide.
func (m *Manager) SetDoNotAllowColumnSet(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doNotAllowColumnSet = v
}

// Shutdown stops the control-root watcher and marks every still-running
// session exited, used during graceful server shutdown.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.stopWatch)
	if m.watcher != nil {
		m.watcher.Close()
	}

	for _, s := range m.List() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if s.IsAlive() {
			_ = s.Kill()
		}
	}
	return nil
}
