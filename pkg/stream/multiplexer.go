// Package stream implements the Stream Multiplexer (C6): it fans a
// session's recording out to N concurrent SSE subscribers, replaying
// backlog with zeroed timestamps and delivering new events with
// per-subscriber relative timestamps.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sessionforge/sessiond/pkg/recording"
	"github.com/sessionforge/sessiond/pkg/session/protocol"
)

const (
	heartbeatInterval = 15 * time.Second
	subscriberBuffer  = 256
)

// SizeLookupFunc resolves a session's current terminal size, used to
// synthesize a header when a recording has none yet.
type SizeLookupFunc func(sessionID string) (width, height int, ok bool)

// Subscriber is one SSE connection watching a session's recording.
type Subscriber struct {
	ID string

	Ch   chan []byte
	Done chan struct{}

	connectTime time.Time
	closeOnce   sync.Once
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.Done) })
}

// tail owns the fsnotify watch and read offset for one session's
// stream-out file, shared across that session's subscribers.
type tail struct {
	sessionID  string
	streamPath string
	watcher    *fsnotify.Watcher
	file       *os.File
	offset     int64
	done       chan struct{}
}

// Multiplexer fans out session recordings to SSE subscribers.
type Multiplexer struct {
	controlPath string
	logger      *zap.Logger
	sizeLookup  SizeLookupFunc

	mu    sync.RWMutex
	subs  map[string]map[string]*Subscriber
	tails map[string]*tail
}

// NewMultiplexer creates a Multiplexer rooted at controlPath. sizeLookup
// may be nil, in which case a synthesized header always falls back to
// 80x24.
func NewMultiplexer(controlPath string, logger *zap.Logger, sizeLookup SizeLookupFunc) *Multiplexer {
	return &Multiplexer{
		controlPath: controlPath,
		logger:      logger,
		sizeLookup:  sizeLookup,
		subs:        make(map[string]map[string]*Subscriber),
		tails:       make(map[string]*tail),
	}
}

// Subscribe registers a new SSE subscriber for sessionID, starting the
// session's tail watcher if this is the first subscriber, and kicks off
// delivery of the header plus zero-timestamped backlog.
func (m *Multiplexer) Subscribe(sessionID string) (*Subscriber, error) {
	sub := &Subscriber{
		ID:          uuid.New().String(),
		Ch:          make(chan []byte, subscriberBuffer),
		Done:        make(chan struct{}),
		connectTime: time.Now(),
	}

	m.mu.Lock()
	if m.subs[sessionID] == nil {
		m.subs[sessionID] = make(map[string]*Subscriber)
	}
	m.subs[sessionID][sub.ID] = sub
	_, watching := m.tails[sessionID]
	m.mu.Unlock()

	if !watching {
		if err := m.startTail(sessionID); err != nil {
			m.mu.Lock()
			delete(m.subs[sessionID], sub.ID)
			m.mu.Unlock()
			return nil, err
		}
	}

	go m.sendBacklog(sessionID, sub)

	return sub, nil
}

// Unsubscribe removes a subscriber and, once a session has no subscribers
// left, stops its tail watcher.
func (m *Multiplexer) Unsubscribe(sessionID, subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked(sessionID, subscriberID)
}

func (m *Multiplexer) unsubscribeLocked(sessionID, subscriberID string) {
	subs := m.subs[sessionID]
	if sub, ok := subs[subscriberID]; ok {
		sub.close()
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(m.subs, sessionID)
		if t, ok := m.tails[sessionID]; ok {
			close(t.done)
			t.watcher.Close()
			t.file.Close()
			delete(m.tails, sessionID)
		}
	}
}

func (m *Multiplexer) streamPath(sessionID string) string {
	return filepath.Join(m.controlPath, sessionID, "stream-out")
}

func (m *Multiplexer) startTail(sessionID string) error {
	path := m.streamPath(sessionID)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open stream file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return fmt.Errorf("create stream watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		f.Close()
		return fmt.Errorf("watch stream file: %w", err)
	}

	t := &tail{
		sessionID:  sessionID,
		streamPath: path,
		watcher:    watcher,
		file:       f,
		done:       make(chan struct{}),
	}
	// Live tailing starts at the current end of the file; what is already
	// there reaches subscribers through the backlog replay instead.
	if st, err := f.Stat(); err == nil {
		t.offset = st.Size()
	}

	m.mu.Lock()
	m.tails[sessionID] = t
	m.mu.Unlock()

	go m.runTail(t)
	return nil
}

func (m *Multiplexer) runTail(t *tail) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Write == fsnotify.Write {
				m.readNew(t)
			}

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			if m.logger != nil {
				m.logger.Warn("stream watcher error", zap.String("session_id", t.sessionID), zap.Error(err))
			}

		case <-heartbeat.C:
			m.broadcastHeartbeat(t.sessionID)

		case <-t.done:
			return
		}
	}
}

// readNew reads newly appended lines since the last read and broadcasts
// each as a live event. Per-event it reaps sessions that just ended.
func (m *Multiplexer) readNew(t *tail) {
	if _, err := t.file.Seek(t.offset, io.SeekStart); err != nil {
		return
	}
	reader := bufio.NewReader(t.file)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && m.logger != nil {
				m.logger.Warn("error reading stream file", zap.String("session_id", t.sessionID), zap.Error(err))
			}
			break
		}
		t.offset += int64(len(line))

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		ev, err := recording.DecodeEvent([]byte(trimmed))
		if err != nil {
			continue // header line, or malformed; header is handled by sendBacklog per-subscriber
		}

		m.broadcastEvent(t.sessionID, ev)

		if ev.Kind == "exit" {
			m.terminateSession(t.sessionID)
			return
		}
	}
}

// broadcastEvent delivers ev to every current subscriber of sessionID,
// computing each subscriber's own relative timestamp.
func (m *Multiplexer) broadcastEvent(sessionID string, ev recording.Event) {
	m.mu.RLock()
	subs := make([]*Subscriber, 0, len(m.subs[sessionID]))
	for _, s := range m.subs[sessionID] {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		t := time.Since(sub.connectTime).Seconds()
		m.deliver(sessionID, sub, encodeEventFrame(ev, t))
	}
}

func (m *Multiplexer) broadcastHeartbeat(sessionID string) {
	m.mu.RLock()
	subs := make([]*Subscriber, 0, len(m.subs[sessionID]))
	for _, s := range m.subs[sessionID] {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	frame := []byte(": heartbeat\n\n")
	for _, sub := range subs {
		m.deliver(sessionID, sub, frame)
	}
}

// terminateSession closes every subscriber of sessionID after its final
// exit event has been delivered, and tears down the tail watcher.
func (m *Multiplexer) terminateSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.subs[sessionID] {
		m.subs[sessionID][id].close()
	}
	delete(m.subs, sessionID)

	if t, ok := m.tails[sessionID]; ok {
		close(t.done)
		t.watcher.Close()
		t.file.Close()
		delete(m.tails, sessionID)
	}
}

// deliver sends a frame to sub's channel without blocking; a full channel
// means the subscriber can't keep up, so it is disconnected rather than
// silently falling behind.
func (m *Multiplexer) deliver(sessionID string, sub *Subscriber, frame []byte) {
	select {
	case sub.Ch <- frame:
	case <-sub.Done:
	default:
		m.mu.Lock()
		m.unsubscribeLocked(sessionID, sub.ID)
		m.mu.Unlock()
	}
}

// sendBacklog delivers the header (real or synthesized) followed by every
// existing event with its timestamp zeroed, per the "instant replay for
// back-scroll" contract. It reads the file independently of the shared
// tail so a slow backlog send never blocks live delivery to other
// subscribers.
func (m *Multiplexer) sendBacklog(sessionID string, sub *Subscriber) {
	path := m.streamPath(sessionID)

	header, err := recording.ParseHeader(path)
	if err != nil {
		header = m.synthesizeHeader(sessionID)
	}
	headerLine, err := json.Marshal(header)
	if err == nil {
		select {
		case sub.Ch <- []byte(fmt.Sprintf("data: %s\n\n", headerLine)):
		case <-sub.Done:
			return
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header already handled above
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, err := recording.DecodeEvent([]byte(line))
		if err != nil {
			continue
		}

		select {
		case sub.Ch <- encodeEventFrame(ev, 0):
		case <-sub.Done:
			return
		}

		if ev.Kind == "exit" {
			sub.close()
			return
		}
	}
}

func (m *Multiplexer) synthesizeHeader(sessionID string) *protocol.AsciinemaHeader {
	width, height := 80, 24
	if m.sizeLookup != nil {
		if w, h, ok := m.sizeLookup(sessionID); ok {
			width, height = w, h
		}
	}
	return &protocol.AsciinemaHeader{
		Version:   2,
		Width:     uint32(width),
		Height:    uint32(height),
		Timestamp: time.Now().Unix(),
		Env:       map[string]string{"TERM": "xterm-256color"},
	}
}

// encodeEventFrame renders an event as an SSE "data:" frame whose line is
// the same [t, kind, data] array the recording format uses — per spec, each
// SSE line is either the header object or an event array, never a wrapper
// object. t is ignored for exit events, which carry the literal string
// "exit" in the timestamp slot instead of a float, mirroring the recorded
// wire shape.
func encodeEventFrame(ev recording.Event, t float64) []byte {
	var array [3]interface{}
	if ev.Kind == "exit" {
		array = [3]interface{}{"exit", ev.Data, json.RawMessage(`""`)}
	} else {
		array = [3]interface{}{t, ev.Kind, ev.Data}
	}

	data, err := json.Marshal(array)
	if err != nil {
		return nil
	}
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}
