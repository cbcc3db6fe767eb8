package stream

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeStreamFile(t *testing.T, controlPath, sessionID string, lines []string) {
	t.Helper()
	dir := filepath.Join(controlPath, sessionID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(filepath.Join(dir, "stream-out"))
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func TestSubscribeReceivesHeaderAndBacklog(t *testing.T) {
	controlPath := t.TempDir()
	sessionID := "sess-1"
	writeStreamFile(t, controlPath, sessionID, []string{
		`{"version":2,"width":80,"height":24,"timestamp":1,"command":"bash"}`,
		`[0.5,"o","hello"]`,
	})

	m := NewMultiplexer(controlPath, zap.NewNop(), nil)
	sub, err := m.Subscribe(sessionID)
	require.NoError(t, err)
	defer m.Unsubscribe(sessionID, sub.ID)

	var frames []string
	deadline := time.After(2 * time.Second)
	for len(frames) < 2 {
		select {
		case frame := <-sub.Ch:
			frames = append(frames, string(frame))
		case <-deadline:
			t.Fatalf("timed out waiting for frames, got %d", len(frames))
		}
	}

	assert.Contains(t, frames[0], `"version":2`)
	assert.Contains(t, frames[1], `[0,"o","hello"]`)
}

func TestSubscribeStopsOnExitEvent(t *testing.T) {
	controlPath := t.TempDir()
	sessionID := "sess-2"
	writeStreamFile(t, controlPath, sessionID, []string{
		`{"version":2,"width":80,"height":24,"timestamp":1,"command":"bash"}`,
		`["exit","0",""]`,
	})

	m := NewMultiplexer(controlPath, zap.NewNop(), nil)
	sub, err := m.Subscribe(sessionID)
	require.NoError(t, err)

	var sawExit bool
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case frame := <-sub.Ch:
			if strings.Contains(string(frame), `["exit","0",""]`) {
				sawExit = true
			}
		case <-sub.Done:
			break loop
		case <-deadline:
			t.Fatal("timed out waiting for stream termination")
		}
	}
	assert.True(t, sawExit)
}

func TestUnsubscribeStopsTail(t *testing.T) {
	controlPath := t.TempDir()
	sessionID := "sess-3"
	writeStreamFile(t, controlPath, sessionID, []string{
		`{"version":2,"width":80,"height":24,"timestamp":1,"command":"bash"}`,
	})

	m := NewMultiplexer(controlPath, zap.NewNop(), nil)
	sub, err := m.Subscribe(sessionID)
	require.NoError(t, err)

	m.Unsubscribe(sessionID, sub.ID)

	m.mu.RLock()
	_, stillTailing := m.tails[sessionID]
	m.mu.RUnlock()
	assert.False(t, stillTailing)
}
