package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSendInputRejectsNotRunning(t *testing.T) {
	manager, err := NewManager(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	sess, err := manager.Create(CreateOptions{Args: []string{"true"}, Term: "xterm", Width: 80, Height: 24})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !sess.IsAlive() }, 2*time.Second, 10*time.Millisecond)

	err = sess.SendInput([]byte("hi"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionNotRunning))
}

// TestSendInputDetectsGoneProcess simulates the race the registry's status
// field can lag behind: the child has already died, but nothing has run
// UpdateStatus yet, so info.Status still reads "running".
func TestSendInputDetectsGoneProcess(t *testing.T) {
	manager, err := NewManager(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	sess, err := manager.Create(CreateOptions{Args: []string{"sleep", "30"}, Term: "xterm", Width: 80, Height: 24})
	require.NoError(t, err)

	pid := sess.pty.Pid()
	require.NoError(t, sess.pty.cmd.Process.Kill())
	require.Eventually(t, func() bool { return !processAlive(pid) }, 2*time.Second, 10*time.Millisecond)

	sess.mu.Lock()
	sess.info.Status = string(StatusRunning)
	sess.mu.Unlock()

	err = sess.SendInput([]byte("hi"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionGone))
	assert.Equal(t, string(StatusExited), sess.Info().Status)
}
