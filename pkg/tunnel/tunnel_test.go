package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewLauncherNotRunning(t *testing.T) {
	l := NewLauncher(zap.NewNop())
	assert.False(t, l.IsRunning())
	assert.False(t, l.GetStatus().Running)
}

func TestStartRequiresAuthtoken(t *testing.T) {
	l := NewLauncher(zap.NewNop())
	_, err := l.Start("", 8080)
	assert.Error(t, err)
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	l := NewLauncher(zap.NewNop())
	assert.NoError(t, l.Stop())
}
