package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunStopsOnContextCancel(t *testing.T) {
	s := New(zap.NewNop(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunRestartsOnCrash(t *testing.T) {
	s := New(zap.NewNop(), nil, nil)

	var calls int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context) error {
			n := atomic.AddInt32(&calls, 1)
			if n < 3 {
				return assertErr
			}
			<-ctx.Done()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 3
	}, 15*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, s.RestartCount(), 2)
	cancel()
	<-done
}

func TestResetRestartCount(t *testing.T) {
	s := New(zap.NewNop(), nil, nil)
	s.restartCount = 5
	s.ResetRestartCount()
	assert.Equal(t, 0, s.RestartCount())
}

var assertErr = &crashError{"core crashed"}

type crashError struct{ msg string }

func (e *crashError) Error() string { return e.msg }
