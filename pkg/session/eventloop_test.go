package session

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// TestEventLoopCreation tests basic event loop creation and cleanup
func TestEventLoopCreation(t *testing.T) {
	loop, err := NewEventLoop()
	if err != nil {
		t.Fatalf("Failed to create event loop: %v", err)
	}

	if err := loop.Close(); err != nil {
		t.Errorf("Failed to close event loop: %v", err)
	}
}

// TestEventLoopAddRemove tests adding and removing file descriptors
func TestEventLoopAddRemove(t *testing.T) {
	loop, err := NewEventLoop()
	if err != nil {
		t.Fatalf("Failed to create event loop: %v", err)
	}
	defer loop.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Failed to create pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if err := loop.Add(int(r.Fd()), EventRead, "test-read"); err != nil {
		t.Errorf("Failed to add fd to event loop: %v", err)
	}

	if err := loop.Remove(int(r.Fd())); err != nil {
		t.Errorf("Failed to remove fd from event loop: %v", err)
	}

	// Removing a second time should not error.
	if err := loop.Remove(int(r.Fd())); err != nil {
		t.Logf("Remove non-existent fd error (expected): %v", err)
	}
}

// TestEventLoopReadEvent tests read event notification
func TestEventLoopReadEvent(t *testing.T) {
	loop, err := NewEventLoop()
	if err != nil {
		t.Fatalf("Failed to create event loop: %v", err)
	}
	defer loop.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Failed to create pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		t.Fatalf("Failed to set non-blocking: %v", err)
	}

	if err := loop.Add(int(r.Fd()), EventRead, "test-pipe"); err != nil {
		t.Fatalf("Failed to add fd to event loop: %v", err)
	}

	var eventReceived atomic.Bool
	var eventData string
	testData := []byte("Hello, Event Loop!")

	go func() {
		err := loop.RunOnce(func(event Event) {
			if event.Data.(string) == "test-pipe" && event.Events&EventRead != 0 {
				buf := make([]byte, 100)
				n, err := syscall.Read(event.FD, buf)
				if err == nil && n > 0 {
					eventData = string(buf[:n])
					eventReceived.Store(true)
				}
			}
		}, 1000)

		if err != nil {
			t.Errorf("RunOnce failed: %v", err)
		}
	}()

	time.Sleep(10 * time.Millisecond)

	if _, err := w.Write(testData); err != nil {
		t.Fatalf("Failed to write data: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for !eventReceived.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if !eventReceived.Load() {
		t.Fatal("Read event not received within timeout")
	}

	if eventData != string(testData) {
		t.Errorf("Expected data %q, got %q", string(testData), eventData)
	}
}

// TestEventLoopMultipleEvents tests handling multiple events
func TestEventLoopMultipleEvents(t *testing.T) {
	loop, err := NewEventLoop()
	if err != nil {
		t.Fatalf("Failed to create event loop: %v", err)
	}
	defer loop.Close()

	pipes := make([]struct{ r, w *os.File }, 3)
	for i := range pipes {
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatalf("Failed to create pipe %d: %v", i, err)
		}
		pipes[i].r = r
		pipes[i].w = w
		defer r.Close()
		defer w.Close()

		if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
			t.Fatalf("Failed to set non-blocking: %v", err)
		}

		if err := loop.Add(int(r.Fd()), EventRead, fmt.Sprintf("pipe-%d", i)); err != nil {
			t.Fatalf("Failed to add pipe %d: %v", i, err)
		}
	}

	eventCount := atomic.Int32{}
	var mu sync.Mutex
	receivedData := make(map[string]string)

	done := make(chan bool)
	go func() {
		for i := 0; i < 3; i++ {
			err := loop.RunOnce(func(event Event) {
				if event.Events&EventRead != 0 {
					buf := make([]byte, 100)
					n, err := syscall.Read(event.FD, buf)
					if err == nil && n > 0 {
						mu.Lock()
						receivedData[event.Data.(string)] = string(buf[:n])
						mu.Unlock()
						eventCount.Add(1)
					}
				}
			}, 1000)

			if err != nil {
				t.Errorf("RunOnce failed: %v", err)
			}
		}
		close(done)
	}()

	for i, p := range pipes {
		data := fmt.Sprintf("Data from pipe %d", i)
		if _, err := p.w.Write([]byte(data)); err != nil {
			t.Errorf("Failed to write to pipe %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for events")
	}

	if eventCount.Load() != 3 {
		t.Errorf("Expected 3 events, got %d", eventCount.Load())
	}

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("pipe-%d", i)
		expected := fmt.Sprintf("Data from pipe %d", i)
		if receivedData[key] != expected {
			t.Errorf("Pipe %d: expected %q, got %q", i, expected, receivedData[key])
		}
	}
}

// TestEventLoopStop tests stopping a running event loop
func TestEventLoopStop(t *testing.T) {
	loop, err := NewEventLoop()
	if err != nil {
		t.Fatalf("Failed to create event loop: %v", err)
	}
	defer loop.Close()

	runExited := make(chan bool)

	go func() {
		err := loop.Run(func(event Event) {
			t.Errorf("Unexpected event: %+v", event)
		})

		if err != nil {
			t.Errorf("Run() returned error: %v", err)
		}
		close(runExited)
	}()

	time.Sleep(50 * time.Millisecond)

	if err := loop.Stop(); err != nil {
		t.Errorf("Failed to stop event loop: %v", err)
	}

	select {
	case <-runExited:
	case <-time.After(1 * time.Second):
		t.Fatal("Event loop did not exit after Stop()")
	}
}

// TestEventLoopHangup tests hangup event detection
func TestEventLoopHangup(t *testing.T) {
	loop, err := NewEventLoop()
	if err != nil {
		t.Fatalf("Failed to create event loop: %v", err)
	}
	defer loop.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Failed to create pipe: %v", err)
	}
	defer r.Close()

	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		t.Fatalf("Failed to set non-blocking: %v", err)
	}

	if err := loop.Add(int(r.Fd()), EventRead|EventHup, "test-pipe"); err != nil {
		t.Fatalf("Failed to add fd: %v", err)
	}

	hangupReceived := atomic.Bool{}

	go func() {
		for i := 0; i < 2; i++ {
			loop.RunOnce(func(event Event) {
				if event.Events&EventHup != 0 {
					hangupReceived.Store(true)
				}
			}, 1000)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	w.Close()

	deadline := time.Now().Add(500 * time.Millisecond)
	for !hangupReceived.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if !hangupReceived.Load() {
		t.Fatal("Hangup event not received")
	}
}
