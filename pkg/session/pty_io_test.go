package session

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

// TestPTYRun verifies that a PTY-backed command runs to completion over the
// epoll/kqueue event loop and that its output lands in the recording.
func TestPTYRun(t *testing.T) {
	tmpDir := t.TempDir()

	sess := &Session{
		ID:          "test-session",
		controlPath: tmpDir,
		info: &Info{
			ID:      "test-session",
			Name:    "test",
			Cmdline: "echo",
			Args:    []string{"echo", "Hello from PTY"},
			Cwd:     tmpDir,
			Status:  "running",
			Term:    "xterm",
			Width:   80,
			Height:  24,
		},
	}

	if err := os.MkdirAll(sess.Path(), 0755); err != nil {
		t.Fatalf("Failed to create session dir: %v", err)
	}
	if err := syscall.Mkfifo(sess.StdinPath(), 0600); err != nil {
		t.Fatalf("Failed to create stdin pipe: %v", err)
	}

	p, err := NewPTY(sess)
	if err != nil {
		t.Fatalf("Failed to create PTY: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run() }()

	select {
	case err := <-done:
		if err != nil && !strings.Contains(err.Error(), "signal:") {
			t.Errorf("PTY.Run() failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PTY.Run() timeout")
	}

	streamOut := filepath.Join(sess.Path(), "stream-out")
	data, err := os.ReadFile(streamOut)
	if err != nil {
		t.Fatalf("Failed to read stream-out: %v", err)
	}

	if !strings.Contains(string(data), "Hello from PTY") {
		t.Errorf("Expected output to contain 'Hello from PTY', got: %s", data)
	}

	if sess.info.Status != "exited" {
		t.Errorf("Expected status 'exited', got: %s", sess.info.Status)
	}
}

// TestPTYInputEcho verifies input written to the session's stdin FIFO reaches
// the child process and is captured in the recording.
func TestPTYInputEcho(t *testing.T) {
	tmpDir := t.TempDir()

	sess := &Session{
		ID:          "test-input-session",
		controlPath: tmpDir,
		info: &Info{
			ID:      "test-input-session",
			Name:    "test-input",
			Cmdline: "cat",
			Args:    []string{"cat"},
			Cwd:     tmpDir,
			Status:  "created",
			Term:    "xterm",
			Width:   80,
			Height:  24,
		},
	}

	if err := os.MkdirAll(sess.Path(), 0755); err != nil {
		t.Fatalf("Failed to create session dir: %v", err)
	}
	if err := syscall.Mkfifo(sess.StdinPath(), 0600); err != nil {
		t.Fatalf("Failed to create stdin pipe: %v", err)
	}

	p, err := NewPTY(sess)
	if err != nil {
		t.Fatalf("Failed to create PTY: %v", err)
	}

	ptyClosed := make(chan error, 1)
	go func() { ptyClosed <- p.Run() }()

	time.Sleep(100 * time.Millisecond)

	stdinPipe, err := os.OpenFile(sess.StdinPath(), os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("Failed to open stdin pipe: %v", err)
	}

	testInput := "Hello Event Loop!\n"
	if _, err := stdinPipe.Write([]byte(testInput)); err != nil {
		t.Errorf("Failed to write to stdin: %v", err)
	}

	stdinPipe.Write([]byte{4}) // Ctrl+D
	stdinPipe.Close()

	select {
	case <-ptyClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("PTY didn't exit after EOF")
	}

	streamOut := filepath.Join(sess.Path(), "stream-out")
	data, err := os.ReadFile(streamOut)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}

	var output string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, `"o"`) && strings.Contains(line, strings.TrimSpace(testInput)) {
			output += testInput
		}
	}

	if !strings.Contains(output, strings.TrimSpace(testInput)) {
		t.Errorf("Expected output to contain %q, got: %s", testInput, output)
	}
}

// TestPTYResize verifies a resize during the run doesn't error. Whether the
// child saw SIGWINCH is only logged, not asserted.
func TestPTYResize(t *testing.T) {
	tmpDir := t.TempDir()

	sess := &Session{
		ID:          "resize-test",
		controlPath: tmpDir,
		info: &Info{
			ID:      "resize-test",
			Name:    "resize-test",
			Cmdline: "bash",
			Args:    []string{"bash", "-c", "trap 'echo COLUMNS=$COLUMNS LINES=$LINES' WINCH; sleep 2"},
			Cwd:     tmpDir,
			Status:  "created",
			Term:    "xterm",
			Width:   80,
			Height:  24,
		},
	}

	if err := os.MkdirAll(sess.Path(), 0755); err != nil {
		t.Fatalf("Failed to create session dir: %v", err)
	}
	if err := syscall.Mkfifo(sess.StdinPath(), 0600); err != nil {
		t.Fatalf("Failed to create stdin pipe: %v", err)
	}

	p, err := NewPTY(sess)
	if err != nil {
		t.Fatalf("Failed to create PTY: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run() }()

	time.Sleep(200 * time.Millisecond)

	if err := p.Resize(120, 40); err != nil {
		t.Errorf("Failed to resize PTY: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("PTY didn't exit")
	}

	streamOut := filepath.Join(sess.Path(), "stream-out")
	if data, err := os.ReadFile(streamOut); err == nil {
		if strings.Contains(string(data), "COLUMNS=120 LINES=40") {
			t.Log("Resize event was properly handled")
		} else {
			t.Log("Resize event may not have been triggered (bash-specific test)")
		}
	}
}
