// Package tunnel implements the Tunnel Launcher (C9): a public ingress
// point for the session HTTP surface. Unlike spec.md's literal prose
// (spawn a tunnel binary, scrape its stdout for a URL), this wraps
// golang.ngrok.com/ngrok's in-process SDK directly, the same mechanism
// the teacher project's ngrok route layer is built against — no
// subprocess, no log scraping, but the same start/stop/status contract.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

// discoveryTimeout bounds how long Start waits for ngrok to hand back a
// listener and public URL, matching the external-tunnel-binary contract's
// "discovery timeout" requirement even though there's no stdout to scrape
// here.
const discoveryTimeout = 10 * time.Second

// Status is the Tunnel Launcher's externally visible state.
type Status struct {
	Running   bool      `json:"running"`
	URL       string    `json:"url,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// Launcher owns at most one active tunnel at a time.
type Launcher struct {
	logger *zap.Logger

	mu        sync.Mutex
	listener  ngrok.Tunnel
	localPort int
	url       string
	startedAt time.Time
	cancel    context.CancelFunc
}

// NewLauncher creates a Launcher. logger may be nil.
func NewLauncher(logger *zap.Logger) *Launcher {
	return &Launcher{logger: logger}
}

// Start brings up a tunnel forwarding to 127.0.0.1:localPort, authenticated
// with authtoken. It blocks until the tunnel is established (or
// discoveryTimeout elapses) and returns the public URL.
func (l *Launcher) Start(authtoken string, localPort int) (string, error) {
	l.mu.Lock()
	if l.listener != nil {
		url := l.url
		l.mu.Unlock()
		return url, nil
	}
	l.mu.Unlock()

	if authtoken == "" {
		return "", fmt.Errorf("ngrok authtoken is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()

	ln, err := ngrok.Listen(ctx,
		config.HTTPEndpoint(),
		ngrok.WithAuthtoken(authtoken),
	)
	if err != nil {
		return "", fmt.Errorf("establish ngrok tunnel: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.listener = ln
	l.localPort = localPort
	l.url = ln.URL()
	l.startedAt = time.Now()
	l.cancel = runCancel
	url := l.url
	l.mu.Unlock()

	go l.acceptLoop(runCtx, ln, localPort)

	return url, nil
}

// acceptLoop forwards every accepted tunnel connection to the local HTTP
// server via a raw TCP proxy, since the ngrok listener itself isn't
// wired to an in-process http.Handler.
func (l *Launcher) acceptLoop(ctx context.Context, ln ngrok.Tunnel, localPort int) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if l.logger != nil {
				l.logger.Warn("tunnel accept failed", zap.Error(err))
			}
			return
		}
		go proxyToLocal(conn, localPort, l.logger)
	}
}

func proxyToLocal(remote net.Conn, localPort int, logger *zap.Logger) {
	defer remote.Close()

	local, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		if logger != nil {
			logger.Warn("tunnel proxy dial failed", zap.Error(err))
		}
		return
	}
	defer local.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(local, remote)
	}()
	go func() {
		defer wg.Done()
		io.Copy(remote, local)
	}()
	wg.Wait()
}

// Stop tears down the active tunnel. It is a no-op if none is running.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener == nil {
		return nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	err := l.listener.Close()
	l.listener = nil
	l.url = ""
	l.startedAt = time.Time{}
	return err
}

// IsRunning reports whether a tunnel is currently active.
func (l *Launcher) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listener != nil
}

// GetStatus returns the tunnel's current status.
func (l *Launcher) GetStatus() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Running:   l.listener != nil,
		URL:       l.url,
		StartedAt: l.startedAt,
	}
}
