// Command sessionctl is the CLI surface over a running sessiond's control
// directory: list, create, attach to, send input to, and clean up
// sessions, plus a --serve mode that runs the HTTP/SSE Surface directly
// (equivalent to cmd/sessiond, useful for single-binary deployments).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/sessionforge/sessiond/pkg/config"
	"github.com/sessionforge/sessiond/pkg/logging"
	"github.com/sessionforge/sessiond/pkg/secretstore"
	"github.com/sessionforge/sessiond/pkg/server"
	"github.com/sessionforge/sessiond/pkg/session"
	"github.com/sessionforge/sessiond/pkg/stream"
	"github.com/sessionforge/sessiond/pkg/supervisor"
	"github.com/sessionforge/sessiond/pkg/tunnel"
)

var (
	controlPath string
	sessionName string
	termName    string
	sendText    string
	sendKey     string
	listFlag    bool
	cleanupFlag bool
	serveFlag   bool
	staticPath  string
	port        int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sessionctl [flags] [-- command args...]",
	Short: "Control and inspect sessiond sessions from the command line",
	Long: `sessionctl drives a sessiond control directory directly: list
sessions, create one and attach interactively, send text or a named key to
an existing session, clean up exited sessions, or run the HTTP surface
in the foreground.

Examples:
  sessionctl --list-sessions
  sessionctl --session-name shell -- bash -l
  sessionctl --send-text "ls -la\n" <session-id>
  sessionctl --cleanup
  sessionctl --serve --static-path ./web/dist`,
	RunE: run,
}

func init() {
	home, _ := os.UserHomeDir()
	defaultControl := filepath.Join(home, ".sessiond", "control")

	rootCmd.Flags().StringVar(&controlPath, "control-path", defaultControl, "control root directory")
	rootCmd.Flags().StringVar(&sessionName, "session-name", "", "name for a newly created session")
	rootCmd.Flags().StringVar(&termName, "term", os.Getenv("TERM"), "TERM value for a newly created session")
	rootCmd.Flags().StringVar(&sendText, "send-text", "", "send literal text to the session named by the first positional arg")
	rootCmd.Flags().StringVar(&sendKey, "send-key", "", "send a named key (arrow_up, enter, escape, ...) to the session named by the first positional arg")
	rootCmd.Flags().BoolVar(&listFlag, "list-sessions", false, "list known sessions and exit")
	rootCmd.Flags().BoolVar(&cleanupFlag, "cleanup", false, "remove every exited session and exit")
	rootCmd.Flags().BoolVar(&serveFlag, "serve", false, "run the HTTP/SSE surface in the foreground")
	rootCmd.Flags().StringVar(&staticPath, "static-path", "", "web UI directory (with --serve)")
	rootCmd.Flags().IntVar(&port, "port", 4020, "HTTP listen port (with --serve)")
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.MustNew(false)
	defer logger.Sync()

	manager, err := session.NewManager(controlPath, logger)
	if err != nil {
		return fmt.Errorf("open session registry: %w", err)
	}

	switch {
	case serveFlag:
		return runServe(manager, logger)
	case listFlag:
		return runList(manager)
	case cleanupFlag:
		return runCleanup(manager)
	case sendText != "" || sendKey != "":
		if len(args) == 0 {
			return fmt.Errorf("a session id is required")
		}
		return runSend(manager, args[0], sendText, sendKey)
	case len(args) > 0:
		return runAttach(manager, args)
	default:
		return cmd.Help()
	}
}

func runServe(manager *session.Manager, logger *zap.Logger) error {
	cfg := config.DefaultConfig()
	cfg.Port = port
	cfg.StaticPath = staticPath
	cfg.ControlDir = controlPath
	cfg.LoadFromEnv()

	secrets, err := secretstore.Open(cfg.ControlDir)
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}
	if !cfg.HasAuth() {
		apiKey, err := secrets.GetOrGenerate("api_key")
		if err != nil {
			return fmt.Errorf("provision API key: %w", err)
		}
		cfg.APIKey = apiKey
	}

	sizeLookup := func(sessionID string) (int, int, bool) {
		sess, err := manager.Get(sessionID)
		if err != nil {
			return 0, 0, false
		}
		info := sess.Info()
		return info.Width, info.Height, true
	}
	multiplexer := stream.NewMultiplexer(cfg.ControlDir, logger, sizeLookup)

	var launcher *tunnel.Launcher
	if cfg.TunnelEnabled {
		launcher = tunnel.NewLauncher(logger)
	}

	app := server.NewApp(&server.Config{
		SessionManager: manager,
		Multiplexer:    multiplexer,
		TunnelLauncher: launcher,
		StaticPath:     cfg.StaticPath,
		APIKey:         cfg.APIKey,
		Port:           cfg.Port,
		DefaultCols:    cfg.DefaultCols,
		DefaultRows:    cfg.DefaultRows,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := server.NewServer(app, addr, logger)
	sup := supervisor.New(logger, httpServer.HealthProbe, func() (int, error) {
		return manager.CleanupExited()
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Printf("serving on %s (API key: %s)\n", addr, cfg.APIKey)
	return sup.Run(ctx, httpServer.Run)
}

func runList(manager *session.Manager) error {
	for _, sess := range manager.List() {
		info := sess.Info()
		exitCode := "-"
		if info.ExitCode != nil {
			exitCode = fmt.Sprintf("%d", *info.ExitCode)
		}
		fmt.Printf("%s\t%-10s\t%-8s\t%s\n", info.ID, info.Status, exitCode, info.Cmdline)
	}
	return nil
}

func runCleanup(manager *session.Manager) error {
	count, err := manager.CleanupExited()
	if err != nil {
		return err
	}
	fmt.Printf("removed %d exited session(s)\n", count)
	return nil
}

func runSend(manager *session.Manager, id, text, key string) error {
	sess, err := manager.Get(id)
	if err != nil {
		return err
	}

	payload := text
	if key != "" {
		mapped, ok := namedKeys[key]
		if !ok {
			return fmt.Errorf("unknown key %q", key)
		}
		payload = mapped
	}
	return sess.SendInput([]byte(payload))
}

var namedKeys = map[string]string{
	"arrow_up":    "\x1b[A",
	"arrow_down":  "\x1b[B",
	"arrow_right": "\x1b[C",
	"arrow_left":  "\x1b[D",
	"escape":      "\x1b",
	"enter":       "\r",
	"ctrl_enter":  "\r",
	"shift_enter": "\x1b\x0d",
}

// runAttach creates a new session running args and forwards the
// controlling terminal's stdin/stdout to it until it exits or sessionctl
// receives SIGINT/SIGTERM. When stdin is a terminal it is put in raw mode,
// so Ctrl-C is forwarded to the session as input rather than raising SIGINT.
func runAttach(manager *session.Manager, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	cols, rows := terminalSize()

	name := sessionName
	if name == "" {
		name = fmt.Sprintf("sessionctl_%s_%d", filepath.Base(args[0]), time.Now().Unix())
	}

	sess, err := manager.Create(session.CreateOptions{
		Name:   name,
		Args:   args,
		Cwd:    cwd,
		Term:   termName,
		Width:  cols,
		Height: rows,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	info := sess.Info()
	fmt.Fprintf(os.Stderr, "session %s started (pid %d)\n", info.ID, info.Pid)

	var oldState *term.State
	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err = term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	done := make(chan error, 1)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if err := sess.SendInput(buf[:n]); err != nil {
					done <- err
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					done <- err
				}
				return
			}
		}
	}()

	go func() {
		done <- streamToStdout(sess.StreamOutPath())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Fprintf(os.Stderr, "\ndetaching; session %s left running\n", info.ID)
		return nil
	case err := <-done:
		return err
	}
}

func terminalSize() (int, int) {
	cols, rows := 80, 24
	if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			cols, rows = w, h
		}
	}
	return cols, rows
}

// streamToStdout tails a session's asciicast recording, writing each "o"
// event's text to stdout until an "exit" event ends the stream.
func streamToStdout(streamPath string) error {
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(streamPath); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	f, err := os.Open(streamPath)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	// Skip the header line.
	if _, err := reader.ReadString('\n'); err != nil && err != io.EOF {
		return err
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw []json.RawMessage
		if err := json.Unmarshal([]byte(line), &raw); err != nil || len(raw) != 3 {
			continue
		}

		var literalExit string
		if json.Unmarshal(raw[0], &literalExit) == nil && literalExit == "exit" {
			return nil
		}

		var kind string
		if err := json.Unmarshal(raw[1], &kind); err != nil {
			continue
		}

		switch kind {
		case "o":
			var text string
			if json.Unmarshal(raw[2], &text) == nil {
				os.Stdout.WriteString(text)
			}
		case "exit":
			return nil
		}
	}
}
