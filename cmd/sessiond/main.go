// Command sessiond is the session daemon: it owns the Session Registry,
// Stream Multiplexer and Tunnel Launcher, and serves the HTTP/SSE Surface,
// all under a Supervisor that restarts the HTTP core on crash or
// sustained health-check failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sessionforge/sessiond/pkg/config"
	"github.com/sessionforge/sessiond/pkg/logging"
	"github.com/sessionforge/sessiond/pkg/secretstore"
	"github.com/sessionforge/sessiond/pkg/server"
	"github.com/sessionforge/sessiond/pkg/session"
	"github.com/sessionforge/sessiond/pkg/stream"
	"github.com/sessionforge/sessiond/pkg/supervisor"
	"github.com/sessionforge/sessiond/pkg/tunnel"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		port       = flag.Int("port", 0, "HTTP listen port (overrides config)")
		staticPath = flag.String("static-path", "", "directory to serve the web UI from")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger := logging.MustNew(*debug)
	defer logger.Sync()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			logger.Fatal("failed to load config file", zap.Error(err))
		}
	}
	cfg.LoadFromEnv()
	if *port != 0 {
		cfg.Port = *port
	}
	if *staticPath != "" {
		cfg.StaticPath = *staticPath
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	secrets, err := secretstore.Open(cfg.ControlDir)
	if err != nil {
		logger.Fatal("failed to open secret store", zap.Error(err))
	}
	if !cfg.HasAuth() {
		apiKey, err := secrets.GetOrGenerate("api_key")
		if err != nil {
			logger.Fatal("failed to provision API key", zap.Error(err))
		}
		cfg.APIKey = apiKey
		logger.Info("using API key from the secret store; set SESSIOND_API_KEY or api_key to supply one instead")
	}

	manager, err := session.NewManager(cfg.ControlDir, logger)
	if err != nil {
		logger.Fatal("failed to create session registry", zap.Error(err))
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
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("sessiond starting", zap.String("addr", addr), zap.String("control_dir", cfg.ControlDir))

	if err := sup.Run(ctx, httpServer.Run); err != nil {
		logger.Error("supervisor exited with error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer shutdownCancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session registry shutdown reported an error", zap.Error(err))
	}
	if launcher != nil && launcher.IsRunning() {
		_ = launcher.Stop()
	}
}
