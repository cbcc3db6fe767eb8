// Package server implements the HTTP/SSE Surface (C7): the authenticated
// REST API over the Session Registry, Stream Multiplexer, and Tunnel
// Launcher, plus static asset serving for the web UI. Adapted from the
// teacher's pkg/server/app.go, with HQ mode, the remote registry, and the
// WebSocket buffer-aggregation endpoint dropped — out of scope per spec.
package server

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/sessionforge/sessiond/pkg/server/middleware"
	"github.com/sessionforge/sessiond/pkg/server/routes"
	"github.com/sessionforge/sessiond/pkg/session"
	"github.com/sessionforge/sessiond/pkg/stream"
	"github.com/sessionforge/sessiond/pkg/tunnel"
)

// App wires the Session Registry, Stream Multiplexer and Tunnel Launcher
// into an authenticated HTTP surface.
type App struct {
	router         *mux.Router
	sessionManager *session.Manager
	multiplexer    *stream.Multiplexer
	tunnelLauncher *tunnel.Launcher
	authMiddleware *middleware.AuthMiddleware
	config         *Config
}

// Config configures the HTTP surface.
type Config struct {
	SessionManager *session.Manager
	Multiplexer    *stream.Multiplexer
	TunnelLauncher *tunnel.Launcher
	StaticPath     string
	APIKey         string
	Port           int
	DefaultCols    int
	DefaultRows    int
}

// NewApp builds the App and registers its routes.
func NewApp(config *Config) *App {
	app := &App{
		router:         mux.NewRouter(),
		sessionManager: config.SessionManager,
		multiplexer:    config.Multiplexer,
		tunnelLauncher: config.TunnelLauncher,
		authMiddleware: middleware.NewAuthMiddleware(middleware.AuthConfig{APIKey: config.APIKey}),
		config:         config,
	}

	app.configureRoutes()
	return app
}

// configureRoutes registers the health check outside of auth, and every
// other endpoint behind the X-API-Key / Bearer middleware.
func (app *App) configureRoutes() {
	app.router.HandleFunc("/api/health", app.handleHealth).Methods("GET")

	apiRouter := app.router.PathPrefix("/api").Subrouter()
	apiRouter.Use(app.authMiddleware.Authenticate)

	sessionRoutes := routes.NewSessionRoutes(&routes.SessionRoutesConfig{
		SessionManager: app.sessionManager,
		Multiplexer:    app.multiplexer,
		DefaultCols:    app.config.DefaultCols,
		DefaultRows:    app.config.DefaultRows,
	})
	sessionRoutes.RegisterRoutes(apiRouter)

	filesystemRoutes := routes.NewFilesystemRoutes()
	filesystemRoutes.RegisterRoutes(apiRouter)

	if app.tunnelLauncher != nil {
		tunnelRoutes := routes.NewTunnelRoutes(app.tunnelLauncher, app.config.Port)
		tunnelRoutes.RegisterRoutes(apiRouter)
	}

	if app.config.StaticPath != "" {
		app.router.PathPrefix("/").HandlerFunc(app.serveStaticWithIndex)
	}
}

// Handler returns the application's http.Handler.
func (app *App) Handler() http.Handler {
	return app.router
}

func (app *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// serveStaticWithIndex serves the web UI, falling back to index.html for
// client-side routed paths (SPA fallback).
func (app *App) serveStaticWithIndex(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" {
		path = "/index.html"
	}

	if f, err := http.Dir(app.config.StaticPath).Open(path); err == nil {
		stat, _ := f.Stat()
		isDir := stat != nil && stat.IsDir()
		f.Close()
		if isDir {
			indexPath := filepath.Join(path, "index.html")
			if idx, err := http.Dir(app.config.StaticPath).Open(indexPath); err == nil {
				idx.Close()
				http.ServeFile(w, r, filepath.Join(app.config.StaticPath, indexPath))
				return
			}
		}
	}

	fileServer := http.FileServer(http.Dir(app.config.StaticPath))
	if _, err := http.Dir(app.config.StaticPath).Open(path); err != nil {
		r.URL.Path = "/index.html"
	}
	fileServer.ServeHTTP(w, r)
}
