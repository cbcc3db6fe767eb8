package routes

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sessionforge/sessiond/pkg/tunnel"
)

// TunnelRoutes handles the tunnel launcher's start/stop/status endpoints,
// adapted from the teacher's ngrok routes onto the Tunnel Launcher (C9).
type TunnelRoutes struct {
	launcher *tunnel.Launcher
	port     int
}

// NewTunnelRoutes creates a TunnelRoutes handler.
func NewTunnelRoutes(launcher *tunnel.Launcher, port int) *TunnelRoutes {
	return &TunnelRoutes{launcher: launcher, port: port}
}

// RegisterRoutes registers the tunnel endpoints.
func (tr *TunnelRoutes) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/tunnel/start", tr.handleStart).Methods("POST")
	r.HandleFunc("/tunnel/stop", tr.handleStop).Methods("POST")
	r.HandleFunc("/tunnel/status", tr.handleStatus).Methods("GET")
}

func (tr *TunnelRoutes) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AuthToken string `json:"authToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AuthToken == "" {
		writeError(w, http.StatusBadRequest, "authToken is required")
		return
	}

	if tr.launcher.IsRunning() {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "tunnel is already running",
			"tunnel":  tr.launcher.GetStatus(),
		})
		return
	}

	url, err := tr.launcher.Start(req.AuthToken, tr.port)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"url":     url,
		"tunnel":  tr.launcher.GetStatus(),
	})
}

func (tr *TunnelRoutes) handleStop(w http.ResponseWriter, r *http.Request) {
	if !tr.launcher.IsRunning() {
		writeError(w, http.StatusBadRequest, "tunnel is not running")
		return
	}
	if err := tr.launcher.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "tunnel stopped"})
}

func (tr *TunnelRoutes) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"tunnel":  tr.launcher.GetStatus(),
	})
}
