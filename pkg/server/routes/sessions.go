// Package routes implements the HTTP/SSE Surface's endpoint handlers,
// adapted from the teacher's pkg/server/routes — with every HQ-mode /
// remote-forwarding branch stripped, since federation across multiple
// sessiond instances is out of scope.
package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sessionforge/sessiond/pkg/recording"
	"github.com/sessionforge/sessiond/pkg/session"
	"github.com/sessionforge/sessiond/pkg/stream"
)

// SessionRoutesConfig contains the session routes' dependencies.
type SessionRoutesConfig struct {
	SessionManager *session.Manager
	Multiplexer    *stream.Multiplexer
	DefaultCols    int
	DefaultRows    int
}

// SessionRoutes handles every /api/sessions* endpoint.
type SessionRoutes struct {
	config *SessionRoutesConfig
}

// NewSessionRoutes creates a SessionRoutes handler.
func NewSessionRoutes(config *SessionRoutesConfig) *SessionRoutes {
	return &SessionRoutes{config: config}
}

// RegisterRoutes registers the session endpoint table from spec.
func (sr *SessionRoutes) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sessions", sr.handleListSessions).Methods("GET")
	r.HandleFunc("/sessions", sr.handleCreateSession).Methods("POST")
	r.HandleFunc("/sessions/{id}", sr.handleGetSession).Methods("GET")
	r.HandleFunc("/sessions/{id}", sr.handleKillSession).Methods("DELETE")
	r.HandleFunc("/sessions/{id}/cleanup", sr.handleCleanupSession).Methods("DELETE", "POST")
	r.HandleFunc("/sessions/{id}/stream", sr.handleStreamSession).Methods("GET")
	r.HandleFunc("/sessions/{id}/snapshot", sr.handleSnapshotSession).Methods("GET")
	r.HandleFunc("/sessions/{id}/cast", sr.handleExportCast).Methods("GET")
	r.HandleFunc("/sessions/{id}/input", sr.handleSendInput).Methods("POST")
	r.HandleFunc("/sessions/{id}/resize", sr.handleResizeSession).Methods("POST")
	r.HandleFunc("/cleanup-exited", sr.handleCleanupExited).Methods("POST")
}

// APISessionInfo is a session's wire representation.
type APISessionInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Command    string `json:"command"`
	WorkingDir string `json:"workingDir"`
	Term       string `json:"term"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Pid        int    `json:"pid,omitempty"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	StartedAt  string `json:"startedAt"`
}

func toAPISessionInfo(info session.Info) APISessionInfo {
	return APISessionInfo{
		ID:         info.ID,
		Name:       info.Name,
		Command:    info.Cmdline,
		WorkingDir: info.Cwd,
		Term:       info.Term,
		Width:      info.Width,
		Height:     info.Height,
		Pid:        info.Pid,
		Status:     info.Status,
		ExitCode:   info.ExitCode,
		StartedAt:  info.StartedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (sr *SessionRoutes) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := sr.config.SessionManager.List()
	out := make([]APISessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toAPISessionInfo(s.Info()))
	}
	writeJSON(w, http.StatusOK, out)
}

func (sr *SessionRoutes) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string   `json:"name"`
		Command []string `json:"command"`
		Cwd     string   `json:"cwd"`
		Term    string   `json:"term"`
		Cols    int      `json:"cols"`
		Rows    int      `json:"rows"`
		Env     []string `json:"env"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Command) == 0 {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = sr.config.DefaultCols
	}
	if rows == 0 {
		rows = sr.config.DefaultRows
	}

	sess, err := sr.config.SessionManager.Create(session.CreateOptions{
		Name:   req.Name,
		Args:   req.Command,
		Cwd:    req.Cwd,
		Env:    req.Env,
		Term:   req.Term,
		Width:  cols,
		Height: rows,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toAPISessionInfo(sess.Info()))
}

func (sr *SessionRoutes) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := sr.config.SessionManager.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, toAPISessionInfo(sess.Info()))
}

func (sr *SessionRoutes) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := sr.config.SessionManager.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := sess.Kill(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (sr *SessionRoutes) handleCleanupSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := sr.config.SessionManager.Cleanup(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (sr *SessionRoutes) handleCleanupExited(w http.ResponseWriter, r *http.Request) {
	count, err := sr.config.SessionManager.CleanupExited()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleaned": count})
}

// handleStreamSession serves the Stream Multiplexer's SSE contract: header,
// then backlog, then live events, terminated by an exit event or client
// disconnect.
func (sr *SessionRoutes) handleStreamSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := sr.config.SessionManager.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := sr.config.Multiplexer.Subscribe(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sr.config.Multiplexer.Unsubscribe(id, sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done:
			return
		case frame, ok := <-sub.Ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (sr *SessionRoutes) handleSnapshotSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := sr.config.SessionManager.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	data, err := recording.Snapshot(sess.StreamOutPath())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleExportCast exports the session's full recording as a standalone,
// replayable asciicast file.
func (sr *SessionRoutes) handleExportCast(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := sr.config.SessionManager.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	duration := 0.0
	if d := r.URL.Query().Get("duration"); d != "" {
		if parsed, err := strconv.ParseFloat(d, 64); err == nil {
			duration = parsed
		}
	}

	data, err := recording.Export(sess.StreamOutPath(), duration)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-asciicast")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.cast"`, id))
	w.Write(data)
}

// specialKeys maps named control keys to the ANSI escape sequences the PTY
// expects, the same mapping the teacher's handleSendInput uses.
var specialKeys = map[string]string{
	"arrow_up":    "\x1b[A",
	"arrow_down":  "\x1b[B",
	"arrow_right": "\x1b[C",
	"arrow_left":  "\x1b[D",
	"escape":      "\x1b",
	"enter":       "\r",
	"ctrl_enter":  "\r",
	"shift_enter": "\x1b\x0d",
}

func (sr *SessionRoutes) handleSendInput(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := sr.config.SessionManager.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req struct {
		Input string `json:"input"`
		Text  string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	input := req.Input
	if input == "" && req.Text != "" {
		input = req.Text
	}
	if input == "" {
		writeError(w, http.StatusBadRequest, "missing text")
		return
	}

	payload := input
	if mapped, ok := specialKeys[input]; ok {
		payload = mapped
	}

	if err := sess.SendInput([]byte(payload)); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionGone):
			writeError(w, http.StatusGone, "Session process has died")
		case errors.Is(err, session.ErrSessionNotRunning):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (sr *SessionRoutes) handleResizeSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := sr.config.SessionManager.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}

	if err := sess.Resize(req.Cols, req.Rows); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
