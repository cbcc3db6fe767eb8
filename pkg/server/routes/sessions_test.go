package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sessionforge/sessiond/pkg/session"
	"github.com/sessionforge/sessiond/pkg/stream"
)

func newTestRouter(t *testing.T) (*mux.Router, *session.Manager) {
	t.Helper()
	controlPath := t.TempDir()
	manager, err := session.NewManager(controlPath, zap.NewNop())
	require.NoError(t, err)

	sizeLookup := func(id string) (int, int, bool) {
		sess, err := manager.Get(id)
		if err != nil {
			return 0, 0, false
		}
		info := sess.Info()
		return info.Width, info.Height, true
	}
	multiplexer := stream.NewMultiplexer(controlPath, zap.NewNop(), sizeLookup)

	r := mux.NewRouter()
	NewSessionRoutes(&SessionRoutesConfig{
		SessionManager: manager,
		Multiplexer:    multiplexer,
		DefaultCols:    80,
		DefaultRows:    24,
	}).RegisterRoutes(r)
	return r, manager
}

func TestCreateAndGetSession(t *testing.T) {
	r, _ := newTestRouter(t)

	body := `{"command":["echo","hello"]}`
	req := httptest.NewRequest("POST", "/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created APISessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	getReq := httptest.NewRequest("GET", "/sessions/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)
}

func TestListSessionsEmpty(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest("GET", "/sessions", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestGetUnknownSessionReturns404(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest("GET", "/sessions/does-not-exist", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSessionRequiresCommand(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest("POST", "/sessions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInputRejectsEmptyText(t *testing.T) {
	r, _ := newTestRouter(t)

	body := `{"command":["cat"]}`
	req := httptest.NewRequest("POST", "/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created APISessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	inputReq := httptest.NewRequest("POST", "/sessions/"+created.ID+"/input", strings.NewReader(`{"text":""}`))
	inputRec := httptest.NewRecorder()
	r.ServeHTTP(inputRec, inputReq)
	assert.Equal(t, http.StatusBadRequest, inputRec.Code)
}

// TestInputToExitedSessionReturnsBadRequest covers the common case where
// the registry has already reconciled status to "exited" by the time input
// arrives. The narrower race — status still "running" while the process
// has actually died — is covered at the session-package level by
// TestSendInputDetectsGoneProcess, since reliably reproducing it through
// the HTTP layer would require controlling process-reap timing.
func TestInputToExitedSessionReturnsBadRequest(t *testing.T) {
	r, manager := newTestRouter(t)

	body := `{"command":["true"]}`
	req := httptest.NewRequest("POST", "/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created APISessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	sess, err := manager.Get(created.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !sess.IsAlive() }, 2*time.Second, 10*time.Millisecond)

	inputReq := httptest.NewRequest("POST", "/sessions/"+created.ID+"/input", strings.NewReader(`{"text":"hello"}`))
	inputRec := httptest.NewRecorder()
	r.ServeHTTP(inputRec, inputReq)
	assert.Equal(t, http.StatusBadRequest, inputRec.Code)
}

func TestKillSessionWaitsForExit(t *testing.T) {
	r, manager := newTestRouter(t)

	body := `{"command":["sleep","30"]}`
	req := httptest.NewRequest("POST", "/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created APISessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	killReq := httptest.NewRequest("DELETE", "/sessions/"+created.ID, nil)
	killRec := httptest.NewRecorder()
	r.ServeHTTP(killRec, killReq)
	assert.Equal(t, http.StatusNoContent, killRec.Code)

	sess, err := manager.Get(created.ID)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.False(t, sess.IsAlive())
}
