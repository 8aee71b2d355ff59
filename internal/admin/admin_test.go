package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/relaypilot/aistudio-proxy/internal/browser"
	"github.com/relaypilot/aistudio-proxy/internal/multiplexer"
	"github.com/relaypilot/aistudio-proxy/internal/relay"
	"github.com/relaypilot/aistudio-proxy/internal/rotation"
	"github.com/relaypilot/aistudio-proxy/internal/settings"
	"github.com/relaypilot/aistudio-proxy/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-1.json"), []byte(`{}`), 0o600))
	st, err := store.New(dir)
	require.NoError(t, err)

	mux := multiplexer.New()
	ch := relay.New(mux.Deliver, func() { mux.CloseAll(multiplexer.ErrConnectionLost) })
	rc := rotation.New(rotation.Thresholds{}, st, browser.NullSession{}, 1)
	se := settings.New(settings.Real, false, false, false, 0)

	a, err := New(rc, se, ch, st, "hunter2")
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	a.RegisterRoutes(r.Group("/admin"))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, srv *httptest.Server, password string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Password: password})
	resp, err := http.Post(srv.URL+"/admin/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv := newTestServer(t)
	resp := login(t, srv, "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginGrantsSessionCookie(t *testing.T) {
	srv := newTestServer(t)
	resp := login(t, srv, "hunter2")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName && c.Value != "" {
			found = true
		}
	}
	require.True(t, found, "expected a session cookie to be set")
}

func TestStatusRequiresSession(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/admin/api/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatusReturnsStateAfterLogin(t *testing.T) {
	srv := newTestServer(t)
	loginResp := login(t, srv, "hunter2")

	client := srv.Client()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/admin/api/status", nil)
	require.NoError(t, err)
	for _, c := range loginResp.Cookies() {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "real", payload["streamingMode"])
	require.Equal(t, false, payload["browserConnected"])
}

func TestSessionStoreValidAndRevoke(t *testing.T) {
	s := NewSessionStore()
	token := s.Create()
	require.True(t, s.Valid(token))
	s.Revoke(token)
	require.False(t, s.Valid(token))
	require.False(t, s.Valid("never-issued"))
}
