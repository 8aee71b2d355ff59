package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/relaypilot/aistudio-proxy/internal/browser"
	"github.com/relaypilot/aistudio-proxy/internal/multiplexer"
	"github.com/relaypilot/aistudio-proxy/internal/pipeline"
	"github.com/relaypilot/aistudio-proxy/internal/relay"
	"github.com/relaypilot/aistudio-proxy/internal/rotation"
	"github.com/relaypilot/aistudio-proxy/internal/settings"
	"github.com/relaypilot/aistudio-proxy/internal/store"
)

type testRig struct {
	srv     *httptest.Server
	relayWS *websocket.Conn
}

func newTestRig(t *testing.T, apiKeys []string) *testRig {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-1.json"), []byte(`{}`), 0o600))
	st, err := store.New(dir)
	require.NoError(t, err)

	mux := multiplexer.New()
	ch := relay.New(mux.Deliver, func() { mux.CloseAll(multiplexer.ErrConnectionLost) })
	rc := rotation.New(rotation.Thresholds{}, st, browser.NullSession{}, 1)
	se := settings.New(settings.Real, false, false, false, 0)
	p := pipeline.New(ch, mux, rc, browser.NullSession{}, se)

	relaySrv := httptest.NewServer(http.HandlerFunc(ch.ServeHTTP))
	t.Cleanup(relaySrv.Close)
	wsURL := "ws" + relaySrv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, ch.IsConnected, time.Second, 10*time.Millisecond)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(p, se, apiKeys).RegisterRoutes(r)

	apiSrv := httptest.NewServer(r)
	t.Cleanup(apiSrv.Close)
	return &testRig{srv: apiSrv, relayWS: conn}
}

func (rig *testRig) readRelayRequest(t *testing.T) relay.Request {
	t.Helper()
	var req relay.Request
	require.NoError(t, rig.relayWS.ReadJSON(&req))
	return req
}

func TestMissingAPIKeyRejected(t *testing.T) {
	rig := newTestRig(t, []string{"secret"})
	resp, err := http.Get(rig.srv.URL + "/v1/models")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPassthroughForwardsToRelayWithValidKey(t *testing.T) {
	rig := newTestRig(t, []string{"secret"})

	done := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, rig.srv.URL+"/v1beta/models/gemini-pro", nil)
		req.Header.Set("x-goog-api-key", "secret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		done <- resp
	}()

	relayReq := rig.readRelayRequest(t)
	require.Equal(t, "GET", relayReq.Method)
	require.NoError(t, rig.relayWS.WriteJSON(relay.Event{EventType: relay.EventResponseHeaders, RequestID: relayReq.RequestID, Status: 200}))
	require.NoError(t, rig.relayWS.WriteJSON(relay.Event{EventType: relay.EventChunk, RequestID: relayReq.RequestID, Data: `{"ok":true}`}))
	require.NoError(t, rig.relayWS.WriteJSON(relay.Event{EventType: relay.EventStreamClose, RequestID: relayReq.RequestID}))

	select {
	case resp := <-done:
		require.Equal(t, http.StatusOK, resp.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("passthrough request did not complete")
	}
}

func TestChatCompletionsTranslatesAndForwards(t *testing.T) {
	rig := newTestRig(t, nil)

	body := strings.NewReader(`{"model":"gemini-pro","messages":[{"role":"user","content":"hi"}]}`)
	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(rig.srv.URL+"/v1/chat/completions", "application/json", body)
		require.NoError(t, err)
		done <- resp
	}()

	relayReq := rig.readRelayRequest(t)
	require.Contains(t, relayReq.Path, ":generateContent")
	require.NoError(t, rig.relayWS.WriteJSON(relay.Event{EventType: relay.EventResponseHeaders, RequestID: relayReq.RequestID, Status: 200}))
	require.NoError(t, rig.relayWS.WriteJSON(relay.Event{EventType: relay.EventChunk, RequestID: relayReq.RequestID,
		Data: `{"candidates":[{"content":{"parts":[{"text":"hello"}]}}]}`}))
	require.NoError(t, rig.relayWS.WriteJSON(relay.Event{EventType: relay.EventStreamClose, RequestID: relayReq.RequestID}))

	select {
	case resp := <-done:
		require.Equal(t, http.StatusOK, resp.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("chat completion request did not complete")
	}
}
