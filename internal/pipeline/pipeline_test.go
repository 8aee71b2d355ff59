package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/relaypilot/aistudio-proxy/internal/browser"
	"github.com/relaypilot/aistudio-proxy/internal/multiplexer"
	"github.com/relaypilot/aistudio-proxy/internal/relay"
	"github.com/relaypilot/aistudio-proxy/internal/rotation"
	"github.com/relaypilot/aistudio-proxy/internal/settings"
	"github.com/relaypilot/aistudio-proxy/internal/store"
)

type testRig struct {
	pipeline *Pipeline
	relayWS  *websocket.Conn
}

func newTestRig(t *testing.T, mode settings.StreamingMode) *testRig {
	return newTestRigWithThresholds(t, mode, rotation.Thresholds{})
}

func newTestRigWithThresholds(t *testing.T, mode settings.StreamingMode, thresholds rotation.Thresholds) *testRig {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-1.json"), []byte(`{}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-2.json"), []byte(`{}`), 0o600))
	st, err := store.New(dir)
	require.NoError(t, err)

	mux := multiplexer.New()
	ch := relay.New(mux.Deliver, func() { mux.CloseAll(multiplexer.ErrConnectionLost) })
	rc := rotation.New(thresholds, st, browser.NullSession{}, 1)
	se := settings.New(mode, false, false, false, 0)
	p := New(ch, mux, rc, browser.NullSession{}, se)

	srv := httptest.NewServer(http.HandlerFunc(ch.ServeHTTP))
	t.Cleanup(srv.Close)
	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, ch.IsConnected, time.Second, 10*time.Millisecond)

	return &testRig{pipeline: p, relayWS: conn}
}

func (rig *testRig) readRelayRequest(t *testing.T) relay.Request {
	t.Helper()
	var req relay.Request
	require.NoError(t, rig.relayWS.ReadJSON(&req))
	return req
}

func TestRealStreamHappyPath(t *testing.T) {
	rig := newTestRigWithThresholds(t, settings.Real, rotation.Thresholds{SwitchOnUses: 40, FailureThreshold: 3})

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:streamGenerateContent", nil)
	c.Request.Header.Set("Accept", "text/event-stream")

	done := make(chan struct{})
	go func() {
		rig.pipeline.Forward(c, "POST", "/v1beta/models/gemini-pro:streamGenerateContent", nil, nil, nil, true, dialectHooks{})
		close(done)
	}()

	req := rig.readRelayRequest(t)
	require.NoError(t, rig.relayWS.WriteJSON(relay.Event{EventType: relay.EventResponseHeaders, RequestID: req.RequestID, Status: 200}))
	require.NoError(t, rig.relayWS.WriteJSON(relay.Event{EventType: relay.EventChunk, RequestID: req.RequestID, Data: "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]}}]}\n\n"}))
	require.NoError(t, rig.relayWS.WriteJSON(relay.Event{EventType: relay.EventStreamClose, RequestID: req.RequestID}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not finish")
	}

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), "hi")
	require.Equal(t, 0, rig.pipeline.rotation.Snapshot().ActiveRequestCount)
	require.Equal(t, 1, rig.pipeline.rotation.Snapshot().UsageCount)
}

func TestNonStreamBuffersAndRewritesInlineImage(t *testing.T) {
	rig := newTestRig(t, settings.Real)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:generateContent", nil)

	done := make(chan struct{})
	go func() {
		rig.pipeline.Forward(c, "POST", "/v1beta/models/gemini-pro:generateContent", nil, nil, nil, true, dialectHooks{})
		close(done)
	}()

	req := rig.readRelayRequest(t)
	require.Equal(t, relay.StreamingFake, req.StreamingMode)
	require.NoError(t, rig.relayWS.WriteJSON(relay.Event{EventType: relay.EventResponseHeaders, RequestID: req.RequestID, Status: 200}))
	require.NoError(t, rig.relayWS.WriteJSON(relay.Event{EventType: relay.EventChunk, RequestID: req.RequestID,
		Data: `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"AAA"}}]}}]}`}))
	require.NoError(t, rig.relayWS.WriteJSON(relay.Event{EventType: relay.EventStreamClose, RequestID: req.RequestID}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not finish")
	}

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "data:image/png;base64,AAA")
	require.NotContains(t, w.Body.String(), "inlineData")
}

func TestForwardRejectsWithServiceUnavailableWhenPendingSwitch(t *testing.T) {
	rig := newTestRigWithThresholds(t, settings.Real, rotation.Thresholds{ImmediateSwitchStatusCodes: []int{500}})

	require.NoError(t, rig.pipeline.rotation.Accept())
	rig.pipeline.rotation.RecordFailure(context.Background(), 500)
	require.True(t, rig.pipeline.rotation.Snapshot().PendingSwitch)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	rig.pipeline.Forward(c, "POST", "/v1/chat/completions", nil, nil, nil, true, dialectHooks{})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
