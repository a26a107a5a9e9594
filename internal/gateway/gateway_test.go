package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-dev/routa/internal/acp"
	"github.com/routa-dev/routa/internal/bridge"
	"github.com/routa-dev/routa/internal/common/logger"
)

func newGatewayEnv(t *testing.T) (*Gateway, *bridge.Bridge, acp.NotificationHandler) {
	t.Helper()
	log := logger.Default()
	br := bridge.New(log)
	t.Cleanup(br.Close)
	ingest, err := br.Attach("s1", bridge.TransportSDK)
	require.NoError(t, err)
	return New(br, nil, log), br, ingest
}

func push(ingest acp.NotificationHandler, payload string) {
	ingest(acp.Notification{
		Method: acp.NotificationMethodUpdate,
		Params: json.RawMessage(payload),
	})
}

func readEnvelope(t *testing.T, updates <-chan []byte) map[string]any {
	t.Helper()
	select {
	case payload := <-updates:
		var envelope map[string]any
		require.NoError(t, json.Unmarshal(payload, &envelope))
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return nil
	}
}

func TestAttachStreamsBridgeEvents(t *testing.T) {
	gw, _, ingest := newGatewayEnv(t)

	updates, detach := gw.Attach("s1")
	defer detach()

	push(ingest, `{"kind":"output_chunk","text":"hello"}`)

	envelope := readEnvelope(t, updates)
	assert.Equal(t, "s1", envelope["sessionId"])
	update, ok := envelope["update"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "output_chunk", update["sessionUpdate"])
	assert.Equal(t, "hello", update["text"])
}

func TestForwardChildUpdateReachesParentStream(t *testing.T) {
	gw, _, _ := newGatewayEnv(t)

	updates, detach := gw.Attach("parent-1")
	defer detach()

	gw.ForwardChildUpdate("parent-1", []byte(`{"sessionId":"parent-1","childAgentId":"child-9","childSessionId":"cs-9","update":{"sessionUpdate":"output_chunk","text":"child says hi"}}`))

	envelope := readEnvelope(t, updates)
	assert.Equal(t, "parent-1", envelope["sessionId"])
	assert.Equal(t, "child-9", envelope["childAgentId"])
	update := envelope["update"].(map[string]any)
	assert.Equal(t, "child says hi", update["text"])
}

func TestDetachStopsDelivery(t *testing.T) {
	gw, _, _ := newGatewayEnv(t)

	updates, detach := gw.Attach("s1")
	require.Equal(t, 1, gw.AttachedClients("s1"))
	detach()
	assert.Equal(t, 0, gw.AttachedClients("s1"))

	// The channel is closed; no payload arrives.
	_, open := <-updates
	assert.False(t, open)

	// Double detach is safe.
	detach()
}

func TestMultipleClientsEachReceive(t *testing.T) {
	gw, _, _ := newGatewayEnv(t)

	first, detachFirst := gw.Attach("s1")
	second, detachSecond := gw.Attach("s1")
	defer detachFirst()
	defer detachSecond()

	gw.ForwardChildUpdate("s1", []byte(`{"sessionId":"s1","update":{"sessionUpdate":"task_completion"}}`))

	for _, updates := range []<-chan []byte{first, second} {
		envelope := readEnvelope(t, updates)
		update := envelope["update"].(map[string]any)
		assert.Equal(t, "task_completion", update["sessionUpdate"])
	}
}

func newTestServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	gw.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestSSEEndpointStreamsEnvelopes(t *testing.T) {
	gw, _, ingest := newGatewayEnv(t)
	srv := newTestServer(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/sessions/s1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Wait for the stream to attach before pushing.
	require.Eventually(t, func() bool {
		return gw.AttachedClients("s1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	push(ingest, `{"kind":"completed","stop_reason":"end_turn"}`)

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(2 * time.Second)
	lines := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimSpace(strings.TrimPrefix(line, "data: "))
				return
			}
		}
	}()

	select {
	case line := <-lines:
		var envelope map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &envelope))
		assert.Equal(t, "s1", envelope["sessionId"])
		update := envelope["update"].(map[string]any)
		assert.Equal(t, "completed", update["sessionUpdate"])
		assert.Equal(t, "end_turn", update["stopReason"])
	case <-deadline:
		t.Fatal("timed out waiting for SSE data")
	}
}

func TestWebSocketEndpointStreamsEnvelopes(t *testing.T) {
	gw, _, ingest := newGatewayEnv(t)
	srv := newTestServer(t, gw)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/s1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		return gw.AttachedClients("s1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	push(ingest, `{"kind":"output_chunk","text":"over websocket"}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(payload, &envelope))
	update := envelope["update"].(map[string]any)
	assert.Equal(t, "over websocket", update["text"])
}

func TestListSessionsWithoutManager(t *testing.T) {
	gw, _, _ := newGatewayEnv(t)
	srv := newTestServer(t, gw)

	resp, err := http.Get(srv.URL + "/api/v1/sessions")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
