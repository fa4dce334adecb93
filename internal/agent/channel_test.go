package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aitrader/internal/core"
	"aitrader/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handleIncoming func(conn *websocket.Conn, raw []byte)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if handleIncoming != nil {
				handleIncoming(conn, raw)
			}
		}
	}))
	return server
}

func newTestChannel(t *testing.T, url string) *Channel {
	t.Helper()
	logger, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)
	c := New(url, 2*time.Second, 30*time.Second, 10*time.Second, 10*time.Millisecond, 10*time.Millisecond, logger)
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func TestChannel_RequestAnalysis_RoutesTaskResult(t *testing.T) {
	server := newTestServer(t, func(conn *websocket.Conn, raw []byte) {
		var wm wireMessage
		require.NoError(t, json.Unmarshal(raw, &wm))
		assert.Equal(t, string(core.MsgTaskRequest), wm.Type)

		reply := wireMessage{
			Type:    string(core.MsgTaskResult),
			TaskID:  wm.TaskID,
			Status:  "filled",
			Summary: "entered long",
			OrdID:   "ORD-1",
		}
		body, _ := json.Marshal(reply)
		conn.WriteMessage(websocket.TextMessage, body)
	})
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ch := newTestChannel(t, url)

	time.Sleep(50 * time.Millisecond)

	msg, err := ch.RequestAnalysis(context.Background(), "BTC-USDT-SWAP", map[string]interface{}{"reason": "volatility_breach"})
	require.NoError(t, err)
	assert.Equal(t, core.MsgTaskResult, msg.Type)
	assert.Equal(t, "ORD-1", msg.Payload["ord_id"])
}

func TestChannel_RequestAnalysis_TimesOut(t *testing.T) {
	server := newTestServer(t, nil) // never replies
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	logger, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)
	ch := New(url, 50*time.Millisecond, 30*time.Second, 10*time.Second, 10*time.Millisecond, 10*time.Millisecond, logger)
	ch.Start()
	defer ch.Stop()

	time.Sleep(50 * time.Millisecond)

	_, err = ch.RequestAnalysis(context.Background(), "BTC-USDT-SWAP", map[string]interface{}{})
	assert.Error(t, err)
}

func TestChannel_UnknownMessageType_Dropped(t *testing.T) {
	server := newTestServer(t, func(conn *websocket.Conn, raw []byte) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"some_future_variant"}`))
		reply := wireMessage{Type: string(core.MsgOrderEvent), OrdID: "ORD-2", Status: "live"}
		body, _ := json.Marshal(reply)
		conn.WriteMessage(websocket.TextMessage, body)
	})
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ch := newTestChannel(t, url)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ch.ws.Send(wireMessage{Type: string(core.MsgTaskRequest), TaskID: "trigger"}))

	select {
	case msg := <-ch.Inbound():
		assert.Equal(t, core.MsgOrderEvent, msg.Type)
		assert.Equal(t, "ORD-2", msg.Payload["ord_id"])
	case <-time.After(time.Second):
		t.Fatal("expected order_event on inbound stream")
	}
}

func TestChannel_Connected(t *testing.T) {
	server := newTestServer(t, nil)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ch := newTestChannel(t, url)

	require.Eventually(t, func() bool { return ch.Connected() }, time.Second, 10*time.Millisecond)
}
