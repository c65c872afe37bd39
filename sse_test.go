package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tmaxmax/go-sse"

	"github.com/MegaGrindStone/go-mcp-browser"
)

func newSSETestServer(t *testing.T, executor mcp.ToolExecutor, options ...mcp.SSETransportOption) (*mcp.SSETransport, *httptest.Server) {
	t.Helper()

	transport := mcp.NewSSETransport("127.0.0.1:0", newTestDispatcher(t, executor), options...)
	testServer := httptest.NewServer(transport.Handler())
	t.Cleanup(testServer.Close)
	return transport, testServer
}

// sseEvents opens an event stream and feeds its events to a channel until the context is
// cancelled or the stream ends.
func sseEvents(t *testing.T, ctx context.Context, testServer *httptest.Server, path string) <-chan sse.Event {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testServer.URL+path, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := testServer.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to connect to %s: %v", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	t.Cleanup(func() {
		resp.Body.Close()
	})

	events := make(chan sse.Event, 16)
	go func() {
		defer close(events)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			events <- ev
		}
	}()
	return events
}

func nextEvent(t *testing.T, events <-chan sse.Event) sse.Event {
	t.Helper()

	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return sse.Event{}
}

func waitForConnCount(t *testing.T, transport *mcp.SSETransport, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if transport.ConnManager().Count() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connection count = %d, want %d", transport.ConnManager().Count(), want)
}

func TestSSETransport_StartShutdown(t *testing.T) {
	transport := mcp.NewSSETransport("127.0.0.1:0", newTestDispatcher(t, &mockToolExecutor{}))

	started := make(chan error, 1)
	go func() {
		started <- transport.Start(context.Background())
	}()
	waitForState(t, transport, mcp.StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown transport: %v", err)
	}

	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Start to return")
	}

	if got := transport.State(); got != mcp.StateStopped {
		t.Errorf("state after shutdown = %s, want %s", got, mcp.StateStopped)
	}
}

func TestSSETransport_StartBindFailure(t *testing.T) {
	transport := mcp.NewSSETransport("127.0.0.1:-1", newTestDispatcher(t, &mockToolExecutor{}))

	if err := transport.Start(context.Background()); err == nil {
		t.Fatal("expected bind error, got nil")
	}
	if got := transport.State(); got != mcp.StateStopped {
		t.Errorf("state after failed start = %s, want %s", got, mcp.StateStopped)
	}

	// Shutdown after a failed start must not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Shutdown(ctx); err != nil {
		t.Errorf("shutdown after failed start returned error: %v", err)
	}
}

func TestSSE_ConnectedAndHeartbeatFrames(t *testing.T) {
	transport, testServer := newSSETestServer(t, &mockToolExecutor{},
		mcp.WithHeartbeatInterval(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := sseEvents(t, ctx, testServer, "/sse")

	first := nextEvent(t, events)
	if first.Type != "connected" {
		t.Fatalf("first event type = %s, want connected", first.Type)
	}

	var connected struct {
		Type string `json:"type"`
		Data struct {
			ClientID string `json:"client_id"`
			Status   string `json:"status"`
		} `json:"data"`
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(first.Data), &connected); err != nil {
		t.Fatalf("failed to decode connected frame: %v", err)
	}
	if connected.Data.Status != "connected" {
		t.Errorf("connected status = %s, want connected", connected.Data.Status)
	}
	if connected.Data.ClientID == "" {
		t.Error("connected frame carries no client id")
	}

	waitForConnCount(t, transport, 1)

	second := nextEvent(t, events)
	if second.Type != "heartbeat" {
		t.Fatalf("second event type = %s, want heartbeat", second.Type)
	}

	var heartbeat struct {
		Data struct {
			Timestamp int64 `json:"timestamp"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(second.Data), &heartbeat); err != nil {
		t.Fatalf("failed to decode heartbeat frame: %v", err)
	}
	if heartbeat.Data.Timestamp <= 0 {
		t.Errorf("heartbeat timestamp = %d, want positive", heartbeat.Data.Timestamp)
	}

	// Dropping the stream releases the connection.
	cancel()
	waitForConnCount(t, transport, 0)
}

func TestMCPSSE_InfoAndStatus(t *testing.T) {
	_, testServer := newSSETestServer(t, &mockToolExecutor{},
		mcp.WithStatusInterval(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := sseEvents(t, ctx, testServer, "/mcp-sse")

	first := nextEvent(t, events)
	var info mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(first.Data), &info); err != nil {
		t.Fatalf("failed to decode info notification: %v", err)
	}
	if info.Method != "server/info" {
		t.Fatalf("first notification method = %s, want server/info", info.Method)
	}

	var infoParams struct {
		Name            string `json:"name"`
		Version         string `json:"version"`
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(info.Params, &infoParams); err != nil {
		t.Fatalf("failed to decode info params: %v", err)
	}
	if infoParams.Name != "test-server" {
		t.Errorf("info name = %s, want test-server", infoParams.Name)
	}
	if infoParams.ProtocolVersion != "2024-11-05" {
		t.Errorf("info protocolVersion = %s, want 2024-11-05", infoParams.ProtocolVersion)
	}

	second := nextEvent(t, events)
	var status mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(second.Data), &status); err != nil {
		t.Fatalf("failed to decode status notification: %v", err)
	}
	if status.Method != "server/status" {
		t.Fatalf("second notification method = %s, want server/status", status.Method)
	}

	var statusParams struct {
		Status            string `json:"status"`
		ActiveConnections int    `json:"active_connections"`
	}
	if err := json.Unmarshal(status.Params, &statusParams); err != nil {
		t.Fatalf("failed to decode status params: %v", err)
	}
	if statusParams.Status != "running" {
		t.Errorf("status = %s, want running", statusParams.Status)
	}
	if statusParams.ActiveConnections < 0 {
		t.Errorf("active_connections = %d, want non-negative", statusParams.ActiveConnections)
	}
}

func dialWS(t *testing.T, testServer *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/ws"
	sock, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() {
		sock.Close()
	})
	return sock
}

func TestWS_RoundTrip(t *testing.T) {
	_, testServer := newSSETestServer(t, &mockToolExecutor{})
	sock := dialWS(t, testServer)

	// A notification first; it must not produce a response.
	notification := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	if err := sock.WriteMessage(websocket.TextMessage, []byte(notification)); err != nil {
		t.Fatalf("failed to write notification: %v", err)
	}

	request := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	if err := sock.WriteMessage(websocket.TextMessage, []byte(request)); err != nil {
		t.Fatalf("failed to write request: %v", err)
	}

	if err := sock.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, data, err := sock.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}

	var resp mcp.JSONRPCMessage
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID.String() != "1" {
		t.Errorf("response id = %s, want 1", resp.ID.String())
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}

	var result mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to decode tool list: %v", err)
	}
	if len(result.Tools) != len(testTools) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(testTools))
	}
}

func TestWS_ConcurrentClients(t *testing.T) {
	_, testServer := newSSETestServer(t, &mockToolExecutor{result: textToolResult("ok")})
	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/ws"

	const clients = 5
	results := make(chan error, clients)

	for i := 0; i < clients; i++ {
		go func(i int) {
			results <- func() error {
				sock, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
				if err != nil {
					return fmt.Errorf("client %d failed to dial: %w", i, err)
				}
				defer sock.Close()

				id := fmt.Sprintf(`"client-%d"`, i)
				request := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"method":"ping"}`, id)
				if err := sock.WriteMessage(websocket.TextMessage, []byte(request)); err != nil {
					return fmt.Errorf("client %d failed to write: %w", i, err)
				}

				if err := sock.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
					return fmt.Errorf("client %d failed to set deadline: %w", i, err)
				}
				_, data, err := sock.ReadMessage()
				if err != nil {
					return fmt.Errorf("client %d failed to read: %w", i, err)
				}

				var resp mcp.JSONRPCMessage
				if err := json.Unmarshal(data, &resp); err != nil {
					return fmt.Errorf("client %d failed to decode: %w", i, err)
				}
				// Each socket must receive exactly its own response.
				if resp.ID.String() != id {
					return fmt.Errorf("client %d got response for id %s", i, resp.ID.String())
				}
				return nil
			}()
		}(i)
	}

	for i := 0; i < clients; i++ {
		if err := <-results; err != nil {
			t.Error(err)
		}
	}
}

func TestWS_MalformedFrameClosesOnlyThatSocket(t *testing.T) {
	_, testServer := newSSETestServer(t, &mockToolExecutor{})

	bad := dialWS(t, testServer)
	good := dialWS(t, testServer)

	if err := bad.WriteMessage(websocket.TextMessage, []byte("this is not json")); err != nil {
		t.Fatalf("failed to write malformed frame: %v", err)
	}

	// The offending socket gets closed by the server.
	if err := bad.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	if _, _, err := bad.ReadMessage(); err == nil {
		t.Error("expected read error on the closed socket, got a message")
	}

	// The other socket keeps working.
	request := `{"jsonrpc":"2.0","id":2,"method":"ping"}`
	if err := good.WriteMessage(websocket.TextMessage, []byte(request)); err != nil {
		t.Fatalf("failed to write request: %v", err)
	}
	if err := good.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, data, err := good.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read response on healthy socket: %v", err)
	}

	var resp mcp.JSONRPCMessage
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID.String() != "2" {
		t.Errorf("response id = %s, want 2", resp.ID.String())
	}
}

func TestSSETransport_Broadcast(t *testing.T) {
	transport, testServer := newSSETestServer(t, &mockToolExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := sseEvents(t, ctx, testServer, "/sse")

	first := nextEvent(t, events)
	if first.Type != "connected" {
		t.Fatalf("first event type = %s, want connected", first.Type)
	}

	sock := dialWS(t, testServer)
	waitForConnCount(t, transport, 2)

	msg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/tools/list_changed",
	}
	if err := transport.Broadcast(msg); err != nil {
		t.Fatalf("failed to broadcast: %v", err)
	}

	// The envelope carries the protocol message in its data field.
	type envelope struct {
		Type string             `json:"type"`
		Data mcp.JSONRPCMessage `json:"data"`
		ID   string             `json:"id"`
	}

	ev := nextEvent(t, events)
	if ev.Type != "mcp_message" {
		t.Fatalf("broadcast event type = %s, want mcp_message", ev.Type)
	}
	var fromStream envelope
	if err := json.Unmarshal([]byte(ev.Data), &fromStream); err != nil {
		t.Fatalf("failed to decode broadcast frame: %v", err)
	}
	if fromStream.Data.Method != msg.Method {
		t.Errorf("stream got method %s, want %s", fromStream.Data.Method, msg.Method)
	}

	if err := sock.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, data, err := sock.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read broadcast on socket: %v", err)
	}
	var fromSocket envelope
	if err := json.Unmarshal(data, &fromSocket); err != nil {
		t.Fatalf("failed to decode broadcast frame: %v", err)
	}
	if fromSocket.Type != "mcp_message" {
		t.Errorf("socket frame type = %s, want mcp_message", fromSocket.Type)
	}
	if fromSocket.Data.Method != msg.Method {
		t.Errorf("socket got method %s, want %s", fromSocket.Data.Method, msg.Method)
	}
}
