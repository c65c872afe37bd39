package mcp_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/MegaGrindStone/go-mcp-browser"
)

// recordWriter captures every frame pushed through a Conn and can be told to fail.
type recordWriter struct {
	mu    sync.Mutex
	fail  bool
	types []mcp.FrameType
	data  [][]byte
}

func (w *recordWriter) WriteFrame(frameType mcp.FrameType, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("write failed")
	}
	w.types = append(w.types, frameType)
	w.data = append(w.data, append([]byte(nil), data...))
	return nil
}

func (w *recordWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.data)
}

func (w *recordWriter) frame(t *testing.T, i int) (mcp.FrameType, []byte) {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	if i >= len(w.data) {
		t.Fatalf("writer holds %d frames, want at least %d", len(w.data), i+1)
	}
	return w.types[i], w.data[i]
}

func TestConnManager_ConnectDisconnect(t *testing.T) {
	manager := mcp.NewConnManager(nil)

	first := manager.Connect("sse", &recordWriter{})
	second := manager.Connect("ws", &recordWriter{})

	if first.ID() == "" || second.ID() == "" {
		t.Fatal("connection ids must not be empty")
	}
	if first.ID() == second.ID() {
		t.Fatalf("both connections got id %s", first.ID())
	}
	if first.Kind() != "sse" {
		t.Errorf("first connection kind = %s, want sse", first.Kind())
	}
	if got := manager.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}

	manager.Disconnect(first.ID())
	if got := manager.Count(); got != 1 {
		t.Errorf("Count() after disconnect = %d, want 1", got)
	}

	// Disconnecting an unknown id is a no-op.
	manager.Disconnect("no-such-connection")
	if got := manager.Count(); got != 1 {
		t.Errorf("Count() after unknown disconnect = %d, want 1", got)
	}
}

func TestConnManager_Send(t *testing.T) {
	manager := mcp.NewConnManager(nil)
	writer := &recordWriter{}
	conn := manager.Connect("sse", writer)

	frame := mcp.NewFrame(mcp.FrameTypeConnected, map[string]any{"status": "connected"})
	if err := manager.Send(conn.ID(), frame); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}

	frameType, data := writer.frame(t, 0)
	if frameType != mcp.FrameTypeConnected {
		t.Errorf("frame type = %s, want %s", frameType, mcp.FrameTypeConnected)
	}

	var got mcp.Frame
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	if got.Type != mcp.FrameTypeConnected {
		t.Errorf("encoded frame type = %s, want %s", got.Type, mcp.FrameTypeConnected)
	}
	if got.ID == "" {
		t.Error("encoded frame has no id")
	}
}

func TestConnManager_SendUnknownID(t *testing.T) {
	manager := mcp.NewConnManager(nil)
	writer := &recordWriter{}
	manager.Connect("sse", writer)

	// A stale identifier is a logged no-op, not an error.
	if err := manager.Send("gone", mcp.NewFrame(mcp.FrameTypeHeartbeat, nil)); err != nil {
		t.Fatalf("send to unknown id returned error: %v", err)
	}
	if writer.count() != 0 {
		t.Errorf("live connection received %d frames, want 0", writer.count())
	}
}

func TestConnManager_FailedWriteDisconnects(t *testing.T) {
	manager := mcp.NewConnManager(nil)
	writer := &recordWriter{fail: true}
	conn := manager.Connect("sse", writer)

	err := manager.Send(conn.ID(), mcp.NewFrame(mcp.FrameTypeHeartbeat, nil))
	if err == nil {
		t.Fatal("expected error from failed write, got nil")
	}
	if got := manager.Count(); got != 0 {
		t.Errorf("Count() after failed write = %d, want 0", got)
	}

	// The identifier is stale now, so a retry is a no-op.
	if err := manager.Send(conn.ID(), mcp.NewFrame(mcp.FrameTypeHeartbeat, nil)); err != nil {
		t.Errorf("send to disconnected id returned error: %v", err)
	}
}

func TestConnManager_Broadcast(t *testing.T) {
	manager := mcp.NewConnManager(nil)

	healthy1 := &recordWriter{}
	failing := &recordWriter{fail: true}
	healthy2 := &recordWriter{}
	manager.Connect("sse", healthy1)
	manager.Connect("sse", failing)
	manager.Connect("ws", healthy2)

	manager.Broadcast(mcp.NewFrame(mcp.FrameTypeMCPMessage, map[string]any{"hello": "world"}))

	if healthy1.count() != 1 {
		t.Errorf("first healthy connection received %d frames, want 1", healthy1.count())
	}
	if healthy2.count() != 1 {
		t.Errorf("second healthy connection received %d frames, want 1", healthy2.count())
	}

	// The failed write evicts only the broken connection.
	if got := manager.Count(); got != 2 {
		t.Errorf("Count() after broadcast = %d, want 2", got)
	}
}

func TestConn_WriteMessage(t *testing.T) {
	manager := mcp.NewConnManager(nil)
	writer := &recordWriter{}
	conn := manager.Connect("ws", writer)

	msg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NewRequestID(1),
		Result:  json.RawMessage(`{"ok":true}`),
	}
	if err := conn.WriteMessage(msg); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}

	// Bare protocol messages carry no frame envelope and no frame type.
	frameType, data := writer.frame(t, 0)
	if frameType != "" {
		t.Errorf("frame type = %s, want empty", frameType)
	}

	var got mcp.JSONRPCMessage
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	if got.ID.String() != "1" {
		t.Errorf("message id = %s, want 1", got.ID.String())
	}
}

func TestConn_LastActive(t *testing.T) {
	manager := mcp.NewConnManager(nil)
	writer := &recordWriter{}
	conn := manager.Connect("sse", writer)

	before := conn.LastActive()
	if err := conn.WriteFrame(mcp.NewFrame(mcp.FrameTypeHeartbeat, nil)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
	if conn.LastActive().Before(before) {
		t.Error("LastActive moved backwards after a successful write")
	}
	if conn.CreatedAt().After(conn.LastActive()) {
		t.Error("CreatedAt is after LastActive")
	}
}
