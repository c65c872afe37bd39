package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/go-mcp-browser"
)

// mockToolExecutor implements mcp.ToolExecutor for tests. It records every call and can
// be told to fail, panic, or block until released.
type mockToolExecutor struct {
	result   mcp.CallToolResult
	err      error
	panicMsg string
	block    chan struct{}
	entered  chan struct{}

	mu    sync.Mutex
	calls []mcp.CallToolParams
}

func (m *mockToolExecutor) CallTool(_ context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, params)
	m.mu.Unlock()

	if m.entered != nil {
		select {
		case m.entered <- struct{}{}:
		default:
		}
	}
	if m.block != nil {
		<-m.block
	}
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.err != nil {
		return mcp.CallToolResult{}, m.err
	}
	return m.result, nil
}

func (m *mockToolExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockToolExecutor) lastCall() mcp.CallToolParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return mcp.CallToolParams{}
	}
	return m.calls[len(m.calls)-1]
}

func textToolResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{Type: mcp.ContentTypeText, Text: text},
		},
		IsError: false,
	}
}

var testTools = []mcp.Tool{
	{
		Name:        "echo",
		Description: "Echo a message back",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`),
	},
	{
		Name:        "reverse",
		Description: "Reverse a string",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"value":{"type":"string"}}}`),
	},
}

func newTestDispatcher(t *testing.T, executor mcp.ToolExecutor) *mcp.Dispatcher {
	t.Helper()

	registry, err := mcp.NewRegistry(testTools...)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return mcp.NewDispatcher(mcp.Info{Name: "test-server", Version: "1.0.0"}, registry, executor)
}

func request(t *testing.T, id string, method string, params string) mcp.JSONRPCMessage {
	t.Helper()

	msg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  method,
	}
	if id != "" {
		if err := json.Unmarshal([]byte(id), &msg.ID); err != nil {
			t.Fatalf("failed to unmarshal id %s: %v", id, err)
		}
	}
	if params != "" {
		msg.Params = json.RawMessage(params)
	}
	return msg
}

func TestNewRegistry(t *testing.T) {
	t.Run("rejects empty tool name", func(t *testing.T) {
		_, err := mcp.NewRegistry(mcp.Tool{Name: ""})
		if err == nil {
			t.Fatal("expected error for empty tool name, got nil")
		}
	})

	t.Run("rejects duplicate tool name", func(t *testing.T) {
		_, err := mcp.NewRegistry(mcp.Tool{Name: "echo"}, mcp.Tool{Name: "echo"})
		if err == nil {
			t.Fatal("expected error for duplicate tool name, got nil")
		}
	})

	t.Run("keeps registration order", func(t *testing.T) {
		registry, err := mcp.NewRegistry(testTools...)
		if err != nil {
			t.Fatalf("failed to create registry: %v", err)
		}

		if registry.Len() != 2 {
			t.Fatalf("Len() = %d, want 2", registry.Len())
		}

		tools := registry.Tools()
		if tools[0].Name != "echo" || tools[1].Name != "reverse" {
			t.Errorf("Tools() order = [%s %s], want [echo reverse]", tools[0].Name, tools[1].Name)
		}

		if !registry.Has("echo") {
			t.Error("Has(echo) = false, want true")
		}
		if registry.Has("missing") {
			t.Error("Has(missing) = true, want false")
		}
	})
}

func TestDispatcher_Initialize(t *testing.T) {
	d := newTestDispatcher(t, &mockToolExecutor{})

	msg := request(t, `1`, "initialize",
		`{"protocolVersion":"2024-11-05","clientInfo":{"name":"test-client","version":"0.1.0"}}`)
	resp := d.Dispatch(context.Background(), msg)

	if resp == nil {
		t.Fatal("expected response, got nil")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
	if resp.ID.String() != "1" {
		t.Errorf("response id = %s, want 1", resp.ID.String())
	}

	var result struct {
		ProtocolVersion string   `json:"protocolVersion"`
		ServerInfo      mcp.Info `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal initialize result: %v", err)
	}

	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %s, want 2024-11-05", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("serverInfo.name = %s, want test-server", result.ServerInfo.Name)
	}
	if result.ServerInfo.Version != "1.0.0" {
		t.Errorf("serverInfo.version = %s, want 1.0.0", result.ServerInfo.Version)
	}
}

func TestDispatcher_Ping(t *testing.T) {
	d := newTestDispatcher(t, &mockToolExecutor{})

	resp := d.Dispatch(context.Background(), request(t, `7`, "ping", ""))

	if resp == nil {
		t.Fatal("expected response, got nil")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
	if resp.ID.String() != "7" {
		t.Errorf("response id = %s, want 7", resp.ID.String())
	}

	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal ping result: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("ping result = %v, want empty object", result)
	}
}

func TestDispatcher_ListTools(t *testing.T) {
	d := newTestDispatcher(t, &mockToolExecutor{})

	// The answer must be identical across calls.
	var previous []mcp.Tool
	for i := 0; i < 3; i++ {
		resp := d.Dispatch(context.Background(), request(t, `1`, mcp.MethodToolsList, ""))
		if resp == nil {
			t.Fatal("expected response, got nil")
		}
		if resp.Error != nil {
			t.Fatalf("unexpected error response: %v", resp.Error)
		}

		var result mcp.ListToolsResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatalf("failed to unmarshal tool list: %v", err)
		}

		if len(result.Tools) != len(testTools) {
			t.Fatalf("got %d tools, want %d", len(result.Tools), len(testTools))
		}

		seen := make(map[string]bool, len(result.Tools))
		for j, tool := range result.Tools {
			if seen[tool.Name] {
				t.Errorf("duplicate tool %s in list", tool.Name)
			}
			seen[tool.Name] = true

			if tool.Name != testTools[j].Name {
				t.Errorf("tool %d = %s, want %s", j, tool.Name, testTools[j].Name)
			}
		}

		if previous != nil {
			for j := range result.Tools {
				if result.Tools[j].Name != previous[j].Name {
					t.Errorf("tool list changed between calls: %s vs %s",
						result.Tools[j].Name, previous[j].Name)
				}
			}
		}
		previous = result.Tools
	}
}

func TestDispatcher_CallTool(t *testing.T) {
	executor := &mockToolExecutor{result: textToolResult("hello")}
	d := newTestDispatcher(t, executor)

	resp := d.Dispatch(context.Background(),
		request(t, `3`, mcp.MethodToolsCall, `{"name":"echo","arguments":{"message":"hello"}}`))

	if resp == nil {
		t.Fatal("expected response, got nil")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
	if resp.ID.String() != "3" {
		t.Errorf("response id = %s, want 3", resp.ID.String())
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal tool result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hello" {
		t.Errorf("tool result content = %+v, want single text 'hello'", result.Content)
	}
	if result.IsError {
		t.Error("tool result marked as error")
	}

	call := executor.lastCall()
	if call.Name != "echo" {
		t.Errorf("executor called with tool %s, want echo", call.Name)
	}
	if string(call.Arguments) != `{"message":"hello"}` {
		t.Errorf("executor called with arguments %s", string(call.Arguments))
	}
}

func TestDispatcher_CallToolOmittedArguments(t *testing.T) {
	executor := &mockToolExecutor{result: textToolResult("ok")}
	d := newTestDispatcher(t, executor)

	resp := d.Dispatch(context.Background(),
		request(t, `4`, mcp.MethodToolsCall, `{"name":"echo"}`))

	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if got := string(executor.lastCall().Arguments); got != "{}" {
		t.Errorf("executor called with arguments %s, want {}", got)
	}
}

func TestDispatcher_CallToolUnknown(t *testing.T) {
	executor := &mockToolExecutor{}
	d := newTestDispatcher(t, executor)

	resp := d.Dispatch(context.Background(),
		request(t, `5`, mcp.MethodToolsCall, `{"name":"missing"}`))

	if resp == nil {
		t.Fatal("expected response, got nil")
	}
	if resp.Error == nil {
		t.Fatal("expected error response, got success")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("error code = %d, want -32601", resp.Error.Code)
	}
	if !strings.Contains(resp.Error.Message, "tool not found: missing") {
		t.Errorf("error message = %q, want tool not found", resp.Error.Message)
	}
	if resp.ID.String() != "5" {
		t.Errorf("response id = %s, want 5", resp.ID.String())
	}
	if executor.callCount() != 0 {
		t.Errorf("executor called %d times for unknown tool, want 0", executor.callCount())
	}
}

func TestDispatcher_CallToolMalformedParams(t *testing.T) {
	executor := &mockToolExecutor{}
	d := newTestDispatcher(t, executor)

	resp := d.Dispatch(context.Background(),
		request(t, `6`, mcp.MethodToolsCall, `"not an object"`))

	if resp == nil || resp.Error == nil {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if resp.Error.Code != -32603 {
		t.Errorf("error code = %d, want -32603", resp.Error.Code)
	}
	if executor.callCount() != 0 {
		t.Errorf("executor called %d times for malformed params, want 0", executor.callCount())
	}
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	d := newTestDispatcher(t, &mockToolExecutor{})

	resp := d.Dispatch(context.Background(), request(t, `8`, "bogus/method", ""))

	if resp == nil {
		t.Fatal("expected response, got nil")
	}
	if resp.Error == nil {
		t.Fatal("expected error response, got success")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("error code = %d, want -32601", resp.Error.Code)
	}
	if !strings.Contains(resp.Error.Message, "method not found: bogus/method") {
		t.Errorf("error message = %q, want method not found", resp.Error.Message)
	}
	if resp.ID.String() != "8" {
		t.Errorf("response id = %s, want 8", resp.ID.String())
	}
}

func TestDispatcher_Notifications(t *testing.T) {
	tests := []struct {
		name   string
		method string
	}{
		{name: "initialized", method: "notifications/initialized"},
		{name: "cancelled", method: "notifications/cancelled"},
		{name: "unknown method", method: "bogus/method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t, &mockToolExecutor{})

			resp := d.Dispatch(context.Background(), request(t, "", tt.method, ""))
			if resp != nil {
				t.Errorf("notification produced a response: %+v", resp)
			}
		})
	}
}

func TestDispatcher_ExecutorError(t *testing.T) {
	executor := &mockToolExecutor{err: errors.New("browser exploded")}
	d := newTestDispatcher(t, executor)

	resp := d.Dispatch(context.Background(),
		request(t, `9`, mcp.MethodToolsCall, `{"name":"echo","arguments":{}}`))

	if resp == nil || resp.Error == nil {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if resp.Error.Code != -32603 {
		t.Errorf("error code = %d, want -32603", resp.Error.Code)
	}
	if !strings.Contains(resp.Error.Message, "failed to call tool echo") {
		t.Errorf("error message = %q", resp.Error.Message)
	}
	if !strings.Contains(resp.Error.Message, "browser exploded") {
		t.Errorf("error message %q does not carry the cause", resp.Error.Message)
	}
}

func TestDispatcher_ExecutorPanic(t *testing.T) {
	executor := &mockToolExecutor{panicMsg: "tool blew up"}
	d := newTestDispatcher(t, executor)

	resp := d.Dispatch(context.Background(),
		request(t, `10`, mcp.MethodToolsCall, `{"name":"echo","arguments":{}}`))

	if resp == nil || resp.Error == nil {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if resp.Error.Code != -32603 {
		t.Errorf("error code = %d, want -32603", resp.Error.Code)
	}
	if !strings.Contains(resp.Error.Message, "internal error") {
		t.Errorf("error message = %q, want internal error", resp.Error.Message)
	}
}

func TestDispatcher_IDEcho(t *testing.T) {
	d := newTestDispatcher(t, &mockToolExecutor{})

	ids := []string{`1`, `"1"`, `"session-abc"`, `9007199254740993`}
	for _, id := range ids {
		t.Run(id, func(t *testing.T) {
			resp := d.Dispatch(context.Background(), request(t, id, "ping", ""))
			if resp == nil {
				t.Fatal("expected response, got nil")
			}
			if resp.ID.String() != id {
				t.Errorf("response id = %s, want %s", resp.ID.String(), id)
			}
		})
	}
}
