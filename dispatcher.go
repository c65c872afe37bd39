package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Registry is the static catalog of tools this server exposes. It is populated once at
// construction and never mutated afterwards, so tools/list answers are stable across the
// process lifetime and repeated calls return the tools in registration order.
type Registry struct {
	tools []Tool
	names map[string]struct{}
}

// NewRegistry builds a registry from the given tools. Tools with empty or duplicate names
// are rejected.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools: make([]Tool, 0, len(tools)),
		names: make(map[string]struct{}, len(tools)),
	}
	for _, tool := range tools {
		if tool.Name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, ok := r.names[tool.Name]; ok {
			return nil, fmt.Errorf("duplicate tool name: %s", tool.Name)
		}
		r.names[tool.Name] = struct{}{}
		r.tools = append(r.tools, tool)
	}
	return r, nil
}

// Tools returns the registered tools in registration order. The returned slice is a copy,
// so callers cannot disturb the registry.
func (r *Registry) Tools() []Tool {
	tools := make([]Tool, len(r.tools))
	copy(tools, r.tools)
	return tools
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.names[name]
	return ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// Dispatcher turns one inbound JSON-RPC message into at most one outbound message. It owns
// the method routing for every transport: tools/list is answered from the Registry,
// tools/call is delegated to the ToolExecutor, and the initialize/ping handshake is served
// locally. Dispatch never panics across its boundary and never produces a response for a
// notification, so transports can call it without any protective wrapping.
//
// All collaborators are provided at construction; a Dispatcher holds no global state and
// may be shared by any number of transports and goroutines.
type Dispatcher struct {
	logger       *slog.Logger
	info         Info
	instructions string
	registry     *Registry
	executor     ToolExecutor
}

// DispatcherOption configures a Dispatcher when creating it with NewDispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger used by the dispatcher.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger.With(
			slog.String("package", "go-mcp-browser"),
			slog.String("component", "dispatcher"),
		)
	}
}

// WithInstructions sets the instructions string returned to clients during initialization.
func WithInstructions(instructions string) DispatcherOption {
	return func(d *Dispatcher) {
		d.instructions = instructions
	}
}

// NewDispatcher creates a dispatcher that serves the given registry and delegates tool
// execution to executor.
func NewDispatcher(info Info, registry *Registry, executor ToolExecutor, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger:   slog.Default(),
		info:     info,
		registry: registry,
		executor: executor,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Info returns the server identity the dispatcher was created with.
func (d *Dispatcher) Info() Info {
	return d.info
}

// Registry returns the tool registry the dispatcher answers tools/list from.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch processes one message and returns the response for it, or nil when the message
// is a notification. The response identifier always echoes the request identifier exactly
// as it arrived. Failures raised by the executor, and even panics below the dispatch
// boundary, are folded into a JSON-RPC internal error instead of escaping to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, msg JSONRPCMessage) (resp *JSONRPCMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while dispatching message",
				slog.String("method", msg.Method),
				slog.Any("panic", r))
			if msg.IsNotification() {
				resp = nil
				return
			}
			resp = errorMessage(msg.ID, jsonRPCInternalErrorCode, fmt.Sprintf("internal error: %v", r))
		}
	}()

	result, err := d.handle(ctx, msg)

	if msg.IsNotification() {
		if err != nil {
			d.logger.Warn("failed to handle notification",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
		}
		return nil
	}

	if err != nil {
		var rpcErr JSONRPCError
		if errors.As(err, &rpcErr) {
			return errorMessage(msg.ID, rpcErr.Code, rpcErr.Message)
		}
		return errorMessage(msg.ID, jsonRPCInternalErrorCode, err.Error())
	}

	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  result,
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg JSONRPCMessage) (json.RawMessage, error) {
	switch msg.Method {
	case methodInitialize:
		return d.initialize(msg)
	case methodPing:
		return json.RawMessage("{}"), nil
	case MethodToolsList:
		return d.listTools()
	case MethodToolsCall:
		return d.callTool(ctx, msg)
	case methodNotificationsInitialized:
		return json.RawMessage("{}"), nil
	default:
		if strings.HasPrefix(msg.Method, "notifications/") {
			return json.RawMessage("{}"), nil
		}
		return nil, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}
	}
}

func (d *Dispatcher) initialize(msg JSONRPCMessage) (json.RawMessage, error) {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}
	d.logger.Debug("client initializing",
		slog.String("clientName", params.ClientInfo.Name),
		slog.String("clientProtocolVersion", params.ProtocolVersion))

	result := initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo:   d.info,
		Instructions: d.instructions,
	}
	bs, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initialize result: %w", err)
	}
	return bs, nil
}

func (d *Dispatcher) listTools() (json.RawMessage, error) {
	result := ListToolsResult{
		Tools: d.registry.Tools(),
	}
	bs, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool list: %w", err)
	}
	return bs, nil
}

func (d *Dispatcher) callTool(ctx context.Context, msg JSONRPCMessage) (json.RawMessage, error) {
	var params CallToolParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}

	if !d.registry.Has(params.Name) {
		return nil, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("tool not found: %s", params.Name),
		}
	}

	// Omitted arguments are treated as an empty object so executors always see a JSON
	// object.
	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage("{}")
	}

	result, err := d.executor.CallTool(ctx, params)
	if err != nil {
		nErr := fmt.Errorf("failed to call tool %s: %w", params.Name, err)
		d.logger.Error("tool call failed",
			slog.String("tool", params.Name),
			slog.String("err", err.Error()))
		return nil, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	bs, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return bs, nil
}

func errorMessage(id RequestID, code int, message string) *JSONRPCMessage {
	// An error response must carry an identifier even when the request's could not be
	// determined; that case goes out as an explicit null.
	if id.IsZero() {
		id = NewRequestID(nil)
	}
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}
