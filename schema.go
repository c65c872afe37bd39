package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestID is a JSON-RPC request identifier. The protocol allows string, number, or null
// identifiers, and a response must echo the identifier exactly as it arrived, so the raw
// wire token is retained instead of being normalized to a single Go type. A zero RequestID
// means the message carried no identifier at all, which marks it as a notification.
type RequestID []byte

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication with this server.
// It can represent either a request, response, or notification depending on which fields are
// populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string, number, or null
	ID RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a server instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities advertises the feature set of this server during initialization.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// Tool defines a callable tool with its input schema.
// InputSchema defines the expected format of arguments for CallTool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult represents the list of tools returned by tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs
	// Must satisfy required arguments defined in tool's InputSchema field
	Arguments json.RawMessage `json:"arguments"`
}

// CallToolResult represents the outcome of a tool invocation via CallTool.
// IsError indicates whether the operation failed, with details in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// ContentType represents the type of content in messages.
const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      Info            `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type serverInfoParams struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

type serverStatusParams struct {
	Status            string `json:"status"`
	ActiveConnections int    `json:"active_connections"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	protocolVersion = "2024-11-05"

	methodPing       = "ping"
	methodInitialize = "initialize"

	methodNotificationsInitialized = "notifications/initialized"

	methodServerInfo   = "server/info"
	methodServerStatus = "server/status"

	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
)

// NewRequestID creates a RequestID from a Go string, number, or nil. It panics on other
// types, as identifiers generated by the server are always one of these.
func NewRequestID(v any) RequestID {
	switch v.(type) {
	case string, int, int64, float64, nil:
	default:
		panic(fmt.Sprintf("invalid request id type: %T", v))
	}
	bs, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return RequestID(bs)
}

// IsZero reports whether the identifier is absent from the message. Messages with a zero
// RequestID are notifications and never receive a response.
func (r RequestID) IsZero() bool {
	return len(r) == 0
}

// Equal reports whether two identifiers carry the same wire token.
func (r RequestID) Equal(other RequestID) bool {
	return bytes.Equal(r, other)
}

// String returns the raw wire token, quoted for string identifiers. It is used as a
// correlation key, so "42" and 42 remain distinct.
func (r RequestID) String() string {
	return string(r)
}

// UnmarshalJSON implements json.Unmarshaler, accepting string, number, or null tokens and
// rejecting everything else.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		*r = nil
		return nil
	}
	switch data[0] {
	case '"', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		*r = append(RequestID(nil), data...)
		return nil
	default:
		return fmt.Errorf("invalid request id: %s", string(data))
	}
}

// MarshalJSON implements json.Marshaler, emitting the identifier exactly as it arrived.
func (r RequestID) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// IsNotification reports whether the message is a notification, which is processed without
// generating any response.
func (m JSONRPCMessage) IsNotification() bool {
	return m.ID.IsZero() && m.Method != ""
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
