// Package mcp implements a JSON-RPC 2.0 tool-invocation server for the Model Context
// Protocol (MCP), exposing one tool executor over three interchangeable transports:
// newline-delimited JSON on standard streams, Server-Sent Events with a WebSocket
// companion, and a streamable HTTP long-poll variant.
//
// The package is organized around a small set of explicit collaborators. A Registry holds
// the immutable tool catalog, a Dispatcher turns inbound messages into responses, and
// each transport adapts its wire format to the dispatcher while managing its own
// connections and lifecycle. Tool execution itself lives behind the ToolExecutor
// interface, so the protocol layer never depends on how tools do their work.
package mcp
