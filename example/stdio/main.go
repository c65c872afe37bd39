// Command stdio wires the browser tool server to an in-process stdio transport and
// scripts a short session against it: initialize, list the available tools, and ping.
// No browser is launched; a chromium instance would come up lazily on the first tool
// call that needs a page.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/MegaGrindStone/go-mcp-browser"
	"github.com/MegaGrindStone/go-mcp-browser/browser"
)

func main() {
	executor, err := browser.NewServer(browser.DefaultConfig())
	if err != nil {
		log.Fatalf("failed to create browser server: %v", err)
	}
	defer executor.Close()

	registry, err := mcp.NewRegistry(executor.Tools()...)
	if err != nil {
		log.Fatalf("failed to build tool registry: %v", err)
	}
	dispatcher := mcp.NewDispatcher(mcp.Info{
		Name:    "go-mcp-browser-example",
		Version: "0.1.0",
	}, registry, executor)

	// The transport reads requests from one pipe and writes responses to the other,
	// exactly as it would on real standard streams.
	requestReader, requestWriter := io.Pipe()
	responseReader, responseWriter := io.Pipe()
	transport := mcp.NewStdIO(requestReader, responseWriter, dispatcher)

	stopped := make(chan error, 1)
	go func() {
		stopped <- transport.Start(context.Background())
	}()

	responses := bufio.NewReader(responseReader)

	resp, err := call(requestWriter, responses,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"example-client","version":"0.1.0"}}}`)
	if err != nil {
		log.Fatalf("initialize failed: %v", err)
	}
	fmt.Printf("initialized: %s\n\n", resp.Result)

	resp, err = call(requestWriter, responses, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if err != nil {
		log.Fatalf("tools/list failed: %v", err)
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		log.Fatalf("failed to decode tool list: %v", err)
	}
	fmt.Printf("available tools (%d):\n", len(list.Tools))
	for _, tool := range list.Tools {
		fmt.Printf("  %-22s %s\n", tool.Name, tool.Description)
	}
	fmt.Println()

	if _, err := call(requestWriter, responses, `{"jsonrpc":"2.0","id":3,"method":"ping"}`); err != nil {
		log.Fatalf("ping failed: %v", err)
	}
	fmt.Println("ping ok")

	// Closing the request stream is how a stdio client hangs up; the transport stops on
	// the EOF.
	requestWriter.Close()
	if err := <-stopped; err != nil {
		log.Fatalf("transport failed: %v", err)
	}
}

// call sends one request line and reads the matching response line.
func call(w io.Writer, r *bufio.Reader, raw string) (mcp.JSONRPCMessage, error) {
	if _, err := io.WriteString(w, raw+"\n"); err != nil {
		return mcp.JSONRPCMessage{}, fmt.Errorf("failed to send request: %w", err)
	}

	line, err := r.ReadString('\n')
	if err != nil {
		return mcp.JSONRPCMessage{}, fmt.Errorf("failed to read response: %w", err)
	}

	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return mcp.JSONRPCMessage{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if msg.Error != nil {
		return mcp.JSONRPCMessage{}, msg.Error
	}
	return msg, nil
}
