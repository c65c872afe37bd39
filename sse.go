package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tmaxmax/go-sse"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultStatusInterval    = 5 * time.Second

	shutdownGrace = 5 * time.Second
)

// SSETransport serves the event-stream flavor of the protocol. It exposes three surfaces
// on one HTTP listener:
//
//   - GET /sse: one-way server push. The client receives a connected frame carrying its
//     connection identifier, then a heartbeat frame at a fixed interval until either side
//     goes away.
//   - GET /mcp-sse: informational push. The client receives a server/info notification on
//     connect and a periodic server/status notification with the live connection count.
//   - /ws: bidirectional socket. Each inbound text frame is decoded, dispatched, and
//     answered on the same socket in arrival order. A malformed frame or a failed write
//     closes that socket only.
//
// Event-stream and socket connections share one ConnManager, so a broadcast reaches both.
// Instances should be created using NewSSETransport.
type SSETransport struct {
	logger     *slog.Logger
	addr       string
	dispatcher *Dispatcher
	conns      *ConnManager
	upgrader   websocket.Upgrader

	heartbeatInterval time.Duration
	statusInterval    time.Duration

	httpServer *http.Server

	lc         lifecycle
	done       chan struct{}
	doneOnce   sync.Once
	closed     chan struct{}
	closedOnce sync.Once
}

// SSETransportOption configures an SSETransport when creating it with NewSSETransport.
type SSETransportOption func(*SSETransport)

// WithSSELogger sets the logger used by the SSE transport.
func WithSSELogger(logger *slog.Logger) SSETransportOption {
	return func(t *SSETransport) {
		t.logger = logger.With(
			slog.String("package", "go-mcp-browser"),
			slog.String("transport", "sse"),
		)
	}
}

// WithHeartbeatInterval sets the delay between heartbeat frames on the /sse stream.
func WithHeartbeatInterval(interval time.Duration) SSETransportOption {
	return func(t *SSETransport) {
		t.heartbeatInterval = interval
	}
}

// WithStatusInterval sets the delay between server/status pushes on the /mcp-sse stream.
func WithStatusInterval(interval time.Duration) SSETransportOption {
	return func(t *SSETransport) {
		t.statusInterval = interval
	}
}

// NewSSETransport creates an SSE transport listening on addr. Messages are routed through
// the given dispatcher.
func NewSSETransport(addr string, dispatcher *Dispatcher, options ...SSETransportOption) *SSETransport {
	t := &SSETransport{
		logger:            slog.Default(),
		addr:              addr,
		dispatcher:        dispatcher,
		heartbeatInterval: defaultHeartbeatInterval,
		statusInterval:    defaultStatusInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	t.conns = NewConnManager(t.logger)
	return t
}

// ConnManager returns the connection manager shared by the /sse and /ws surfaces.
func (t *SSETransport) ConnManager() *ConnManager {
	return t.conns
}

// Handler returns the http.Handler serving all transport endpoints. It can be mounted on
// any HTTP server; Start uses it on the transport's own listener.
func (t *SSETransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", t.handleSSE)
	mux.HandleFunc("/mcp-sse", t.handleMCPSSE)
	mux.HandleFunc("/ws", t.handleWS)
	return mux
}

// Start binds the listener and serves until the transport is stopped. Only a bind failure
// is returned as an error; everything after that point is handled per connection.
func (t *SSETransport) Start(ctx context.Context) error {
	if err := t.lc.starting(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		t.lc.abort()
		t.closeClosed()
		return fmt.Errorf("failed to listen on %s: %w", t.addr, err)
	}

	t.httpServer = &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if t.lc.running() {
		// A stop arrived while we were starting; honor it before serving anything.
		t.closeDone()
	}
	t.logger.Info("sse transport running", slog.String("addr", ln.Addr().String()))

	serveErrs := make(chan error, 1)
	go func() {
		if sErr := t.httpServer.Serve(ln); sErr != nil && !errors.Is(sErr, http.ErrServerClosed) {
			serveErrs <- sErr
		}
	}()

	select {
	case <-ctx.Done():
		t.lc.stopping()
		t.closeDone()
	case <-t.done:
		// A stop queued during startup left the state at Running; move it along.
		t.lc.stopping()
	case sErr := <-serveErrs:
		t.logger.Error("http server failed", slog.String("err", sErr.Error()))
		t.lc.stopping()
		t.closeDone()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := t.httpServer.Shutdown(shutdownCtx); err != nil {
		t.logger.Warn("failed to shutdown http server", slog.String("err", err.Error()))
		t.httpServer.Close()
	}

	t.lc.stopped()
	t.closeClosed()
	t.logger.Info("sse transport stopped")
	return nil
}

// Shutdown stops the transport and waits until the listener and all streams have wound
// down. Calling it before Start marks the transport terminal immediately.
func (t *SSETransport) Shutdown(ctx context.Context) error {
	switch t.lc.beginStop() {
	case stopNotStarted:
		// The serve loop never ran, so it is on us to release anyone waiting on closed.
		t.closeDone()
		t.closeClosed()
		return nil
	case stopProceed:
		t.closeDone()
	case stopDeferred, stopRedundant:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
	}
	return nil
}

// State returns the current lifecycle state of the transport.
func (t *SSETransport) State() State {
	return t.lc.current()
}

// Broadcast pushes a server-initiated protocol message to every connected client, on both
// the event-stream and socket surfaces.
func (t *SSETransport) Broadcast(msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	t.conns.Broadcast(NewFrame(FrameTypeMCPMessage, json.RawMessage(msgBs)))
	return nil
}

func (t *SSETransport) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		t.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	conn := t.conns.Connect("sse", &sseFrameWriter{sess: sess})
	defer t.conns.Disconnect(conn.ID())

	connected := NewFrame(FrameTypeConnected, map[string]any{
		"client_id": conn.ID(),
		"status":    "connected",
	})
	if err := conn.WriteFrame(connected); err != nil {
		t.logger.Warn("failed to write connected frame", slog.String("err", err.Error()))
		return
	}

	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			heartbeat := NewFrame(FrameTypeHeartbeat, map[string]any{
				"timestamp": time.Now().Unix(),
			})
			if err := conn.WriteFrame(heartbeat); err != nil {
				t.logger.Warn("failed to write heartbeat frame",
					slog.String("connectionID", conn.ID()),
					slog.String("err", err.Error()))
				return
			}
		}
	}
}

func (t *SSETransport) handleMCPSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		t.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	// The protocol-info stream is one-way housekeeping and not a tracked connection, so
	// it writes through the session directly.
	writer := &sseFrameWriter{sess: sess}

	info := t.dispatcher.Info()
	err = t.pushNotification(writer, methodServerInfo, serverInfoParams{
		Name:            info.Name,
		Version:         info.Version,
		ProtocolVersion: protocolVersion,
	})
	if err != nil {
		t.logger.Warn("failed to push server info", slog.String("err", err.Error()))
		return
	}

	ticker := time.NewTicker(t.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			err := t.pushNotification(writer, methodServerStatus, serverStatusParams{
				Status:            "running",
				ActiveConnections: t.conns.Count(),
			})
			if err != nil {
				t.logger.Warn("failed to push server status", slog.String("err", err.Error()))
				return
			}
		}
	}
}

func (t *SSETransport) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error("failed to upgrade websocket", slog.String("err", err.Error()))
		return
	}

	conn := t.conns.Connect("ws", &wsFrameWriter{sock: sock})

	handlerDone := make(chan struct{})
	defer close(handlerDone)
	go func() {
		// Unblock the read loop when the transport stops.
		select {
		case <-t.done:
			sock.Close()
		case <-handlerDone:
		}
	}()

	defer func() {
		t.conns.Disconnect(conn.ID())
		sock.Close()
	}()

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("websocket read failed",
					slog.String("connectionID", conn.ID()),
					slog.String("err", err.Error()))
			}
			return
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// A peer speaking garbage forfeits its socket; other sockets are unaffected.
			t.logger.Warn("failed to decode message",
				slog.String("connectionID", conn.ID()),
				slog.String("err", err.Error()))
			return
		}
		if msg.JSONRPC != JSONRPCVersion {
			if msg.IsNotification() {
				continue
			}
			invalid := errorMessage(msg.ID, jsonRPCInvalidRequestCode,
				fmt.Sprintf("unsupported jsonrpc version: %s", msg.JSONRPC))
			if err := conn.WriteMessage(*invalid); err != nil {
				return
			}
			continue
		}

		resp := t.dispatcher.Dispatch(r.Context(), msg)
		if resp == nil {
			continue
		}
		if err := conn.WriteMessage(*resp); err != nil {
			t.logger.Warn("failed to write response",
				slog.String("connectionID", conn.ID()),
				slog.String("err", err.Error()))
			return
		}
	}
}

func (t *SSETransport) pushNotification(w FrameWriter, method string, params any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	msgBs, err := json.Marshal(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return w.WriteFrame("", msgBs)
}

func (t *SSETransport) closeDone() {
	t.doneOnce.Do(func() {
		close(t.done)
	})
}

func (t *SSETransport) closeClosed() {
	t.closedOnce.Do(func() {
		close(t.closed)
	})
}

// sseFrameWriter pushes frames to an event-stream client. Named frames become named SSE
// events; a bare protocol message goes out as a plain data event.
type sseFrameWriter struct {
	sess *sse.Session
}

func (w *sseFrameWriter) WriteFrame(frameType FrameType, data []byte) error {
	msg := &sse.Message{}
	if frameType != "" {
		msg.Type = sse.Type(string(frameType))
	}
	msg.AppendData(string(data))

	if err := w.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := w.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

// wsFrameWriter pushes payloads to a socket client as text frames. The frame type is
// already embedded in the payload, so it is ignored here.
type wsFrameWriter struct {
	sock *websocket.Conn
}

func (w *wsFrameWriter) WriteFrame(_ FrameType, data []byte) error {
	return w.sock.WriteMessage(websocket.TextMessage, data)
}
