package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FrameType enumerates the envelope types pushed to streaming and socket clients.
type FrameType string

// FrameType enumerates the envelope types pushed to streaming and socket clients.
const (
	FrameTypeConnected  FrameType = "connected"
	FrameTypeHeartbeat  FrameType = "heartbeat"
	FrameTypeMCPMessage FrameType = "mcp_message"
	FrameTypeError      FrameType = "error"
)

// Frame is the transport-level envelope pushed to event-stream and socket clients. It is
// distinct from JSONRPCMessage: frames carry connection housekeeping (connection
// confirmations, heartbeats) and broadcast fan-out, while protocol responses travel as
// bare JSON-RPC messages.
type Frame struct {
	Type FrameType `json:"type"`
	Data any       `json:"data"`
	ID   string    `json:"id"`
}

// NewFrame creates a frame of the given type with a fresh identifier.
func NewFrame(frameType FrameType, data any) Frame {
	return Frame{
		Type: frameType,
		Data: data,
		ID:   uuid.New().String(),
	}
}

// FrameWriter pushes one serialized payload to a connected peer. The frame type is passed
// separately for writers whose wire format carries an event name; an empty frame type
// means the payload is a bare protocol message. Socket writers may ignore the frame type
// entirely.
type FrameWriter interface {
	WriteFrame(frameType FrameType, data []byte) error
}

// Conn is one live client connection tracked by a ConnManager. Writes through a Conn are
// serialized, so a heartbeat loop and a dispatch loop may share it safely.
type Conn struct {
	id        string
	kind      string
	createdAt time.Time

	mu         sync.Mutex
	writer     FrameWriter
	lastActive time.Time
}

// ID returns the unique identifier assigned to this connection.
func (c *Conn) ID() string { return c.id }

// Kind returns the connection flavor, one of "sse" or "ws".
func (c *Conn) Kind() string { return c.kind }

// CreatedAt returns the time the connection was registered.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// LastActive returns the time of the last successful write on this connection.
func (c *Conn) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// WriteFrame serializes the frame and pushes it to the peer.
func (c *Conn) WriteFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return c.write(f.Type, data)
}

// WriteMessage pushes a bare JSON-RPC message to the peer.
func (c *Conn) WriteMessage(msg JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.write("", data)
}

func (c *Conn) write(frameType FrameType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writer.WriteFrame(frameType, data); err != nil {
		return err
	}
	c.lastActive = time.Now()
	return nil
}

// ConnManager tracks the live client connections of one transport. All map mutation goes
// through Connect and Disconnect under the manager's mutex; the mutex is never held across
// a network write. Send and Broadcast treat a failed write as an implicit disconnect, and
// sending to an identifier that is already gone is a logged no-op.
type ConnManager struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewConnManager creates a connection manager. A nil logger falls back to slog.Default().
func NewConnManager(logger *slog.Logger) *ConnManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnManager{
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// Connect registers a new connection of the given kind and returns it. The connection is
// assigned a fresh unique identifier.
func (m *ConnManager) Connect(kind string, w FrameWriter) *Conn {
	conn := &Conn{
		id:         uuid.New().String(),
		kind:       kind,
		createdAt:  time.Now(),
		writer:     w,
		lastActive: time.Now(),
	}

	m.mu.Lock()
	m.conns[conn.id] = conn
	m.mu.Unlock()

	m.logger.Info("connection established",
		slog.String("connectionID", conn.id),
		slog.String("kind", kind))
	return conn
}

// Disconnect removes a connection from the manager. Removing an unknown identifier is a
// no-op.
func (m *ConnManager) Disconnect(id string) {
	m.mu.Lock()
	_, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if ok {
		m.logger.Info("connection closed", slog.String("connectionID", id))
	}
}

// Send pushes a frame to one connection. A stale identifier is a logged no-op; a failed
// write disconnects the peer and returns the write error.
func (m *ConnManager) Send(id string, f Frame) error {
	m.mu.RLock()
	conn, ok := m.conns[id]
	m.mu.RUnlock()

	if !ok {
		m.logger.Warn("send to unknown connection", slog.String("connectionID", id))
		return nil
	}

	if err := conn.WriteFrame(f); err != nil {
		m.logger.Warn("failed to send frame",
			slog.String("connectionID", id),
			slog.String("err", err.Error()))
		m.Disconnect(id)
		return fmt.Errorf("failed to send frame to %s: %w", id, err)
	}
	return nil
}

// Broadcast pushes a frame to every connection present when the call began. Connections
// added mid-broadcast may or may not receive it. Failed writes disconnect the affected
// peers without interrupting delivery to the rest.
func (m *ConnManager) Broadcast(f Frame) {
	m.mu.RLock()
	snapshot := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		snapshot = append(snapshot, conn)
	}
	m.mu.RUnlock()

	for _, conn := range snapshot {
		if err := conn.WriteFrame(f); err != nil {
			m.logger.Warn("failed to broadcast frame",
				slog.String("connectionID", conn.id),
				slog.String("err", err.Error()))
			m.Disconnect(conn.id)
		}
	}
}

// Count returns the number of live connections.
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
