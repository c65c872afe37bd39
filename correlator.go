package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrWaitTimeout is returned by Correlator.Await when no response arrived within the
// timeout, or when the correlator closed while the wait was in flight.
var ErrWaitTimeout = errors.New("timed out waiting for response")

// ErrDuplicateRequest is returned by Correlator.Add when a request with the same
// identifier is already awaiting its response.
var ErrDuplicateRequest = errors.New("request id is already pending")

// Correlator pairs submitted requests with the responses produced for them on another
// goroutine. Each identifier owns a one-shot rendezvous slot: the slot is created when the
// request is accepted, filled at most once by the matching response, and removed by the
// waiter when it consumes the response or gives up. Removal belongs to the waiter alone,
// so a response completed before the waiter arrives stays buffered in the slot and is
// still delivered; a timed-out entry cannot deliver late.
type Correlator struct {
	logger *slog.Logger
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	pending map[string]chan JSONRPCMessage
}

// NewCorrelator creates a correlator. A nil logger falls back to slog.Default().
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		logger:  logger,
		done:    make(chan struct{}),
		pending: make(map[string]chan JSONRPCMessage),
	}
}

// Add registers a pending request. It fails with ErrDuplicateRequest when the identifier
// is already in flight, and with a closed error after Close.
func (c *Correlator) Add(id RequestID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("correlator is closed")
	}
	key := id.String()
	if _, ok := c.pending[key]; ok {
		return fmt.Errorf("request %s: %w", key, ErrDuplicateRequest)
	}
	c.pending[key] = make(chan JSONRPCMessage, 1)
	return nil
}

// Complete delivers the response for a pending request. It only sends; the slot stays in
// the map until the waiter consumes it, so completing before the waiter arrives is safe.
// A response for an identifier that is no longer pending, because it already timed out or
// was never registered, is dropped with a log entry, as is a second response for an
// identifier that already has one buffered.
func (c *Correlator) Complete(id RequestID, msg JSONRPCMessage) {
	key := id.String()

	c.mu.Lock()
	slot, ok := c.pending[key]
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("dropping response for unknown request", slog.String("requestID", key))
		return
	}
	select {
	case slot <- msg:
	default:
		c.logger.Warn("dropping duplicate response", slog.String("requestID", key))
	}
}

// Await blocks until the response for id arrives, the timeout passes, the context is
// cancelled, or the correlator closes. A response that was completed before Await was
// called is consumed immediately. On every exit path the pending slot is released, so an
// abandoned request leaves nothing behind.
func (c *Correlator) Await(ctx context.Context, id RequestID, timeout time.Duration) (JSONRPCMessage, error) {
	key := id.String()

	c.mu.Lock()
	slot, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		return JSONRPCMessage{}, fmt.Errorf("request %s is not pending", key)
	}
	defer c.remove(key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-slot:
		return msg, nil
	case <-timer.C:
		return JSONRPCMessage{}, fmt.Errorf("request %s: %w", key, ErrWaitTimeout)
	case <-ctx.Done():
		return JSONRPCMessage{}, fmt.Errorf("request %s: %w", key, ctx.Err())
	case <-c.done:
		return JSONRPCMessage{}, fmt.Errorf("request %s: %w", key, ErrWaitTimeout)
	}
}

// Pending returns the number of requests still awaiting their response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close unblocks every waiter with ErrWaitTimeout and rejects further Add calls. It is
// safe to call more than once.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
}

func (c *Correlator) remove(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}
