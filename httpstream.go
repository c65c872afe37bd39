package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
)

const (
	defaultMaxRequestSize  = 1 << 20
	defaultResponseTimeout = 30 * time.Second
	defaultPollInterval    = time.Second

	requestQueueSize = 64
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// HTTPStreamTransport serves the streamable HTTP flavor of the protocol. Request
// admission and response delivery are decoupled so the transport works through plain HTTP
// proxies:
//
//   - POST /messages: submits one message. The caller blocks until the matching response
//     is produced and receives it as the 200 body, or gets a 504 when the response does
//     not arrive within the configured timeout. A message without an identifier is
//     assigned a fresh one. Exactly one response is delivered per admitted identifier.
//   - GET /messages: a long-lived NDJSON stream observing admitted requests, with
//     heartbeat lines while the stream is idle. The canonical response still flows back
//     through the POST call, never through this stream.
//   - GET /health, GET /info: introspection, outside the correlation path.
//
// Admitted messages are processed sequentially by a single background loop, so requests
// are dispatched in admission order. Instances should be created using
// NewHTTPStreamTransport.
type HTTPStreamTransport struct {
	logger     *slog.Logger
	addr       string
	dispatcher *Dispatcher
	correlator *Correlator

	maxRequestSize  int64
	responseTimeout time.Duration
	pollInterval    time.Duration

	requests chan queuedRequest

	obsMu     sync.Mutex
	observers map[string]chan queuedRequest

	httpServer *http.Server

	lc         lifecycle
	done       chan struct{}
	doneOnce   sync.Once
	closed     chan struct{}
	closedOnce sync.Once
}

type queuedRequest struct {
	id  RequestID
	msg JSONRPCMessage
}

// streamEvent is one NDJSON line pushed to observers on GET /messages.
type streamEvent struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"client_id,omitempty"`
	ID        RequestID       `json:"id,omitempty"`
	Message   *JSONRPCMessage `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type serverInfoResult struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

type healthStatus struct {
	Status            string `json:"status"`
	Service           string `json:"service"`
	Version           string `json:"version"`
	Transport         string `json:"transport"`
	ActiveConnections int    `json:"active_connections"`
}

type serverOverview struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Protocol     string            `json:"protocol"`
	Transport    string            `json:"transport"`
	Capabilities []string          `json:"capabilities"`
	Endpoints    map[string]string `json:"endpoints"`
}

// HTTPStreamTransportOption configures an HTTPStreamTransport when creating it with
// NewHTTPStreamTransport.
type HTTPStreamTransportOption func(*HTTPStreamTransport)

// WithHTTPStreamLogger sets the logger used by the HTTP stream transport.
func WithHTTPStreamLogger(logger *slog.Logger) HTTPStreamTransportOption {
	return func(t *HTTPStreamTransport) {
		t.logger = logger.With(
			slog.String("package", "go-mcp-browser"),
			slog.String("transport", "http_stream"),
		)
	}
}

// WithMaxRequestSize caps the accepted POST body size in bytes. Oversized bodies are
// rejected with 413 before any dispatch is attempted.
func WithMaxRequestSize(size int64) HTTPStreamTransportOption {
	return func(t *HTTPStreamTransport) {
		t.maxRequestSize = size
	}
}

// WithResponseTimeout sets how long a POST caller waits for its correlated response.
func WithResponseTimeout(timeout time.Duration) HTTPStreamTransportOption {
	return func(t *HTTPStreamTransport) {
		t.responseTimeout = timeout
	}
}

// WithPollInterval sets the idle delay between heartbeat lines on the GET stream.
func WithPollInterval(interval time.Duration) HTTPStreamTransportOption {
	return func(t *HTTPStreamTransport) {
		t.pollInterval = interval
	}
}

// NewHTTPStreamTransport creates a streamable HTTP transport listening on addr. Messages
// are routed through the given dispatcher.
func NewHTTPStreamTransport(addr string, dispatcher *Dispatcher, options ...HTTPStreamTransportOption) *HTTPStreamTransport {
	t := &HTTPStreamTransport{
		logger:          slog.Default(),
		addr:            addr,
		dispatcher:      dispatcher,
		maxRequestSize:  defaultMaxRequestSize,
		responseTimeout: defaultResponseTimeout,
		pollInterval:    defaultPollInterval,
		requests:        make(chan queuedRequest, requestQueueSize),
		observers:       make(map[string]chan queuedRequest),
		done:            make(chan struct{}),
		closed:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	t.correlator = NewCorrelator(t.logger)
	return t
}

// Correlator returns the request correlator pairing submitted messages with their
// responses.
func (t *HTTPStreamTransport) Correlator() *Correlator {
	return t.correlator
}

// Handler returns the http.Handler serving all transport endpoints. It can be mounted on
// any HTTP server; Start uses it on the transport's own listener. The message processing
// loop only runs while the transport is started, so requests admitted through a detached
// handler are answered only in that window.
func (t *HTTPStreamTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			t.handlePost(w, r)
		case http.MethodGet:
			t.handleStream(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/health", t.handleHealth)
	mux.HandleFunc("/info", t.handleInfo)
	return mux
}

// Start binds the listener, runs the message processing loop, and serves until the
// transport is stopped. Only a bind failure is returned as an error.
func (t *HTTPStreamTransport) Start(ctx context.Context) error {
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
	t.logger.Info("http stream transport running", slog.String("addr", ln.Addr().String()))

	go t.processMessages(ctx)

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

	// Unblock pending POST waiters first so the server shutdown is not held up by them.
	t.correlator.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := t.httpServer.Shutdown(shutdownCtx); err != nil {
		t.logger.Warn("failed to shutdown http server", slog.String("err", err.Error()))
		t.httpServer.Close()
	}

	t.lc.stopped()
	t.closeClosed()
	t.logger.Info("http stream transport stopped")
	return nil
}

// Shutdown stops the transport and waits until the listener, the processing loop, and all
// streams have wound down. Calling it before Start marks the transport terminal
// immediately.
func (t *HTTPStreamTransport) Shutdown(ctx context.Context) error {
	switch t.lc.beginStop() {
	case stopNotStarted:
		// The serve loop never ran, so it is on us to release anyone waiting on closed.
		t.closeDone()
		t.closeClosed()
		t.correlator.Close()
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
func (t *HTTPStreamTransport) State() State {
	return t.lc.current()
}

// processMessages consumes admitted requests one at a time, so dispatch order matches
// admission order and concurrent submissions cannot race against each other.
func (t *HTTPStreamTransport) processMessages(ctx context.Context) {
	for {
		select {
		case <-t.done:
			return
		case req := <-t.requests:
			resp := t.handleMessage(ctx, req.msg)
			if resp == nil {
				continue
			}
			t.correlator.Complete(req.id, *resp)
		}
	}
}

// handleMessage routes one admitted message, answering the transport's own server/info
// extension locally and handing everything else to the dispatcher.
func (t *HTTPStreamTransport) handleMessage(ctx context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	if msg.Method == methodServerInfo {
		info := t.dispatcher.Info()
		bs, err := json.Marshal(serverInfoResult{
			Name:         info.Name,
			Version:      info.Version,
			Capabilities: []string{MethodToolsList, MethodToolsCall},
		})
		if err != nil {
			return errorMessage(msg.ID, jsonRPCInternalErrorCode,
				fmt.Errorf("failed to marshal server info: %w", err).Error())
		}
		return &JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Result:  bs,
		}
	}
	return t.dispatcher.Dispatch(ctx, msg)
}

func (t *HTTPStreamTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxRequestSize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		nErr := fmt.Errorf("failed to decode message: %w", err)
		t.logger.Warn("failed to decode message", slog.String("err", err.Error()))
		http.Error(w, nErr.Error(), http.StatusBadRequest)
		return
	}
	if msg.JSONRPC != JSONRPCVersion {
		http.Error(w, fmt.Sprintf("unsupported jsonrpc version: %s", msg.JSONRPC), http.StatusBadRequest)
		return
	}

	// A missing identifier gets a fresh one so the response can be correlated back to
	// this call. An explicit null identifier counts as missing here.
	if msg.ID.IsZero() || msg.ID.String() == "null" {
		msg.ID = NewRequestID(uuid.New().String())
	}

	if err := t.correlator.Add(msg.ID); err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	deadline := time.Now().Add(t.responseTimeout)

	req := queuedRequest{id: msg.ID, msg: msg}
	select {
	case t.requests <- req:
		t.notifyObservers(req)
	case <-t.done:
		// The wait below fails immediately and releases the correlation slot.
	case <-time.After(t.responseTimeout):
	}

	resp, err := t.correlator.Await(r.Context(), msg.ID, time.Until(deadline))
	if err != nil {
		switch {
		case errors.Is(err, ErrWaitTimeout):
			http.Error(w, "timed out waiting for response", http.StatusGatewayTimeout)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// Caller went away; the slot is already released.
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	t.writeJSON(w, resp)
}

func (t *HTTPStreamTransport) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	clientID := uuid.New().String()
	feed := t.addObserver(clientID)
	defer t.removeObserver(clientID)

	t.logger.Info("message stream connected", slog.String("clientID", clientID))
	defer t.logger.Info("message stream closed", slog.String("clientID", clientID))

	enc := json.NewEncoder(w)
	write := func(ev streamEvent) error {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := write(streamEvent{
		Type:      "connected",
		ClientID:  clientID,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.done:
			return
		case req := <-feed:
			err := write(streamEvent{
				Type:      "request",
				ID:        req.id,
				Message:   &req.msg,
				Timestamp: time.Now().Unix(),
			})
			if err != nil {
				return
			}
			ticker.Reset(t.pollInterval)
		case <-ticker.C:
			err := write(streamEvent{
				Type:      "heartbeat",
				Timestamp: time.Now().Unix(),
			})
			if err != nil {
				return
			}
		}
	}
}

func (t *HTTPStreamTransport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	info := t.dispatcher.Info()
	t.writeJSON(w, healthStatus{
		Status:            "healthy",
		Service:           info.Name,
		Version:           info.Version,
		Transport:         "http_stream",
		ActiveConnections: t.correlator.Pending(),
	})
}

func (t *HTTPStreamTransport) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := t.dispatcher.Info()
	t.writeJSON(w, serverOverview{
		Name:         info.Name,
		Version:      info.Version,
		Protocol:     "mcp",
		Transport:    "http_stream",
		Capabilities: []string{MethodToolsList, MethodToolsCall},
		Endpoints: map[string]string{
			"post_message": fmt.Sprintf("http://%s/messages", r.Host),
			"get_messages": fmt.Sprintf("http://%s/messages", r.Host),
			"health":       fmt.Sprintf("http://%s/health", r.Host),
		},
	})
}

func (t *HTTPStreamTransport) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.logger.Warn("failed to write response", slog.String("err", err.Error()))
	}
}

func (t *HTTPStreamTransport) addObserver(id string) chan queuedRequest {
	feed := make(chan queuedRequest, 16)
	t.obsMu.Lock()
	t.observers[id] = feed
	t.obsMu.Unlock()
	return feed
}

func (t *HTTPStreamTransport) removeObserver(id string) {
	t.obsMu.Lock()
	delete(t.observers, id)
	t.obsMu.Unlock()
}

// notifyObservers hands a copy of an admitted request to every open stream. A stream that
// cannot keep up misses copies; the canonical response path is unaffected.
func (t *HTTPStreamTransport) notifyObservers(req queuedRequest) {
	t.obsMu.Lock()
	feeds := make([]chan queuedRequest, 0, len(t.observers))
	for _, feed := range t.observers {
		feeds = append(feeds, feed)
	}
	t.obsMu.Unlock()

	for _, feed := range feeds {
		select {
		case feed <- req:
		default:
		}
	}
}

func (t *HTTPStreamTransport) closeDone() {
	t.doneOnce.Do(func() {
		close(t.done)
	})
}

func (t *HTTPStreamTransport) closeClosed() {
	t.closedOnce.Do(func() {
		close(t.closed)
	})
}
