package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// StdIO is the standard input/output transport. It reads newline-delimited JSON-RPC
// messages from a reader, dispatches each one, and writes the response to the writer
// before reading the next line, so responses leave in strict arrival order. There is a
// single implicit connection whose lifetime is the byte streams themselves: Start blocks
// until the input stream ends, the context is cancelled, or Shutdown is called.
//
// Proper initialization requires using the NewStdIO constructor function to create new
// instances.
type StdIO struct {
	logger     *slog.Logger
	reader     io.Reader
	writer     io.Writer
	dispatcher *Dispatcher

	lc         lifecycle
	done       chan struct{}
	doneOnce   sync.Once
	closed     chan struct{}
	closedOnce sync.Once
}

// StdIOOption configures a StdIO transport when creating it with NewStdIO.
type StdIOOption func(*StdIO)

// WithStdIOLogger sets the logger used by the stdio transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-browser"),
			slog.String("transport", "stdio"),
		)
	}
}

// NewStdIO creates a stdio transport reading from reader and writing to writer. Messages
// are routed through the given dispatcher.
func NewStdIO(reader io.Reader, writer io.Writer, dispatcher *Dispatcher, options ...StdIOOption) *StdIO {
	s := &StdIO{
		logger:     slog.Default(),
		reader:     reader,
		writer:     writer,
		dispatcher: dispatcher,
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Start runs the read-dispatch-write loop until the input stream ends or the transport is
// stopped. There is nothing to bind, so Start never fails after the initial state check.
func (s *StdIO) Start(ctx context.Context) error {
	if err := s.lc.starting(); err != nil {
		return err
	}
	if s.lc.running() {
		// A stop arrived while we were starting; honor it before serving anything.
		s.closeDone()
	}
	s.logger.Info("stdio transport running")

	s.serve(ctx)

	s.lc.stopped()
	s.closeClosed()
	s.logger.Info("stdio transport stopped")
	return nil
}

// Shutdown stops the transport and waits until the serve loop has wound down. Calling it
// before Start marks the transport terminal immediately.
func (s *StdIO) Shutdown(ctx context.Context) error {
	switch s.lc.beginStop() {
	case stopNotStarted:
		// The serve loop never ran, so it is on us to release anyone waiting on closed.
		s.closeDone()
		s.closeClosed()
		return nil
	case stopProceed:
		s.closeDone()
	case stopDeferred, stopRedundant:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// State returns the current lifecycle state of the transport.
func (s *StdIO) State() State {
	return s.lc.current()
}

func (s *StdIO) serve(ctx context.Context) {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		type lineWithErr struct {
			line string
			err  error
		}

		lines := make(chan lineWithErr, 1)

		// Read on a goroutine so a blocked read cannot hold up shutdown. The loop only
		// advances once the goroutine delivered its line, so reads never overlap.
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil {
				lines <- lineWithErr{line: line, err: err}
				return
			}
			lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
		}()

		var lwe lineWithErr
		select {
		case <-ctx.Done():
			s.lc.stopping()
			s.closeDone()
			return
		case <-s.done:
			s.lc.stopping()
			return
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if !errors.Is(lwe.err, io.EOF) {
				s.logger.Error("failed to read message", slog.String("err", lwe.err.Error()))
			} else if line := strings.TrimSpace(lwe.line); line != "" {
				// A final line without trailing newline still deserves an answer.
				s.handleLine(ctx, line)
			}
			s.lc.stopping()
			s.closeDone()
			return
		}

		if strings.TrimSpace(lwe.line) == "" {
			continue
		}

		s.handleLine(ctx, lwe.line)
	}
}

func (s *StdIO) handleLine(ctx context.Context, line string) {
	var msg JSONRPCMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
		// The request identifier is unknowable here, so the error goes out with a null
		// identifier as the protocol prescribes.
		s.write(*errorMessage(NewRequestID(nil), jsonRPCParseErrorCode,
			fmt.Errorf("failed to decode message: %w", err).Error()))
		return
	}
	if msg.JSONRPC != JSONRPCVersion {
		if msg.IsNotification() {
			return
		}
		s.write(*errorMessage(msg.ID, jsonRPCInvalidRequestCode,
			fmt.Sprintf("unsupported jsonrpc version: %s", msg.JSONRPC)))
		return
	}

	resp := s.dispatcher.Dispatch(ctx, msg)
	if resp == nil {
		return
	}
	s.write(*resp)
}

func (s *StdIO) write(msg JSONRPCMessage) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal message", slog.String("err", err.Error()))
		return
	}
	// Append newline to maintain message framing protocol.
	msgBs = append(msgBs, '\n')

	if _, err := s.writer.Write(msgBs); err != nil {
		s.logger.Error("failed to write message", slog.String("err", err.Error()))
	}
}

func (s *StdIO) closeDone() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

func (s *StdIO) closeClosed() {
	s.closedOnce.Do(func() {
		close(s.closed)
	})
}
