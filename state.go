package mcp

import (
	"fmt"
	"sync"
)

// State identifies where a transport is in its lifecycle.
type State int

// Transport lifecycle states. Transitions always follow StateCreated -> StateStarting ->
// StateRunning -> StateStopping -> StateStopped, never skipping a step. StateStopped is
// terminal; a stopped transport cannot be started again.
const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// stopDisposition tells Shutdown how a stop request was absorbed by the state machine.
type stopDisposition int

const (
	// stopProceed means the transport was running and the caller owns the teardown.
	stopProceed stopDisposition = iota
	// stopDeferred means startup is still in flight; the stop is queued and applied
	// right after StateRunning is entered.
	stopDeferred
	// stopNotStarted means Start was never called; the transport is terminal now.
	stopNotStarted
	// stopRedundant means a stop is already in progress or done.
	stopRedundant
)

// lifecycle guards a transport's place in the state machine. A stop requested while the
// transport is still starting is remembered and reported by running, so the start flow can
// tear down immediately after reaching StateRunning instead of hanging the stop caller.
type lifecycle struct {
	mu         sync.Mutex
	state      State
	stopQueued bool
}

func (l *lifecycle) starting() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateCreated {
		return fmt.Errorf("transport is %s, want %s", l.state, StateCreated)
	}
	l.state = StateStarting
	return nil
}

// running enters StateRunning and reports whether a stop arrived during startup.
func (l *lifecycle) running() (stopQueued bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateRunning
	return l.stopQueued
}

func (l *lifecycle) beginStop() stopDisposition {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateRunning:
		l.state = StateStopping
		return stopProceed
	case StateStarting:
		l.stopQueued = true
		return stopDeferred
	case StateCreated:
		l.state = StateStopped
		return stopNotStarted
	default:
		return stopRedundant
	}
}

// stopping moves a running transport into StateStopping from the start flow itself, used
// when the protocol loop ends on its own (EOF on stdio) or a queued stop fires.
func (l *lifecycle) stopping() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateRunning {
		l.state = StateStopping
	}
}

func (l *lifecycle) stopped() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateStopped
}

// abort marks a transport that failed during startup as terminal.
func (l *lifecycle) abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateStopped
}

func (l *lifecycle) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
