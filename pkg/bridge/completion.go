package bridge

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/morezero/webview-bridge/pkg/wire"
)

const completionLogPrefix = "bridge:completion"

// defaultRejection replaces an empty rejection message.
const defaultRejection = "Rejected"

// State is the lifecycle of a completion token. Resolved and Rejected are terminal.
type State int32

const (
	StatePending State = iota
	StateResolved
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Completer is handed to command handlers. Exactly one Resolve or Reject takes
// effect; later calls return an ALREADY_COMPLETED error and do nothing else.
type Completer interface {
	Resolve(data wire.Value) error
	Reject(errorMessage string) error
	State() State
	Completed() bool
	Name() string
}

// token holds the one-shot state shared by both completion kinds.
type token struct {
	name   string
	callID string
	state  atomic.Int32
}

func (t *token) transition(to State) error {
	if t.state.CompareAndSwap(int32(StatePending), int32(to)) {
		return nil
	}
	err := &Error{
		Code:    CodeAlreadyCompleted,
		Message: fmt.Sprintf("command %q already %s", t.name, State(t.state.Load())),
	}
	slog.Error(fmt.Sprintf("%s - %v (call=%s)", completionLogPrefix, err, t.callID))
	return err
}

func (t *token) State() State { return State(t.state.Load()) }

// Name returns the command the token answers.
func (t *token) Name() string { return t.name }

func (t *token) Completed() bool { return t.State() != StatePending }

// Completion answers one call received from the remote side. It sends exactly
// one reply carrying its call id; without a call id it sends nothing.
type Completion struct {
	token
	bridge *Bridge
}

func newCompletion(b *Bridge, name, callID string) *Completion {
	return &Completion{token: token{name: name, callID: callID}, bridge: b}
}

// CallID returns the id the reply is correlated by; empty for fire-and-forget calls.
func (c *Completion) CallID() string { return c.callID }

// Resolve completes the call successfully with data.
func (c *Completion) Resolve(data wire.Value) error {
	if err := c.transition(StateResolved); err != nil {
		return err
	}
	if c.callID == "" {
		return nil
	}
	return c.bridge.sendReply(wire.NewResolved(c.name, c.callID, data))
}

// Reject completes the call with an error message.
func (c *Completion) Reject(errorMessage string) error {
	if err := c.transition(StateRejected); err != nil {
		return err
	}
	if c.callID == "" {
		return nil
	}
	return c.bridge.sendReply(wire.NewRejected(c.name, c.callID, errorMessage))
}

// LocalCompletion answers a command executed in-process through Bridge.Execute.
type LocalCompletion struct {
	token
	onResult ResultHandler
}

func newLocalCompletion(name string, onResult ResultHandler) *LocalCompletion {
	return &LocalCompletion{token: token{name: name}, onResult: onResult}
}

func (c *LocalCompletion) Resolve(data wire.Value) error {
	if err := c.transition(StateResolved); err != nil {
		return err
	}
	if c.onResult != nil {
		c.onResult(data, nil)
	}
	return nil
}

func (c *LocalCompletion) Reject(errorMessage string) error {
	if err := c.transition(StateRejected); err != nil {
		return err
	}
	if errorMessage == "" {
		errorMessage = defaultRejection
	}
	if c.onResult != nil {
		c.onResult(wire.Null(), &Error{Code: CodeRejected, Message: errorMessage})
	}
	return nil
}
