package bridge

import (
	"fmt"

	"github.com/morezero/webview-bridge/pkg/wire"
)

// ResultHandler receives the outcome of a call: the payload on success, or an error.
type ResultHandler func(result wire.Value, err error)

// correlationTable maps call ids of outbound calls to their result handlers.
// Entries are removed exactly once: by take, discard or clear. The owning Bridge
// serializes access and invokes handlers only after releasing its lock.
type correlationTable struct {
	pending map[string]ResultHandler
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{pending: make(map[string]ResultHandler)}
}

func (t *correlationTable) register(callID string, h ResultHandler) error {
	if _, ok := t.pending[callID]; ok {
		return &Error{Code: CodeDuplicateCallID, Message: fmt.Sprintf("call id %q is already pending", callID)}
	}
	t.pending[callID] = h
	return nil
}

// take removes and returns the handler for callID.
func (t *correlationTable) take(callID string) (ResultHandler, bool) {
	h, ok := t.pending[callID]
	if ok {
		delete(t.pending, callID)
	}
	return h, ok
}

// discard forgets callID without running its handler.
func (t *correlationTable) discard(callID string) bool {
	_, ok := t.take(callID)
	return ok
}

// clear drops every entry without running handlers and returns how many were dropped.
func (t *correlationTable) clear() int {
	n := len(t.pending)
	t.pending = make(map[string]ResultHandler)
	return n
}

func (t *correlationTable) len() int { return len(t.pending) }

// settle runs h with the outcome carried by a reply.
func settle(h ResultHandler, reply *wire.Message) {
	if reply.Status == wire.StatusResolved {
		h(reply.Data, nil)
		return
	}
	msg := reply.ErrorMessage
	if msg == "" {
		msg = defaultRejection
	}
	h(wire.Null(), &Error{Code: CodeRejected, Message: msg})
}
