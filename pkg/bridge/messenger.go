package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/webview-bridge/pkg/events"
	"github.com/morezero/webview-bridge/pkg/wire"
)

const messengerLogPrefix = "bridge:messenger"

// SendMessage calls the remote command name. When onResult is non-nil the call
// gets a call id and onResult runs exactly once with the reply, unless the
// transport is detached first. With a nil onResult the call is fire-and-forget.
// SendMessage never blocks on the reply and never fails synchronously.
func (b *Bridge) SendMessage(name string, data wire.Value, onResult ResultHandler) {
	_, _ = b.send(name, data, onResult)
}

// send returns the call id allocated for the call, empty for fire-and-forget.
// The error is set only when the call id is already pending; the call is then
// dropped and the fault reported.
func (b *Bridge) send(name string, data wire.Value, onResult ResultHandler) (string, error) {
	msg := wire.NewCall(name, data, "")

	b.mu.Lock()
	if onResult != nil {
		msg.CallID = b.newCallID()
		if err := b.pending.register(msg.CallID, onResult); err != nil {
			b.mu.Unlock()
			b.publish(events.DirectionOutbound, events.KindFault, msg, err.Error())
			b.fault(err)
			return "", err
		}
	}
	if !b.canSendLocked(name) {
		b.queue = append(b.queue, msg)
		queued := len(b.queue)
		b.mu.Unlock()
		slog.Debug(fmt.Sprintf("%s - [%s] Queued call %s (queued=%d)", messengerLogPrefix, b.name, name, queued))
		b.flush()
		return msg.CallID, nil
	}
	send := b.transport
	b.mu.Unlock()

	b.push(send, msg)
	return msg.CallID, nil
}

// canSendLocked reports whether a call may bypass the queue. Queued calls keep
// their order, so a non-empty queue or a drain in progress holds new calls back
// too. Handshake calls only need a transport.
func (b *Bridge) canSendLocked(name string) bool {
	if b.transport == nil {
		return false
	}
	if isHandshakeCommand(name) {
		return true
	}
	if b.waitForReady && !b.ready {
		return false
	}
	return len(b.queue) == 0 && !b.flushing
}

// nextQueuedLocked pops the next message the bridge may send now. Before the
// peer is ready only handshake calls leave the queue.
func (b *Bridge) nextQueuedLocked() *wire.Message {
	if b.transport == nil || len(b.queue) == 0 {
		return nil
	}
	if !b.waitForReady || b.ready {
		msg := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		return msg
	}
	for i, msg := range b.queue {
		if isHandshakeCommand(msg.Name) {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return msg
		}
	}
	return nil
}

// flush drains the queue while the bridge may send. Only one goroutine drains
// at a time; calls queued meanwhile are picked up by that goroutine.
func (b *Bridge) flush() {
	b.mu.Lock()
	if b.flushing {
		b.mu.Unlock()
		return
	}
	b.flushing = true
	for {
		msg := b.nextQueuedLocked()
		if msg == nil {
			break
		}
		send := b.transport
		b.mu.Unlock()

		b.push(send, msg)

		b.mu.Lock()
	}
	b.flushing = false
	if len(b.queue) == 0 {
		b.queue = nil
	}
	b.mu.Unlock()
}

// push encodes msg and hands it to the transport. A failed call settles its
// result handler with a TRANSPORT_ERROR.
func (b *Bridge) push(send SendFunc, msg *wire.Message) {
	raw, err := b.codec.Encode(msg)
	if err == nil {
		err = send(raw)
	}
	if err == nil {
		kind := events.KindCall
		if msg.IsReply() {
			kind = events.KindReply
		}
		b.publish(events.DirectionOutbound, kind, msg, "")
		return
	}

	slog.Error(fmt.Sprintf("%s - [%s] Failed to send %s (call=%s): %v", messengerLogPrefix, b.name, msg.Name, msg.CallID, err))
	b.publish(events.DirectionOutbound, events.KindDropped, msg, err.Error())
	if !msg.ExpectsReply() {
		return
	}
	b.mu.Lock()
	h, ok := b.pending.take(msg.CallID)
	b.mu.Unlock()
	if ok {
		h(wire.Null(), &Error{
			Code:    CodeTransportError,
			Message: fmt.Sprintf("failed to send %q", msg.Name),
			Cause:   err,
		})
	}
}

// sendReply pushes a reply straight to the transport. Replies answer calls the
// peer already made, so they never wait in the queue.
func (b *Bridge) sendReply(msg *wire.Message) error {
	b.mu.Lock()
	send := b.transport
	b.mu.Unlock()

	if send == nil {
		err := &Error{
			Code:    CodeTransportError,
			Message: fmt.Sprintf("no transport attached, dropped reply to %q (call=%s)", msg.Name, msg.CallID),
		}
		slog.Warn(fmt.Sprintf("%s - [%s] %v", messengerLogPrefix, b.name, err))
		b.publish(events.DirectionOutbound, events.KindDropped, msg, err.Error())
		return err
	}

	raw, err := b.codec.Encode(msg)
	if err == nil {
		err = send(raw)
	}
	if err != nil {
		slog.Error(fmt.Sprintf("%s - [%s] Failed to send reply to %s (call=%s): %v", messengerLogPrefix, b.name, msg.Name, msg.CallID, err))
		b.publish(events.DirectionOutbound, events.KindDropped, msg, err.Error())
		return &Error{Code: CodeTransportError, Message: fmt.Sprintf("failed to reply to %q", msg.Name), Cause: err}
	}
	b.publish(events.DirectionOutbound, events.KindReply, msg, "")
	return nil
}

// ReceiveRaw is the entry point the transport driver calls for every inbound
// payload. Malformed payloads and stale replies are logged and dropped.
func (b *Bridge) ReceiveRaw(raw []byte) {
	msg, err := b.codec.Decode(raw)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - [%s] Dropping malformed message: %v", messengerLogPrefix, b.name, err))
		b.publish(events.DirectionInbound, events.KindDropped, nil, (&Error{Code: CodeMalformedMessage, Cause: err}).Error())
		return
	}
	b.Receive(msg)
}

// Receive dispatches an already decoded message.
func (b *Bridge) Receive(msg *wire.Message) {
	if msg.IsReply() {
		b.dispatchReply(msg)
		return
	}
	b.dispatchCall(msg)
}

func (b *Bridge) dispatchReply(msg *wire.Message) {
	b.mu.Lock()
	h, ok := b.pending.take(msg.CallID)
	b.mu.Unlock()

	if !ok {
		err := &Error{Code: CodeStaleReply, Message: fmt.Sprintf("no pending call %s for %q", msg.CallID, msg.Name)}
		slog.Debug(fmt.Sprintf("%s - [%s] Dropping reply: %v", messengerLogPrefix, b.name, err))
		b.publish(events.DirectionInbound, events.KindDropped, msg, err.Error())
		return
	}
	b.publish(events.DirectionInbound, events.KindReply, msg, "")
	settle(h, msg)
}

func (b *Bridge) dispatchCall(msg *wire.Message) {
	b.mu.Lock()
	h, ok := b.commands.lookup(msg.Name)
	b.mu.Unlock()

	c := newCompletion(b, msg.Name, msg.CallID)
	if !ok {
		b.publish(events.DirectionInbound, events.KindUnknownCommand, msg, "")
		b.handleUnknown(msg.Name, c)
		return
	}
	b.publish(events.DirectionInbound, events.KindCall, msg, "")
	h(msg.Data, c)
}

// handleUnknown applies the non-existent command policy to c.
func (b *Bridge) handleUnknown(name string, c Completer) {
	switch b.policy {
	case PolicyResolved:
		slog.Debug(fmt.Sprintf("%s - [%s] Unknown command %s, resolving with null", messengerLogPrefix, b.name, name))
		_ = c.Resolve(wire.Null())
	case PolicyRaiseFault:
		b.fault(&Error{Code: CodeUnknownCommand, Message: fmt.Sprintf("command %q is not added", name)})
	default:
		slog.Warn(fmt.Sprintf("%s - [%s] Unknown command %s, rejecting", messengerLogPrefix, b.name, name))
		_ = c.Reject("CommandNotAdded: " + name)
	}
}

// publish reports a traffic event. Publisher failures are logged and otherwise ignored.
func (b *Bridge) publish(dir events.Direction, kind events.Kind, msg *wire.Message, reason string) {
	event := &events.TrafficEvent{
		Bridge:    b.name,
		Direction: dir,
		Kind:      kind,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if msg != nil {
		event.Name = msg.Name
		event.CallID = msg.CallID
		event.Status = string(msg.Status)
	}
	err := b.publisher.PublishTraffic(context.Background(), event)
	switch {
	case err == nil:
	case errors.Is(err, events.ErrPublisherFull), errors.Is(err, events.ErrPublisherClosed):
		slog.Debug(fmt.Sprintf("%s - [%s] Traffic event %s dropped: %v", messengerLogPrefix, b.name, kind, err))
	default:
		slog.Warn(fmt.Sprintf("%s - [%s] Failed to publish traffic event: %v", messengerLogPrefix, b.name, err))
	}
}
