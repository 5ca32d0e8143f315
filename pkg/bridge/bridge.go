// Package bridge correlates calls and replies between a host application and
// script code running in an embedded document view.
//
// Either side registers named commands and calls the other side's commands;
// every call that expects a result gets a call id, and the matching reply
// settles the caller's ResultHandler exactly once. A Bridge owns its command
// registry and correlation table, so several bridges (one per view) never
// share state.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/webview-bridge/pkg/events"
	"github.com/morezero/webview-bridge/pkg/wire"
)

const logPrefix = "bridge:bridge"

// NonExistentCommandPolicy decides what happens when an inbound call names an
// unregistered command. The zero value is PolicyRejected.
type NonExistentCommandPolicy int

const (
	// PolicyRejected replies with a rejection naming the missing command.
	PolicyRejected NonExistentCommandPolicy = iota
	// PolicyResolved replies with a null result.
	PolicyResolved
	// PolicyRaiseFault sends no reply and reports a fault to the host.
	PolicyRaiseFault
)

func (p NonExistentCommandPolicy) String() string {
	switch p {
	case PolicyRejected:
		return "rejected"
	case PolicyResolved:
		return "resolved"
	case PolicyRaiseFault:
		return "raise-fault"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses "resolved", "rejected" or "raise-fault".
func ParsePolicy(s string) (NonExistentCommandPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rejected":
		return PolicyRejected, nil
	case "resolved":
		return PolicyResolved, nil
	case "raise-fault", "raisefault", "exception":
		return PolicyRaiseFault, nil
	default:
		return PolicyRejected, fmt.Errorf("unknown non-existent command policy %q", s)
	}
}

// SendFunc pushes one encoded message to the remote side.
type SendFunc func(raw []byte) error

// Options configures a Bridge. Zero values use defaults.
type Options struct {
	// Name identifies the bridge in logs and traffic events.
	Name string
	// Codec encodes the wire envelope; defaults to wire.JSONCodec.
	Codec wire.Codec
	// Policy applies to inbound calls for unregistered commands.
	Policy NonExistentCommandPolicy
	// WaitForReady holds outbound calls until the peer completes the handshake.
	WaitForReady bool
	// OnReady runs on its own goroutine once the peer acknowledges the handshake.
	OnReady func()
	// OnFault receives host-fatal faults. Without it the bridge panics.
	OnFault func(err error)
	// Publisher receives traffic events. Delivery runs on a writer goroutine,
	// so a slow publisher never holds up sends or dispatch.
	Publisher events.TrafficPublisher
	// PublishBuffer is the number of traffic events held for a busy publisher
	// before new ones are dropped (default 1024).
	PublishBuffer int
	// PublishTimeout bounds each delivery to Publisher (default 5s).
	PublishTimeout time.Duration
	// NewCallID generates call ids; defaults to random UUIDs.
	NewCallID func() string
}

// Bridge is the public surface of the engine. All state is guarded by one
// mutex; handlers, result handlers, the transport and the publisher are always
// invoked with the mutex released, so they may call back into the bridge.
type Bridge struct {
	name         string
	codec        wire.Codec
	policy       NonExistentCommandPolicy
	waitForReady bool
	onReady      func()
	onFault      func(err error)
	publisher    events.TrafficPublisher
	async        *events.AsyncPublisher
	newCallID    func() string

	mu        sync.Mutex
	commands  *commandRegistry
	pending   *correlationTable
	transport SendFunc
	queue     []*wire.Message
	flushing  bool
	ready     bool
}

// New creates a Bridge with the handshake commands pre-registered.
func New(opts Options) *Bridge {
	b := &Bridge{
		name:         opts.Name,
		codec:        opts.Codec,
		policy:       opts.Policy,
		waitForReady: opts.WaitForReady,
		onReady:      opts.OnReady,
		onFault:      opts.OnFault,
		publisher:    opts.Publisher,
		newCallID:    opts.NewCallID,
		commands:     newCommandRegistry(),
		pending:      newCorrelationTable(),
	}
	if b.name == "" {
		b.name = "bridge"
	}
	if b.codec == nil {
		b.codec = wire.JSONCodec{}
	}
	if b.publisher == nil {
		b.publisher = &events.NoOpPublisher{}
	}
	if _, noop := b.publisher.(*events.NoOpPublisher); !noop {
		b.async = events.NewAsyncPublisher(b.publisher, events.AsyncPublisherOpts{
			Buffer:  opts.PublishBuffer,
			Timeout: opts.PublishTimeout,
		})
		b.publisher = b.async
	}
	if b.newCallID == nil {
		b.newCallID = func() string { return uuid.New().String() }
	}
	b.registerHandshakeCommands()
	return b
}

// Name returns the bridge name.
func (b *Bridge) Name() string { return b.name }

// AttachTransport connects the bridge to a transport. Replacing an attached
// transport behaves like DetachTransport first: the previous script context is
// gone. Calls queued while detached are flushed once the bridge may send.
func (b *Bridge) AttachTransport(send SendFunc) {
	if send == nil {
		b.DetachTransport()
		return
	}
	b.mu.Lock()
	if b.transport != nil {
		dropped := b.resetLocked()
		slog.Info(fmt.Sprintf("%s - [%s] Transport replaced, dropped %d pending calls", logPrefix, b.name, dropped))
	}
	b.transport = send
	b.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - [%s] Transport attached", logPrefix, b.name))
	b.flush()
}

// DetachTransport disconnects the transport and forgets every pending call
// without settling it. Commands stay registered. It returns the number of
// pending calls dropped.
func (b *Bridge) DetachTransport() int {
	b.mu.Lock()
	dropped := b.resetLocked()
	b.transport = nil
	b.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - [%s] Transport detached, dropped %d pending calls", logPrefix, b.name, dropped))
	return dropped
}

func (b *Bridge) resetLocked() int {
	dropped := b.pending.clear()
	b.queue = nil
	b.ready = false
	return dropped
}

// AddCommand registers h under name, replacing any earlier handler.
func (b *Bridge) AddCommand(name string, h Handler) *Bridge {
	if name == "" || h == nil {
		slog.Warn(fmt.Sprintf("%s - [%s] Ignoring command with empty name or nil handler", logPrefix, b.name))
		return b
	}
	b.mu.Lock()
	b.commands.add(name, h)
	b.mu.Unlock()
	slog.Debug(fmt.Sprintf("%s - [%s] Added command %s", logPrefix, b.name, name))
	return b
}

// RemoveCommand unregisters name. Removing a missing command is a no-op.
func (b *Bridge) RemoveCommand(name string) *Bridge {
	b.mu.Lock()
	removed := b.commands.remove(name)
	b.mu.Unlock()
	if removed {
		slog.Debug(fmt.Sprintf("%s - [%s] Removed command %s", logPrefix, b.name, name))
	}
	return b
}

// HasCommand reports whether name is registered.
func (b *Bridge) HasCommand(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commands.has(name)
}

// Commands returns the registered command names, sorted.
func (b *Bridge) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commands.names()
}

// IsReady reports whether the peer has completed the handshake.
func (b *Bridge) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Execute runs a registered command in-process. The result reaches onResult
// exactly as a remote reply would; unknown commands follow the bridge policy.
func (b *Bridge) Execute(name string, data wire.Value, onResult ResultHandler) {
	b.mu.Lock()
	h, ok := b.commands.lookup(name)
	b.mu.Unlock()

	local := newLocalCompletion(name, onResult)
	if ok {
		h(data, local)
		return
	}
	b.handleUnknown(name, local)
}

// Stats is a snapshot of bridge state.
type Stats struct {
	Name          string   `json:"name"`
	Attached      bool     `json:"attached"`
	Ready         bool     `json:"ready"`
	Pending       int      `json:"pending"`
	Queued        int      `json:"queued"`
	EventsDropped int64    `json:"eventsDropped"`
	Commands      []string `json:"commands"`
}

// Stats returns a snapshot of bridge state.
func (b *Bridge) Stats() Stats {
	var dropped int64
	if b.async != nil {
		dropped = b.async.Dropped()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:          b.name,
		Attached:      b.transport != nil,
		Ready:         b.ready,
		Pending:       b.pending.len(),
		Queued:        len(b.queue),
		EventsDropped: dropped,
		Commands:      b.commands.names(),
	}
}

// Close delivers the traffic events still buffered and stops the publisher
// goroutine, waiting at most until ctx is done. The bridge keeps working
// afterwards but publishes no more events.
func (b *Bridge) Close(ctx context.Context) error {
	if b.async == nil {
		return nil
	}
	return b.async.Close(ctx)
}

// fault reports a host-fatal condition.
func (b *Bridge) fault(err error) {
	slog.Error(fmt.Sprintf("%s - [%s] Fault: %v", logPrefix, b.name, err))
	if b.onFault != nil {
		b.onFault(err)
		return
	}
	panic(err)
}
