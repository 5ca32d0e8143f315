// Package transport drives a bridge over COMMS subjects.
package transport

import (
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/webview-bridge/pkg/bridge"
	"github.com/morezero/webview-bridge/pkg/commsutil"
)

const logPrefix = "transport:comms"

// Comms delivers payloads from the inbound subject to a bridge and publishes
// the bridge's outbound payloads to the outbound subject.
type Comms struct {
	nc       *comms.Conn
	subjects commsutil.Subjects
	bridge   *bridge.Bridge

	mu  sync.Mutex
	sub *comms.Subscription
}

// NewComms creates a transport for b. Call Start to attach it.
func NewComms(nc *comms.Conn, subjects commsutil.Subjects, b *bridge.Bridge) *Comms {
	return &Comms{nc: nc, subjects: subjects, bridge: b}
}

// Subjects returns the subjects the transport uses.
func (t *Comms) Subjects() commsutil.Subjects { return t.subjects }

// Start subscribes to the inbound subject and attaches the transport to the bridge.
func (t *Comms) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sub != nil {
		return fmt.Errorf("%s - transport already started on %s", logPrefix, t.subjects.Inbound)
	}

	sub, err := t.nc.Subscribe(t.subjects.Inbound, func(msg *comms.Msg) {
		t.bridge.ReceiveRaw(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, t.subjects.Inbound, err)
	}
	if err := t.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("%s - failed to flush subscription: %w", logPrefix, err)
	}
	t.sub = sub

	outbound := t.subjects.Outbound
	t.bridge.AttachTransport(func(raw []byte) error {
		return t.nc.Publish(outbound, raw)
	})

	slog.Info(fmt.Sprintf("%s - [%s] Listening on %s, sending to %s", logPrefix, t.bridge.Name(), t.subjects.Inbound, outbound))
	return nil
}

// Stop unsubscribes and detaches the bridge, dropping its pending calls.
func (t *Comms) Stop() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	if sub == nil {
		return nil
	}

	dropped := t.bridge.DetachTransport()
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("%s - failed to unsubscribe from %s: %w", logPrefix, t.subjects.Inbound, err)
	}
	slog.Info(fmt.Sprintf("%s - [%s] Stopped, dropped %d pending calls", logPrefix, t.bridge.Name(), dropped))
	return nil
}
