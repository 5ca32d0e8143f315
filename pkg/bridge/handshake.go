package bridge

import (
	"fmt"
	"log/slog"

	"github.com/morezero/webview-bridge/pkg/semver"
	"github.com/morezero/webview-bridge/pkg/wire"
)

const handshakeLogPrefix = "bridge:handshake"

// ProtocolVersion is announced to the peer during the handshake.
const ProtocolVersion = "1.0.0"

// Built-in handshake commands. They are registered on every bridge.
const (
	CommandSYN = "_bridgeSYN"
	CommandACK = "_bridgeACK"
)

func isHandshakeCommand(name string) bool {
	return name == CommandSYN || name == CommandACK
}

func versionPayload() wire.Value {
	return wire.Object(map[string]wire.Value{"version": wire.String(ProtocolVersion)})
}

func (b *Bridge) registerHandshakeCommands() {
	b.commands.add(CommandSYN, func(data wire.Value, c Completer) {
		b.checkPeerVersion(data)
		_ = c.Resolve(versionPayload())
		b.markReady()
	})
	b.commands.add(CommandACK, func(_ wire.Value, c Completer) {
		_ = c.Resolve(wire.Null())
		b.markReady()
		b.notifyReady()
	})
}

// Handshake starts the ready handshake from this side: it sends SYN with the
// local protocol version, marks the bridge ready once the peer answers, and
// then sends ACK. A failed or incompatible handshake is logged and still marks
// the bridge ready. onDone, if set, receives the peer's SYN reply.
func (b *Bridge) Handshake(onDone ResultHandler) {
	slog.Info(fmt.Sprintf("%s - [%s] Starting handshake (version=%s)", handshakeLogPrefix, b.name, ProtocolVersion))

	_, _ = b.send(CommandSYN, versionPayload(), func(result wire.Value, err error) {
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - [%s] Handshake failed, continuing without peer version: %v", handshakeLogPrefix, b.name, err))
		} else {
			b.checkPeerVersion(result)
		}
		b.markReady()
		_, _ = b.send(CommandACK, wire.Null(), nil)
		b.notifyReady()
		if onDone != nil {
			onDone(result, err)
		}
	})
}

func (b *Bridge) checkPeerVersion(data wire.Value) {
	v, _ := data.Get("version")
	remote, ok := v.AsString()
	if !ok || remote == "" {
		slog.Warn(fmt.Sprintf("%s - [%s] Peer did not announce a protocol version", handshakeLogPrefix, b.name))
		return
	}

	compat, err := semver.CheckCompatible(ProtocolVersion, remote)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - [%s] Failed to check peer version: %v", handshakeLogPrefix, b.name, err))
		return
	}
	if !compat.Compatible {
		slog.Warn(fmt.Sprintf("%s - [%s] Peer protocol version %s is incompatible with %s", handshakeLogPrefix, b.name, compat.Remote, compat.Local))
		return
	}
	slog.Debug(fmt.Sprintf("%s - [%s] Peer protocol version %s (peerNewer=%v)", handshakeLogPrefix, b.name, compat.Remote, compat.PeerNewer))
}

// markReady flags the peer as ready and flushes queued calls.
func (b *Bridge) markReady() {
	b.mu.Lock()
	already := b.ready
	b.ready = true
	b.mu.Unlock()

	if !already {
		slog.Info(fmt.Sprintf("%s - [%s] Peer ready", handshakeLogPrefix, b.name))
	}
	b.flush()
}

func (b *Bridge) notifyReady() {
	if b.onReady != nil {
		go b.onReady()
	}
}
