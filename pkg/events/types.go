// Package events defines bridge traffic events and the publishers that fan them out.
package events

// Direction is the side a message travelled relative to the publishing bridge.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Kind classifies a traffic event.
type Kind string

const (
	KindCall           Kind = "call"
	KindReply          Kind = "reply"
	KindDropped        Kind = "dropped"
	KindUnknownCommand Kind = "unknown_command"
	KindFault          Kind = "fault"
)

// TrafficEvent is emitted for every message a bridge sends or receives, and for
// inbound messages it drops (malformed payloads, stale replies).
type TrafficEvent struct {
	Bridge    string    `json:"bridge"`
	Direction Direction `json:"direction"`
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name,omitempty"`
	CallID    string    `json:"callId,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp string    `json:"timestamp"`
}
