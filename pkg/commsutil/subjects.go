package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectPrefix  = "bridge"
	SubjectTraffic = "bridge.traffic"
)

// Subject suffixes naming the side that consumes the subject.
const (
	sideHost   = "host"
	sideScript = "script"
)

// Subjects is the subject pair one side of a bridge channel uses.
type Subjects struct {
	// Inbound is subscribed to; the peer publishes here.
	Inbound string
	// Outbound is published to; the peer subscribes here.
	Outbound string
}

// BuildSubjects builds the host-side subjects for a channel:
// <prefix>.<channel>.host carries script->host traffic and
// <prefix>.<channel>.script carries host->script traffic.
func BuildSubjects(prefix, channel string) Subjects {
	if prefix == "" {
		prefix = SubjectPrefix
	}
	base := fmt.Sprintf("%s.%s", prefix, SanitizeToken(channel))
	return Subjects{
		Inbound:  base + "." + sideHost,
		Outbound: base + "." + sideScript,
	}
}

// Reverse returns the subjects as seen from the peer.
func (s Subjects) Reverse() Subjects {
	return Subjects{Inbound: s.Outbound, Outbound: s.Inbound}
}

// BuildTrafficSubject builds a granular traffic event subject.
func BuildTrafficSubject(base, bridge, kind string) string {
	if base == "" {
		base = SubjectTraffic
	}
	return fmt.Sprintf("%s.%s.%s", base, SanitizeToken(bridge), SanitizeToken(kind))
}

// SanitizeToken makes s usable as a single subject token.
func SanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
