package bridge

import (
	"sort"

	"github.com/morezero/webview-bridge/pkg/wire"
)

// Handler runs a command. It must complete c exactly once unless the caller
// expects no reply; a forgotten completion leaves the remote caller waiting forever.
type Handler func(data wire.Value, c Completer)

// commandRegistry maps command names to handlers. The owning Bridge serializes access.
type commandRegistry struct {
	commands map[string]Handler
}

func newCommandRegistry() *commandRegistry {
	return &commandRegistry{commands: make(map[string]Handler)}
}

// add stores h under name, replacing any earlier handler.
func (r *commandRegistry) add(name string, h Handler) *commandRegistry {
	r.commands[name] = h
	return r
}

// remove deletes name and reports whether it was present.
func (r *commandRegistry) remove(name string) bool {
	if _, ok := r.commands[name]; !ok {
		return false
	}
	delete(r.commands, name)
	return true
}

func (r *commandRegistry) lookup(name string) (Handler, bool) {
	h, ok := r.commands[name]
	return h, ok
}

func (r *commandRegistry) has(name string) bool {
	_, ok := r.commands[name]
	return ok
}

func (r *commandRegistry) names() []string {
	out := make([]string, 0, len(r.commands))
	for name := range r.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
