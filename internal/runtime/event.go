package runtime

import "github.com/adred-codev/maelstrom-nodes/internal/protocol"

// EventKind discriminates the three kinds of thing the dispatch loop handles.
type EventKind int

const (
	EventMessage EventKind = iota
	EventInjected
	EventEOF
)

// Event is a message popped from stdin, a workload-specific injected tick
// (e.g. broadcast's gossip timer), or the end-of-input marker. Injected is
// nil for EventMessage/EventEOF; its concrete type is workload-defined.
type Event struct {
	Kind     EventKind
	Message  protocol.Envelope
	Injected any
}
