package runtime

import (
	"encoding/json"
	"io"
	"time"

	"github.com/adred-codev/maelstrom-nodes/internal/metrics"
	"github.com/adred-codev/maelstrom-nodes/internal/protocol"
)

// DefaultRPCTimeout is the wall-clock budget for a nested synchronous RPC —
// bounded so a lost reply doesn't hang the node forever.
const DefaultRPCTimeout = time.Second

// BuildFunc constructs the outbound envelope for an RPC call given the
// msg_id the caller has just assigned to it.
type BuildFunc func(msgID int) (protocol.Envelope, error)

// InlineHandler services a cross-node request type that may arrive while
// this node is itself blocked on an outstanding RPC. Kafka's forward_send is
// the only user: it must be answered immediately, or two nodes forwarding
// to each other would deadlock forever.
type InlineHandler interface {
	Handles(msgType string) bool
	Handle(env protocol.Envelope) error
}

// RPC implements the synchronous request/reply facility: send one message,
// then nested-receive directly off the shared event queue until a reply of
// an expected type arrives, stashing everything else for reinjection once
// the outer step returns. The reply is matched loosely by payload type
// (read_ok/write_ok/cas_ok/error, or a workload-specific set) — not by
// in_reply_to — because at most one such call is ever outstanding at a time
// and in_reply_to is not required to disambiguate it.
type RPC struct {
	Out     io.Writer
	Queue   *Queue
	Timeout time.Duration
	NextID  func() int
	Inline  InlineHandler
	Metrics *metrics.Registry

	stash []Event
}

// Call sends the envelope built by build and waits for a reply whose type is
// in okTypes (an "error" reply is always accepted so the caller can
// translate it). Returns the reply's type and raw body.
func (rt *RPC) Call(build BuildFunc, okTypes ...string) (replyType string, body json.RawMessage, err error) {
	id := rt.NextID()
	env, err := build(id)
	if err != nil {
		return "", nil, err
	}
	if err := protocol.Send(rt.Out, env); err != nil {
		return "", nil, err
	}

	accept := make(map[string]bool, len(okTypes)+1)
	for _, t := range okTypes {
		accept[t] = true
	}
	accept["error"] = true

	timeout := rt.Timeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			rt.countTimeout()
			return "", nil, protocol.ErrTimeout
		}
		ev, ok := rt.Queue.RecvTimeout(remaining)
		if !ok {
			rt.countTimeout()
			return "", nil, protocol.ErrTimeout
		}
		if ev.Kind != EventMessage {
			rt.stash = append(rt.stash, ev)
			continue
		}
		typ, terr := protocol.TypeOf(ev.Message.Body)
		if terr != nil {
			rt.stash = append(rt.stash, ev)
			continue
		}
		if accept[typ] {
			return typ, ev.Message.Body, nil
		}
		if rt.Inline != nil && rt.Inline.Handles(typ) {
			if herr := rt.Inline.Handle(ev.Message); herr != nil {
				return "", nil, herr
			}
			continue
		}
		rt.stash = append(rt.stash, ev)
	}
}

func (rt *RPC) countTimeout() {
	if rt.Metrics != nil {
		rt.Metrics.RPCTimeouts.Inc()
	}
}

// DrainStash returns and clears the events accumulated while waiting on RPC
// replies, so the caller can reinject them onto the main queue.
func (rt *RPC) DrainStash() []Event {
	if len(rt.stash) == 0 {
		return nil
	}
	s := rt.stash
	rt.stash = nil
	return s
}
