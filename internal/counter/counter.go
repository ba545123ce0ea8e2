// Package counter implements the grow-only counter workload on top of
// seq-kv: adds are applied through a compare-and-swap retry loop, and reads
// force a causal sync first so sequential consistency doesn't surface a
// stale value.
package counter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/adred-codev/maelstrom-nodes/internal/config"
	"github.com/adred-codev/maelstrom-nodes/internal/kv"
	"github.com/adred-codev/maelstrom-nodes/internal/metrics"
	"github.com/adred-codev/maelstrom-nodes/internal/protocol"
	"github.com/adred-codev/maelstrom-nodes/internal/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// counterKey is the single key this workload's state lives under.
const counterKey = "Counter"

// Handler implements runtime.Handler for the counter workload.
type Handler struct {
	rt         *runtime.Node
	log        zerolog.Logger
	timeout    time.Duration
	mx         *metrics.Registry
	casLimiter *rate.Limiter
}

// New constructs the handler. It satisfies runtime.Factory. mx may be nil.
func New(logger zerolog.Logger, cfg config.Config, mx *metrics.Registry) runtime.Factory {
	return func(_ runtime.Init, rt *runtime.Node) (runtime.Handler, error) {
		return &Handler{
			rt:         rt,
			log:        logger.With().Str("workload", "counter").Logger(),
			timeout:    cfg.RPCTimeout,
			mx:         mx,
			casLimiter: rate.NewLimiter(rate.Limit(cfg.CASRetryRate), cfg.CASRetryBurst),
		}, nil
	}
}

func (h *Handler) Step(ev runtime.Event, out io.Writer) error {
	if ev.Kind != runtime.EventMessage {
		return nil
	}
	typ, err := protocol.TypeOf(ev.Message.Body)
	if err != nil {
		return err
	}

	rpc := &runtime.RPC{Out: out, Queue: h.rt.Queue, NextID: h.rt.NextMsgID, Timeout: h.timeout, Metrics: h.mx}
	client := &kv.Client{Src: h.rt.ID, Dest: kv.SeqKV, RPC: rpc}
	defer func() {
		for _, stashed := range rpc.DrainStash() {
			h.rt.Queue.Push(stashed)
		}
	}()

	switch typ {
	case "add":
		return h.handleAdd(ev.Message, out, client)
	case "read":
		return h.handleRead(ev.Message, out, client)
	default:
		return fmt.Errorf("counter: unexpected message type %q", typ)
	}
}

type addReq struct {
	protocol.Header
	Delta int64 `json:"delta"`
}
type addOk struct{ protocol.Header }

func (h *Handler) handleAdd(env protocol.Envelope, out io.Writer, client *kv.Client) error {
	req, err := protocol.DecodeBody[addReq](env.Body)
	if err != nil {
		return err
	}

	if req.Delta != 0 {
		if err := addDelta(client, req.Delta, h.casLimiter); err != nil {
			return err
		}
	}

	id := h.rt.NextMsgID()
	reply, err := protocol.Reply(env, addOk{protocol.Header{Type: "add_ok", MsgID: &id, InReplyTo: req.MsgID}})
	if err != nil {
		return err
	}
	return protocol.Send(out, reply)
}

// addDelta is a CAS retry loop: read the current value
// (treating "key does not exist" as 0), then attempt to CAS from that value
// to value+delta, retrying from a fresh read on precondition-failed. Retries
// past limiter's burst are paced, not spun, so contention from many nodes
// adding concurrently doesn't turn into a hot loop against seq-kv.
func addDelta(client *kv.Client, delta int64, limiter *rate.Limiter) error {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := limiter.Wait(context.Background()); err != nil {
				return err
			}
		}
		current, err := readCounter(client)
		if err != nil {
			return err
		}
		err = client.CompareAndSwap(counterKey, current, current+delta, true)
		if err == protocol.ErrPreconditionFailed {
			continue
		}
		return err
	}
}

func readCounter(client *kv.Client) (int64, error) {
	raw, err := client.Read(counterKey)
	if err != nil {
		if err == protocol.ErrKeyNotExist {
			return 0, nil
		}
		return 0, err
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v, nil
}

type readReq struct{ protocol.Header }
type readOk struct {
	protocol.Header
	Value int64 `json:"value"`
}

// handleRead forces a causal sync ahead of the read itself: an arbitrary
// write to an unrelated key makes seq-kv linearize this session's
// subsequent read behind every write it has already observed, which a bare
// read under sequential consistency would not guarantee.
func (h *Handler) handleRead(env protocol.Envelope, out io.Writer, client *kv.Client) error {
	req, err := protocol.DecodeBody[readReq](env.Body)
	if err != nil {
		return err
	}

	if err := client.Write("sync", rand.Int64()); err != nil {
		return err
	}
	value, err := readCounter(client)
	if err != nil {
		return err
	}

	id := h.rt.NextMsgID()
	reply, err := protocol.Reply(env, readOk{
		Header: protocol.Header{Type: "read_ok", MsgID: &id, InReplyTo: req.MsgID},
		Value:  value,
	})
	if err != nil {
		return err
	}
	return protocol.Send(out, reply)
}
