// Package kafkamulti implements the multi-node Kafka-style log workload:
// each node owns a partition of the keyspace (by hash of key modulo cluster
// size) and persists its segments in lin-kv, forwarding non-owned requests
// to the owning node via the synchronous RPC facility.
package kafkamulti

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/adred-codev/maelstrom-nodes/internal/config"
	"github.com/adred-codev/maelstrom-nodes/internal/kv"
	"github.com/adred-codev/maelstrom-nodes/internal/metrics"
	"github.com/adred-codev/maelstrom-nodes/internal/protocol"
	"github.com/adred-codev/maelstrom-nodes/internal/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Handler implements runtime.Handler for the multi-node Kafka workload,
// including servicing forward_send inline while this node's own RPCs are
// in flight (the deadlock-avoidance rule: a forward can't wait on another
// forward that is itself waiting on this node).
type Handler struct {
	rt         *runtime.Node
	log        zerolog.Logger
	ownIndex   int
	nodeCnt    int
	batchSize  uint64
	timeout    time.Duration
	mx         *metrics.Registry
	casLimiter *rate.Limiter
}

// New constructs the handler. It satisfies runtime.Factory. mx may be nil.
func New(logger zerolog.Logger, cfg config.Config, mx *metrics.Registry) runtime.Factory {
	return func(init runtime.Init, rt *runtime.Node) (runtime.Handler, error) {
		idx, err := nodeIndex(rt.ID)
		if err != nil {
			return nil, err
		}
		h := &Handler{
			rt:         rt,
			log:        logger.With().Str("workload", "kafka-multi").Logger(),
			ownIndex:   idx,
			nodeCnt:    len(init.NodeIDs),
			batchSize:  uint64(cfg.KafkaBatchSize),
			timeout:    cfg.RPCTimeout,
			mx:         mx,
			casLimiter: rate.NewLimiter(rate.Limit(cfg.CASRetryRate), cfg.CASRetryBurst),
		}
		return h, nil
	}
}

// nodeIndex parses the numeric suffix of a Maelstrom node id ("n0", "n1",
// ...) to recover this node's position in the cluster, used for partition
// ownership.
func nodeIndex(nodeID string) (int, error) {
	i := strings.TrimLeft(nodeID, "abcdefghijklmnopqrstuvwxyz")
	n, err := strconv.Atoi(i)
	if err != nil {
		return 0, fmt.Errorf("kafka-multi: cannot parse node index from %q: %w", nodeID, err)
	}
	return n, nil
}

// owner returns the index of the node that owns key, by hash modulo
// cluster size.
func (h *Handler) owner(key string) int {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return int(hasher.Sum32()) % h.nodeCnt
}

func (h *Handler) Step(ev runtime.Event, out io.Writer) error {
	if ev.Kind != runtime.EventMessage {
		return nil
	}
	typ, err := protocol.TypeOf(ev.Message.Body)
	if err != nil {
		return err
	}

	rpc := &runtime.RPC{Out: out, Queue: h.rt.Queue, NextID: h.rt.NextMsgID, Timeout: h.timeout, Inline: forwardHandler{h: h, out: out}, Metrics: h.mx}
	defer func() {
		for _, stashed := range rpc.DrainStash() {
			h.rt.Queue.Push(stashed)
		}
	}()

	switch typ {
	case "send":
		return h.handleSend(ev.Message, out, rpc)
	case "forward_send":
		return h.handleForwardSend(ev.Message, out)
	case "poll":
		return h.handlePoll(ev.Message, out, rpc)
	case "commit_offsets":
		return h.handleCommitOffsets(ev.Message, out, rpc)
	case "list_committed_offsets":
		return h.handleListCommittedOffsets(ev.Message, out, rpc)
	default:
		return fmt.Errorf("kafka-multi: unexpected message type %q", typ)
	}
}

// forwardHandler lets a forward_send that arrives while this node is itself
// blocked inside an RPC.Call be serviced immediately: two nodes that
// forward to each other at the same moment must not both sit waiting on
// each other's reply.
type forwardHandler struct {
	h   *Handler
	out io.Writer
}

func (f forwardHandler) Handles(msgType string) bool { return msgType == "forward_send" }

func (f forwardHandler) Handle(env protocol.Envelope) error {
	return f.h.handleForwardSend(env, f.out)
}

type sendReq struct {
	protocol.Header
	Key string  `json:"key"`
	Msg float64 `json:"msg"`
}
type sendOk struct {
	protocol.Header
	Offset uint64 `json:"offset"`
}

func (h *Handler) handleSend(env protocol.Envelope, out io.Writer, rpc *runtime.RPC) error {
	req, err := protocol.DecodeBody[sendReq](env.Body)
	if err != nil {
		return err
	}

	if h.owner(req.Key) != h.ownIndex {
		offset, err := h.forwardTo(h.owner(req.Key), req.Key, req.Msg, rpc)
		if err != nil {
			return err
		}
		return h.replySendOk(env, req.MsgID, offset, out)
	}

	offset, err := h.appendLocal(req.Key, req.Msg, rpc)
	if err != nil {
		return err
	}
	return h.replySendOk(env, req.MsgID, offset, out)
}

func (h *Handler) replySendOk(env protocol.Envelope, inReplyTo *int, offset uint64, out io.Writer) error {
	id := h.rt.NextMsgID()
	reply, err := protocol.Reply(env, sendOk{
		Header: protocol.Header{Type: "send_ok", MsgID: &id, InReplyTo: inReplyTo},
		Offset: offset,
	})
	if err != nil {
		return err
	}
	return protocol.Send(out, reply)
}

type forwardSendReq struct {
	protocol.Header
	Key string  `json:"key"`
	Msg float64 `json:"msg"`
}

// forwardTo wraps a send as forward_send and relays it to the owning node
// using the node's own synchronous RPC client.
func (h *Handler) forwardTo(ownerIdx int, key string, msg float64, rpc *runtime.RPC) (uint64, error) {
	ownerID := fmt.Sprintf("n%d", ownerIdx)
	_, body, err := rpc.Call(func(id int) (protocol.Envelope, error) {
		raw, err := json.Marshal(forwardSendReq{
			Header: protocol.Header{Type: "forward_send", MsgID: &id},
			Key:    key,
			Msg:    msg,
		})
		if err != nil {
			return protocol.Envelope{}, err
		}
		return protocol.Envelope{Src: h.rt.ID, Dest: ownerID, Body: raw}, nil
	}, "send_ok")
	if err != nil {
		return 0, err
	}
	ok, err := protocol.DecodeBody[sendOk](body)
	if err != nil {
		return 0, err
	}
	return ok.Offset, nil
}

func (h *Handler) handleForwardSend(env protocol.Envelope, out io.Writer) error {
	req, err := protocol.DecodeBody[forwardSendReq](env.Body)
	if err != nil {
		return err
	}
	innerRPC := &runtime.RPC{Out: out, Queue: h.rt.Queue, NextID: h.rt.NextMsgID, Timeout: h.timeout, Metrics: h.mx}
	offset, err := h.appendLocal(req.Key, req.Msg, innerRPC)
	if err != nil {
		return err
	}
	for _, stashed := range innerRPC.DrainStash() {
		h.rt.Queue.Push(stashed)
	}
	return h.replySendOk(env, req.MsgID, offset, out)
}

// appendLocal allocates the next offset for key via CAS retry, then appends
// the value into its batch-sized segment with a plain write — safe without
// CAS because, by construction, only the single owner of key ever writes
// its segments. Retries past the limiter's burst are paced rather than
// spun, since a hot key under concurrent senders would otherwise hammer
// lin-kv with back-to-back CAS attempts.
func (h *Handler) appendLocal(key string, value float64, rpc *runtime.RPC) (uint64, error) {
	client := &kv.Client{Src: h.rt.ID, Dest: kv.LinKV, RPC: rpc}
	latestKey := "latest_" + key

	var offset uint64
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := h.casLimiter.Wait(context.Background()); err != nil {
				return 0, err
			}
		}

		raw, err := client.Read(latestKey)
		var current uint64
		if err != nil {
			if err == protocol.ErrKeyNotExist {
				current = 0
			} else {
				return 0, err
			}
		} else if err := json.Unmarshal(raw, &current); err != nil {
			return 0, err
		}

		next := current + 1
		err = client.CompareAndSwap(latestKey, current, next, true)
		if err == protocol.ErrPreconditionFailed {
			continue
		}
		if err != nil {
			return 0, err
		}
		offset = next - 1
		break
	}

	if err := h.appendToSegment(client, key, offset, value); err != nil {
		return 0, err
	}
	return offset, nil
}

func (h *Handler) segmentRange(offset uint64) (start, end uint64) {
	start = offset - offset%h.batchSize
	end = start + h.batchSize
	return
}

func (h *Handler) segmentKey(key string, start, end uint64) string {
	return fmt.Sprintf("entry_%s_%d-%d", key, start, end)
}

func (h *Handler) appendToSegment(client *kv.Client, key string, offset uint64, value float64) error {
	start, end := h.segmentRange(offset)
	segKey := h.segmentKey(key, start, end)

	raw, err := client.Read(segKey)
	var existing string
	if err != nil {
		if err != protocol.ErrKeyNotExist {
			return err
		}
		existing = ""
	} else if err := json.Unmarshal(raw, &existing); err != nil {
		return err
	}

	entry := fmt.Sprintf("%d:%v", offset, value)
	if existing != "" {
		existing = existing + "," + entry
	} else {
		existing = entry
	}
	return client.Write(segKey, existing)
}

func parseSegment(raw string) ([][2]float64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	result := make([][2]float64, 0, len(parts))
	for _, p := range parts {
		fields := strings.SplitN(p, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("kafka-multi: malformed segment entry %q", p)
		}
		offset, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, err
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, err
		}
		result = append(result, [2]float64{offset, value})
	}
	return result, nil
}

type pollReq struct {
	protocol.Header
	Offsets map[string]uint64 `json:"offsets"`
}
type pollOk struct {
	protocol.Header
	Msgs map[string][][2]float64 `json:"msgs"`
}

func (h *Handler) handlePoll(env protocol.Envelope, out io.Writer, rpc *runtime.RPC) error {
	req, err := protocol.DecodeBody[pollReq](env.Body)
	if err != nil {
		return err
	}
	client := &kv.Client{Src: h.rt.ID, Dest: kv.LinKV, RPC: rpc}

	result := make(map[string][][2]float64)
	for key, from := range req.Offsets {
		start, _ := h.segmentRange(from)
		var collected [][2]float64
		for {
			_, end := h.segmentRange(start)
			segKey := h.segmentKey(key, start, end)
			raw, err := client.Read(segKey)
			if err != nil {
				if err == protocol.ErrKeyNotExist {
					break
				}
				return err
			}
			var contents string
			if err := json.Unmarshal(raw, &contents); err != nil {
				return err
			}
			pairs, err := parseSegment(contents)
			if err != nil {
				return err
			}
			if len(pairs) == 0 {
				break
			}
			for _, p := range pairs {
				if uint64(p[0]) >= from {
					collected = append(collected, p)
				}
			}
			start = end
		}
		if len(collected) > 0 {
			result[key] = collected
		}
	}

	id := h.rt.NextMsgID()
	reply, err := protocol.Reply(env, pollOk{
		Header: protocol.Header{Type: "poll_ok", MsgID: &id, InReplyTo: req.MsgID},
		Msgs:   result,
	})
	if err != nil {
		return err
	}
	return protocol.Send(out, reply)
}

type commitOffsetsReq struct {
	protocol.Header
	Offsets map[string]uint64 `json:"offsets"`
}
type commitOffsetsOk struct{ protocol.Header }

func (h *Handler) handleCommitOffsets(env protocol.Envelope, out io.Writer, rpc *runtime.RPC) error {
	req, err := protocol.DecodeBody[commitOffsetsReq](env.Body)
	if err != nil {
		return err
	}
	client := &kv.Client{Src: h.rt.ID, Dest: kv.LinKV, RPC: rpc}
	for key, offset := range req.Offsets {
		if err := client.Write("commit_"+key, offset); err != nil {
			return err
		}
	}

	id := h.rt.NextMsgID()
	reply, err := protocol.Reply(env, commitOffsetsOk{protocol.Header{Type: "commit_offsets_ok", MsgID: &id, InReplyTo: req.MsgID}})
	if err != nil {
		return err
	}
	return protocol.Send(out, reply)
}

type listCommittedReq struct {
	protocol.Header
	Keys []string `json:"keys"`
}
type listCommittedOk struct {
	protocol.Header
	Offsets map[string]uint64 `json:"offsets"`
}

func (h *Handler) handleListCommittedOffsets(env protocol.Envelope, out io.Writer, rpc *runtime.RPC) error {
	req, err := protocol.DecodeBody[listCommittedReq](env.Body)
	if err != nil {
		return err
	}
	client := &kv.Client{Src: h.rt.ID, Dest: kv.LinKV, RPC: rpc}
	result := make(map[string]uint64)
	for _, key := range req.Keys {
		raw, err := client.Read("commit_" + key)
		if err != nil {
			if err == protocol.ErrKeyNotExist {
				continue
			}
			return err
		}
		var offset uint64
		if err := json.Unmarshal(raw, &offset); err != nil {
			return err
		}
		result[key] = offset
	}

	id := h.rt.NextMsgID()
	reply, err := protocol.Reply(env, listCommittedOk{
		Header:  protocol.Header{Type: "list_committed_offsets_ok", MsgID: &id, InReplyTo: req.MsgID},
		Offsets: result,
	})
	if err != nil {
		return err
	}
	return protocol.Send(out, reply)
}
