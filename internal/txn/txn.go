// Package txn implements the best-effort replicated transactions workload:
// each node holds its own local key/value store, applies read/write
// operations from an incoming txn, and fans out writes to every other node
// with no ordering or durability guarantee.
package txn

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/adred-codev/maelstrom-nodes/internal/protocol"
	"github.com/adred-codev/maelstrom-nodes/internal/runtime"
	"github.com/rs/zerolog"
)

// Handler implements runtime.Handler for the transactions workload.
type Handler struct {
	rt   *runtime.Node
	log  zerolog.Logger
	peer []string

	mu    sync.Mutex
	store map[float64]float64
}

// New constructs the handler. It satisfies runtime.Factory.
func New(logger zerolog.Logger) runtime.Factory {
	return func(init runtime.Init, rt *runtime.Node) (runtime.Handler, error) {
		peers := make([]string, 0, len(init.NodeIDs)-1)
		for _, id := range init.NodeIDs {
			if id != rt.ID {
				peers = append(peers, id)
			}
		}
		return &Handler{
			rt:    rt,
			log:   logger.With().Str("workload", "txn").Logger(),
			peer:  peers,
			store: make(map[float64]float64),
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
	switch typ {
	case "txn":
		return h.handleTxn(ev.Message, out)
	case "sync":
		return h.handleSync(ev.Message, out)
	default:
		return fmt.Errorf("txn: unexpected message type %q", typ)
	}
}

// op is one (op, key, value?) entry from a txn's operation list, mirrored
// as a 3-tuple JSON array the way Maelstrom's txn workload encodes it:
// ["r", key, null] or ["w", key, value].
type op [3]json.RawMessage

func decodeOp(raw op) (kind string, key float64, value *float64, err error) {
	if err = json.Unmarshal(raw[0], &kind); err != nil {
		return
	}
	if err = json.Unmarshal(raw[1], &key); err != nil {
		return
	}
	var v json.RawMessage
	if len(raw[2]) > 0 {
		v = raw[2]
	}
	if v != nil && string(v) != "null" {
		var f float64
		if err = json.Unmarshal(v, &f); err != nil {
			return
		}
		value = &f
	}
	return
}

func encodeOp(kind string, key float64, value *float64) op {
	kindJSON, _ := json.Marshal(kind)
	keyJSON, _ := json.Marshal(key)
	var valueJSON json.RawMessage
	if value != nil {
		valueJSON, _ = json.Marshal(*value)
	} else {
		valueJSON = json.RawMessage("null")
	}
	return op{kindJSON, keyJSON, valueJSON}
}

type txnReq struct {
	protocol.Header
	Txn []op `json:"txn"`
}
type txnOk struct {
	protocol.Header
	Txn []op `json:"txn"`
}

func (h *Handler) handleTxn(env protocol.Envelope, out io.Writer) error {
	req, err := protocol.DecodeBody[txnReq](env.Body)
	if err != nil {
		return err
	}

	h.mu.Lock()
	result := make([]op, len(req.Txn))
	changed := make(map[float64]float64)
	for i, entry := range req.Txn {
		kind, key, value, derr := decodeOp(entry)
		if derr != nil {
			h.mu.Unlock()
			return derr
		}
		switch kind {
		case "r":
			var val *float64
			if v, ok := h.store[key]; ok {
				val = &v
			}
			result[i] = encodeOp("r", key, val)
		case "w":
			if value != nil {
				h.store[key] = *value
				changed[key] = *value
			}
			result[i] = encodeOp("w", key, value)
		default:
			h.mu.Unlock()
			return fmt.Errorf("txn: unknown op %q", kind)
		}
	}
	h.mu.Unlock()

	id := h.rt.NextMsgID()
	reply, err := protocol.Reply(env, txnOk{
		Header: protocol.Header{Type: "txn_ok", MsgID: &id, InReplyTo: req.MsgID},
		Txn:    result,
	})
	if err != nil {
		return err
	}
	if err := protocol.Send(out, reply); err != nil {
		return err
	}

	if len(changed) > 0 {
		return h.fanOutSync(changed, out)
	}
	return nil
}

type changedPair [2]float64

type syncReq struct {
	protocol.Header
	Changed []changedPair `json:"changed"`
}
type syncOk struct{ protocol.Header }

// fanOutSync sends the txn's writes to every other node as a best-effort
// sync: no ordering guarantee, no acknowledgement wait, no retry on a lost
// sync — this workload is a deliberately weak consistency model.
func (h *Handler) fanOutSync(changed map[float64]float64, out io.Writer) error {
	pairs := make([]changedPair, 0, len(changed))
	for k, v := range changed {
		pairs = append(pairs, changedPair{k, v})
	}
	for _, peer := range h.peer {
		id := h.rt.NextMsgID()
		body, err := json.Marshal(syncReq{
			Header:  protocol.Header{Type: "sync", MsgID: &id},
			Changed: pairs,
		})
		if err != nil {
			return err
		}
		env := protocol.Envelope{Src: h.rt.ID, Dest: peer, Body: body}
		if err := protocol.Send(out, env); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) handleSync(env protocol.Envelope, out io.Writer) error {
	req, err := protocol.DecodeBody[syncReq](env.Body)
	if err != nil {
		return err
	}

	h.mu.Lock()
	for _, pair := range req.Changed {
		h.store[pair[0]] = pair[1]
	}
	h.mu.Unlock()

	id := h.rt.NextMsgID()
	reply, err := protocol.Reply(env, syncOk{protocol.Header{Type: "sync_ok", MsgID: &id, InReplyTo: req.MsgID}})
	if err != nil {
		return err
	}
	return protocol.Send(out, reply)
}
