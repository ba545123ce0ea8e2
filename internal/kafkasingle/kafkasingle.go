// Package kafkasingle implements the single-node Kafka-style log workload:
// an in-memory append-only byte log per node, addressed by topic key, with
// per-key offset queues for fast polling.
package kafkasingle

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/adred-codev/maelstrom-nodes/internal/protocol"
	"github.com/adred-codev/maelstrom-nodes/internal/runtime"
	"github.com/rs/zerolog"
)

// Handler implements runtime.Handler for the single-node Kafka workload.
type Handler struct {
	rt  *runtime.Node
	log zerolog.Logger

	mu             sync.Mutex
	dataBlock      []byte
	topicOffsets   map[string][]uint64
	topicCommitted map[string]uint64
}

// New constructs the handler. It satisfies runtime.Factory.
func New(logger zerolog.Logger) runtime.Factory {
	return func(_ runtime.Init, rt *runtime.Node) (runtime.Handler, error) {
		return &Handler{
			rt:             rt,
			log:            logger.With().Str("workload", "kafka-single").Logger(),
			topicOffsets:   make(map[string][]uint64),
			topicCommitted: make(map[string]uint64),
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
	case "send":
		return h.handleSend(ev.Message, out)
	case "poll":
		return h.handlePoll(ev.Message, out)
	case "commit_offsets":
		return h.handleCommitOffsets(ev.Message, out)
	case "list_committed_offsets":
		return h.handleListCommittedOffsets(ev.Message, out)
	default:
		return fmt.Errorf("kafka-single: unexpected message type %q", typ)
	}
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

// append writes [u32 length][u64 offset][V bytes] to the data block per
// the record layout, records the new offset in the per-key offset queue
// (which is append-order and therefore already sorted), and returns it.
// logicalOffset is assigned sequentially per key (offsets 0,1,2,... per
// topic) rather than being the byte cursor itself, so pollers see dense,
// predictable offsets independent of payload size.
func (h *Handler) append(key string, value float64) (uint64, error) {
	offsets := h.topicOffsets[key]
	var logicalOffset uint64
	if len(offsets) > 0 {
		logicalOffset = offsets[len(offsets)-1] + 1
	}

	payload, err := encodeValue(value)
	if err != nil {
		return 0, err
	}
	record := make([]byte, 4+8+len(payload))
	binary.LittleEndian.PutUint32(record[0:4], uint32(8+len(payload)))
	binary.LittleEndian.PutUint64(record[4:12], logicalOffset)
	copy(record[12:], payload)

	h.dataBlock = append(h.dataBlock, record...)
	h.topicOffsets[key] = append(offsets, logicalOffset)
	return logicalOffset, nil
}

func (h *Handler) handleSend(env protocol.Envelope, out io.Writer) error {
	req, err := protocol.DecodeBody[sendReq](env.Body)
	if err != nil {
		return err
	}
	h.mu.Lock()
	offset, err := h.append(req.Key, req.Msg)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	id := h.rt.NextMsgID()
	reply, err := protocol.Reply(env, sendOk{
		Header: protocol.Header{Type: "send_ok", MsgID: &id, InReplyTo: req.MsgID},
		Offset: offset,
	})
	if err != nil {
		return err
	}
	return protocol.Send(out, reply)
}

type pollReq struct {
	protocol.Header
	Offsets map[string]uint64 `json:"offsets"`
}
type pollOk struct {
	protocol.Header
	Msgs map[string][][2]float64 `json:"msgs"`
}

// recordAt decodes the record whose offset entry sits at byte position pos
// in the data block, returning the decoded value and the byte length of the
// whole record (so callers can advance past it).
func (h *Handler) recordAt(pos int) (value float64, recLen int, err error) {
	if pos+12 > len(h.dataBlock) {
		return 0, 0, fmt.Errorf("kafka-single: truncated record header at %d", pos)
	}
	length := binary.LittleEndian.Uint32(h.dataBlock[pos : pos+4])
	total := 4 + int(length)
	if pos+total > len(h.dataBlock) {
		return 0, 0, fmt.Errorf("kafka-single: truncated record body at %d", pos)
	}
	payload := h.dataBlock[pos+12 : pos+total]
	value, err = decodeValue(payload)
	return value, total, err
}

func (h *Handler) handlePoll(env protocol.Envelope, out io.Writer) error {
	req, err := protocol.DecodeBody[pollReq](env.Body)
	if err != nil {
		return err
	}

	h.mu.Lock()
	result := make(map[string][][2]float64)
	var walkErr error
	for key, from := range req.Offsets {
		queue := h.topicOffsets[key]
		idx := sort.Search(len(queue), func(i int) bool { return queue[i] >= from })
		if idx >= len(queue) {
			continue
		}

		pos := h.byteOffsetOf(key, idx)
		var pairs [][2]float64
		for i := idx; i < len(queue); i++ {
			value, recLen, err := h.recordAt(pos)
			if err != nil {
				walkErr = err
				break
			}
			pairs = append(pairs, [2]float64{float64(queue[i]), value})
			pos += recLen
		}
		if walkErr != nil {
			break
		}
		if len(pairs) > 0 {
			result[key] = pairs
		}
	}
	h.mu.Unlock()
	if walkErr != nil {
		return walkErr
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

// byteOffsetOf computes the data_block byte position of the idx-th record
// for key by walking the log from the start. Single-node logs in this
// workload stay small enough (per-process, no persistence) that a linear
// scan is simpler and cheap enough to prefer over maintaining a second
// byte-offset index alongside topicOffsets.
func (h *Handler) byteOffsetOf(key string, idx int) int {
	pos := 0
	seen := 0
	for pos < len(h.dataBlock) {
		length := binary.LittleEndian.Uint32(h.dataBlock[pos : pos+4])
		total := 4 + int(length)
		recordOffset := binary.LittleEndian.Uint64(h.dataBlock[pos+4 : pos+12])
		if belongsTo(h, key, recordOffset) {
			if seen == idx {
				return pos
			}
			seen++
		}
		pos += total
	}
	return len(h.dataBlock)
}

// belongsTo reports whether offset o was assigned to key — since offsets
// are per-key sequential, this is just membership in that key's queue.
func belongsTo(h *Handler, key string, o uint64) bool {
	queue := h.topicOffsets[key]
	idx := sort.Search(len(queue), func(i int) bool { return queue[i] >= o })
	return idx < len(queue) && queue[idx] == o
}

type commitOffsetsReq struct {
	protocol.Header
	Offsets map[string]uint64 `json:"offsets"`
}
type commitOffsetsOk struct{ protocol.Header }

func (h *Handler) handleCommitOffsets(env protocol.Envelope, out io.Writer) error {
	req, err := protocol.DecodeBody[commitOffsetsReq](env.Body)
	if err != nil {
		return err
	}
	h.mu.Lock()
	for key, offset := range req.Offsets {
		h.topicCommitted[key] = offset
	}
	h.mu.Unlock()

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

func (h *Handler) handleListCommittedOffsets(env protocol.Envelope, out io.Writer) error {
	req, err := protocol.DecodeBody[listCommittedReq](env.Body)
	if err != nil {
		return err
	}
	h.mu.Lock()
	result := make(map[string]uint64)
	for _, key := range req.Keys {
		if offset, ok := h.topicCommitted[key]; ok {
			result[key] = offset
		}
	}
	h.mu.Unlock()

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
