package kafkamulti_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/adred-codev/maelstrom-nodes/internal/config"
	"github.com/adred-codev/maelstrom-nodes/internal/kafkamulti"
	"github.com/adred-codev/maelstrom-nodes/internal/metrics"
	"github.com/adred-codev/maelstrom-nodes/internal/protocol"
	"github.com/adred-codev/maelstrom-nodes/internal/runtime"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeKV stands in for Maelstrom's lin-kv service and for peer nodes that
// receive forward_send, replying directly onto the handler's own queue so
// the synchronous RPC facility can proceed without a second real node.
type fakeKV struct {
	mu             sync.Mutex
	store          map[string]json.RawMessage
	forceConflict  map[string]bool
	forwardReplies map[string]uint64
}

func newFakeKV() *fakeKV {
	return &fakeKV{store: make(map[string]json.RawMessage), forceConflict: make(map[string]bool), forwardReplies: make(map[string]uint64)}
}

func (f *fakeKV) serve(t *testing.T, r io.Reader, q *runtime.Queue) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(line, &env))
		if env.Dest == "c1" {
			// final client-facing reply, not an RPC this fake needs to answer
			continue
		}
		typ, err := protocol.TypeOf(env.Body)
		require.NoError(t, err)

		reply := f.handle(env, typ)
		q.Push(runtime.Event{Kind: runtime.EventMessage, Message: reply})
	}
}

func (f *fakeKV) handle(env protocol.Envelope, typ string) protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()

	if typ == "forward_send" {
		var req struct {
			protocol.Header
			Key string  `json:"key"`
			Msg float64 `json:"msg"`
		}
		_ = json.Unmarshal(env.Body, &req)
		f.forwardReplies[req.Key]++
		offset := f.forwardReplies[req.Key] - 1
		body, _ := json.Marshal(struct {
			protocol.Header
			Offset uint64 `json:"offset"`
		}{protocol.Header{Type: "send_ok", InReplyTo: req.MsgID}, offset})
		return protocol.Envelope{Src: env.Dest, Dest: env.Src, Body: body}
	}

	switch typ {
	case "read":
		var req struct {
			protocol.Header
			Key string `json:"key"`
		}
		_ = json.Unmarshal(env.Body, &req)
		v, ok := f.store[req.Key]
		if !ok {
			body, _ := json.Marshal(struct {
				protocol.Header
				Code int    `json:"code"`
				Text string `json:"text"`
			}{protocol.Header{Type: "error", InReplyTo: req.MsgID}, 20, "not found"})
			return protocol.Envelope{Src: env.Dest, Dest: env.Src, Body: body}
		}
		body, _ := json.Marshal(struct {
			protocol.Header
			Value json.RawMessage `json:"value"`
		}{protocol.Header{Type: "read_ok", InReplyTo: req.MsgID}, v})
		return protocol.Envelope{Src: env.Dest, Dest: env.Src, Body: body}

	case "write":
		var req struct {
			protocol.Header
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		_ = json.Unmarshal(env.Body, &req)
		f.store[req.Key] = req.Value
		body, _ := json.Marshal(protocol.Header{Type: "write_ok", InReplyTo: req.MsgID})
		return protocol.Envelope{Src: env.Dest, Dest: env.Src, Body: body}

	case "cas":
		var req struct {
			protocol.Header
			Key      string          `json:"key"`
			From     json.RawMessage `json:"from"`
			To       json.RawMessage `json:"to"`
			CreateIf bool            `json:"create_if_not_exists"`
		}
		_ = json.Unmarshal(env.Body, &req)

		if f.forceConflict[req.Key] {
			f.forceConflict[req.Key] = false
			body, _ := json.Marshal(struct {
				protocol.Header
				Code int    `json:"code"`
				Text string `json:"text"`
			}{protocol.Header{Type: "error", InReplyTo: req.MsgID}, 22, "precondition failed"})
			return protocol.Envelope{Src: env.Dest, Dest: env.Src, Body: body}
		}

		current, exists := f.store[req.Key]
		if !exists {
			if req.CreateIf {
				f.store[req.Key] = req.To
				body, _ := json.Marshal(protocol.Header{Type: "cas_ok", InReplyTo: req.MsgID})
				return protocol.Envelope{Src: env.Dest, Dest: env.Src, Body: body}
			}
			body, _ := json.Marshal(struct {
				protocol.Header
				Code int    `json:"code"`
				Text string `json:"text"`
			}{protocol.Header{Type: "error", InReplyTo: req.MsgID}, 20, "not found"})
			return protocol.Envelope{Src: env.Dest, Dest: env.Src, Body: body}
		}
		if string(current) != string(req.From) {
			body, _ := json.Marshal(struct {
				protocol.Header
				Code int    `json:"code"`
				Text string `json:"text"`
			}{protocol.Header{Type: "error", InReplyTo: req.MsgID}, 22, "precondition failed"})
			return protocol.Envelope{Src: env.Dest, Dest: env.Src, Body: body}
		}
		f.store[req.Key] = req.To
		body, _ := json.Marshal(protocol.Header{Type: "cas_ok", InReplyTo: req.MsgID})
		return protocol.Envelope{Src: env.Dest, Dest: env.Src, Body: body}
	}
	panic("fakeKV: unexpected message type " + typ)
}

func TestFactoryParsesNodeIndex(t *testing.T) {
	rt := &runtime.Node{ID: "n2", Queue: runtime.NewQueue()}
	factory := kafkamulti.New(zerolog.Nop(), config.Default(), nil)
	_, err := factory(runtime.Init{NodeID: "n2", NodeIDs: []string{"n0", "n1", "n2"}}, rt)
	require.NoError(t, err)
}

func TestSingleNodeSendAppendsLocallyWithoutForwarding(t *testing.T) {
	rt := &runtime.Node{ID: "n0", Queue: runtime.NewQueue()}
	factory := kafkamulti.New(zerolog.Nop(), config.Default(), metrics.New())
	h, err := factory(runtime.Init{NodeID: "n0", NodeIDs: []string{"n0"}}, rt)
	require.NoError(t, err)

	pr, pw := io.Pipe()
	fk := newFakeKV()
	go fk.serve(t, pr, rt.Queue)

	var reply bytes.Buffer
	out := io.MultiWriter(pw, &reply)
	env := protocol.Envelope{Src: "c1", Dest: "n0", Body: []byte(`{"type":"send","msg_id":1,"key":"k1","msg":10}`)}
	err = h.Step(runtime.Event{Kind: runtime.EventMessage, Message: env}, out)
	require.NoError(t, err)

	// out also carries the lin-kv requests; the client reply is the last line.
	lines := bytes.Split(bytes.TrimSpace(reply.Bytes()), []byte("\n"))
	var result map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &result))
	body := result["body"].(map[string]any)
	require.Equal(t, "send_ok", body["type"])
	require.EqualValues(t, 0, body["offset"])
}

func TestCASRetryRecoversFromForcedConflict(t *testing.T) {
	rt := &runtime.Node{ID: "n0", Queue: runtime.NewQueue()}
	factory := kafkamulti.New(zerolog.Nop(), config.Default(), metrics.New())
	h, err := factory(runtime.Init{NodeID: "n0", NodeIDs: []string{"n0"}}, rt)
	require.NoError(t, err)

	pr, pw := io.Pipe()
	fk := newFakeKV()
	fk.forceConflict["latest_k1"] = true
	go fk.serve(t, pr, rt.Queue)

	var reply bytes.Buffer
	out := io.MultiWriter(pw, &reply)
	env := protocol.Envelope{Src: "c1", Dest: "n0", Body: []byte(`{"type":"send","msg_id":1,"key":"k1","msg":10}`)}
	err = h.Step(runtime.Event{Kind: runtime.EventMessage, Message: env}, out)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(reply.Bytes()), []byte("\n"))
	var result map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &result))
	body := result["body"].(map[string]any)
	require.Equal(t, "send_ok", body["type"])
}
