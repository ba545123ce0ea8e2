package counter_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/adred-codev/maelstrom-nodes/internal/config"
	"github.com/adred-codev/maelstrom-nodes/internal/counter"
	"github.com/adred-codev/maelstrom-nodes/internal/metrics"
	"github.com/adred-codev/maelstrom-nodes/internal/protocol"
	"github.com/adred-codev/maelstrom-nodes/internal/runtime"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeSeqKV stands in for Maelstrom's seq-kv service.
type fakeSeqKV struct {
	mu            sync.Mutex
	store         map[string]json.RawMessage
	forceConflict bool
}

func (f *fakeSeqKV) serve(t *testing.T, r io.Reader, q *runtime.Queue) {
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
			continue
		}
		typ, err := protocol.TypeOf(env.Body)
		require.NoError(t, err)
		q.Push(runtime.Event{Kind: runtime.EventMessage, Message: f.handle(env, typ)})
	}
}

func (f *fakeSeqKV) handle(env protocol.Envelope, typ string) protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()

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

		if f.forceConflict {
			f.forceConflict = false
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
	panic("fakeSeqKV: unexpected message type " + typ)
}

func newHandler(t *testing.T) (runtime.Handler, *runtime.Node, *fakeSeqKV, io.Writer, *bytes.Buffer) {
	t.Helper()
	rt := &runtime.Node{ID: "n1", Queue: runtime.NewQueue()}
	factory := counter.New(zerolog.Nop(), config.Default(), metrics.New())
	h, err := factory(runtime.Init{NodeID: "n1"}, rt)
	require.NoError(t, err)

	pr, pw := io.Pipe()
	fk := &fakeSeqKV{store: make(map[string]json.RawMessage)}
	go fk.serve(t, pr, rt.Queue)

	var reply bytes.Buffer
	out := io.MultiWriter(pw, &reply)
	return h, rt, fk, out, &reply
}

func step(t *testing.T, h runtime.Handler, out io.Writer, reply *bytes.Buffer, body string) map[string]any {
	t.Helper()
	reply.Reset()
	env := protocol.Envelope{Src: "c1", Dest: "n1", Body: []byte(body)}
	require.NoError(t, h.Step(runtime.Event{Kind: runtime.EventMessage, Message: env}, out))
	// out also carries the seq-kv requests; the client reply is the last line.
	lines := bytes.Split(bytes.TrimSpace(reply.Bytes()), []byte("\n"))
	var result map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &result))
	return result
}

func TestAddAccumulatesAcrossCalls(t *testing.T) {
	h, _, _, out, reply := newHandler(t)

	r1 := step(t, h, out, reply, `{"type":"add","msg_id":1,"delta":5}`)
	require.Equal(t, "add_ok", r1["body"].(map[string]any)["type"])

	step(t, h, out, reply, `{"type":"add","msg_id":2,"delta":3}`)

	r3 := step(t, h, out, reply, `{"type":"read","msg_id":3}`)
	body := r3["body"].(map[string]any)
	require.Equal(t, "read_ok", body["type"])
	require.EqualValues(t, 8, body["value"])
}

func TestAddSurvivesForcedCASConflict(t *testing.T) {
	h, _, fk, out, reply := newHandler(t)
	fk.forceConflict = true

	r1 := step(t, h, out, reply, `{"type":"add","msg_id":1,"delta":7}`)
	require.Equal(t, "add_ok", r1["body"].(map[string]any)["type"])

	r2 := step(t, h, out, reply, `{"type":"read","msg_id":2}`)
	require.EqualValues(t, 7, r2["body"].(map[string]any)["value"])
}

func TestReadWritesSyncKeyBeforeReading(t *testing.T) {
	h, _, fk, out, reply := newHandler(t)
	step(t, h, out, reply, `{"type":"read","msg_id":1}`)
	fk.mu.Lock()
	_, ok := fk.store["sync"]
	fk.mu.Unlock()
	require.True(t, ok)
}
