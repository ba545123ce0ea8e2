// Package kv provides RPC-based clients for Maelstrom's two built-in
// key-value services, lin-kv (linearizable) and seq-kv (sequentially
// consistent), built on top of the runtime's
// synchronous RPC facility. Every workload that talks to a remote KV service
// (counter, kafkamulti) goes through one of these rather than hand-rolling
// its own request/reply bookkeeping.
package kv

import (
	"encoding/json"
	"fmt"

	"github.com/adred-codev/maelstrom-nodes/internal/protocol"
	"github.com/adred-codev/maelstrom-nodes/internal/runtime"
)

// Service names Maelstrom reserves for its two built-in KV stores.
const (
	SeqKV = "seq-kv"
	LinKV = "lin-kv"
)

// Client issues read/write/cas RPCs against one of Maelstrom's built-in KV
// services, addressed by Dest (either SeqKV or LinKV).
type Client struct {
	Src  string
	Dest string
	RPC  *runtime.RPC
}

type readReq struct {
	protocol.Header
	Key any `json:"key"`
}

type readOk struct {
	protocol.Header
	Value json.RawMessage `json:"value"`
}

type writeReq struct {
	protocol.Header
	Key   any `json:"key"`
	Value any `json:"value"`
}

type casReq struct {
	protocol.Header
	Key      any  `json:"key"`
	From     any  `json:"from"`
	To       any  `json:"to"`
	CreateIf bool `json:"create_if_not_exists,omitempty"`
}

type errBody struct {
	protocol.Header
	Code int    `json:"code"`
	Text string `json:"text"`
}

// Read fetches the raw JSON value stored at key. Returns protocol.ErrKeyNotExist
// if the key has never been written.
func (c *Client) Read(key any) (json.RawMessage, error) {
	typ, body, err := c.RPC.Call(func(id int) (protocol.Envelope, error) {
		return envelope(c.Src, c.Dest, readReq{
			Header: protocol.Header{Type: "read", MsgID: &id},
			Key:    key,
		})
	}, "read_ok")
	if err != nil {
		return nil, err
	}
	if typ == "error" {
		return nil, decodeErr(body)
	}
	ok, err := protocol.DecodeBody[readOk](body)
	if err != nil {
		return nil, err
	}
	return ok.Value, nil
}

// Write unconditionally stores value at key.
func (c *Client) Write(key, value any) error {
	typ, body, err := c.RPC.Call(func(id int) (protocol.Envelope, error) {
		return envelope(c.Src, c.Dest, writeReq{
			Header: protocol.Header{Type: "write", MsgID: &id},
			Key:    key,
			Value:  value,
		})
	}, "write_ok")
	if err != nil {
		return err
	}
	if typ == "error" {
		return decodeErr(body)
	}
	return nil
}

// CompareAndSwap stores to at key iff the current value equals from. If
// createIfNotExists is true and the key is absent, it is created with value
// to regardless of from. Returns protocol.ErrPreconditionFailed on mismatch.
func (c *Client) CompareAndSwap(key, from, to any, createIfNotExists bool) error {
	typ, body, err := c.RPC.Call(func(id int) (protocol.Envelope, error) {
		return envelope(c.Src, c.Dest, casReq{
			Header:   protocol.Header{Type: "cas", MsgID: &id},
			Key:      key,
			From:     from,
			To:       to,
			CreateIf: createIfNotExists,
		})
	}, "cas_ok")
	if err != nil {
		return err
	}
	if typ == "error" {
		return decodeErr(body)
	}
	return nil
}

func envelope(src, dest string, body any) (protocol.Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("marshal kv request: %w", err)
	}
	return protocol.Envelope{Src: src, Dest: dest, Body: raw}, nil
}

func decodeErr(body json.RawMessage) error {
	e, err := protocol.DecodeBody[errBody](body)
	if err != nil {
		return err
	}
	return protocol.AsRPCError(e.Code, e.Text)
}
