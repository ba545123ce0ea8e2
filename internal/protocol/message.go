// Package protocol implements the Maelstrom wire format: one JSON object per
// line on stdin/stdout, an envelope carrying a src/dest pair and a tagged
// body. Decoding a body is a two-step process — peek the "type" discriminator,
// then unmarshal into the concrete struct the caller already knows it wants —
// since Go's encoding/json has no tagged-union support of its own.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Envelope is the outer message shape common to every workload. Body is kept
// as raw JSON so that each handler can decode it into the specific struct for
// the payload variants it understands.
type Envelope struct {
	Src  string          `json:"src"`
	Dest string          `json:"dest"`
	Body json.RawMessage `json:"body"`
}

// Header is embedded (not nested) in every concrete body struct so that
// Go's struct-field promotion flattens msg_id/in_reply_to/type alongside the
// payload's own fields when marshaled — the idiomatic stand-in for serde's
// #[serde(flatten)].
type Header struct {
	Type      string `json:"type"`
	MsgID     *int   `json:"msg_id,omitempty"`
	InReplyTo *int   `json:"in_reply_to,omitempty"`
}

// TypeOf peeks a body's discriminator without decoding the rest of it.
func TypeOf(body json.RawMessage) (string, error) {
	var h struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &h); err != nil {
		return "", fmt.Errorf("decode body type: %w", err)
	}
	return h.Type, nil
}

// MsgIDOf peeks a body's msg_id/in_reply_to fields without decoding the rest.
func MsgIDOf(body json.RawMessage) (msgID, inReplyTo *int, err error) {
	var h Header
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, nil, fmt.Errorf("decode body header: %w", err)
	}
	return h.MsgID, h.InReplyTo, nil
}

// DecodeBody unmarshals an envelope's body into the concrete payload type T.
func DecodeBody[T any](body json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("decode body: %w", err)
	}
	return v, nil
}

// Reply builds the envelope for replying to req: src/dest swapped, body
// marshaled from payload (which must embed Header so in_reply_to/msg_id
// flatten correctly).
func Reply(req Envelope, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal reply body: %w", err)
	}
	return Envelope{Src: req.Dest, Dest: req.Src, Body: body}, nil
}

// Send writes env as a single JSON line terminated by '\n'. It is the only
// place in the codebase that writes to stdout, by convention — callers pass
// the process's stdout writer through explicitly rather than reaching for a
// package-level global, so tests can assert against a buffer.
func Send(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// NewScanner returns a bufio.Scanner configured for the long lines that a
// Kafka segment body or a broadcast read_ok can produce.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	const maxLine = 1 << 24 // 16MiB, generous headroom over any single segment/gossip line
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return sc
}
