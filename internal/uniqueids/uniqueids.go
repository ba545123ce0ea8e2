// Package uniqueids implements the globally-unique-id generation workload.
// Each node mints ids independent of any coordination, combining its own
// node id with a local monotone counter so two nodes can never collide.
package uniqueids

import (
	"fmt"
	"io"

	"github.com/adred-codev/maelstrom-nodes/internal/protocol"
	"github.com/adred-codev/maelstrom-nodes/internal/runtime"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler implements runtime.Handler for the unique-ids workload.
type Handler struct {
	rt  *runtime.Node
	log zerolog.Logger
}

// New constructs the handler. It satisfies runtime.Factory.
func New(logger zerolog.Logger) runtime.Factory {
	return func(_ runtime.Init, rt *runtime.Node) (runtime.Handler, error) {
		return &Handler{rt: rt, log: logger.With().Str("workload", "unique-ids").Logger()}, nil
	}
}

type generateReq struct{ protocol.Header }
type generateOk struct {
	protocol.Header
	ID string `json:"id"`
}

// Step mints an id from node_id + the monotone msg_id counter, which is
// sufficient for wire-level uniqueness with no coordination. A uuid is
// attached only to the log line below for cross-node correlation during
// debugging — it never appears on the wire.
func (h *Handler) Step(ev runtime.Event, out io.Writer) error {
	if ev.Kind != runtime.EventMessage {
		return nil
	}
	req, err := protocol.DecodeBody[generateReq](ev.Message.Body)
	if err != nil {
		return err
	}

	id := h.rt.NextMsgID()
	generated := fmt.Sprintf("%s-%d", h.rt.ID, id)
	h.log.Debug().Str("correlation_id", uuid.NewString()).Str("generated", generated).Msg("generate")

	reply, err := protocol.Reply(ev.Message, generateOk{
		Header: protocol.Header{Type: "generate_ok", MsgID: &id, InReplyTo: req.MsgID},
		ID:     generated,
	})
	if err != nil {
		return err
	}
	return protocol.Send(out, reply)
}
