// Package echo implements the trivial echo workload: reply to each echo
// message with the same payload under echo_ok.
package echo

import (
	"io"

	"github.com/adred-codev/maelstrom-nodes/internal/protocol"
	"github.com/adred-codev/maelstrom-nodes/internal/runtime"
	"github.com/rs/zerolog"
)

// Handler implements runtime.Handler for the echo workload.
type Handler struct {
	rt  *runtime.Node
	log zerolog.Logger
}

// New constructs the handler. It satisfies runtime.Factory.
func New(logger zerolog.Logger) runtime.Factory {
	return func(_ runtime.Init, rt *runtime.Node) (runtime.Handler, error) {
		return &Handler{rt: rt, log: logger.With().Str("workload", "echo").Logger()}, nil
	}
}

type echoReq struct {
	protocol.Header
	Echo string `json:"echo"`
}
type echoOk struct {
	protocol.Header
	Echo string `json:"echo"`
}

func (h *Handler) Step(ev runtime.Event, out io.Writer) error {
	if ev.Kind != runtime.EventMessage {
		return nil
	}
	req, err := protocol.DecodeBody[echoReq](ev.Message.Body)
	if err != nil {
		return err
	}
	id := h.rt.NextMsgID()
	reply, err := protocol.Reply(ev.Message, echoOk{
		Header: protocol.Header{Type: "echo_ok", MsgID: &id, InReplyTo: req.MsgID},
		Echo:   req.Echo,
	})
	if err != nil {
		return err
	}
	return protocol.Send(out, reply)
}
