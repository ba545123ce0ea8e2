package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/adred-codev/maelstrom-nodes/internal/metrics"
	"github.com/adred-codev/maelstrom-nodes/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Init carries the node_id/node_ids delivered by Maelstrom's init message.
type Init struct {
	NodeID  string
	NodeIDs []string
}

// Node holds the state common to every workload: identity, peers, and the
// monotone msg_id counter. Workload-specific state lives in the Handler.
type Node struct {
	ID      string
	PeerIDs []string
	Queue   *Queue

	mu     sync.Mutex
	nextID int
}

// NextMsgID returns the next id to assign an outbound message, starting at 1
// (0 is reserved for the init_ok reply) and never resetting.
func (n *Node) NextMsgID() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

// Handler is the per-workload state machine dispatched by the runtime loop.
// Step must be synchronous from the loop's perspective: any RPC suspension
// happens entirely within this call, via the RPC nested-receive mechanism.
type Handler interface {
	Step(ev Event, out io.Writer) error
}

// Factory constructs a workload's Handler from the init payload and the
// constructed Node (which the handler retains to issue RPCs and read its
// own identity).
type Factory func(init Init, node *Node) (Handler, error)

// Injector is a producer goroutine — typically a timer — that pushes
// Injected events onto the queue until ctx is cancelled.
type Injector func(ctx context.Context, node *Node) error

// Run executes the full node lifecycle: read and reply to the init message,
// construct the handler, start the stdin reader and any injectors, then
// dispatch events to handler.Step until EOF.
func Run(stdin io.Reader, stdout io.Writer, logger zerolog.Logger, mx *metrics.Registry, factory Factory, injectors ...Injector) error {
	sc := protocol.NewScanner(stdin)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return fmt.Errorf("read init message: %w", err)
		}
		return fmt.Errorf("read init message: no input received")
	}

	var initEnv protocol.Envelope
	if err := json.Unmarshal(sc.Bytes(), &initEnv); err != nil {
		return fmt.Errorf("decode init envelope: %w", err)
	}
	typ, err := protocol.TypeOf(initEnv.Body)
	if err != nil {
		return err
	}
	if typ != "init" {
		return fmt.Errorf("first message must be init, got %q", typ)
	}

	type initBody struct {
		protocol.Header
		NodeID  string   `json:"node_id"`
		NodeIDs []string `json:"node_ids"`
	}
	body, err := protocol.DecodeBody[initBody](initEnv.Body)
	if err != nil {
		return fmt.Errorf("decode init body: %w", err)
	}

	zero := 0
	initOk := struct{ protocol.Header }{
		Header: protocol.Header{Type: "init_ok", MsgID: &zero, InReplyTo: body.MsgID},
	}
	reply, err := protocol.Reply(initEnv, initOk)
	if err != nil {
		return err
	}
	if err := protocol.Send(stdout, reply); err != nil {
		return fmt.Errorf("write init_ok: %w", err)
	}

	node := &Node{ID: body.NodeID, PeerIDs: body.NodeIDs, Queue: NewQueue()}
	handler, err := factory(Init{NodeID: body.NodeID, NodeIDs: body.NodeIDs}, node)
	if err != nil {
		return fmt.Errorf("construct handler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return readLoop(gctx, sc, node.Queue, logger, mx)
	})
	for _, inject := range injectors {
		inject := inject
		g.Go(func() (err error) {
			defer RecoverErr("injector", &err)
			return inject(gctx, node)
		})
	}

	if err := dispatch(node, handler, stdout, logger, mx); err != nil {
		cancel()
		return err
	}

	cancel()
	return g.Wait()
}

// dispatch is the single-consumer main loop: pop an event, hand it to the
// handler, repeat until EOF. A failed step is logged and the loop
// continues — one bad event must not tear down the node.
func dispatch(node *Node, handler Handler, out io.Writer, logger zerolog.Logger, mx *metrics.Registry) error {
	if mx != nil {
		out = &countingWriter{w: out, sent: mx.MessagesSent}
	}
	for {
		ev := node.Queue.Recv()

		start := time.Now()
		err := handler.Step(ev, out)
		if mx != nil {
			mx.StepDuration.Observe(time.Since(start).Seconds())
			if ev.Kind == EventMessage {
				mx.MessagesReceived.Inc()
			}
			if err != nil {
				mx.StepErrors.Inc()
			}
		}
		if err != nil {
			logger.Error().Err(err).Msg("step failed, continuing")
		}
		if ev.Kind == EventEOF {
			return nil
		}
	}
}

// readLoop parses one Message per stdin line and pushes it onto queue. On
// EOF it pushes a terminal EventEOF and returns. It is the sole writer into
// the reader side of the MPSC queue for inbound traffic, and the sole
// consumer of sc — the init read above already happened on the same
// scanner, so this continues from the second line.
func readLoop(ctx context.Context, sc *bufio.Scanner, queue *Queue, logger zerolog.Logger, mx *metrics.Registry) (err error) {
	defer RecoverErr("stdin reader", &err)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			logger.Error().Err(err).Msg("dropping malformed input line")
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		queue.Push(Event{Kind: EventMessage, Message: env})
	}
	scanErr := sc.Err()
	if scanErr != nil {
		logger.Error().Err(scanErr).Msg("stdin scanner error")
	}
	queue.Push(Event{Kind: EventEOF})
	return scanErr
}

// countingWriter increments sent once per Write call, which lines up
// exactly with protocol.Send's one-write-per-envelope contract.
type countingWriter struct {
	w    io.Writer
	sent prometheus.Counter
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err == nil {
		c.sent.Inc()
	}
	return n, err
}
