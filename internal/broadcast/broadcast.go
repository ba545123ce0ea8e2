// Package broadcast implements the anti-entropy gossip workload: nodes hold
// a replicated set of values and converge on a common view by periodically
// exchanging what they know with a small-world subset of their peers.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/adred-codev/maelstrom-nodes/internal/config"
	"github.com/adred-codev/maelstrom-nodes/internal/protocol"
	"github.com/adred-codev/maelstrom-nodes/internal/runtime"
	"github.com/rs/zerolog"
)

type gossipTick struct{}

// Handler implements runtime.Handler for the broadcast workload.
type Handler struct {
	node *Node
	out  io.Writer
}

// Node holds the gossip state machine: the replicated value set, the
// pruned neighborhood, and per-peer knowledge tracking.
type Node struct {
	rt   *runtime.Node
	log  zerolog.Logger
	rand *rand.Rand
	cfg  config.Config

	messages     map[float64]struct{}
	neighborhood []string
	known        map[string]map[float64]struct{}
	gossipDelta  int
	wake         chan struct{}
}

// NewFactory builds the broadcast handler and its companion gossip-timer
// injector. Both close over the same Node instance — the factory
// constructs it when runtime.Run invokes it, and the injector goroutine is
// only started afterward, so the assignment is visible without extra
// synchronization (goroutine creation is a happens-before edge).
func NewFactory(logger zerolog.Logger, cfg config.Config) (runtime.Factory, runtime.Injector) {
	var n *Node
	factory := func(_ runtime.Init, rt *runtime.Node) (runtime.Handler, error) {
		n = &Node{
			rt:       rt,
			log:      logger.With().Str("workload", "broadcast").Logger(),
			rand:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
			cfg:      cfg,
			messages: make(map[float64]struct{}),
			known:    make(map[string]map[float64]struct{}),
			wake:     make(chan struct{}, 1),
		}
		return &Handler{node: n}, nil
	}
	injector := func(ctx context.Context, _ *runtime.Node) error {
		return n.gossipTimer(ctx)
	}
	return factory, injector
}

// gossipTimer runs the background gossip tick: it fires on a fixed period
// but wakes early when handleGossip saw a gossip whose novelty reached
// gossipDelta — note gossipDelta only ever grows, it never decays, so an
// early wake becomes permanently harder to trigger after a large burst,
// never easier.
func (n *Node) gossipTimer(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.wake:
		case <-ticker.C:
		}
		n.rt.Queue.Push(runtime.Event{Kind: runtime.EventInjected, Injected: gossipTick{}})
	}
}

func (h *Handler) Step(ev runtime.Event, out io.Writer) error {
	h.out = out
	switch ev.Kind {
	case runtime.EventMessage:
		return h.handleMessage(ev.Message)
	case runtime.EventInjected:
		if _, ok := ev.Injected.(gossipTick); ok {
			return h.node.gossipOnce(out)
		}
		return nil
	case runtime.EventEOF:
		return nil
	}
	return nil
}

func (h *Handler) handleMessage(env protocol.Envelope) error {
	typ, err := protocol.TypeOf(env.Body)
	if err != nil {
		return err
	}
	switch typ {
	case "broadcast":
		return h.node.handleBroadcast(env, h.out)
	case "read":
		return h.node.handleRead(env, h.out)
	case "topology":
		return h.node.handleTopology(env, h.out)
	case "gossip":
		return h.node.handleGossip(env)
	default:
		return fmt.Errorf("broadcast: unexpected message type %q", typ)
	}
}

type broadcastReq struct {
	protocol.Header
	Message float64 `json:"message"`
}

type broadcastOk struct{ protocol.Header }

func (n *Node) handleBroadcast(env protocol.Envelope, out io.Writer) error {
	req, err := protocol.DecodeBody[broadcastReq](env.Body)
	if err != nil {
		return err
	}
	n.messages[req.Message] = struct{}{}
	id := n.rt.NextMsgID()
	reply, err := protocol.Reply(env, broadcastOk{protocol.Header{Type: "broadcast_ok", MsgID: &id, InReplyTo: req.MsgID}})
	if err != nil {
		return err
	}
	return protocol.Send(out, reply)
}

type readReq struct{ protocol.Header }
type readOk struct {
	protocol.Header
	Messages []float64 `json:"messages"`
}

func (n *Node) handleRead(env protocol.Envelope, out io.Writer) error {
	req, err := protocol.DecodeBody[readReq](env.Body)
	if err != nil {
		return err
	}
	values := make([]float64, 0, len(n.messages))
	for m := range n.messages {
		values = append(values, m)
	}
	id := n.rt.NextMsgID()
	reply, err := protocol.Reply(env, readOk{
		Header:   protocol.Header{Type: "read_ok", MsgID: &id, InReplyTo: req.MsgID},
		Messages: values,
	})
	if err != nil {
		return err
	}
	return protocol.Send(out, reply)
}

type topologyReq struct {
	protocol.Header
	Topology map[string][]string `json:"topology"`
}
type topologyOk struct{ protocol.Header }

func (n *Node) handleTopology(env protocol.Envelope, out io.Writer) error {
	req, err := protocol.DecodeBody[topologyReq](env.Body)
	if err != nil {
		return err
	}
	n.neighborhood = selectNeighborhood(n.rt.ID, req.Topology, n.rand, n.cfg.NeighborFanout)
	for _, peer := range n.neighborhood {
		if n.known[peer] == nil {
			n.known[peer] = make(map[float64]struct{})
		}
	}
	id := n.rt.NextMsgID()
	reply, err := protocol.Reply(env, topologyOk{protocol.Header{Type: "topology_ok", MsgID: &id, InReplyTo: req.MsgID}})
	if err != nil {
		return err
	}
	return protocol.Send(out, reply)
}

// selectNeighborhood implements small-world pruning: start from the
// topology's own adjacency list, then probabilistically splice in a handful
// of long-range edges from the remaining peers, capped at half of the
// original topology size.
func selectNeighborhood(self string, topology map[string][]string, rnd *rand.Rand, fanout int) []string {
	seed := append([]string(nil), topology[self]...)

	seen := make(map[string]bool, len(seed)+1)
	seen[self] = true
	for _, p := range seed {
		seen[p] = true
	}

	var remaining []string
	for peer := range topology {
		if !seen[peer] {
			remaining = append(remaining, peer)
		}
	}

	result := seed
	if len(remaining) > 0 {
		k := fanout
		if k > len(remaining) {
			k = len(remaining)
		}
		prob := float64(k) / float64(len(remaining))
		for _, peer := range remaining {
			if rnd.Float64() < prob {
				result = append(result, peer)
			}
		}
	}

	maxSize := len(topology) / 2
	if maxSize > 0 && len(result) > maxSize {
		result = result[:maxSize]
	}
	return result
}

type gossipMsg struct {
	protocol.Header
	Seen []float64 `json:"seen"`
}

func (n *Node) gossipOnce(out io.Writer) error {
	for _, peer := range n.neighborhood {
		knownToPeer := n.known[peer]
		if knownToPeer == nil {
			knownToPeer = make(map[float64]struct{})
			n.known[peer] = knownToPeer
		}

		var novel, alreadyKnown []float64
		for m := range n.messages {
			if _, ok := knownToPeer[m]; ok {
				alreadyKnown = append(alreadyKnown, m)
			} else {
				novel = append(novel, m)
			}
		}

		sampled := sampleValues(alreadyKnown, n.rand, n.cfg.GossipSampleCap)
		seen := append(novel, sampled...)
		if len(seen) == 0 {
			continue
		}

		id := n.rt.NextMsgID()
		env := protocol.Envelope{Src: n.rt.ID, Dest: peer}
		body, err := json.Marshal(gossipMsg{
			Header: protocol.Header{Type: "gossip", MsgID: &id},
			Seen:   seen,
		})
		if err != nil {
			return err
		}
		env.Body = body
		if err := protocol.Send(out, env); err != nil {
			return err
		}
	}
	return nil
}

// sampleValues piggybacks a random subset of already-known values at rate
// min(30,|known|)/|known|, so the peer's known[self] estimate can
// converge even though gossip is otherwise one-directional.
func sampleValues(pool []float64, rnd *rand.Rand, sampleCap int) []float64 {
	if len(pool) == 0 {
		return nil
	}
	k := sampleCap
	if k > len(pool) {
		k = len(pool)
	}
	rnd.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return append([]float64(nil), pool[:k]...)
}

func (n *Node) handleGossip(env protocol.Envelope) error {
	msg, err := protocol.DecodeBody[gossipMsg](env.Body)
	if err != nil {
		return err
	}
	peer := env.Src
	if n.known[peer] == nil {
		n.known[peer] = make(map[float64]struct{})
	}

	before := len(n.messages)
	for _, v := range msg.Seen {
		n.known[peer][v] = struct{}{}
		n.messages[v] = struct{}{}
	}
	delta := len(n.messages) - before
	if delta >= n.gossipDelta {
		n.gossipDelta = delta
		select {
		case n.wake <- struct{}{}:
		default:
		}
	}
	return nil
}
