// Package config holds the small set of tunables shared by the node
// binaries. There is no LoadConfig here: every node gets its tuning from
// Default's literal values only — no CLI flags, no env vars, no on-disk
// state to parse.
package config

import (
	"fmt"
	"time"
)

// Config holds the tunables every workload's runtime wiring reads from.
type Config struct {
	// RPCTimeout bounds a nested synchronous RPC.
	RPCTimeout time.Duration

	// GossipInterval is broadcast's background gossip tick period.
	GossipInterval time.Duration

	// NeighborFanout is the tuned small-world constant k.
	NeighborFanout int

	// GossipSampleCap bounds how many already-known values are piggybacked
	// per gossip tick.
	GossipSampleCap int

	// KafkaBatchSize is the number of offsets per lin-kv segment entry.
	KafkaBatchSize int

	// HealthSampleInterval controls how often internal/health logs a
	// runtime snapshot.
	HealthSampleInterval time.Duration

	// CASRetryRate and CASRetryBurst bound how fast a CAS retry loop
	// (kafkamulti's offset allocation, counter's addDelta) may re-attempt
	// against lin-kv/seq-kv under contention: burst retries go through
	// immediately, anything beyond that is paced at the sustained rate so
	// a hot key doesn't turn into a tight spin against the KV service.
	CASRetryRate  float64
	CASRetryBurst int
}

// Default returns the tuning every node binary uses. It is a pure literal —
// no environment, no flags, no disk reads — so the same binary behaves
// identically regardless of where Maelstrom launches it.
func Default() Config {
	return Config{
		RPCTimeout:           time.Second,
		GossipInterval:       300 * time.Millisecond,
		NeighborFanout:       8,
		GossipSampleCap:      30,
		KafkaBatchSize:       20,
		HealthSampleInterval: 30 * time.Second,
		CASRetryRate:         20.0,
		CASRetryBurst:        5,
	}
}

// Validate checks the tunables are in range. Default always passes; this
// exists so callers that build a Config by hand (e.g. tests exercising edge
// tunables) get the same guardrails production code relies on.
func (c Config) Validate() error {
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("config: RPCTimeout must be positive")
	}
	if c.GossipInterval <= 0 {
		return fmt.Errorf("config: GossipInterval must be positive")
	}
	if c.NeighborFanout < 1 {
		return fmt.Errorf("config: NeighborFanout must be at least 1")
	}
	if c.GossipSampleCap < 0 {
		return fmt.Errorf("config: GossipSampleCap must not be negative")
	}
	if c.KafkaBatchSize < 1 {
		return fmt.Errorf("config: KafkaBatchSize must be at least 1")
	}
	if c.CASRetryRate <= 0 {
		return fmt.Errorf("config: CASRetryRate must be positive")
	}
	if c.CASRetryBurst < 1 {
		return fmt.Errorf("config: CASRetryBurst must be at least 1")
	}
	return nil
}
