// Command counter runs the grow-only counter workload node backed by
// seq-kv.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/adred-codev/maelstrom-nodes/internal/config"
	"github.com/adred-codev/maelstrom-nodes/internal/counter"
	"github.com/adred-codev/maelstrom-nodes/internal/health"
	"github.com/adred-codev/maelstrom-nodes/internal/logging"
	"github.com/adred-codev/maelstrom-nodes/internal/metrics"
	"github.com/adred-codev/maelstrom-nodes/internal/runtime"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "counter:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.New("counter", zerolog.InfoLevel)
	mx := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer runtime.Recover(logger, "health sampler")
		health.Run(ctx, logger, cfg.HealthSampleInterval)
	}()

	return runtime.Run(os.Stdin, os.Stdout, logger, mx, counter.New(logger, cfg, mx))
}
