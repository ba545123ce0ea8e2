// Package logging configures the structured logger every node binary uses:
// JSON output, timestamps, and a workload tag, pinned to stderr — stdout is
// reserved exclusively for the wire protocol, so nothing here may ever
// write there.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's levels under a name that doesn't leak the
// dependency into callers that just want "debug"/"info"/etc.
type Level = zerolog.Level

// New builds the logger for a single node process: a stderr sink with
// timestamps and a workload tag. It carries no node_id field; node_id only
// arrives with the init message, after New has run.
func New(workload string, level Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(os.Stderr).
		With().
		Timestamp().
		Str("workload", workload).
		Logger().
		Level(level)
}
