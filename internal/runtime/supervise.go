package runtime

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Recover is deferred at the top of a background goroutine that is
// best-effort rather than load-bearing (e.g. the health sampler): a
// recovered panic is logged and the goroutine simply stops, since nothing
// downstream is waiting on it to report failure.
func Recover(logger zerolog.Logger, where string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", where).
			Interface("panic", r).
			Msg("recovered panic")
	}
}

// RecoverErr is deferred at the top of a goroutine the errgroup is actually
// waiting on (the stdin reader, workload injectors), turning a panic into
// an error return instead of a silent log line, so the goroutine's death
// surfaces as a fatal error from errgroup.Wait rather than being masked.
func RecoverErr(where string, errp *error) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("panic in %s: %v", where, r)
	}
}
