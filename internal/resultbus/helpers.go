package resultbus

import (
	"context"
	"log/slog"
)

// DropRate returns the drop rate as a fraction (0.0 to 1.0).
// Returns 0.0 if nothing has been sent or dropped.
func DropRate(stats Stats) float64 {
	total := stats.TotalSent + stats.TotalDropped
	if total == 0 {
		return 0.0
	}
	return float64(stats.TotalDropped) / float64(total)
}

// Sink consumes events. An error is logged and does not stop the loop.
type Sink func(Event) error

// Drain feeds events from ch to sink until ctx is done or ch is closed.
func Drain(ctx context.Context, name string, ch <-chan Event, sink Sink, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "resultbus", "sink", name)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := sink(ev); err != nil {
				logger.Warn("sink failed",
					"sequence", ev.Sequence,
					"trace_id", ev.TraceID,
					"error", err,
				)
			}
		}
	}
}
