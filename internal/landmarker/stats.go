package landmarker

import (
	"sync/atomic"
	"time"
)

// Stats is an operational snapshot of a Pipeline.
//
// Semantics:
//   - Submitted counts frames accepted for processing (LIVE_STREAM: accepted
//     by DetectAsync, including ones later dropped).
//   - Processed counts frames that went through the per-frame algorithm,
//     successfully or not; Failed is the subset that returned an error.
//   - Dropped counts LIVE_STREAM frames displaced by a newer one (DropOldest)
//     or discarded by Close; Rejected counts ErrBackpressure submissions.
//   - TrackedPoses is the size of the tracking state after the last frame.
//
// Snapshots may be slightly stale relative to each other.
type Stats struct {
	Submitted    uint64
	Processed    uint64
	Failed       uint64
	Dropped      uint64
	Rejected     uint64
	DetectorRuns uint64
	TrackerRuns  uint64
	TrackedPoses int
	LastLatency  time.Duration
}

type counters struct {
	submitted    atomic.Uint64
	processed    atomic.Uint64
	failed       atomic.Uint64
	dropped      atomic.Uint64
	rejected     atomic.Uint64
	detectorRuns atomic.Uint64
	trackerRuns  atomic.Uint64
	trackedPoses atomic.Int64
	lastLatency  atomic.Int64
}

func (c *counters) observe(start time.Time, err error) {
	c.processed.Add(1)
	if err != nil {
		c.failed.Add(1)
	}
	c.lastLatency.Store(int64(time.Since(start)))
}

func (c *counters) snapshot() Stats {
	return Stats{
		Submitted:    c.submitted.Load(),
		Processed:    c.processed.Load(),
		Failed:       c.failed.Load(),
		Dropped:      c.dropped.Load(),
		Rejected:     c.rejected.Load(),
		DetectorRuns: c.detectorRuns.Load(),
		TrackerRuns:  c.trackerRuns.Load(),
		TrackedPoses: int(c.trackedPoses.Load()),
		LastLatency:  time.Duration(c.lastLatency.Load()),
	}
}
