package landmarker

import "fmt"

// modeStrategy is the behavior of one running mode. The table is selected
// once at construction and never mutated.
type modeStrategy struct {
	// entry names the only method allowed to submit frames.
	entry string
	// stateful modes consult and update TrackingState across calls.
	stateful bool
	// timestamps must be strictly increasing.
	timestamps bool
	// async modes deliver results through the callback.
	async bool
}

var strategies = map[RunningMode]modeStrategy{
	ModeImage:      {entry: "Detect"},
	ModeVideo:      {entry: "DetectForVideo", stateful: true, timestamps: true},
	ModeLiveStream: {entry: "DetectAsync", stateful: true, timestamps: true, async: true},
}

// allow fails with ErrWrongRunningMode when method is not the mode's entry.
func (s modeStrategy) allow(mode RunningMode, method string) error {
	if s.entry != method {
		return fmt.Errorf("%w: %s is not available in %v mode (use %s)", ErrWrongRunningMode, method, mode, s.entry)
	}
	return nil
}

// timestampGate enforces strictly increasing timestamps.
type timestampGate struct {
	last int64
	seen bool
}

// check validates ts without recording it.
func (g *timestampGate) check(ts int64) error {
	if g.seen && ts <= g.last {
		return fmt.Errorf("%w: %d after %d", ErrNonMonotonicTimestamp, ts, g.last)
	}
	return nil
}

func (g *timestampGate) accept(ts int64) {
	g.last, g.seen = ts, true
}
