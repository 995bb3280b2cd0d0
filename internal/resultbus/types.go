package resultbus

import (
	"errors"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/landmarker"
)

var (
	ErrBusClosed          = errors.New("resultbus: bus is closed")
	ErrSubscriberExists   = errors.New("resultbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("resultbus: subscriber not found")
	ErrNilChannel         = errors.New("resultbus: nil channel provided")
)

// DropPolicy defines how the bus handles events when a subscriber cannot keep up
type DropPolicy int

const (
	// DropNew drops incoming events if the subscriber's buffer is full
	DropNew DropPolicy = iota
	// DropOld keeps only the latest event, replacing the unread one
	DropOld
)

func (p DropPolicy) String() string {
	switch p {
	case DropNew:
		return "drop_new"
	case DropOld:
		return "drop_old"
	default:
		return "unknown"
	}
}

// Event is one pipeline result, detached from the pipeline: it owns its
// slices and carries no frame or mask.
type Event struct {
	Sequence       uint64
	TraceID        string
	TimestampMs    int64
	Landmarks      [][]landmarker.Landmark
	WorldLandmarks [][]landmarker.Landmark
	// Err is set when the frame failed; Landmarks is then empty.
	Err error
}

// NewEvent copies res into an Event with a fresh trace id. res may be nil
// when err is set.
func NewEvent(seq uint64, res *landmarker.Result, timestampMs int64, err error) Event {
	ev := Event{
		Sequence:    seq,
		TraceID:     uuid.NewString(),
		TimestampMs: timestampMs,
		Err:         err,
	}
	if res == nil {
		return ev
	}
	ev.Landmarks = copyPoses(res.Landmarks)
	ev.WorldLandmarks = copyPoses(res.WorldLandmarks)
	return ev
}

func copyPoses(in [][]landmarker.Landmark) [][]landmarker.Landmark {
	if len(in) == 0 {
		return nil
	}
	out := make([][]landmarker.Landmark, len(in))
	for i, p := range in {
		out[i] = append([]landmarker.Landmark(nil), p...)
	}
	return out
}

// Receiver provides the latest event for DropOld subscribers
type Receiver interface {
	// Receive blocks until an unread event is available. ok is false once the
	// receiver is closed.
	Receive() (ev Event, ok bool)
	// TryReceive returns the unread event without blocking.
	TryReceive() (Event, bool)
	Close()
}

// SubscriberStats counts deliveries to one subscriber. For DropOld, Sent
// counts every event stored and Dropped the unread events overwritten.
type SubscriberStats struct {
	Policy  DropPolicy
	Sent    uint64
	Dropped uint64
}

// Stats is a snapshot of the whole bus
type Stats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}
