package resultbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/landmarker"
)

// TestBasicPublishSubscribe verifies basic functionality.
func TestBasicPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Event, 10)
	require.NoError(t, bus.Subscribe("test", ch))

	bus.Publish(Event{Sequence: 1, TimestampMs: 33})

	select {
	case got := <-ch:
		assert.Equal(t, uint64(1), got.Sequence)
		assert.Equal(t, int64(33), got.TimestampMs)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

// TestNonBlockingPublish verifies Publish drops instead of blocking on a full
// subscriber.
func TestNonBlockingPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Event, 1)
	require.NoError(t, bus.Subscribe("slow", ch))

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Sequence: 1})
		bus.Publish(Event{Sequence: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked (should be non-blocking)")
	}

	assert.Equal(t, uint64(1), (<-ch).Sequence)

	stats := bus.Stats()
	assert.Equal(t, uint64(2), stats.TotalPublished)
	assert.Equal(t, SubscriberStats{Policy: DropNew, Sent: 1, Dropped: 1}, stats.Subscribers["slow"])
	assert.InDelta(t, 0.5, DropRate(stats), 1e-9)
}

// TestDropOldKeepsLatest verifies a DropOld receiver only sees the newest
// unread event, and sees it once.
func TestDropOldKeepsLatest(t *testing.T) {
	bus := New()
	defer bus.Close()

	recv, err := bus.SubscribeDropOld("latest")
	require.NoError(t, err)

	for seq := uint64(1); seq <= 3; seq++ {
		bus.Publish(Event{Sequence: seq})
	}

	ev, ok := recv.Receive()
	require.True(t, ok)
	assert.Equal(t, uint64(3), ev.Sequence)

	_, ok = recv.TryReceive()
	assert.False(t, ok, "event must be consumed once")

	stats := bus.Stats().Subscribers["latest"]
	assert.Equal(t, SubscriberStats{Policy: DropOld, Sent: 3, Dropped: 2}, stats)
}

// TestUnsubscribeClosesReceiver verifies an unsubscribed DropOld receiver is
// woken and stops counting, while other subscribers keep receiving.
func TestUnsubscribeClosesReceiver(t *testing.T) {
	bus := New()
	defer bus.Close()

	recv, err := bus.SubscribeDropOld("latest")
	require.NoError(t, err)
	ch := make(chan Event, 4)
	require.NoError(t, bus.Subscribe("mqtt", ch))

	bus.Publish(Event{Sequence: 1})
	require.NoError(t, bus.Unsubscribe("latest"))

	_, ok := recv.Receive()
	assert.False(t, ok, "unsubscribed receiver must not block")

	bus.Publish(Event{Sequence: 2})
	stats := bus.Stats()
	assert.Equal(t, uint64(2), stats.TotalPublished)
	assert.Equal(t, uint64(2), stats.TotalSent)
	assert.NotContains(t, stats.Subscribers, "latest")
	assert.Len(t, ch, 2)
	assert.Equal(t, "drop_new", stats.Subscribers["mqtt"].Policy.String())
}

// TestCloseWakesReceivers verifies blocked receivers return on Close.
func TestCloseWakesReceivers(t *testing.T) {
	bus := New()
	recv, err := bus.SubscribeDropOld("blocked")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, ok := recv.Receive()
		assert.False(t, ok)
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Close()
	wg.Wait()

	bus.Close()
	assert.ErrorIs(t, bus.Subscribe("late", make(chan Event)), ErrBusClosed)
	bus.Publish(Event{Sequence: 1})
}

func TestSubscribeErrors(t *testing.T) {
	bus := New()
	defer bus.Close()

	require.NoError(t, bus.Subscribe("a", make(chan Event, 1)))
	assert.ErrorIs(t, bus.Subscribe("a", make(chan Event, 1)), ErrSubscriberExists)
	assert.ErrorIs(t, bus.Subscribe("b", nil), ErrNilChannel)
	_, err := bus.SubscribeDropOld("a")
	assert.ErrorIs(t, err, ErrSubscriberExists)

	require.NoError(t, bus.Unsubscribe("a"))
	assert.ErrorIs(t, bus.Unsubscribe("a"), ErrSubscriberNotFound)
}

// TestNewEventDetaches verifies the event does not alias the result.
func TestNewEventDetaches(t *testing.T) {
	res := &landmarker.Result{
		Landmarks:      [][]landmarker.Landmark{{{X: 0.5, Y: 0.25}}},
		WorldLandmarks: [][]landmarker.Landmark{{{X: 0.1}}},
		TimestampMs:    10,
	}
	ev := NewEvent(7, res, 10, nil)
	res.Landmarks[0][0].X = 0

	assert.Equal(t, 0.5, ev.Landmarks[0][0].X)
	assert.Len(t, ev.TraceID, 36)
	assert.Equal(t, uint64(7), ev.Sequence)

	failed := NewEvent(8, nil, 11, errors.New("boom"))
	assert.Empty(t, failed.Landmarks)
	assert.Error(t, failed.Err)
}

func TestDrain(t *testing.T) {
	ch := make(chan Event, 3)
	ch <- Event{Sequence: 1}
	ch <- Event{Sequence: 2}
	ch <- Event{Sequence: 3}
	close(ch)

	var seen []uint64
	err := Drain(context.Background(), "test", ch, func(ev Event) error {
		seen = append(seen, ev.Sequence)
		if ev.Sequence == 2 {
			return errors.New("sink down")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, seen)
}
