package pajack

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testWait = 2 * time.Second

func nextSubscription(t *testing.T, subscriber *fakeSubscriber) *fakeSubscription {
	t.Helper()

	select {
	case sub := <-subscriber.subscribed:
		return sub
	case <-time.After(testWait):
		t.Fatal("timed out waiting for subscription")
		return nil
	}
}

func nextEvent(t *testing.T, ch <-chan ServerEvent) ServerEvent {
	t.Helper()

	select {
	case ev := <-ch:
		return ev
	case <-time.After(testWait):
		t.Fatal("timed out waiting for handled event")
		return ServerEvent{}
	}
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(testWait):
		t.Fatal("dispatcher did not return")
		return nil
	}
}

func TestDispatcherForwardsOnlyNewSinkInputs(t *testing.T) {
	subscriber := newFakeSubscriber()
	d := NewDispatcher(zaptest.NewLogger(t).Sugar(), subscriber, true)

	handled := make(chan ServerEvent, 8)
	removed := make(chan ServerEvent, 8)
	d.OnStreamRemoved(func(ev ServerEvent) { removed <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, func(ev ServerEvent) { handled <- ev }) }()

	sub := nextSubscription(t, subscriber)

	sub.events <- ServerEvent{Type: EventNew, Facility: FacilitySourceOutput, Index: 1}
	sub.events <- ServerEvent{Type: EventChange, Facility: FacilitySinkInput, Index: 2}
	sub.events <- ServerEvent{Type: EventNew, Facility: FacilitySink, Index: 3}
	sub.events <- ServerEvent{Type: EventNew, Facility: FacilitySinkInput, Index: 4}
	sub.events <- ServerEvent{Type: EventRemove, Facility: FacilitySinkInput, Index: 5}
	sub.events <- ServerEvent{Type: EventNew, Facility: FacilitySinkInput, Index: 6}

	assert.Equal(t, uint32(4), nextEvent(t, handled).Index)
	assert.Equal(t, uint32(5), nextEvent(t, removed).Index)
	assert.Equal(t, uint32(6), nextEvent(t, handled).Index)
	assert.Equal(t, FeedListening, d.State())

	cancel()
	assert.NoError(t, waitResult(t, done))
	assert.Empty(t, handled)
	assert.Equal(t, FeedDisconnected, d.State())
}

func TestDispatcherReconnectsOnceAfterDrop(t *testing.T) {
	subscriber := newFakeSubscriber()
	d := NewDispatcher(zaptest.NewLogger(t).Sugar(), subscriber, true)

	reconnected := make(chan struct{}, 1)
	d.OnReconnect(func() { reconnected <- struct{}{} })

	handled := make(chan ServerEvent, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, func(ev ServerEvent) { handled <- ev }) }()

	first := nextSubscription(t, subscriber)
	first.events <- ServerEvent{Type: EventNew, Facility: FacilitySinkInput, Index: 7}
	assert.Equal(t, uint32(7), nextEvent(t, handled).Index)

	first.errs <- io.ErrUnexpectedEOF

	second := nextSubscription(t, subscriber)

	select {
	case <-reconnected:
	case <-time.After(testWait):
		t.Fatal("reconnect callback not called")
	}

	second.events <- ServerEvent{Type: EventNew, Facility: FacilitySinkInput, Index: 8}
	assert.Equal(t, uint32(8), nextEvent(t, handled).Index)

	select {
	case <-first.closed:
	default:
		t.Fatal("dropped subscription was not closed")
	}

	// a second, separate failure gets its own reconnect
	second.errs <- io.ErrUnexpectedEOF
	third := nextSubscription(t, subscriber)
	third.events <- ServerEvent{Type: EventNew, Facility: FacilitySinkInput, Index: 9}
	assert.Equal(t, uint32(9), nextEvent(t, handled).Index)

	cancel()
	assert.NoError(t, waitResult(t, done))
	assert.Equal(t, 3, subscriber.attemptCount())
}

func TestDispatcherFailsAfterReconnectFails(t *testing.T) {
	subscriber := newFakeSubscriber()
	d := NewDispatcher(zaptest.NewLogger(t).Sugar(), subscriber, true)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), func(ServerEvent) {}) }()

	sub := nextSubscription(t, subscriber)

	refused := errors.New("connection refused")
	subscriber.failNext(refused)
	sub.errs <- io.EOF

	err := waitResult(t, done)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, 2, connErr.Attempts)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, FeedFailed, d.State())
	assert.Equal(t, 2, subscriber.attemptCount())
}

func TestDispatcherWithoutRestartFailsImmediately(t *testing.T) {
	subscriber := newFakeSubscriber()
	d := NewDispatcher(zaptest.NewLogger(t).Sugar(), subscriber, false)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), func(ServerEvent) {}) }()

	sub := nextSubscription(t, subscriber)
	sub.errs <- io.EOF

	err := waitResult(t, done)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, 1, connErr.Attempts)
	assert.Equal(t, 1, subscriber.attemptCount())
}

func TestDispatcherInitialSubscribeRetry(t *testing.T) {
	subscriber := newFakeSubscriber(errors.New("server not ready"))
	d := NewDispatcher(zaptest.NewLogger(t).Sugar(), subscriber, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, func(ServerEvent) {}) }()

	nextSubscription(t, subscriber)
	assert.Equal(t, 2, subscriber.attemptCount())

	cancel()
	assert.NoError(t, waitResult(t, done))
}

func TestDispatcherClosedFeedIsTransportError(t *testing.T) {
	subscriber := newFakeSubscriber()
	d := NewDispatcher(zaptest.NewLogger(t).Sugar(), subscriber, false)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), func(ServerEvent) {}) }()

	sub := nextSubscription(t, subscriber)
	close(sub.events)

	err := waitResult(t, done)
	assert.ErrorIs(t, err, errFeedClosed)
}

func TestDispatcherHandlesQueuedEventsBeforeFailing(t *testing.T) {
	for run := 0; run < 50; run++ {
		d := NewDispatcher(zaptest.NewLogger(t).Sugar(), newFakeSubscriber(), false)

		sub := &fakeSubscription{
			events: make(chan ServerEvent, 16),
			errs:   make(chan error, 1),
			closed: make(chan struct{}),
		}

		for i := uint32(1); i <= 5; i++ {
			sub.events <- newStream(i)
		}
		sub.errs <- io.ErrUnexpectedEOF

		var handled []uint32
		err := d.listen(context.Background(), sub, func(ev ServerEvent) {
			handled = append(handled, ev.Index)
		})

		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
		require.Equal(t, []uint32{1, 2, 3, 4, 5}, handled, "run %d", run)
	}
}
