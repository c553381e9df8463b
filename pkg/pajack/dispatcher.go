package pajack

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

const (
	FeedDisconnected = "disconnected"
	FeedListening    = "listening"
	FeedFailed       = "failed"

	feedEventConnect = "connect"
	feedEventDrop    = "drop"
	feedEventFail    = "fail"
)

var errFeedClosed = errors.New("event feed closed by server")

// Handler receives one stream notification
type Handler func(ServerEvent)

// Dispatcher reads the server's notification feed on a single goroutine and hands
// new-stream events to a handler, one at a time and in feed order
type Dispatcher struct {
	logger     *zap.SugaredLogger
	subscriber Subscriber

	// reconnects allowed per failure; 1 with internal restart enabled, 0 otherwise
	reconnects int

	state *fsm.FSM

	onRemoved   Handler
	onReconnect func()
}

func NewDispatcher(logger *zap.SugaredLogger, subscriber Subscriber, allowReconnect bool) *Dispatcher {
	logger = logger.Named("dispatcher")

	d := &Dispatcher{
		logger:     logger,
		subscriber: subscriber,
	}

	if allowReconnect {
		d.reconnects = 1
	}

	d.state = fsm.NewFSM(
		FeedDisconnected,
		fsm.Events{
			{Name: feedEventConnect, Src: []string{FeedDisconnected}, Dst: FeedListening},
			{Name: feedEventDrop, Src: []string{FeedListening}, Dst: FeedDisconnected},
			{Name: feedEventFail, Src: []string{FeedDisconnected}, Dst: FeedFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debugw("Event feed state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)

	logger.Debugw("Created dispatcher instance", "reconnects", d.reconnects)

	return d
}

// OnStreamRemoved registers a handler for stream-removed notifications
func (d *Dispatcher) OnStreamRemoved(h Handler) {
	d.onRemoved = h
}

// OnReconnect registers a callback run after the feed is re-established following a failure
func (d *Dispatcher) OnReconnect(f func()) {
	d.onReconnect = f
}

// State is the current feed state
func (d *Dispatcher) State() string {
	return d.state.Current()
}

// Run blocks until ctx is cancelled (returns nil) or the feed can't be kept alive
// (returns a *ConnectionError). onNew is called for new sink input events only.
func (d *Dispatcher) Run(ctx context.Context, onNew Handler) error {
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		sub, err := d.subscriber.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			failures++
			d.logger.Warnw("Failed to subscribe to server events", "attempt", failures, "error", err)

			if failures > d.reconnects {
				return d.giveUp(failures, err)
			}

			continue
		}

		d.transition(ctx, feedEventConnect)

		if failures > 0 {
			d.logger.Infow("Event feed re-established", "failedAttempts", failures)
			failures = 0

			if d.onReconnect != nil {
				d.onReconnect()
			}
		} else {
			d.logger.Info("Listening for server events")
		}

		err = d.listen(ctx, sub, onNew)

		if closeErr := sub.Close(); closeErr != nil {
			d.logger.Debugw("Failed to close subscription", "error", closeErr)
		}

		d.transition(ctx, feedEventDrop)

		if err == nil {
			d.logger.Debug("Event feed stopped")
			return nil
		}

		failures++
		d.logger.Warnw("Lost event feed", "error", err)

		if failures > d.reconnects {
			return d.giveUp(failures, err)
		}
	}
}

// listen returns nil on cancellation and the transport error otherwise
func (d *Dispatcher) listen(ctx context.Context, sub Subscription, onNew Handler) error {
	events := sub.Events()
	errs := sub.Errors()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-errs:
			if err == nil {
				err = errFeedClosed
			}

			d.drain(events, onNew)
			return err

		case ev, ok := <-events:
			if !ok {
				return errFeedClosed
			}

			d.dispatch(ev, onNew)
		}
	}
}

// drain handles events the server already delivered before the feed failed
func (d *Dispatcher) drain(events <-chan ServerEvent, onNew Handler) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}

			d.dispatch(ev, onNew)
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(ev ServerEvent, onNew Handler) {
	d.logger.Debugw("Event received", "type", ev.Type, "facility", ev.Facility, "index", ev.Index)

	if ev.Facility != FacilitySinkInput {
		return
	}

	switch ev.Type {
	case EventNew:
		onNew(ev)
	case EventRemove:
		if d.onRemoved != nil {
			d.onRemoved(ev)
		}
	}
}

func (d *Dispatcher) giveUp(attempts int, err error) error {
	d.transition(context.Background(), feedEventFail)
	d.logger.Errorw("Giving up on event feed", "attempts", attempts, "error", err)

	return &ConnectionError{Attempts: attempts, Err: err}
}

func (d *Dispatcher) transition(ctx context.Context, event string) {
	if !d.state.Can(event) {
		return
	}

	// the feed state must follow the loop even when ctx is already done
	if err := d.state.Event(context.WithoutCancel(ctx), event); err != nil {
		d.logger.Debugw("Event feed state transition rejected", "event", event, "error", fmt.Sprint(err))
	}
}
