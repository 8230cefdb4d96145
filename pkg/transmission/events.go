package transmission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// StatusEvent announces a transmission status change on the Redis events channel.
type StatusEvent struct {
	TransmissionID string `json:"transmission_id"`
	Status         Status `json:"status"`
	StatusCode     int    `json:"status_code,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	LeaseOwner     string `json:"lease_owner,omitempty"`
	AttemptCount   int    `json:"attempt_count,omitempty"`
	AtMs           int64  `json:"at_ms"`
}

// StatusEventFor builds the event describing t's current state.
func StatusEventFor(t *Transmission) StatusEvent {
	return StatusEvent{
		TransmissionID: t.ID,
		Status:         t.Status,
		StatusCode:     t.StatusCode,
		ErrorCode:      t.ErrorCode,
		LeaseOwner:     t.LeaseOwner,
		AttemptCount:   t.AttemptCount,
		AtMs:           t.UpdatedAtMs,
	}
}

// EventSource is a store that publishes status events.
type EventSource interface {
	SubscribeStatusEvents(ctx context.Context) (*Subscription, error)
}

// Subscription is an active Pub/Sub subscription to status events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan StatusEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of status events. It is closed when the subscription is
// closed or the context is cancelled.
func (s *Subscription) Events() <-chan StatusEvent {
	return s.events
}

// Errors returns the channel of non-fatal subscription errors. Undecodable messages
// are reported here and skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeStatusEvents subscribes to status changes for this namespace.
//
// Delivery is at-most-once: a slow subscriber may miss events, so watchers should
// re-read the store after each event rather than trusting the event payload alone.
func (c *Client) SubscribeStatusEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, StatusEventsChannel(c.namespace))

	// Wait for the subscription to be confirmed so no event published after this
	// call returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to status events: %w", err)
	}

	eventsChan := make(chan StatusEvent, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal status event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
