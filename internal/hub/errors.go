package hub

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBackpressure is returned when a destination queue is full. It
	// wraps queue.ErrQueueFull.
	ErrBackpressure = errors.New("hub: backpressure")
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("hub: request timed out")
	// ErrInvalidAgent is returned for an empty agent ID.
	ErrInvalidAgent = errors.New("hub: invalid agent id")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("hub: closed")
	// ErrTransform is returned when a rule transform fails.
	ErrTransform = errors.New("hub: transform failed")
	// ErrNoReplyTo is returned by Reply when the request names no reply
	// address.
	ErrNoReplyTo = errors.New("hub: request has no reply_to")
	// ErrPendingRequest is returned by SendRequest when the same agent is
	// already waiting on the same correlation ID.
	ErrPendingRequest = errors.New("hub: request already pending for correlation id")
	// ErrNotInFlight is returned by Ack and Nack for a message the agent
	// has not received or has already settled.
	ErrNotInFlight = errors.New("hub: message not in flight")
)

// TimeoutError reports a request that got no reply in time.
type TimeoutError struct {
	From          string
	To            string
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("hub: request %s from %s to %s got no reply within %s",
		e.CorrelationID, e.From, e.To, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
