// Package types contains the core domain types shared across all AgentHub
// internal packages. It has zero imports of other AgentHub packages so that
// routers, queues and the hub can all depend on it without import cycles.
package types

import (
	"errors"
	"fmt"
	"time"
)

// Priority bounds. Band index == priority value.
const (
	PriorityMin = 0
	PriorityMax = 5
	Bands       = PriorityMax - PriorityMin + 1
)

// Status is the lifecycle state reported for a message to the metrics sink.
type Status uint8

const (
	// StatusCreated means the hub accepted the call and assigned an ID.
	StatusCreated Status = iota
	// StatusRouted means a destination set was resolved.
	StatusRouted
	// StatusDelivered means a consumer received the message from its queue.
	StatusDelivered
	// StatusProcessed means the consumer acknowledged the message.
	StatusProcessed
	// StatusFailed means the hub could not hand the message to a destination
	// (backpressure, transform error).
	StatusFailed
	// StatusDropped means the message was discarded (no route, expired,
	// abandoned reply).
	StatusDropped
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRouted:
		return "routed"
	case StatusDelivered:
		return "delivered"
	case StatusProcessed:
		return "processed"
	case StatusFailed:
		return "failed"
	case StatusDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name so events serialise readably.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Reason qualifies a failed or dropped status.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNoRoute        Reason = "no_route"
	ReasonExpired        Reason = "expired"
	ReasonBackpressure   Reason = "backpressure"
	ReasonTransformError Reason = "transform_error"
	ReasonReplyAbandoned Reason = "reply_abandoned"
)

// DestinationType tags the Destination union.
type DestinationType string

const (
	DestAgent DestinationType = "agent"
	DestTopic DestinationType = "topic"
	DestGroup DestinationType = "group"
)

// ErrInvalidDestination is returned by Destination.Validate.
var ErrInvalidDestination = errors.New("types: invalid destination")

// Destination is the tagged union Agent(id) | Topic(name) | Group(id).
type Destination struct {
	Type DestinationType `json:"type" yaml:"type"`
	ID   string          `json:"id" yaml:"id"`
}

// Agent returns an agent destination.
func Agent(id string) Destination { return Destination{Type: DestAgent, ID: id} }

// Topic returns a topic destination.
func Topic(name string) Destination { return Destination{Type: DestTopic, ID: name} }

// Group returns a group destination.
func Group(id string) Destination { return Destination{Type: DestGroup, ID: id} }

func (d Destination) String() string { return string(d.Type) + ":" + d.ID }

// Validate checks the tag and that an ID is present.
func (d Destination) Validate() error {
	switch d.Type {
	case DestAgent, DestTopic, DestGroup:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDestination, d.Type)
	}
	if d.ID == "" {
		return fmt.Errorf("%w: empty %s id", ErrInvalidDestination, d.Type)
	}
	return nil
}

// Message is the unit of communication between agents.
//
// A Message is treated as immutable once the hub has created it: every
// stage that needs a different priority, header set or payload works on a
// Clone. Payload is opaque to the hub and must not be mutated in place by
// consumers; transforms return a new value instead.
type Message struct {
	// ID is a ULID uniquely identifying this message. Never reused.
	ID string `json:"message_id"`

	// CorrelationID links causally related messages. Defaults to ID.
	CorrelationID string `json:"correlation_id"`

	Source      string      `json:"source_agent_id"`
	Destination Destination `json:"destination"`

	// ReplyTo names the agent awaiting a reply, if any.
	ReplyTo string `json:"reply_to,omitempty"`

	// Priority is in [PriorityMin, PriorityMax] once the hub has run the
	// priority pipeline.
	Priority int `json:"priority"`

	Timestamp time.Time `json:"timestamp"`

	// Expiration is an optional absolute deadline after which the message is
	// never delivered.
	Expiration *time.Time `json:"expiration,omitempty"`

	Headers map[string]any `json:"headers,omitempty"`
	Payload any            `json:"payload,omitempty"`
}

// Expired reports whether the message has an expiration at or before now.
func (m *Message) Expired(now time.Time) bool {
	return m.Expiration != nil && !now.Before(*m.Expiration)
}

// Header returns the header value for key.
func (m *Message) Header(key string) (any, bool) {
	if m.Headers == nil {
		return nil, false
	}
	v, ok := m.Headers[key]
	return v, ok
}

// Clone returns a copy with its own header map and expiration. The payload
// is shared.
func (m *Message) Clone() *Message {
	c := *m
	if m.Headers != nil {
		c.Headers = make(map[string]any, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	if m.Expiration != nil {
		exp := *m.Expiration
		c.Expiration = &exp
	}
	return &c
}
