package telephony

import (
	"context"

	"sbc-router/internal/profiles"
)

// Signaling is the inbound dialog as exposed by the session protocol engine.
//
// IMPORTANT:
// - Reply sends the one final response of the inbound transaction.
// - Implementations must not call back into the half synchronously.
type Signaling interface {
	Ringing(ctx context.Context, earlyMedia bool) error
	Reply(ctx context.Context, code int, reason string) error
	Hangup(ctx context.Context) error
}

// Leg is an outbound dialog created by a Dialer.
type Leg interface {
	// Terminate cancels the leg before answer or hangs it up after.
	Terminate(ctx context.Context) error
}

// EventSink receives the events of an outbound leg. Implemented by *Half.
type EventSink interface {
	Deliver(ev Event) bool
}

// Dialer starts outbound legs toward a routing profile's destination.
// Events for the leg must be delivered to sink.
type Dialer interface {
	Dial(ctx context.Context, p profiles.Profile, req profiles.Request, sink EventSink) (Leg, error)
}
