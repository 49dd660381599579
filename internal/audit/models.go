package audit

import "time"

// Event is an immutable, append-only audit log record of an operator action
// on the control surface.
//
// Invariants:
// - Events are never updated or deleted.
// - actor_id is required; every control-surface action is authenticated.
// - ip capture is best-effort; do not block operator actions on audit failures.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// ActorID is the authenticated operator causing the event.
	ActorID   string `json:"actor_id" db:"actor_id"`
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress is the client IP resolved by the HTTP layer.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the event type).
	HandleID string `json:"handle_id,omitempty" db:"handle_id"`
	OwnerTag string `json:"owner_tag,omitempty" db:"owner_tag"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeInvalidateAll    EventType = "resources_invalidate_all"
	EventTypeInvalidateHandle EventType = "resources_invalidate_handle"
)
