package calls

import (
	"time"

	"sbc-router/internal/profiles"
	"sbc-router/internal/resources"
)

// CDR is the billing record of one call attempt.
//
// Invariants:
// - One CDR per call attempt, written exactly once when the last half detaches.
// - Serial forking adds Attempts; it never produces a second record.
// - Mutated only through Context.UpdateCDR, under the context lock.

type CDR struct {
	CallID   string `json:"call_id"`
	LocalTag string `json:"local_tag"`

	From     string `json:"from"`
	To       string `json:"to"`
	RemoteIP string `json:"remote_ip"`

	// ProfileID is the profile of the last attempt (0 when none was selected).
	ProfileID int64 `json:"profile_id,omitempty"`
	// Resources is the resource list granted to the last attempt.
	Resources string `json:"resources,omitempty"`
	// FailedResource is the first exhausted resource seen by this call attempt.
	FailedResource *resources.Spec `json:"failed_resource,omitempty"`

	Attempts []Attempt `json:"attempts"`

	Initiator      Initiator `json:"disconnect_initiator,omitempty"`
	InternalCode   int       `json:"internal_code,omitempty"`
	InternalReason string    `json:"internal_reason,omitempty"`

	ALegCode   int    `json:"aleg_code,omitempty"`
	ALegReason string `json:"aleg_reason,omitempty"`
	BLegCode   int    `json:"bleg_code,omitempty"`
	BLegReason string `json:"bleg_reason,omitempty"`

	RingingTimeout bool `json:"ringing_timeout,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time  `json:"ended_at"`
}

// Attempt is one outbound try inside a call attempt.
type Attempt struct {
	ProfileID   int64     `json:"profile_id"`
	Destination string    `json:"destination,omitempty"`
	StartedAt   time.Time `json:"started_at"`

	FailedResource *resources.Spec `json:"failed_resource,omitempty"`
	ReplyCode      int             `json:"reply_code,omitempty"`
	ReplyReason    string          `json:"reply_reason,omitempty"`
}

// Initiator tells which party ended the call.
type Initiator string

const (
	InitiatorSwitch      Initiator = "switch"
	InitiatorDestination Initiator = "destination"
	InitiatorOriginator  Initiator = "originator"
)

// Duration is the connected time, zero for unanswered calls.
func (c CDR) Duration() time.Duration {
	if c.ConnectedAt == nil || c.EndedAt.IsZero() {
		return 0
	}
	return c.EndedAt.Sub(*c.ConnectedAt)
}

// StartAttempt opens a new attempt for p.
func (c *CDR) StartAttempt(p profiles.Profile, now time.Time) {
	c.ProfileID = p.ID
	c.Attempts = append(c.Attempts, Attempt{ProfileID: p.ID, Destination: p.Destination, StartedAt: now})
}

// Granted records the resources reserved for the current attempt.
func (c *CDR) Granted(rl resources.List) {
	c.Resources = rl.String()
}

// SetFailedResource records r on the current attempt, and on the record
// itself when it is the first failure of the call.
func (c *CDR) SetFailedResource(r resources.Spec) {
	if c.FailedResource == nil {
		c.FailedResource = &r
	}
	if n := len(c.Attempts); n > 0 {
		c.Attempts[n-1].FailedResource = &r
	}
}

// SetRemoteReply records the remote party's final reply for the current attempt.
func (c *CDR) SetRemoteReply(code int, reason string) {
	if n := len(c.Attempts); n > 0 {
		c.Attempts[n-1].ReplyCode = code
		c.Attempts[n-1].ReplyReason = reason
	}
	c.BLegCode, c.BLegReason = code, reason
}

// SetDisconnect records who ended the call and why. Later calls overwrite
// earlier ones so the record reflects the final outcome.
func (c *CDR) SetDisconnect(by Initiator, code int, reason string) {
	c.Initiator = by
	c.InternalCode = code
	c.InternalReason = reason
}

// SetALegReply records the final response sent to the originator.
func (c *CDR) SetALegReply(code int, reason string) {
	c.ALegCode, c.ALegReason = code, reason
}

func (c CDR) clone() CDR {
	out := c
	out.Attempts = append([]Attempt(nil), c.Attempts...)
	if c.FailedResource != nil {
		r := *c.FailedResource
		out.FailedResource = &r
	}
	if c.ConnectedAt != nil {
		t := *c.ConnectedAt
		out.ConnectedAt = &t
	}
	return out
}

// CallStatus is the routing state of a call attempt.
type CallStatus string

const (
	CallStatusAdmitting CallStatus = "admitting"
	CallStatusRouted    CallStatus = "routed"
	CallStatusConnected CallStatus = "connected"
	CallStatusFailed    CallStatus = "failed"
)

// Side selects one half of a bridged call.
type Side int

const (
	SideA Side = iota
	SideB
)

func (s Side) String() string {
	if s == SideA {
		return "A"
	}
	return "B"
}

// SideState is negotiated scratch state of one side, shared by both halves.
type SideState struct {
	OnHold          bool     `json:"on_hold"`
	RingingSent     bool     `json:"ringing_sent"`
	EarlyMediaMuted bool     `json:"early_media_muted"`
	Codecs          []string `json:"codecs,omitempty"`
}
