package profiles

import (
	"context"
	"errors"
	"time"

	"sbc-router/internal/resources"
)

// Request carries the attributes of an inbound call used to select routing
// profiles. It is built once per call attempt by the inbound half.
type Request struct {
	CallID   string `json:"call_id"`
	LocalTag string `json:"local_tag"`

	RemoteIP   string `json:"remote_ip"`
	RemotePort int    `json:"remote_port"`
	LocalIP    string `json:"local_ip"`
	LocalPort  int    `json:"local_port"`

	From string `json:"from"`
	To   string `json:"to"`
	RURI string `json:"ruri"`

	ReceivedAt time.Time `json:"received_at"`
}

// Profile is one ranked routing option for a call attempt.
//
// A profile with RefuseCode set is a refusal sentinel: reaching it ends the
// attempt with that code regardless of its resources.
type Profile struct {
	ID int64 `json:"id"`

	// Destination and NextHop are opaque to routing; the outbound half dials them.
	Destination string `json:"destination"`
	NextHop     string `json:"next_hop,omitempty"`

	Resources resources.List `json:"resources,omitempty"`

	// RefuseCode is an internal disconnect code translated into the final response.
	RefuseCode int `json:"refuse_code,omitempty"`

	// Override ids select response rewrite and stop-hunting rules per side.
	ALegOverrideID int `json:"aleg_override_id,omitempty"`
	BLegOverrideID int `json:"bleg_override_id,omitempty"`

	TimeLimit      time.Duration `json:"time_limit,omitempty"`
	RingingTimeout time.Duration `json:"ringing_timeout,omitempty"`
}

func (p Profile) IsRefusal() bool { return p.RefuseCode != 0 }

// Source returns the ordered candidate profiles for a request.
type Source interface {
	Lookup(ctx context.Context, req Request) ([]Profile, error)
}

var ErrNoProfiles = errors.New("profiles: no profiles for request")

// StaticSource returns the same profiles for every request.
// Useful for tests and lab setups without a routing database.
type StaticSource []Profile

func (s StaticSource) Lookup(ctx context.Context, req Request) ([]Profile, error) {
	if len(s) == 0 {
		return nil, ErrNoProfiles
	}
	out := make([]Profile, len(s))
	copy(out, s)
	return out, nil
}
