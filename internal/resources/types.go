package resources

import (
	"fmt"
	"strings"
	"time"
)

// Action decides what an exhausted resource means for the call attempt.
type Action int

const (
	// ActionReject ends the call attempt with the resource's refusal.
	ActionReject Action = iota
	// ActionNextProfile fails only the current profile; routing continues with the next one.
	ActionNextProfile
)

func (a Action) String() string {
	switch a {
	case ActionReject:
		return "reject"
	case ActionNextProfile:
		return "next"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Spec is one finite resource a routing profile needs before the call may proceed.
// Specs are immutable once they are part of a profile.
type Spec struct {
	Type int   `json:"type"`
	ID   int64 `json:"id"`

	// Limit is the capacity shared by every router instance. Zero means unlimited.
	Limit int64 `json:"limit"`
	// Takes is how much of the capacity one call consumes.
	Takes int64 `json:"takes"`

	Action Action `json:"action"`
}

// Key is the store key holding the counters for this resource.
func (s Spec) Key() string {
	return fmt.Sprintf("r:%d:%d", s.Type, s.ID)
}

func (s Spec) String() string {
	return fmt.Sprintf("%d:%d:%d:%d:%s", s.Type, s.ID, s.Limit, s.Takes, s.Action)
}

// List is an ordered set of resources reserved all-or-nothing.
type List []Spec

func (l List) String() string {
	parts := make([]string, len(l))
	for i, s := range l {
		parts[i] = s.String()
	}
	return strings.Join(parts, ";")
}

// Contains reports whether the list references the same counter as s.
func (l List) Contains(s Spec) bool {
	for _, r := range l {
		if r.Type == s.Type && r.ID == s.ID {
			return true
		}
	}
	return false
}

// Handle identifies one successful joint reservation of a List.
// A handle must be released exactly once.
type Handle struct {
	ID string `json:"id"`
	// Owner is the local tag of the call leg that requested the reservation.
	Owner     string    `json:"owner"`
	Resources List      `json:"resources"`
	Epoch     uint64    `json:"epoch"`
	CreatedAt time.Time `json:"created_at"`
}

// OutcomeKind is the admission result category.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeBusy
	OutcomeSkipProfile
	OutcomeStoreError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeBusy:
		return "busy"
	case OutcomeSkipProfile:
		return "skip_profile"
	case OutcomeStoreError:
		return "store_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is what the admission controller returns for a reservation request.
//
// Handle is set for OutcomeOK unless the list was empty.
// Resource is set for OutcomeBusy and OutcomeSkipProfile.
// Err is set for OutcomeStoreError.
type Outcome struct {
	Kind     OutcomeKind
	Handle   *Handle
	Resource *Spec
	Err      error
}

func OK(h *Handle) Outcome { return Outcome{Kind: OutcomeOK, Handle: h} }

func Busy(r Spec) Outcome { return Outcome{Kind: OutcomeBusy, Resource: &r} }

func SkipProfile(r Spec) Outcome { return Outcome{Kind: OutcomeSkipProfile, Resource: &r} }

func StoreError(err error) Outcome { return Outcome{Kind: OutcomeStoreError, Err: err} }
