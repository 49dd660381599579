package routing

import (
	"sbc-router/internal/profiles"
	"sbc-router/internal/resources"
)

// Result is the outcome of one pass of the failover loop.
//
// A Routed result carries the profile to dial; its resources, if any, are
// held by the call context. A Refused result carries the one final response
// to send upstream. Admission and profile failures are always reported this
// way, never as errors.
type Result struct {
	State State `json:"state"`

	// Profile is set when State == StateRouted.
	Profile profiles.Profile `json:"profile,omitempty"`

	// Code and Reason are the final response for the originator when refused.
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`

	// InternalCode and InternalReason are recorded on the CDR.
	InternalCode   int    `json:"internal_code,omitempty"`
	InternalReason string `json:"internal_reason,omitempty"`

	FailedResource *resources.Spec `json:"failed_resource,omitempty"`

	// StopHunting is set when a remote reply ended failover early.
	StopHunting bool `json:"stop_hunting,omitempty"`
}

type State string

const (
	StateRouted  State = "routed"
	StateRefused State = "refused"
)

func (r Result) Routed() bool { return r.State == StateRouted }
