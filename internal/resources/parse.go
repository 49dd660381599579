package resources

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidSpec = errors.New("resources: invalid resource spec")

// ParseList parses the routing database representation of a resource list:
//
//	type:id:limit:takes[:action]
//
// Entries are separated by ';' or ','. Action is "reject" (default) or "next".
// An empty string is an empty list.
func ParseList(s string) (List, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' })
	out := make(List, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		spec, err := parseSpec(f)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func parseSpec(s string) (Spec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 && len(parts) != 5 {
		return Spec{}, fmt.Errorf("%w: %q: expected type:id:limit:takes[:action]", ErrInvalidSpec, s)
	}

	typ, err := strconv.Atoi(parts[0])
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %q: type: %v", ErrInvalidSpec, s, err)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %q: id: %v", ErrInvalidSpec, s, err)
	}
	limit, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || limit < 0 {
		return Spec{}, fmt.Errorf("%w: %q: limit must be a non-negative integer", ErrInvalidSpec, s)
	}
	takes, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || takes <= 0 {
		return Spec{}, fmt.Errorf("%w: %q: takes must be a positive integer", ErrInvalidSpec, s)
	}

	action := ActionReject
	if len(parts) == 5 {
		action, err = ParseAction(parts[4])
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, s, err)
		}
	}

	return Spec{Type: typ, ID: id, Limit: limit, Takes: takes, Action: action}, nil
}

func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return ActionReject, nil
	case "next", "skip", "next_profile":
		return ActionNextProfile, nil
	default:
		return ActionReject, fmt.Errorf("unknown action %q", s)
	}
}

func (l List) validate() error {
	for _, s := range l {
		if s.Takes <= 0 || s.Limit < 0 {
			return fmt.Errorf("%w: %s", ErrInvalidSpec, s)
		}
	}
	return nil
}
