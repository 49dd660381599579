package resources

import (
	"errors"
	"testing"
)

func TestParseList(t *testing.T) {
	got, err := ParseList("1:10:5:1; 2:20:0:2:next,3:30:1:1:reject")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := List{
		{Type: 1, ID: 10, Limit: 5, Takes: 1, Action: ActionReject},
		{Type: 2, ID: 20, Limit: 0, Takes: 2, Action: ActionNextProfile},
		{Type: 3, ID: 30, Limit: 1, Takes: 1, Action: ActionReject},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d specs, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("spec %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
	if got.String() != "1:10:5:1:reject;2:20:0:2:next;3:30:1:1:reject" {
		t.Fatalf("unexpected string form %q", got.String())
	}
}

func TestParseList_Empty(t *testing.T) {
	got, err := ParseList("  ")
	if err != nil || got != nil {
		t.Fatalf("expected empty list, got %v err=%v", got, err)
	}
}

func TestParseList_Invalid(t *testing.T) {
	cases := []string{
		"1:10:5",
		"x:10:5:1",
		"1:10:-1:1",
		"1:10:5:0",
		"1:10:5:1:maybe",
		"1:10:5:1:next:extra",
	}
	for _, c := range cases {
		if _, err := ParseList(c); !errors.Is(err, ErrInvalidSpec) {
			t.Fatalf("%q: expected ErrInvalidSpec, got %v", c, err)
		}
	}
}

func TestListContains(t *testing.T) {
	l := List{{Type: 1, ID: 10, Limit: 5, Takes: 1}}
	if !l.Contains(Spec{Type: 1, ID: 10}) {
		t.Fatalf("expected match on type and id")
	}
	if l.Contains(Spec{Type: 1, ID: 11}) {
		t.Fatalf("unexpected match")
	}
}
