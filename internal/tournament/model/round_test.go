package model

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to RoundStatus
		want     bool
	}{
		{RoundPending, RoundEditing, true},
		{RoundEditing, RoundValidating, true},
		{RoundValidating, RoundCompeting, true},
		{RoundCompeting, RoundScored, true},
		{RoundPending, RoundCompeting, false},
		{RoundEditing, RoundScored, false},
		{RoundPending, RoundFailed, true},
		{RoundCompeting, RoundFailed, true},
		{RoundScored, RoundFailed, false},
		{RoundFailed, RoundEditing, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRoundValidPlayers(t *testing.T) {
	r := Round{Outcomes: []PlayerOutcome{
		{Player: "a", Status: OutcomeValid},
		{Player: "b", Status: OutcomeInvalid},
		{Player: "c", Status: OutcomeValid},
	}}
	got := r.ValidPlayers()
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("unexpected valid players: %v", got)
	}
	if _, ok := r.Outcome("b"); !ok {
		t.Fatalf("expected outcome for b")
	}
}
