package arena

import (
	"math"
	"testing"

	"codearena/internal/tournament/model"
	appErr "codearena/pkg/errors"
)

func sims(winners ...string) []SimRecord {
	out := make([]SimRecord, len(winners))
	for i, w := range winners {
		out[i] = SimRecord{Index: i, Winner: w, Draw: w == ""}
	}
	return out
}

func TestTally(t *testing.T) {
	cases := []struct {
		name   string
		raw    RawOutput
		winner string
		scores map[string]float64
		ties   int
	}{
		{
			name:   "clear winner",
			raw:    RawOutput{Players: []string{"a", "b"}, Sims: sims("a", "a", "b", "")},
			winner: "a",
			scores: map[string]float64{"a": 2, "b": 1},
			ties:   1,
		},
		{
			name:   "shared top",
			raw:    RawOutput{Players: []string{"a", "b", "c"}, Sims: sims("a", "b", "c")},
			winner: model.Tie,
			scores: map[string]float64{"a": 1, "b": 1, "c": 1},
		},
		{
			name:   "all draws",
			raw:    RawOutput{Players: []string{"a", "b"}, Sims: sims("", "")},
			winner: model.Tie,
			scores: map[string]float64{"a": 0, "b": 0},
			ties:   2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Tally(tc.raw)
			if err != nil {
				t.Fatalf("tally: %v", err)
			}
			if res.Winner != tc.winner || res.Ties != tc.ties {
				t.Fatalf("winner %q ties %d, want %q %d", res.Winner, res.Ties, tc.winner, tc.ties)
			}
			for p, want := range tc.scores {
				if res.Scores[p] != want {
					t.Fatalf("score %s = %v, want %v", p, res.Scores[p], want)
				}
			}
			if res.Simulations != len(tc.raw.Sims) {
				t.Fatalf("unexpected simulations: %d", res.Simulations)
			}
		})
	}
}

func TestTallyIsIdempotent(t *testing.T) {
	raw := RawOutput{Round: 3, Players: []string{"a", "b"}, Sims: sims("a", "b", "a")}
	first, _ := Tally(raw)
	second, _ := Tally(raw)
	if first.Winner != second.Winner || first.PValue != second.PValue || first.Scores["a"] != second.Scores["a"] {
		t.Fatalf("tally not deterministic: %+v vs %+v", first, second)
	}
	if st := first.PlayerStats["b"]; st.Wins != 1 || st.Losses != 2 || !st.ValidSubmit {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestTallyFailedSimsAndUnknownWinner(t *testing.T) {
	raw := RawOutput{Players: []string{"a", "b"}, Sims: []SimRecord{{Index: 0, Winner: "a"}, {Index: 1, Error: "exited with 1"}}}
	res, err := Tally(raw)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if res.Details["failed_simulations"] != "1" || res.Ties != 0 || res.Winner != "a" {
		t.Fatalf("unexpected result: %+v", res)
	}

	raw.Sims = sims("zed")
	if _, err := Tally(raw); !appErr.Is(err, appErr.ArenaScoreFailed) {
		t.Fatalf("expected score failure, got %v", err)
	}
}

func TestPValue(t *testing.T) {
	if p := PValue(map[string]int{"a": 5, "b": 5}); p != 1 {
		t.Fatalf("shared top should be 1, got %v", p)
	}
	if p := PValue(map[string]int{"a": 0, "b": 0}); p != 1 {
		t.Fatalf("no decisive games should be 1, got %v", p)
	}
	// 10 of 10 against p=1/2: 2 * 0.5^10
	if p := PValue(map[string]int{"a": 10, "b": 0}); math.Abs(p-2.0/1024) > 1e-12 {
		t.Fatalf("unexpected p-value %v", p)
	}
	// 6 of 10: tail 386/1024, doubled
	if p := PValue(map[string]int{"a": 6, "b": 4}); math.Abs(p-772.0/1024) > 1e-9 {
		t.Fatalf("unexpected p-value %v", p)
	}
	if p := PValue(map[string]int{"a": 3, "b": 1, "c": 0}); p > 1 || p <= 0 {
		t.Fatalf("p-value out of range: %v", p)
	}
}

func TestForcedAndVoid(t *testing.T) {
	f := Forced(2, "a", 7)
	if f.Winner != "a" || f.Scores["a"] != 7 || !f.Forced {
		t.Fatalf("unexpected forced result: %+v", f)
	}
	v := Void(2)
	if v.Winner != "" || !v.Voided || len(v.Scores) != 0 {
		t.Fatalf("unexpected void result: %+v", v)
	}
}
