package arena

import (
	"math"
	"sort"
	"strconv"

	"codearena/internal/tournament/model"
	appErr "codearena/pkg/errors"
)

// Tally scores raw simulation records: one point per win. The winner is the
// unique top scorer, otherwise Tie.
func Tally(raw RawOutput) (model.ArenaResult, error) {
	res := model.ArenaResult{
		Round:       raw.Round,
		Scores:      make(map[string]float64, len(raw.Players)),
		PlayerStats: make(map[string]model.PlayerStats, len(raw.Players)),
		WinPercent:  make(map[string]float64, len(raw.Players)),
		Simulations: len(raw.Sims),
		Details:     map[string]string{},
	}
	wins := make(map[string]int, len(raw.Players))
	for _, p := range raw.Players {
		wins[p] = 0
	}

	failed, decisive := 0, 0
	for _, sim := range raw.Sims {
		switch {
		case sim.Error != "":
			failed++
		case sim.Draw || sim.Winner == "":
			res.Ties++
		default:
			if _, ok := wins[sim.Winner]; !ok {
				return model.ArenaResult{}, appErr.Newf(appErr.ArenaScoreFailed,
					"simulation %d reports unknown winner %q", sim.Index, sim.Winner)
			}
			wins[sim.Winner]++
			decisive++
		}
	}

	for _, p := range raw.Players {
		w := wins[p]
		res.Scores[p] = float64(w)
		res.PlayerStats[p] = model.PlayerStats{
			Wins:        w,
			Losses:      decisive - w,
			Draws:       res.Ties,
			ValidSubmit: true,
			Score:       float64(w),
		}
		if n := len(raw.Sims); n > 0 {
			res.WinPercent[p] = float64(w) / float64(n)
		}
	}
	res.Winner = topScorer(raw.Players, res.Scores)
	res.PValue = PValue(wins)
	if failed > 0 {
		res.Details["failed_simulations"] = strconv.Itoa(failed)
	}
	return res, nil
}

func topScorer(players []string, scores map[string]float64) string {
	best, winner, shared := math.Inf(-1), "", false
	for _, p := range players {
		switch s := scores[p]; {
		case s > best:
			best, winner, shared = s, p, false
		case s == best:
			shared = true
		}
	}
	if winner == "" || shared {
		return model.Tie
	}
	return winner
}

// PValue is the exact one-sided binomial test of the top player's wins
// against a 1/K share of the decisive games, Bonferroni-corrected for K
// players. It is 1 when the top is shared or there were no decisive games.
func PValue(wins map[string]int) float64 {
	k := len(wins)
	if k < 2 {
		return 1
	}
	counts := make([]int, 0, k)
	n := 0
	for _, w := range wins {
		counts = append(counts, w)
		n += w
	}
	if n == 0 {
		return 1
	}
	sort.Sort(sort.Reverse(sort.IntSlice(counts)))
	if counts[0] == counts[1] {
		return 1
	}
	p := binomialTail(counts[0], n, 1/float64(k)) * float64(k)
	return math.Min(1, p)
}

// binomialTail returns P(X >= x) for X ~ Binomial(n, p).
func binomialTail(x, n int, p float64) float64 {
	if x <= 0 {
		return 1
	}
	lp, lq := math.Log(p), math.Log1p(-p)
	sum := 0.0
	for i := x; i <= n; i++ {
		sum += math.Exp(logChoose(n, i) + float64(i)*lp + float64(n-i)*lq)
	}
	return math.Min(1, sum)
}

func logChoose(n, k int) float64 {
	a, _ := math.Lgamma(float64(n + 1))
	b, _ := math.Lgamma(float64(k + 1))
	c, _ := math.Lgamma(float64(n - k + 1))
	return a - b - c
}

// Forced is the result of a round with a single valid player, who takes
// every simulation's point without a game being played.
func Forced(round int, winner string, sims int) model.ArenaResult {
	return model.ArenaResult{
		Round:       round,
		Winner:      winner,
		Scores:      map[string]float64{winner: float64(sims)},
		PlayerStats: map[string]model.PlayerStats{winner: {Wins: sims, ValidSubmit: true, Score: float64(sims)}},
		PValue:      1,
		Forced:      true,
		Details:     map[string]string{"reason": "only one valid submission"},
	}
}

// Void is the result of a round without any valid player. Nobody scores.
func Void(round int) model.ArenaResult {
	return model.ArenaResult{
		Round:       round,
		Scores:      map[string]float64{},
		PlayerStats: map[string]model.PlayerStats{},
		PValue:      1,
		Voided:      true,
		Details:     map[string]string{"reason": "no valid submissions"},
	}
}
