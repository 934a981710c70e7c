package model

// Tie is the winner value of a round whose top score is shared.
const Tie = "Tie"

// PlayerStats are the per-player counters of one round.
type PlayerStats struct {
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	Draws       int     `json:"draws"`
	ValidSubmit bool    `json:"valid_submit"`
	Invalid     string  `json:"invalid_reason,omitempty"`
	Score       float64 `json:"score"`
}

// ArenaResult is the scored outcome of one round.
// Winner is a player name, Tie, or "" for a voided round.
type ArenaResult struct {
	Round       int                    `json:"round"`
	Winner      string                 `json:"winner"`
	Scores      map[string]float64     `json:"scores"`
	PlayerStats map[string]PlayerStats `json:"player_stats"`
	WinPercent  map[string]float64     `json:"win_percent,omitempty"`
	Ties        int                    `json:"ties"`
	Simulations int                    `json:"simulations"`
	PValue      float64                `json:"p_value"`
	Forced      bool                   `json:"forced,omitempty"`
	Voided      bool                   `json:"voided,omitempty"`
	Details     map[string]string      `json:"details,omitempty"`
}

// Contribution returns the score a player earned in this round.
func (r *ArenaResult) Contribution(player string) float64 {
	if r == nil || r.Scores == nil {
		return 0
	}
	return r.Scores[player]
}
