package model

import "time"

// RoundStatus is the lifecycle state of one round.
type RoundStatus string

const (
	RoundPending    RoundStatus = "pending"
	RoundEditing    RoundStatus = "editing"
	RoundValidating RoundStatus = "validating"
	RoundCompeting  RoundStatus = "competing"
	RoundScored     RoundStatus = "scored"
	RoundFailed     RoundStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RoundStatus) Terminal() bool {
	return s == RoundScored || s == RoundFailed
}

var roundTransitions = map[RoundStatus]RoundStatus{
	RoundPending:    RoundEditing,
	RoundEditing:    RoundValidating,
	RoundValidating: RoundCompeting,
	RoundCompeting:  RoundScored,
}

// CanTransition reports whether from -> to is a legal round transition.
// FAILED is reachable from every non-terminal state.
func CanTransition(from, to RoundStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == RoundFailed {
		return true
	}
	return roundTransitions[from] == to
}

// OutcomeStatus is a player's standing within a single round.
type OutcomeStatus string

const (
	OutcomeValid     OutcomeStatus = "valid"
	OutcomeInvalid   OutcomeStatus = "invalid"
	OutcomeForfeited OutcomeStatus = "forfeited"
)

// PlayerOutcome records what happened to one player in one round.
type PlayerOutcome struct {
	Player         string        `json:"player"`
	Status         OutcomeStatus `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	CheckpointHash string        `json:"checkpoint_hash"`
	Carried        bool          `json:"carried,omitempty"`
	EditDurationMs int64         `json:"edit_duration_ms"`
	ModifiedFiles  []string      `json:"modified_files,omitempty"`
}

// Round is the record of one edit/compete cycle.
type Round struct {
	Index     int             `json:"round"`
	Status    RoundStatus     `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Outcomes  []PlayerOutcome `json:"outcomes"`
	Result    *ArenaResult    `json:"result,omitempty"`
	Failure   string          `json:"failure,omitempty"`
}

// Outcome returns the outcome recorded for player.
func (r *Round) Outcome(player string) (PlayerOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Player == player {
			return o, true
		}
	}
	return PlayerOutcome{}, false
}

// ValidPlayers returns the players that passed validation, in outcome order.
func (r *Round) ValidPlayers() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Status == OutcomeValid {
			out = append(out, o.Player)
		}
	}
	return out
}

// RoundEvent is published on every round state transition.
type RoundEvent struct {
	TournamentID string             `json:"tournament_id"`
	Round        int                `json:"round"`
	From         RoundStatus        `json:"from"`
	To           RoundStatus        `json:"to"`
	Reason       string             `json:"reason,omitempty"`
	Scores       map[string]float64 `json:"scores,omitempty"`
	At           time.Time          `json:"at"`
}

// ErrorRecord is one line of a round's errors.jsonl.
type ErrorRecord struct {
	Round   int       `json:"round"`
	Player  string    `json:"player,omitempty"`
	Phase   string    `json:"phase"`
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Fatal   bool      `json:"fatal"`
	At      time.Time `json:"at"`
}
