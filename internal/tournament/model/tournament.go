package model

import "time"

// TournamentStatus is the terminal state of a run.
type TournamentStatus string

const (
	TournamentRunning   TournamentStatus = "running"
	TournamentCompleted TournamentStatus = "completed"
	TournamentAborted   TournamentStatus = "aborted"
)

// FailurePolicy decides what happens after a FAILED round.
type FailurePolicy string

const (
	FailureAbort FailurePolicy = "abort"
	FailureSkip  FailurePolicy = "skip"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	return p == FailureAbort || p == FailureSkip
}

// Player identifies one competitor.
type Player struct {
	Name  string            `json:"name"`
	ID    string            `json:"id"`
	Agent string            `json:"agent"`
	Args  map[string]string `json:"args,omitempty"`
}

// Abort describes why and where a tournament stopped early.
type Abort struct {
	Round  int    `json:"round"`
	Reason string `json:"reason"`
	Code   int    `json:"code"`
}

// RoundSummary is the manifest entry of one finished round.
type RoundSummary struct {
	Round       int                `json:"round"`
	Status      RoundStatus        `json:"status"`
	Winner      string             `json:"winner,omitempty"`
	Scores      map[string]float64 `json:"scores,omitempty"`
	Checkpoints map[string]string  `json:"checkpoints,omitempty"`
	Failure     string             `json:"failure,omitempty"`
}

// Manifest is the run-level record kept at the root of the run directory.
type Manifest struct {
	TournamentID    string             `json:"tournament_id"`
	Players         []Player           `json:"players"`
	Config          interface{}        `json:"config"`
	Status          TournamentStatus   `json:"status"`
	Scores          map[string]float64 `json:"scores"`
	RoundsPlanned   int                `json:"rounds_planned"`
	RoundsCompleted int                `json:"rounds_completed"`
	Rounds          []RoundSummary     `json:"rounds"`
	Abort           *Abort             `json:"abort,omitempty"`
	StartedAt       time.Time          `json:"started_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	EndedAt         *time.Time         `json:"ended_at,omitempty"`
}

// Status is the live snapshot published while a run is in progress.
type Status struct {
	TournamentID string             `json:"tournament_id"`
	State        TournamentStatus   `json:"state"`
	Round        int                `json:"round"`
	Rounds       int                `json:"rounds"`
	Phase        RoundStatus        `json:"phase"`
	Scores       map[string]float64 `json:"scores"`
	UpdatedAt    time.Time          `json:"updated_at"`
}
