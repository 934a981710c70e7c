package codesession

import "time"

// Checkpoint is an accepted, immutable snapshot of a player's codebase at the end of a round.
// Round 0 is the seed.
type Checkpoint struct {
	Player string `json:"player"`
	Round  int    `json:"round"`
	Hash   string `json:"hash"`
	Parent string `json:"parent,omitempty"`
	// Carried marks a round whose submission was not accepted; the content is the previous checkpoint's.
	Carried         bool      `json:"carried,omitempty"`
	Full            Patch     `json:"full"`
	Incremental     Patch     `json:"incremental"`
	FullDiff        string    `json:"full_diff"`
	IncrementalDiff string    `json:"incremental_diff"`
	ModifiedFiles   []string  `json:"modified_files,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Ref is a short reference to a checkpoint.
type Ref struct {
	Player string `json:"player"`
	Round  int    `json:"round"`
	Hash   string `json:"hash"`
}

// Ref returns the reference of c.
func (c Checkpoint) Ref() Ref {
	return Ref{Player: c.Player, Round: c.Round, Hash: c.Hash}
}
