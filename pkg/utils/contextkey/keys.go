package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TournamentID key = "tournament_id"
	Round        key = "round"
	Player       key = "player"
	Phase        key = "phase"
	Sandbox      key = "sandbox"
)
