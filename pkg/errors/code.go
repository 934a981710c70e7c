package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Sandbox errors
// 21000-21999: Code session & checkpoint errors
// 22000-22999: Arena errors
// 23000-23999: Agent errors
// 24000-24999: Tournament & ledger errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Sandbox Errors (20000-20999) ==========

	SandboxProvisionFailed ErrorCode = 20000
	SandboxExecFailed      ErrorCode = 20001
	SandboxReleased        ErrorCode = 20002
	SandboxCopyFailed      ErrorCode = 20003
	SandboxNotFound        ErrorCode = 20004

	// ========== Code Session Errors (21000-21999) ==========

	ValidationRejected ErrorCode = 21000
	CheckpointConflict ErrorCode = 21001
	CheckpointNotFound ErrorCode = 21002
	PatchApplyFailed   ErrorCode = 21003
	CheckpointCorrupt  ErrorCode = 21004

	// ========== Arena Errors (22000-22999) ==========

	ArenaNotFound           ErrorCode = 22000
	ArenaTransientExhausted ErrorCode = 22001
	ArenaScoreFailed        ErrorCode = 22002
	SimulationFailed        ErrorCode = 22003

	// ========== Agent Errors (23000-23999) ==========

	AgentNotFound   ErrorCode = 23000
	AgentEditFailed ErrorCode = 23001
	AgentTimeout    ErrorCode = 23002
	AgentPanicked   ErrorCode = 23003

	// WorkspaceCorrupt means the player's files could not be reset or read back.
	WorkspaceCorrupt ErrorCode = 23004

	// ========== Tournament & Ledger Errors (24000-24999) ==========

	RoundFailed        ErrorCode = 24000
	TournamentAborted  ErrorCode = 24001
	LedgerWriteFailed  ErrorCode = 24002
	LedgerRoundSealed  ErrorCode = 24003
	InvalidConfig      ErrorCode = 24004
	PublishEventFailed ErrorCode = 24005
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Operation timeout",

	CacheError: "Cache operation failed",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Sandbox
	SandboxProvisionFailed: "Sandbox provisioning failed",
	SandboxExecFailed:      "Sandbox command execution failed",
	SandboxReleased:        "Sandbox has already been released",
	SandboxCopyFailed:      "Sandbox file copy failed",
	SandboxNotFound:        "Sandbox not found",

	// Code session
	ValidationRejected: "Submission rejected by validation",
	CheckpointConflict: "Checkpoint does not extend the chain",
	CheckpointNotFound: "Checkpoint not found",
	PatchApplyFailed:   "Patch could not be applied",
	CheckpointCorrupt:  "Checkpoint content does not match its hash",

	// Arena
	ArenaNotFound:           "Arena not registered",
	ArenaTransientExhausted: "Simulation retries exhausted",
	ArenaScoreFailed:        "Failed to score round output",
	SimulationFailed:        "Simulation failed",

	// Agent
	AgentNotFound:   "Agent not registered",
	AgentEditFailed: "Agent edit step failed",
	AgentTimeout:    "Agent edit step timed out",
	AgentPanicked:   "Agent edit step panicked",

	WorkspaceCorrupt: "Player workspace could not be synchronized",

	// Tournament & ledger
	RoundFailed:        "Round failed",
	TournamentAborted:  "Tournament aborted",
	LedgerWriteFailed:  "Ledger write failed",
	LedgerRoundSealed:  "Round is already sealed in the ledger",
	InvalidConfig:      "Invalid configuration",
	PublishEventFailed: "Publish round event failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Infrastructure reports whether the code denotes a fault of the execution
// infrastructure rather than a mistake by a player.
func (c ErrorCode) Infrastructure() bool {
	switch c {
	case SandboxProvisionFailed, SandboxExecFailed, SandboxCopyFailed, SandboxReleased,
		ArenaTransientExhausted, ArenaScoreFailed,
		LedgerWriteFailed, LedgerRoundSealed, CheckpointConflict, CheckpointCorrupt,
		InternalServerError, ServiceUnavailable:
		return true
	default:
		return false
	}
}

// ExitCode returns the process exit code used by the CLI for the error code.
func (c ErrorCode) ExitCode() int {
	switch {
	case c == Success:
		return 0
	case c == InvalidConfig, c >= 10300 && c < 10400, c == InvalidParams:
		return 2
	case c == TournamentAborted, c == RoundFailed:
		return 3
	default:
		return 1
	}
}
