package core

import "errors"

// Error taxonomy surfaced by the runtime core. Callers match with errors.Is;
// wrapping sites add context with fmt.Errorf("...: %w", err).
var (
	// ErrInvalidToken means auth verification failed. The gateway closes the
	// connection with code 4002.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidPath means a mount source or archive target fell outside the
	// allowed path set.
	ErrInvalidPath = errors.New("invalid path")

	// ErrEngineUnavailable means the container engine could not be reached
	// after bounded retries, or the circuit breaker is open.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrSandboxUnhealthy means health probes failed repeatedly and a restart
	// did not recover the sandbox.
	ErrSandboxUnhealthy = errors.New("sandbox unhealthy")

	// ErrInsufficientBalance means a debit would take the account negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrCapExceeded means a team-pool member hit a daily or monthly cap.
	ErrCapExceeded = errors.New("cap exceeded")

	// ErrApprovalRequired means a team-pool debit exceeds the approval
	// threshold; confirmation happens out of band.
	ErrApprovalRequired = errors.New("approval required")

	// ErrStale means the connection missed its heartbeat window.
	ErrStale = errors.New("stale connection")

	// ErrSlowClient means the outbound queue overflowed because the client
	// could not keep up.
	ErrSlowClient = errors.New("slow client")

	// ErrPoolFull means the pool is at max capacity and repurposing failed.
	ErrPoolFull = errors.New("pool full")

	// ErrRuntimeUnknown means no pool key is configured for the requested
	// language and version.
	ErrRuntimeUnknown = errors.New("runtime not configured")

	ErrSandboxNotFound    = errors.New("sandbox not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrAccountNotFound    = errors.New("account not found")
	ErrTeamPoolNotFound   = errors.New("team pool not found")
	ErrSessionTerminated  = errors.New("session already terminated")
	ErrDuplicateSession   = errors.New("active session exists for user and project")
	ErrWatcherLimit       = errors.New("watcher limit reached")
	ErrTerminalNotFound   = errors.New("terminal not found")
	ErrCheckpointSupport  = errors.New("checkpoint not supported by engine")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)
