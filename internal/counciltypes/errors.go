package counciltypes

import "errors"

// Sentinel errors for the closed error taxonomy. Using sentinels allows
// callers to match with errors.Is; unmapped errors fold to ErrRuntimeIO at
// component boundaries.
var (
	// ErrInvalidMission is returned when the intake prompt is missing or empty.
	ErrInvalidMission = errors.New("invalid_mission")

	// ErrRuntimeIO is returned for filesystem/permission/IO failures, and is
	// the fallback bucket for anything not otherwise classified.
	ErrRuntimeIO = errors.New("runtime_io")

	// ErrTimeout is returned when a seat, repair, or verify deadline elapses.
	ErrTimeout = errors.New("timeout")

	// ErrLocalOverload is returned when slot acquisition fails within the wait window.
	ErrLocalOverload = errors.New("local_overload")

	// ErrBudgetExhausted is returned when the router skips a provider due to the budget gate.
	ErrBudgetExhausted = errors.New("budget_exhausted")

	// ErrCircuitOpen is returned when the router skips a provider due to an open breaker.
	ErrCircuitOpen = errors.New("circuit_open")

	// ErrProviderError is the last-resort router failure after every spec is exhausted.
	ErrProviderError = errors.New("provider_error")

	// ErrNoProviders is returned when the router's provider spec list is empty.
	ErrNoProviders = errors.New("no_providers")

	// ErrContractViolation is returned when a seat has no valid DECISION_JSON even after repair.
	ErrContractViolation = errors.New("contract_violation")

	// ErrDisallowedPath is returned when a patch touches a path outside the edit surface.
	ErrDisallowedPath = errors.New("disallowed_path")

	// ErrVerifyFailed is returned when one or more verify checks return non-zero.
	ErrVerifyFailed = errors.New("verify_failed")

	// ErrChainBroken is returned when evidence-ledger verification finds a mismatch.
	ErrChainBroken = errors.New("chain_broken")

	// ErrStopRequested is returned when a cooperative stop flag was observed.
	ErrStopRequested = errors.New("stop_requested")
)

// StageError attaches stage context to a sentinel error from the taxonomy
// above, the way *gateFailError wraps a ratchet step in the teacher.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return e.Err.Error()
	}
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err with stage context.
func NewStageError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}
