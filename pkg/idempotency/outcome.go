package idempotency

import "time"

// Outcome names the decision taken for one request.
type Outcome string

const (
	OutcomePassthrough        Outcome = "passthrough"
	OutcomeExecuted           Outcome = "executed"
	OutcomeReplayed           Outcome = "replayed"
	OutcomeConflictInProgress Outcome = "conflict_in_progress"
	OutcomeConflictMismatch   Outcome = "conflict_mismatch"
	OutcomeConflictCorrupt    Outcome = "conflict_corrupt"
	OutcomeMissingKey         Outcome = "missing_key"
	OutcomeInvalidKey         Outcome = "invalid_key"
	OutcomeInvalidRequest     Outcome = "invalid_request"
	OutcomeBypassRequest      Outcome = "bypass_request"
	OutcomeBypassResponse     Outcome = "bypass_response"
	OutcomeHandlerFailed      Outcome = "handler_failed"
	OutcomeStoreUnavailable   Outcome = "store_unavailable"
)

// Observer receives decisions and store latencies. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveOutcome(outcome Outcome)
	ObserveStoreCall(op string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveOutcome(Outcome)                       {}
func (nopObserver) ObserveStoreCall(string, time.Duration, error) {}
