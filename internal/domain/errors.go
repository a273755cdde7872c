package domain

import "fmt"

// EngineError is the unified error type for the executor.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("executor error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same code, so wrapped instances
// compare equal to the sentinels below under errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == e.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Decision / loop errors (-32010 to -32039) ----

var (
	ErrUnknownAction   = &EngineError{Code: -32010, Message: "unknown orchestration action"}
	ErrInvalidLabel    = &EngineError{Code: -32011, Message: "invalid ui label"}
	ErrLoopStopped     = &EngineError{Code: -32012, Message: "executor loop stopped"}
	ErrNoActivePhase   = &EngineError{Code: -32013, Message: "no active phase"}
	ErrNoRecovery      = &EngineError{Code: -32014, Message: "no checkpoint available for recovery"}
	ErrAlreadyRunning  = &EngineError{Code: -32015, Message: "executor loop already running"}
	ErrDuplicateRecord = &EngineError{Code: -32016, Message: "record already written for fingerprint"}
)

// ---- Collaborator / transport errors (-32070 to -32099) ----

var (
	ErrOrchestratorUnavailable = &EngineError{Code: -32070, Message: "task graph service unavailable"}
	ErrOrchestratorTimeout     = &EngineError{Code: -32071, Message: "task graph request timed out"}
	ErrInvalidResponse         = &EngineError{Code: -32072, Message: "collaborator returned invalid response"}
	ErrActuatorUnavailable     = &EngineError{Code: -32073, Message: "actuator is not available"}
	ErrActuationFailed         = &EngineError{Code: -32074, Message: "actuation failed"}
	ErrClassifierUnavailable   = &EngineError{Code: -32075, Message: "classifier is not available"}
	ErrSensorUnavailable       = &EngineError{Code: -32076, Message: "activity sensor is not available"}
)

// ---- Guard errors (-32100 to -32129) ----

var (
	ErrRateLimitExceeded = &EngineError{Code: -32103, Message: "rate limit exceeded"}
)

// ---- Store / Checkpoint / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit         = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery        = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite        = &EngineError{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration   = &EngineError{Code: -32133, Message: "schema migration failed"}
	ErrCheckpointCorrupt = &EngineError{Code: -32134, Message: "checkpoint record is unreadable"}
	ErrRecoveryFailed    = &EngineError{Code: -32135, Message: "recovery from checkpoint failed"}
	ErrConfigInvalid     = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrDeadLetterFailed  = &EngineError{Code: -32137, Message: "dead-letter submission failed"}
)
