package contract

import "errors"

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")

	// ErrResolution means the caller identity has no patient record. Terminal.
	ErrResolution = errors.New("caller identity could not be resolved")
	// ErrTransient covers collaborator failures and timeouts. Never retried by the core.
	ErrTransient = errors.New("collaborator failure")
	// ErrInvariant aborts the current operation only.
	ErrInvariant = errors.New("invariant violation")
)

// Reason is the machine-checkable code attached to every failure surfaced to a caller.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonPatientNotFound     Reason = "patient_not_found"
	ReasonUnknownCapability   Reason = "unknown_capability"
	ReasonInvalidArguments    Reason = "invalid_arguments"
	ReasonScopeViolation      Reason = "scope_violation"
	ReasonNeedsMoreInfo       Reason = "needs_more_info"
	ReasonNeedsPrescription   Reason = "needs_prescription"
	ReasonInsufficientStock   Reason = "insufficient_stock"
	ReasonNotInCatalog        Reason = "not_in_catalog"
	ReasonOrderNotFound       Reason = "order_not_found"
	ReasonCapabilityTimeout   Reason = "capability_timeout"
	ReasonCollaboratorFailure Reason = "collaborator_failure"
	ReasonInvariantViolation  Reason = "invariant_violation"
	ReasonOracleFailure       Reason = "oracle_failure"
)

// ReasonOf maps a Go error onto the reason code reported to callers.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrResolution):
		return ReasonPatientNotFound
	case errors.Is(err, ErrInvariant):
		return ReasonInvariantViolation
	case errors.Is(err, ErrValidation):
		return ReasonInvalidArguments
	default:
		return ReasonCollaboratorFailure
	}
}
