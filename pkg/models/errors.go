package models

import "fmt"

// ErrEmptyInput is returned when inference is asked to interpret blank
// text. Caller's fault; never retried.
type ErrEmptyInput struct{}

func (ErrEmptyInput) Error() string { return "intent inference requires non-empty input text" }

// ErrInference wraps a provider-level failure during candidate
// generation. Surfaced to the caller as degraded service; this layer
// does not retry it.
type ErrInference struct {
	Provider string
	Err      error
}

func (e *ErrInference) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("intent inference failed (provider %s): %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("intent inference failed: %v", e.Err)
}

func (e *ErrInference) Unwrap() error { return e.Err }

// ErrPlanSchema reports a generated plan that failed schema
// validation. Fatal for that generation attempt; a malformed plan is a
// provider/prompt defect, not a transient fault, so it is not retried.
type ErrPlanSchema struct {
	Detail string
}

func (e *ErrPlanSchema) Error() string { return "plan schema violation: " + e.Detail }

// FailureClass partitions tool failures by the recovery they warrant.
type FailureClass string

const (
	// FailureTechnical is a transient infrastructure fault: retried
	// in-process with bounded exponential backoff, never replanned.
	FailureTechnical FailureClass = "technical"
	// FailureValidation is a schema-rejected request or response:
	// triggers one replan with errorType "validation".
	FailureValidation FailureClass = "validation"
	// FailureLogic is any other substantive rejection: triggers one
	// replan with errorType "logic".
	FailureLogic FailureClass = "logic"
)

// ErrToolFailure is a classified tool-execution failure.
type ErrToolFailure struct {
	Tool     string
	Class    FailureClass
	Message  string
	Attempts int
}

func (e *ErrToolFailure) Error() string {
	return fmt.Sprintf("tool %s failed (%s): %s", e.Tool, e.Class, e.Message)
}

// ErrRecoveryExhausted reports that the watchdog ran out of recovery
// attempts for an execution and escalated to a human.
type ErrRecoveryExhausted struct {
	ExecutionID string
	Attempts    int
}

func (e *ErrRecoveryExhausted) Error() string {
	return fmt.Sprintf("recovery exhausted for execution %s after %d attempts", e.ExecutionID, e.Attempts)
}
