package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeExecution  = "EXECUTION_ERROR"
	ErrCodeStepFailed = "STEP_FAILED"
	ErrCodeStore      = "STORE_ERROR"

	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeSuspended      = "SUBSCRIPTION_SUSPENDED"
	ErrCodeDelivery       = "DELIVERY_FAILED"
)

// AutomationError is the structured error type for all engine operations.
type AutomationError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AutomationError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AutomationError) Unwrap() error {
	return e.Cause
}

// NewError creates a new AutomationError.
func NewError(code, message string) *AutomationError {
	return &AutomationError{Code: code, Message: message}
}

// NewErrorf creates a new AutomationError with a formatted message.
func NewErrorf(code, format string, args ...any) *AutomationError {
	return &AutomationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *AutomationError) WithStep(stepID string) *AutomationError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *AutomationError) WithCause(err error) *AutomationError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AutomationError) WithDetails(details map[string]any) *AutomationError {
	e.Details = details
	return e
}
