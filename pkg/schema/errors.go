package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeUnknownEvent      = "UNKNOWN_EVENT"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeNoExecutor        = "NO_EXECUTOR"
)

// AutoflowError is the structured error type used across the engine.
type AutoflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AutoflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AutoflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new AutoflowError.
func NewError(code, message string) *AutoflowError {
	return &AutoflowError{Code: code, Message: message}
}

// NewErrorf creates a new AutoflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *AutoflowError {
	return &AutoflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *AutoflowError) WithStep(stepID string) *AutoflowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *AutoflowError) WithCause(err error) *AutoflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AutoflowError) WithDetails(details map[string]any) *AutoflowError {
	e.Details = details
	return e
}

// IsCode reports whether err is an AutoflowError carrying the given code.
func IsCode(err error, code string) bool {
	for err != nil {
		if ae, ok := err.(*AutoflowError); ok && ae.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsRetryable reports whether repeating the failed operation could succeed.
// Definition problems never heal on their own.
func (e *AutoflowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeInvalidTransition, ErrCodeCycleDetected,
		ErrCodeNoExecutor, ErrCodeUnknownEvent, ErrCodeInterpolation:
		return false
	default:
		return true
	}
}
