package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
)

// ErrorType classifies lab session failures
type ErrorType string

const (
	// Surfaced to callers of the lifecycle manager
	ErrorTypeCapacityExceeded  ErrorType = "capacity_exceeded"
	ErrorTypeDeploymentTimeout ErrorType = "deployment_timeout"
	ErrorTypeCluster           ErrorType = "cluster_error"
	ErrorTypeNotFound          ErrorType = "not_found"

	// Internal classifications
	ErrorTypeAlreadyExists ErrorType = "already_exists"
	ErrorTypeInvalid       ErrorType = "invalid"
	ErrorTypeCancelled     ErrorType = "cancelled"
	ErrorTypeConflict      ErrorType = "conflict"
)

// Sentinels for errors.Is matching. Only the Type is compared.
var (
	ErrCapacityExceeded  = &LabSessionError{Type: ErrorTypeCapacityExceeded, Message: "concurrent session limit reached"}
	ErrDeploymentTimeout = &LabSessionError{Type: ErrorTypeDeploymentTimeout, Message: "workload did not become ready"}
	ErrCluster           = &LabSessionError{Type: ErrorTypeCluster, Message: "cluster API error"}
	ErrNotFound          = &LabSessionError{Type: ErrorTypeNotFound, Message: "not found"}
	ErrAlreadyExists     = &LabSessionError{Type: ErrorTypeAlreadyExists, Message: "already exists"}
	ErrInvalid           = &LabSessionError{Type: ErrorTypeInvalid, Message: "invalid request"}
	ErrCancelled         = &LabSessionError{Type: ErrorTypeCancelled, Message: "operation cancelled"}
	ErrConflict          = &LabSessionError{Type: ErrorTypeConflict, Message: "concurrent modification"}
)

// LabSessionError represents a structured error for lab session operations
type LabSessionError struct {
	Type       ErrorType
	Message    string
	Underlying error
	Namespace  string
	SessionID  string
	UserID     string
	Operation  string
	Object     string
	Timestamp  time.Time
	Retryable  bool
	RetryAfter time.Duration
	Context    map[string]interface{}
}

// Error implements the error interface
func (e *LabSessionError) Error() string {
	msg := e.Message
	if e.Object != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Object)
	}
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, msg, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Type, msg)
}

// Unwrap returns the underlying error
func (e *LabSessionError) Unwrap() error {
	return e.Underlying
}

// Is reports whether target is a LabSessionError of the same type
func (e *LabSessionError) Is(target error) bool {
	if t, ok := target.(*LabSessionError); ok {
		return e.Type == t.Type
	}
	return false
}

// IsRetryable returns whether the error is retryable
func (e *LabSessionError) IsRetryable() bool {
	return e.Retryable
}

// GetRetryAfter returns the duration to wait before retrying
func (e *LabSessionError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	return 30 * time.Second
}

// GetContext returns additional error context
func (e *LabSessionError) GetContext() map[string]interface{} {
	if e.Context == nil {
		return make(map[string]interface{})
	}
	return e.Context
}

// ErrorBuilder provides a fluent interface for building errors
type ErrorBuilder struct {
	err *LabSessionError
}

// NewError creates a new error builder
func NewError(errorType ErrorType, message string) *ErrorBuilder {
	return &ErrorBuilder{
		err: &LabSessionError{
			Type:      errorType,
			Message:   message,
			Timestamp: time.Now(),
			Retryable: isRetryableType(errorType),
			Context:   make(map[string]interface{}),
		},
	}
}

// WithUnderlying adds an underlying error
func (eb *ErrorBuilder) WithUnderlying(err error) *ErrorBuilder {
	eb.err.Underlying = err
	return eb
}

// WithSession adds session context
func (eb *ErrorBuilder) WithSession(namespace, sessionID, userID string) *ErrorBuilder {
	eb.err.Namespace = namespace
	eb.err.SessionID = sessionID
	eb.err.UserID = userID
	return eb
}

// WithUser adds the user the error concerns
func (eb *ErrorBuilder) WithUser(userID string) *ErrorBuilder {
	eb.err.UserID = userID
	return eb
}

// WithOperation adds operation context
func (eb *ErrorBuilder) WithOperation(operation string) *ErrorBuilder {
	eb.err.Operation = operation
	return eb
}

// WithObject names the cluster object involved
func (eb *ErrorBuilder) WithObject(object string) *ErrorBuilder {
	eb.err.Object = object
	return eb
}

// WithRetryAfter sets custom retry duration
func (eb *ErrorBuilder) WithRetryAfter(duration time.Duration) *ErrorBuilder {
	eb.err.RetryAfter = duration
	eb.err.Retryable = true
	return eb
}

// WithContext adds additional context
func (eb *ErrorBuilder) WithContext(key string, value interface{}) *ErrorBuilder {
	eb.err.Context[key] = value
	return eb
}

// Build returns the constructed error
func (eb *ErrorBuilder) Build() *LabSessionError {
	return eb.err
}

// NewCapacityExceededError reports that userID already holds limit active sessions.
func NewCapacityExceededError(userID string, limit int) *LabSessionError {
	return NewError(ErrorTypeCapacityExceeded, fmt.Sprintf("user already has %d active session(s)", limit)).
		WithUser(userID).
		WithContext("limit", limit).
		Build()
}

// NewDeploymentTimeoutError reports that a workload or its address was not ready in time.
func NewDeploymentTimeoutError(workload string, timeout time.Duration, underlying error) *LabSessionError {
	return NewError(ErrorTypeDeploymentTimeout, fmt.Sprintf("not ready after %s", timeout)).
		WithObject(workload).
		WithUnderlying(underlying).
		Build()
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(message string) *LabSessionError {
	return NewError(ErrorTypeNotFound, message).Build()
}

// NewInvalidError creates a validation error for field
func NewInvalidError(message, field string) *LabSessionError {
	return NewError(ErrorTypeInvalid, message).
		WithContext("field", field).
		Build()
}

// NewClusterError wraps a failed cluster call
func NewClusterError(operation, object string, underlying error) *LabSessionError {
	return NewError(ErrorTypeCluster, "cluster operation failed").
		WithOperation(operation).
		WithObject(object).
		WithUnderlying(underlying).
		Build()
}

// NewCancelledError reports that the caller went away mid-operation
func NewCancelledError(operation string, underlying error) *LabSessionError {
	return NewError(ErrorTypeCancelled, "operation cancelled").
		WithOperation(operation).
		WithUnderlying(underlying).
		Build()
}

func isRetryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeCluster, ErrorTypeConflict:
		return true
	default:
		return false
	}
}

// TypeOf returns the ErrorType of the first LabSessionError in err's chain,
// or the empty string.
func TypeOf(err error) ErrorType {
	var labErr *LabSessionError
	if stderrors.As(err, &labErr) {
		return labErr.Type
	}
	return ""
}

// IsType reports whether err carries the given type
func IsType(err error, errorType ErrorType) bool {
	return TypeOf(err) == errorType
}

// ClassifyKubernetesError maps a Kubernetes API error onto the lab session taxonomy
func ClassifyKubernetesError(err error, operation, object string) *LabSessionError {
	if err == nil {
		return nil
	}

	var labErr *LabSessionError
	if stderrors.As(err, &labErr) {
		return labErr
	}

	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return NewCancelledError(operation, err)
	}

	switch {
	case apierrors.IsNotFound(err):
		return NewError(ErrorTypeNotFound, "resource not found").
			WithOperation(operation).WithObject(object).WithUnderlying(err).Build()

	case apierrors.IsAlreadyExists(err):
		return NewError(ErrorTypeAlreadyExists, "resource already exists").
			WithOperation(operation).WithObject(object).WithUnderlying(err).Build()

	case apierrors.IsConflict(err):
		return NewError(ErrorTypeCluster, "resource conflict").
			WithOperation(operation).WithObject(object).WithUnderlying(err).
			WithRetryAfter(5 * time.Second).Build()

	case apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err):
		return NewError(ErrorTypeCluster, "request timeout").
			WithOperation(operation).WithObject(object).WithUnderlying(err).
			WithRetryAfter(10 * time.Second).Build()

	case apierrors.IsTooManyRequests(err):
		return NewError(ErrorTypeCluster, "rate limited").
			WithOperation(operation).WithObject(object).WithUnderlying(err).
			WithRetryAfter(60 * time.Second).Build()

	case apierrors.IsInvalid(err) || apierrors.IsBadRequest(err):
		e := NewError(ErrorTypeCluster, "invalid request").
			WithOperation(operation).WithObject(object).WithUnderlying(err).Build()
		e.Retryable = false
		return e
	}

	return NewClusterError(operation, object, err)
}

// ReconcileResult creates a reconcile result based on an error
func ReconcileResult(err error) (ctrl.Result, error) {
	if err == nil {
		return ctrl.Result{}, nil
	}

	labErr := ClassifyKubernetesError(err, "reconcile", "")
	if labErr.IsRetryable() {
		return ctrl.Result{RequeueAfter: labErr.GetRetryAfter()}, nil
	}
	return ctrl.Result{}, labErr
}
