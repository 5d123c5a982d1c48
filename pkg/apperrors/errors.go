package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Machine-readable error codes returned to API and webhook callers.
const (
	CodeUnauthorized                = "UNAUTHORIZED"
	CodeForbidden                   = "FORBIDDEN"
	CodeNotFound                    = "NOT_FOUND"
	CodeFeatureNotAvailable         = "FEATURE_NOT_AVAILABLE"
	CodeMalformedWebhook            = "MALFORMED_WEBHOOK"
	CodeSignatureInvalid            = "SIGNATURE_INVALID"
	CodeTransientPersistenceFailure = "TRANSIENT_PERSISTENCE_FAILURE"
	CodeTenantUnresolved            = "TENANT_UNRESOLVED"
	CodeLastOwner                   = "LAST_OWNER"
	CodeCannotRemoveSelf            = "CANNOT_REMOVE_SELF"
	CodeAlreadyMember               = "ALREADY_MEMBER"
	CodeBadRequest                  = "BAD_REQUEST"
	CodeUnsupportedOperation        = "UNSUPPORTED_OPERATION"
	CodeRateLimited                 = "RATE_LIMITED"
	CodeInternal                    = "INTERNAL_ERROR"
)

// AppError is a typed failure carrying the HTTP status and code it surfaces as.
// Err holds the underlying cause for logs; it is never written to clients.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any *AppError with the same code, so errors.Is(err, ErrForbidden) works
// for copies produced by WithCause.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy of e wrapping err.
func (e *AppError) WithCause(err error) *AppError {
	c := *e
	c.Err = err
	return &c
}

// WithMessage returns a copy of e with a different client-facing message.
func (e *AppError) WithMessage(msg string) *AppError {
	c := *e
	c.Message = msg
	return &c
}

// New creates an AppError.
func New(status int, code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap creates an AppError around an existing error.
func Wrap(err error, status int, code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// As extracts the first *AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// FromError converts any error into an AppError. Unknown errors become ErrInternal
// with the original kept as the cause.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}
	return ErrInternal.WithCause(err)
}

// CodeOf returns the code of err, or CodeInternal for untyped errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return FromError(err).Code
}

// IsRetryable reports whether the caller should redeliver the request.
func IsRetryable(err error) bool {
	appErr := FromError(err)
	return appErr != nil && appErr.HTTPStatus >= http.StatusInternalServerError
}

var (
	ErrUnauthorized = &AppError{
		Code:       CodeUnauthorized,
		Message:    "authentication required",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       CodeForbidden,
		Message:    "forbidden",
		HTTPStatus: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       CodeNotFound,
		Message:    "not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrFeatureNotAvailable = &AppError{
		Code:       CodeFeatureNotAvailable,
		Message:    "this feature is not available on the current plan",
		HTTPStatus: http.StatusPaymentRequired,
	}

	ErrMalformedWebhook = &AppError{
		Code:       CodeMalformedWebhook,
		Message:    "malformed webhook payload",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrSignatureInvalid = &AppError{
		Code:       CodeSignatureInvalid,
		Message:    "invalid webhook signature",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrTransientPersistence = &AppError{
		Code:       CodeTransientPersistenceFailure,
		Message:    "temporary storage failure, retry later",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrTenantUnresolved = &AppError{
		Code:       CodeTenantUnresolved,
		Message:    "no tenant matches this subscription",
		HTTPStatus: http.StatusUnprocessableEntity,
	}

	ErrLastOwner = &AppError{
		Code:       CodeLastOwner,
		Message:    "a tenant must keep at least one owner",
		HTTPStatus: http.StatusConflict,
	}

	ErrCannotRemoveSelf = &AppError{
		Code:       CodeCannotRemoveSelf,
		Message:    "members cannot remove themselves",
		HTTPStatus: http.StatusConflict,
	}

	ErrAlreadyMember = &AppError{
		Code:       CodeAlreadyMember,
		Message:    "user is already a member of this tenant",
		HTTPStatus: http.StatusConflict,
	}

	ErrBadRequest = &AppError{
		Code:       CodeBadRequest,
		Message:    "invalid request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrUnsupportedOperation = &AppError{
		Code:       CodeUnsupportedOperation,
		Message:    "operation not supported by this provider",
		HTTPStatus: http.StatusNotImplemented,
	}

	ErrRateLimited = &AppError{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternal = &AppError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}
)
