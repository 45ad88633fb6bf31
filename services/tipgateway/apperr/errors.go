package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks caller input that failed validation.
	ErrValidation = errors.New("validation failed")
	// ErrCreatorNotPayable indicates the creator has not finished payout onboarding.
	ErrCreatorNotPayable = errors.New("creator not payable")
	// ErrCreatorNotFound indicates the referenced creator does not exist.
	ErrCreatorNotFound = errors.New("creator not found")
	// ErrExternalProvider wraps failures returned by the payment processor.
	ErrExternalProvider = errors.New("payment provider error")
	// ErrTipNotFound indicates no tip matches the supplied payment reference.
	ErrTipNotFound = errors.New("tip not found")
	// ErrInvalidSignature indicates a webhook failed signature verification.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMalformedEvent indicates a verified webhook was missing required fields.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrPersistence wraps storage failures.
	ErrPersistence = errors.New("persistence error")
	// ErrConflict indicates a uniqueness constraint would be violated.
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized indicates the request carried no usable identity.
	ErrUnauthorized = errors.New("unauthorized")
)

// Error carries a taxonomy kind together with the operation that produced it.
type Error struct {
	Kind      error
	Op        string
	Msg       string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches both the taxonomy kind and the wrapped cause.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Validation builds a validation error with a caller-facing message.
func Validation(op, msg string) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: msg}
}

// Validationf formats a validation error.
func Validationf(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotPayable reports that the creator cannot yet receive tips.
func NotPayable(op string) error {
	return &Error{Kind: ErrCreatorNotPayable, Op: op, Msg: "creator has not completed payout onboarding"}
}

// Provider wraps a processor failure. Retryable marks timeouts and 5xx responses.
func Provider(op string, err error, retryable bool) error {
	return &Error{Kind: ErrExternalProvider, Op: op, Err: err, Retryable: retryable}
}

// Persistence wraps a storage failure.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: ErrPersistence, Op: op, Err: err, Retryable: true}
}

// TipNotFound reports an unknown payment reference.
func TipNotFound(op, reference string) error {
	return &Error{Kind: ErrTipNotFound, Op: op, Msg: fmt.Sprintf("no tip for payment reference %q", reference)}
}

// CreatorNotFound reports an unknown creator.
func CreatorNotFound(op string) error {
	return &Error{Kind: ErrCreatorNotFound, Op: op}
}

// Conflict reports a uniqueness violation with a caller-facing message.
func Conflict(op, msg string) error {
	return &Error{Kind: ErrConflict, Op: op, Msg: msg}
}

// Malformed reports a verified event that lacks required fields.
func Malformed(op, msg string) error {
	return &Error{Kind: ErrMalformedEvent, Op: op, Msg: msg}
}

// IsRetryable reports whether the caller should retry the failed operation.
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// Code returns a stable machine-readable identifier for the error kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrCreatorNotPayable):
		return "creator_not_payable"
	case errors.Is(err, ErrCreatorNotFound):
		return "creator_not_found"
	case errors.Is(err, ErrExternalProvider):
		return "external_provider_error"
	case errors.Is(err, ErrTipNotFound):
		return "tip_not_found"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps an error onto the status code written by HTTP handlers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrCreatorNotFound), errors.Is(err, ErrTipNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrCreatorNotPayable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrExternalProvider):
		if IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
