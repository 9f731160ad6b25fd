package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Callers match with errors.Is; concrete errors wrap one of these.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrAcquirer          = errors.New("acquirer error")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrExpired           = errors.New("payment expired")
	ErrConflict          = errors.New("conflict")
)

var (
	ErrPaymentNotFound      = fmt.Errorf("%w: payment", ErrNotFound)
	ErrBookingNotFound      = fmt.Errorf("%w: booking", ErrNotFound)
	ErrAcquirerNotFound     = fmt.Errorf("%w: acquirer", ErrNotFound)
	ErrInvalidRefundAmount  = fmt.Errorf("%w: refund amount must be positive and within the refundable balance", ErrValidation)
	ErrBookingNotPayable    = fmt.Errorf("%w: booking is not in a payable state", ErrConflict)
	ErrPaymentInFlight      = fmt.Errorf("%w: booking already has a payment in progress", ErrConflict)
	ErrConcurrentUpdate     = fmt.Errorf("%w: payment was modified concurrently", ErrConflict)
	ErrBusy                 = fmt.Errorf("%w: payment is being processed", ErrConflict)
	ErrPaymentExpired       = fmt.Errorf("%w", ErrExpired)
	ErrRefundFailed         = fmt.Errorf("%w: refund failed", ErrAcquirer)
	ErrMissingCredentials   = errors.New("acquirer credentials not configured")
	ErrDuplicateAcquirer    = errors.New("acquirer already registered")
	ErrUnsupportedOperation = errors.New("operation not supported")
)

// Validation returns a validation error carrying a caller-facing message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// AcquirerError is a gateway-side failure. Code keeps the gateway's own
// error code for support diagnostics; it is never shown to end users.
type AcquirerError struct {
	Acquirer   string
	Operation  string
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	Kind       error
	Err        error
}

func (e *AcquirerError) Error() string {
	msg := fmt.Sprintf("acquirer %s %s failed", e.Acquirer, e.Operation)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AcquirerError) Unwrap() []error {
	kind := e.Kind
	if kind == nil {
		kind = ErrAcquirer
	}
	if e.Err != nil {
		return []error{kind, e.Err}
	}
	return []error{kind}
}

// NewAcquirerError builds an AcquirerError from an HTTP response status.
// 5xx and 429 responses are retryable.
func NewAcquirerError(acquirer, op string, status int, code, message string) *AcquirerError {
	return &AcquirerError{
		Acquirer:   acquirer,
		Operation:  op,
		HTTPStatus: status,
		Code:       code,
		Message:    message,
		Retryable:  status >= http.StatusInternalServerError || status == http.StatusTooManyRequests,
	}
}

// NetworkError wraps a transport failure talking to an acquirer.
func NetworkError(acquirer, op string, err error) *AcquirerError {
	return &AcquirerError{
		Acquirer:  acquirer,
		Operation: op,
		Code:      "NETWORK_ERROR",
		Retryable: true,
		Err:       err,
	}
}

// IsRetryable reports whether err is a gateway failure worth retrying.
func IsRetryable(err error) bool {
	var ae *AcquirerError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// TransitionError reports a status change the transition table does not allow.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// AppError is the HTTP-facing error envelope.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// ToHTTPError is the body written to clients.
func (e *AppError) ToHTTPError() map[string]string {
	return map[string]string{"code": e.Code, "message": e.Message}
}

func NewDomainError(code, message string, err error, status int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}
