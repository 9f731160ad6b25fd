package models

import (
	"strings"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
)

type PaymentStatus string

const (
	StatusCreated       PaymentStatus = "CREATED"
	StatusPending       PaymentStatus = "PENDING"
	StatusProcessing    PaymentStatus = "PROCESSING"
	StatusSuccess       PaymentStatus = "SUCCESS"
	StatusFailed        PaymentStatus = "FAILED"
	StatusCancelled     PaymentStatus = "CANCELLED"
	StatusRefunded      PaymentStatus = "REFUNDED"
	StatusPartialRefund PaymentStatus = "PARTIAL_REFUND"

	// StatusUnmapped is returned by the status mapper for gateway statuses it
	// cannot translate. It is never persisted.
	StatusUnmapped PaymentStatus = "UNMAPPED"
)

var allowedTransitions = map[PaymentStatus][]PaymentStatus{
	StatusCreated:       {StatusPending, StatusProcessing, StatusFailed, StatusCancelled},
	StatusPending:       {StatusProcessing, StatusSuccess, StatusFailed, StatusCancelled},
	StatusProcessing:    {StatusSuccess, StatusFailed},
	StatusSuccess:       {StatusRefunded, StatusPartialRefund},
	StatusFailed:        {StatusPending},
	StatusCancelled:     {},
	StatusRefunded:      {},
	StatusPartialRefund: {StatusRefunded, StatusPartialRefund},
}

// ValidateTransition returns a *apperror.TransitionError unless from -> to is
// listed in the transition table.
func ValidateTransition(from, to PaymentStatus) error {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return &apperror.TransitionError{From: string(from), To: string(to)}
}

func CanTransition(from, to PaymentStatus) bool {
	return ValidateTransition(from, to) == nil
}

func (s PaymentStatus) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsInFlight reports whether a payment in this status still occupies its booking.
func (s PaymentStatus) IsInFlight() bool {
	return s == StatusCreated || s == StatusPending || s == StatusProcessing
}

// IsTerminal reports whether no further gateway-driven change is expected.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// IsSettled covers terminal and refund states; status polling and callbacks
// return the stored status for these without asking the gateway.
func (s PaymentStatus) IsSettled() bool {
	return s.IsTerminal() || s == StatusPartialRefund
}

// IsRefundable reports whether money can still be returned on this payment.
func (s PaymentStatus) IsRefundable() bool {
	return s == StatusSuccess || s == StatusPartialRefund
}

const (
	AcquirerRazorpay    = "razorpay"
	AcquirerMercadoPago = "mercadopago"
)

// StaticStatusMap is the built-in translation of gateway statuses. Rows in
// acquirer_status_mappings take precedence over it.
var StaticStatusMap = map[string]map[string]PaymentStatus{
	AcquirerRazorpay: {
		"created":    StatusPending,
		"attempted":  StatusProcessing,
		"authorized": StatusProcessing,
		"captured":   StatusSuccess,
		"paid":       StatusSuccess,
		"failed":     StatusFailed,
		"refunded":   StatusRefunded,
	},
	AcquirerMercadoPago: {
		"pending":      StatusPending,
		"in_process":   StatusProcessing,
		"in_mediation": StatusProcessing,
		"authorized":   StatusProcessing,
		"approved":     StatusSuccess,
		"rejected":     StatusFailed,
		"cancelled":    StatusCancelled,
		"refunded":     StatusRefunded,
	},
}

// LookupStaticStatus returns the built-in mapping for a gateway status.
func LookupStaticStatus(acquirer, raw string) (PaymentStatus, bool) {
	table, ok := StaticStatusMap[strings.ToLower(acquirer)]
	if !ok {
		return StatusUnmapped, false
	}
	status, ok := table[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return StatusUnmapped, false
	}
	return status, true
}
