package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Payment struct {
	Reference             string          `json:"reference"`
	BookingID             string          `json:"booking_id"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	AcquirerCode          string          `json:"acquirer"`
	Status                PaymentStatus   `json:"status"`
	AcquirerOrderID       string          `json:"acquirer_order_id,omitempty"`
	AcquirerPaymentID     string          `json:"acquirer_payment_id,omitempty"`
	AcquirerTransactionID string          `json:"acquirer_transaction_id,omitempty"`
	RefundedAmount        decimal.Decimal `json:"refunded_amount"`
	ExpiresAt             time.Time       `json:"expires_at"`
	RawAcquirerResponse   json.RawMessage `json:"-"`
	WebhookData           json.RawMessage `json:"-"`
	Version               int64           `json:"-"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	// Refunds is filled only when a single payment is read for display.
	Refunds []Refund `json:"refunds,omitempty"`
}

func (p *Payment) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// RefundableAmount is what is left to refund.
func (p *Payment) RefundableAmount() decimal.Decimal {
	return p.Amount.Sub(p.RefundedAmount)
}

type BookingStatus string

const (
	BookingPending          BookingStatus = "pending"
	BookingPaymentInitiated BookingStatus = "payment_initiated"
	BookingConfirmed        BookingStatus = "confirmed"
	BookingPaymentFailed    BookingStatus = "payment_failed"
)

// MinorUnitPlaces is the number of decimal places both gateways settle in.
const MinorUnitPlaces = 2

// FitsMinorUnit reports whether amount can be moved exactly by a gateway.
// 10.50 and 10.500 qualify, 10.505 does not.
func FitsMinorUnit(amount decimal.Decimal) bool {
	return amount.Equal(amount.Round(MinorUnitPlaces))
}

// IsPayable reports whether a new payment may be started for the booking.
func (s BookingStatus) IsPayable() bool {
	switch s {
	case BookingPending, BookingPaymentInitiated, BookingPaymentFailed:
		return true
	}
	return false
}

type Booking struct {
	ID          string          `json:"id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
	Status      BookingStatus   `json:"status"`
}

type Refund struct {
	RefundID  string          `json:"refund_id"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type StatusMapping struct {
	AcquirerCode   string        `json:"acquirer_code"`
	AcquirerStatus string        `json:"acquirer_status"`
	Canonical      PaymentStatus `json:"canonical_status"`
	Active         bool          `json:"active"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// PaymentUpdate is one compare-and-set write against a payment row. Empty
// gateway ids and nil pointers leave the stored value untouched.
type PaymentUpdate struct {
	Reference             string
	FromStatus            PaymentStatus
	ToStatus              PaymentStatus
	Version               int64
	AcquirerOrderID       string
	AcquirerPaymentID     string
	AcquirerTransactionID string
	RefundedAmount        *decimal.Decimal
	RawAcquirerResponse   json.RawMessage
	WebhookData           json.RawMessage
	BookingID             string
	BookingStatus         BookingStatus
	Refunds               []Refund
}

// StatusChangedEvent is published after every committed transition.
type StatusChangedEvent struct {
	Reference      string          `json:"reference"`
	BookingID      string          `json:"booking_id"`
	Acquirer       string          `json:"acquirer"`
	From           PaymentStatus   `json:"from"`
	To             PaymentStatus   `json:"to"`
	Amount         decimal.Decimal `json:"amount"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	Currency       string          `json:"currency"`
	Timestamp      time.Time       `json:"timestamp"`
}

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type InitiateRequest struct {
	BookingID string   `json:"booking_id"`
	Acquirer  string   `json:"acquirer"`
	Customer  Customer `json:"customer"`
	ReturnURL string   `json:"return_url"`
}

type InitiateResult struct {
	Reference       string         `json:"reference"`
	CheckoutURL     string         `json:"checkout_url,omitempty"`
	CheckoutPayload map[string]any `json:"checkout_payload,omitempty"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

type StatusResult struct {
	Reference string        `json:"reference"`
	Status    PaymentStatus `json:"status"`
}

type RefundOutcome struct {
	Reference      string          `json:"reference"`
	RefundID       string          `json:"refund_id,omitempty"`
	Status         PaymentStatus   `json:"status"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
}

// WebhookRequest carries an inbound notification exactly as received.
type WebhookRequest struct {
	RawBody []byte
	Headers map[string]string
	Query   map[string]string
}

// Header looks a header up case-insensitively.
func (r WebhookRequest) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

type WebhookOutcome struct {
	Reference string        `json:"reference,omitempty"`
	Status    PaymentStatus `json:"status,omitempty"`
	Orphaned  bool          `json:"orphaned"`
	Duplicate bool          `json:"duplicate"`
	Ignored   bool          `json:"ignored"`
	// AttemptFailed marks a declined checkout attempt on a payment that is
	// still open for retry.
	AttemptFailed bool `json:"attempt_failed"`
}
