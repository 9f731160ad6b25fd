package acquirer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=acquirer.go -destination=mocks/mock_client.go -package=mocks

// Client is implemented once per payment gateway. Implementations return the
// gateway's own status strings; translating them is the caller's job.
type Client interface {
	Code() string
	CreateOrder(ctx context.Context, intent OrderIntent, creds Credentials) (*OrderResult, error)
	VerifyPayment(ctx context.Context, data CallbackData, creds Credentials) (*VerifyResult, error)
	CheckStatus(ctx context.Context, query StatusQuery, creds Credentials) (*StatusResult, error)
	ProcessRefund(ctx context.Context, req RefundRequest, creds Credentials) (*RefundResult, error)
	HandleWebhook(ctx context.Context, req models.WebhookRequest, creds Credentials) (*WebhookResult, error)
	CapturePayment(ctx context.Context, req CaptureRequest, creds Credentials) (*CaptureResult, error)
	ListRefunds(ctx context.Context, paymentID string, creds Credentials) ([]RefundRecord, error)
}

// CredentialStore hands out gateway credentials by acquirer code.
type CredentialStore interface {
	Credentials(code string) (Credentials, error)
}

type Credentials struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
}

type OrderIntent struct {
	Reference       string
	BookingID       string
	Amount          decimal.Decimal
	Currency        string
	Customer        models.Customer
	ReturnURL       string
	NotificationURL string
	Description     string
	ExpiresAt       time.Time
}

type OrderResult struct {
	AcquirerOrderID string
	CheckoutURL     string
	CheckoutPayload map[string]any
	AcquirerStatus  string
	Raw             json.RawMessage
}

// CallbackData is what the customer's browser posts back after checkout.
// Fields keeps every gateway-specific value as received.
type CallbackData struct {
	Reference       string
	AcquirerOrderID string
	Amount          decimal.Decimal
	Currency        string
	Fields          map[string]string
}

func (c CallbackData) Field(name string) string {
	if c.Fields == nil {
		return ""
	}
	return c.Fields[name]
}

type VerifyResult struct {
	Verified              bool
	AcquirerStatus        string
	AcquirerPaymentID     string
	AcquirerTransactionID string
	FailureReason         string
	Raw                   json.RawMessage
}

type StatusQuery struct {
	Reference         string
	AcquirerOrderID   string
	AcquirerPaymentID string
}

type StatusResult struct {
	AcquirerStatus        string
	AcquirerOrderID       string
	AcquirerPaymentID     string
	AcquirerTransactionID string
	Raw                   json.RawMessage
}

// RefundRequest asks for Amount on top of RefundedBefore, the total the
// caller already has on record for the payment.
type RefundRequest struct {
	Reference         string
	AcquirerPaymentID string
	Amount            decimal.Decimal
	RefundedBefore    decimal.Decimal
	Currency          string
	Reason            string
	IdempotencyKey    string
}

type RefundResult struct {
	RefundID string
	Status   string
	Amount   decimal.Decimal
	Raw      json.RawMessage
}

type RefundRecord struct {
	RefundID string
	Amount   decimal.Decimal
	Status   string
	Failed   bool
}

// WebhookResult describes a notification after signature verification.
// VerifiedReference is set only when the gateway itself vouches for the
// payment reference (a server-side lookup, never the unverified body).
type WebhookResult struct {
	Verified          bool
	Event             string
	AcquirerStatus    string
	AcquirerOrderID   string
	AcquirerPaymentID string
	VerifiedReference string
	IsRefundEvent     bool
	Raw               json.RawMessage
}

type CaptureRequest struct {
	Reference         string
	AcquirerPaymentID string
	Amount            decimal.Decimal
	Currency          string
}

type CaptureResult struct {
	AcquirerStatus        string
	AcquirerTransactionID string
	Raw                   json.RawMessage
}

// StaticCredentials is a CredentialStore over a fixed map, loaded once at startup.
type StaticCredentials map[string]Credentials

func (s StaticCredentials) Credentials(code string) (Credentials, error) {
	creds, ok := s[normalizeCode(code)]
	if !ok {
		return Credentials{}, missingCredentials(code)
	}
	return creds, nil
}
