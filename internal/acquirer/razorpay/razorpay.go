package razorpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
)

const (
	SignatureHeader = "X-Razorpay-Signature"

	fieldOrderID   = "razorpay_order_id"
	fieldPaymentID = "razorpay_payment_id"
	fieldSignature = "razorpay_signature"
)

type order struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Status   string            `json:"status"`
	Notes    map[string]string `json:"notes"`
}

type acquirerData struct {
	RRN             string `json:"rrn"`
	BankTransaction string `json:"bank_transaction_id"`
	UPITransaction  string `json:"upi_transaction_id"`
}

type payment struct {
	ID           string       `json:"id"`
	OrderID      string       `json:"order_id"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency"`
	Status       string       `json:"status"`
	ErrorCode    string       `json:"error_code"`
	ErrorReason  string       `json:"error_reason"`
	AcquirerData acquirerData `json:"acquirer_data"`
	CreatedAt    int64        `json:"created_at"`
}

func (p payment) transactionID() string {
	switch {
	case p.AcquirerData.RRN != "":
		return p.AcquirerData.RRN
	case p.AcquirerData.BankTransaction != "":
		return p.AcquirerData.BankTransaction
	default:
		return p.AcquirerData.UPITransaction
	}
}

type refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

type collection[T any] struct {
	Count int `json:"count"`
	Items []T `json:"items"`
}

func (c *Client) CreateOrder(ctx context.Context, intent acquirer.OrderIntent, creds acquirer.Credentials) (*acquirer.OrderResult, error) {
	if intent.Reference == "" {
		return nil, apperror.Validation("razorpay order: reference is required")
	}
	if !intent.Amount.IsPositive() {
		return nil, apperror.Validation("razorpay order: amount must be positive")
	}

	payload := map[string]any{
		"amount":   toMinor(intent.Amount),
		"currency": strings.ToUpper(intent.Currency),
		"receipt":  intent.Reference,
		"notes": map[string]string{
			"reference":  intent.Reference,
			"booking_id": intent.BookingID,
		},
	}

	var out order
	raw, err := c.do(ctx, creds, "create_order", http.MethodPost, "/v1/orders", payload, nil, &out)
	if err != nil {
		return nil, err
	}

	checkout := map[string]any{
		"key":          creds.KeyID,
		"order_id":     out.ID,
		"amount":       out.Amount,
		"currency":     out.Currency,
		"description":  intent.Description,
		"callback_url": intent.ReturnURL,
		"prefill": map[string]string{
			"name":    intent.Customer.Name,
			"email":   intent.Customer.Email,
			"contact": intent.Customer.Phone,
		},
		"notes": map[string]string{"reference": intent.Reference},
	}

	return &acquirer.OrderResult{
		AcquirerOrderID: out.ID,
		CheckoutPayload: checkout,
		AcquirerStatus:  out.Status,
		Raw:             raw,
	}, nil
}

// VerifyPayment checks the checkout signature against the order id we stored,
// then reads the payment back to learn its real status and amount.
func (c *Client) VerifyPayment(ctx context.Context, data acquirer.CallbackData, creds acquirer.Credentials) (*acquirer.VerifyResult, error) {
	orderID := data.AcquirerOrderID
	paymentID := data.Field(fieldPaymentID)
	signature := data.Field(fieldSignature)

	if claimed := data.Field(fieldOrderID); claimed != "" && claimed != orderID {
		return &acquirer.VerifyResult{Verified: false, FailureReason: "order id mismatch"}, nil
	}
	if orderID == "" || paymentID == "" || signature == "" {
		return &acquirer.VerifyResult{Verified: false, FailureReason: "missing callback fields"}, nil
	}
	if !validSignature(creds.KeySecret, []byte(orderID+"|"+paymentID), signature) {
		return &acquirer.VerifyResult{Verified: false, FailureReason: "signature mismatch"}, nil
	}

	var p payment
	raw, err := c.do(ctx, creds, "verify_payment", http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, nil, &p)
	if err != nil {
		return nil, err
	}
	if p.OrderID != "" && p.OrderID != orderID {
		return &acquirer.VerifyResult{Verified: false, FailureReason: "payment belongs to another order", Raw: raw}, nil
	}
	if !data.Amount.IsZero() && p.Amount != toMinor(data.Amount) {
		return &acquirer.VerifyResult{Verified: false, FailureReason: "amount mismatch", Raw: raw}, nil
	}

	return &acquirer.VerifyResult{
		Verified:              true,
		AcquirerStatus:        p.Status,
		AcquirerPaymentID:     p.ID,
		AcquirerTransactionID: p.transactionID(),
		FailureReason:         p.ErrorReason,
		Raw:                   raw,
	}, nil
}

var paymentRank = map[string]int{
	"captured":   4,
	"refunded":   4,
	"authorized": 3,
	"created":    2,
	"failed":     1,
}

// CheckStatus reads the payment when its id is known. Otherwise it picks the
// strongest attempt on the order, falling back to the order itself.
func (c *Client) CheckStatus(ctx context.Context, query acquirer.StatusQuery, creds acquirer.Credentials) (*acquirer.StatusResult, error) {
	if query.AcquirerPaymentID != "" {
		var p payment
		raw, err := c.do(ctx, creds, "check_status", http.MethodGet, "/v1/payments/"+url.PathEscape(query.AcquirerPaymentID), nil, nil, &p)
		if err != nil {
			return nil, err
		}
		return &acquirer.StatusResult{
			AcquirerStatus:        p.Status,
			AcquirerOrderID:       p.OrderID,
			AcquirerPaymentID:     p.ID,
			AcquirerTransactionID: p.transactionID(),
			Raw:                   raw,
		}, nil
	}

	orderID := query.AcquirerOrderID
	if orderID == "" {
		if query.Reference == "" {
			return nil, apperror.Validation("razorpay status: order id or reference is required")
		}
		var orders collection[order]
		if _, err := c.do(ctx, creds, "check_status", http.MethodGet, "/v1/orders?receipt="+url.QueryEscape(query.Reference), nil, nil, &orders); err != nil {
			return nil, err
		}
		if len(orders.Items) == 0 {
			return nil, fmt.Errorf("%w: razorpay order for receipt %s", apperror.ErrNotFound, query.Reference)
		}
		orderID = orders.Items[0].ID
	}

	var attempts collection[payment]
	raw, err := c.do(ctx, creds, "check_status", http.MethodGet, "/v1/orders/"+url.PathEscape(orderID)+"/payments", nil, nil, &attempts)
	if err != nil {
		return nil, err
	}
	if best, ok := strongestAttempt(attempts.Items); ok {
		return &acquirer.StatusResult{
			AcquirerStatus:        best.Status,
			AcquirerOrderID:       orderID,
			AcquirerPaymentID:     best.ID,
			AcquirerTransactionID: best.transactionID(),
			Raw:                   raw,
		}, nil
	}

	var o order
	raw, err = c.do(ctx, creds, "check_status", http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, nil, &o)
	if err != nil {
		return nil, err
	}
	return &acquirer.StatusResult{AcquirerStatus: o.Status, AcquirerOrderID: o.ID, Raw: raw}, nil
}

func strongestAttempt(items []payment) (payment, bool) {
	var best payment
	found := false
	for _, p := range items {
		if !found || paymentRank[p.Status] > paymentRank[best.Status] ||
			(paymentRank[p.Status] == paymentRank[best.Status] && p.CreatedAt > best.CreatedAt) {
			best = p
			found = true
		}
	}
	return best, found
}

func (c *Client) ProcessRefund(ctx context.Context, req acquirer.RefundRequest, creds acquirer.Credentials) (*acquirer.RefundResult, error) {
	if req.AcquirerPaymentID == "" {
		return nil, fmt.Errorf("%w: razorpay payment id unknown for %s", apperror.ErrRefundFailed, req.Reference)
	}
	payload := map[string]any{
		"amount": toMinor(req.Amount),
		"notes": map[string]string{
			"reference": req.Reference,
			"reason":    req.Reason,
		},
	}
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["X-Refund-Idempotency"] = req.IdempotencyKey
	}

	var out refund
	raw, err := c.do(ctx, creds, "refund", http.MethodPost, "/v1/payments/"+url.PathEscape(req.AcquirerPaymentID)+"/refund", payload, headers, &out)
	if err != nil {
		var ae *apperror.AcquirerError
		if errors.As(err, &ae) {
			ae.Kind = apperror.ErrRefundFailed
		}
		return nil, err
	}
	if out.Status == "failed" {
		return nil, &apperror.AcquirerError{
			Acquirer:  models.AcquirerRazorpay,
			Operation: "refund",
			Code:      "REFUND_FAILED",
			Message:   "refund " + out.ID + " failed",
			Kind:      apperror.ErrRefundFailed,
		}
	}
	return &acquirer.RefundResult{
		RefundID: out.ID,
		Status:   out.Status,
		Amount:   fromMinor(out.Amount),
		Raw:      raw,
	}, nil
}

func (c *Client) ListRefunds(ctx context.Context, paymentID string, creds acquirer.Credentials) ([]acquirer.RefundRecord, error) {
	if paymentID == "" {
		return nil, nil
	}
	var out collection[refund]
	if _, err := c.do(ctx, creds, "list_refunds", http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID)+"/refunds", nil, nil, &out); err != nil {
		return nil, err
	}
	records := make([]acquirer.RefundRecord, 0, len(out.Items))
	for _, r := range out.Items {
		records = append(records, acquirer.RefundRecord{
			RefundID: r.ID,
			Amount:   fromMinor(r.Amount),
			Status:   r.Status,
			Failed:   r.Status == "failed",
		})
	}
	return records, nil
}

func (c *Client) CapturePayment(ctx context.Context, req acquirer.CaptureRequest, creds acquirer.Credentials) (*acquirer.CaptureResult, error) {
	if req.AcquirerPaymentID == "" {
		return nil, apperror.Validation("razorpay capture: payment id is required")
	}
	payload := map[string]any{
		"amount":   toMinor(req.Amount),
		"currency": strings.ToUpper(req.Currency),
	}
	var p payment
	raw, err := c.do(ctx, creds, "capture", http.MethodPost, "/v1/payments/"+url.PathEscape(req.AcquirerPaymentID)+"/capture", payload, nil, &p)
	if err != nil {
		return nil, err
	}
	return &acquirer.CaptureResult{
		AcquirerStatus:        p.Status,
		AcquirerTransactionID: p.transactionID(),
		Raw:                   raw,
	}, nil
}

type webhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity payment `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity order `json:"entity"`
		} `json:"order"`
		Refund *struct {
			Entity refund `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

// HandleWebhook verifies X-Razorpay-Signature over the raw body before
// reading anything from it.
func (c *Client) HandleWebhook(_ context.Context, req models.WebhookRequest, creds acquirer.Credentials) (*acquirer.WebhookResult, error) {
	if creds.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: razorpay webhook secret", apperror.ErrMissingCredentials)
	}
	if !validSignature(creds.WebhookSecret, req.RawBody, req.Header(SignatureHeader)) {
		return &acquirer.WebhookResult{Verified: false}, nil
	}

	var evt webhookEvent
	if err := json.Unmarshal(req.RawBody, &evt); err != nil {
		return nil, apperror.Validation("razorpay webhook: malformed body: %v", err)
	}

	res := &acquirer.WebhookResult{
		Verified: true,
		Event:    evt.Event,
		Raw:      json.RawMessage(req.RawBody),
	}
	if evt.Payload.Order != nil {
		res.AcquirerOrderID = evt.Payload.Order.Entity.ID
		res.AcquirerStatus = evt.Payload.Order.Entity.Status
	}
	if evt.Payload.Payment != nil {
		p := evt.Payload.Payment.Entity
		res.AcquirerPaymentID = p.ID
		if p.OrderID != "" {
			res.AcquirerOrderID = p.OrderID
		}
		res.AcquirerStatus = p.Status
	}
	if evt.Payload.Refund != nil {
		res.IsRefundEvent = true
		if res.AcquirerPaymentID == "" {
			res.AcquirerPaymentID = evt.Payload.Refund.Entity.PaymentID
		}
	}
	if strings.HasPrefix(evt.Event, "refund.") {
		res.IsRefundEvent = true
	}
	return res, nil
}
