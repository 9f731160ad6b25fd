package mercadopago

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/shopspring/decimal"

	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"
	"github.com/mercadopago/sdk-go/pkg/refund"
)

const statusRefunded = "refunded"

func (c *Client) CreateOrder(ctx context.Context, intent acquirer.OrderIntent, creds acquirer.Credentials) (*acquirer.OrderResult, error) {
	if intent.Reference == "" {
		return nil, apperror.Validation("mercadopago order: reference is required")
	}
	if !intent.Amount.IsPositive() {
		return nil, apperror.Validation("mercadopago order: amount must be positive")
	}
	api, err := c.apisFor(creds)
	if err != nil {
		return nil, err
	}

	title := intent.Description
	if title == "" {
		title = "Flight booking " + intent.BookingID
	}
	req := preference.Request{
		Items: []preference.ItemRequest{{
			ID:         intent.BookingID,
			Title:      title,
			Quantity:   1,
			UnitPrice:  intent.Amount.InexactFloat64(),
			CurrencyID: strings.ToUpper(intent.Currency),
		}},
		Payer: &preference.PayerRequest{
			Name:  intent.Customer.Name,
			Email: intent.Customer.Email,
		},
		ExternalReference: intent.Reference,
		NotificationURL:   intent.NotificationURL,
	}
	if intent.ReturnURL != "" {
		req.BackURLs = &preference.BackURLsRequest{
			Success: intent.ReturnURL,
			Pending: intent.ReturnURL,
			Failure: intent.ReturnURL,
		}
		req.AutoReturn = "approved"
	}
	if !intent.ExpiresAt.IsZero() {
		expires := intent.ExpiresAt
		req.Expires = true
		req.ExpirationDateTo = &expires
	}

	resp, err := api.preferences.Create(ctx, req)
	if err != nil {
		return nil, sdkError("create_order", err)
	}
	raw, _ := json.Marshal(resp)

	return &acquirer.OrderResult{
		AcquirerOrderID: resp.ID,
		CheckoutURL:     resp.InitPoint,
		CheckoutPayload: map[string]any{
			"preference_id":      resp.ID,
			"init_point":         resp.InitPoint,
			"sandbox_init_point": resp.SandboxInitPoint,
		},
		AcquirerStatus: "pending",
		Raw:            raw,
	}, nil
}

// VerifyPayment trusts nothing in the browser return except the payment id:
// the payment is fetched server-side and must carry our reference and amount.
func (c *Client) VerifyPayment(ctx context.Context, data acquirer.CallbackData, creds acquirer.Credentials) (*acquirer.VerifyResult, error) {
	paymentID := data.Field("payment_id")
	if paymentID == "" {
		paymentID = data.Field("collection_id")
	}
	if paymentID == "" || paymentID == "null" {
		return &acquirer.VerifyResult{Verified: false, FailureReason: "missing payment id"}, nil
	}
	id, err := parseID(paymentID)
	if err != nil {
		return &acquirer.VerifyResult{Verified: false, FailureReason: "malformed payment id"}, nil
	}
	api, err := c.apisFor(creds)
	if err != nil {
		return nil, err
	}

	p, err := api.payments.Get(ctx, id)
	if err != nil {
		return nil, sdkError("verify_payment", err)
	}
	raw, _ := json.Marshal(p)

	if p.ExternalReference != data.Reference {
		return &acquirer.VerifyResult{Verified: false, FailureReason: "external reference mismatch", Raw: raw}, nil
	}
	if !data.Amount.IsZero() && !decimal.NewFromFloat(p.TransactionAmount).Equal(data.Amount) {
		return &acquirer.VerifyResult{Verified: false, FailureReason: "amount mismatch", Raw: raw}, nil
	}
	if data.Currency != "" && p.CurrencyID != "" && !strings.EqualFold(p.CurrencyID, data.Currency) {
		return &acquirer.VerifyResult{Verified: false, FailureReason: "currency mismatch", Raw: raw}, nil
	}

	return &acquirer.VerifyResult{
		Verified:              true,
		AcquirerStatus:        p.Status,
		AcquirerPaymentID:     strconv.Itoa(p.ID),
		AcquirerTransactionID: p.AuthorizationCode,
		FailureReason:         p.StatusDetail,
		Raw:                   raw,
	}, nil
}

var statusRank = map[string]int{
	"approved":     6,
	"refunded":     6,
	"charged_back": 6,
	"authorized":   5,
	"in_process":   4,
	"in_mediation": 4,
	"pending":      3,
	"rejected":     2,
	"cancelled":    1,
}

func (c *Client) CheckStatus(ctx context.Context, query acquirer.StatusQuery, creds acquirer.Credentials) (*acquirer.StatusResult, error) {
	api, err := c.apisFor(creds)
	if err != nil {
		return nil, err
	}

	if query.AcquirerPaymentID != "" {
		id, err := parseID(query.AcquirerPaymentID)
		if err != nil {
			return nil, err
		}
		p, err := api.payments.Get(ctx, id)
		if err != nil {
			return nil, sdkError("check_status", err)
		}
		return statusFromPayment(p, query.AcquirerOrderID), nil
	}

	if query.Reference == "" {
		return nil, apperror.Validation("mercadopago status: reference is required")
	}
	res, err := api.payments.Search(ctx, payment.SearchRequest{
		Limit: 30,
		Filters: map[string]string{
			"external_reference": query.Reference,
			"sort":               "date_created",
			"criteria":           "desc",
		},
	})
	if err != nil {
		return nil, sdkError("check_status", err)
	}

	var best *payment.Response
	for i := range res.Results {
		p := &res.Results[i]
		if best == nil || statusRank[p.Status] > statusRank[best.Status] {
			best = p
		}
	}
	if best == nil {
		// The customer has not attempted to pay against the preference yet.
		return &acquirer.StatusResult{AcquirerStatus: "pending", AcquirerOrderID: query.AcquirerOrderID}, nil
	}
	return statusFromPayment(best, query.AcquirerOrderID), nil
}

func statusFromPayment(p *payment.Response, orderID string) *acquirer.StatusResult {
	raw, _ := json.Marshal(p)
	return &acquirer.StatusResult{
		AcquirerStatus:        p.Status,
		AcquirerOrderID:       orderID,
		AcquirerPaymentID:     strconv.Itoa(p.ID),
		AcquirerTransactionID: p.AuthorizationCode,
		Raw:                   raw,
	}
}

// ProcessRefund creates a partial refund. The SDK call carries no caller
// idempotency key, so the existing refunds are read first. A gateway total of
// exactly RefundedBefore+Amount whose latest refund is Amount is a retry of a
// refund that went through, and that refund is returned. Any other surplus
// over RefundedBefore was made elsewhere and must be reconciled first.
func (c *Client) ProcessRefund(ctx context.Context, req acquirer.RefundRequest, creds acquirer.Credentials) (*acquirer.RefundResult, error) {
	id, err := parseID(req.AcquirerPaymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperror.ErrRefundFailed, err)
	}
	api, err := c.apisFor(creds)
	if err != nil {
		return nil, err
	}

	existing, err := api.refunds.List(ctx, id)
	if err != nil {
		return nil, refundError(err)
	}
	var (
		total decimal.Decimal
		last  *refund.Response
	)
	for i := range existing {
		r := &existing[i]
		if r.Status == "rejected" || r.Status == "cancelled" {
			continue
		}
		total = total.Add(decimal.NewFromFloat(r.Amount))
		last = r
	}
	if total.GreaterThan(req.RefundedBefore) {
		if last != nil && total.Equal(req.RefundedBefore.Add(req.Amount)) &&
			decimal.NewFromFloat(last.Amount).Equal(req.Amount) {
			raw, _ := json.Marshal(last)
			return &acquirer.RefundResult{
				RefundID: strconv.Itoa(last.ID),
				Status:   last.Status,
				Amount:   decimal.NewFromFloat(last.Amount),
				Raw:      raw,
			}, nil
		}
		return nil, fmt.Errorf("%w: mercadopago holds %s refunded on payment %d, %s recorded; reconcile refunds first",
			apperror.ErrConflict, total.StringFixed(2), id, req.RefundedBefore.StringFixed(2))
	}

	r, err := api.refunds.CreatePartialRefund(ctx, id, req.Amount.InexactFloat64())
	if err != nil {
		return nil, refundError(err)
	}
	if r.Status == "rejected" || r.Status == "cancelled" {
		return nil, &apperror.AcquirerError{
			Acquirer:  models.AcquirerMercadoPago,
			Operation: "refund",
			Code:      "REFUND_" + strings.ToUpper(r.Status),
			Kind:      apperror.ErrRefundFailed,
		}
	}
	raw, _ := json.Marshal(r)
	return &acquirer.RefundResult{
		RefundID: strconv.Itoa(r.ID),
		Status:   r.Status,
		Amount:   decimal.NewFromFloat(r.Amount),
		Raw:      raw,
	}, nil
}

func refundError(err error) error {
	ae := sdkError("refund", err).(*apperror.AcquirerError)
	ae.Kind = apperror.ErrRefundFailed
	return ae
}

func (c *Client) ListRefunds(ctx context.Context, paymentID string, creds acquirer.Credentials) ([]acquirer.RefundRecord, error) {
	if paymentID == "" {
		return nil, nil
	}
	id, err := parseID(paymentID)
	if err != nil {
		return nil, err
	}
	api, err := c.apisFor(creds)
	if err != nil {
		return nil, err
	}
	refunds, err := api.refunds.List(ctx, id)
	if err != nil {
		return nil, sdkError("list_refunds", err)
	}
	records := make([]acquirer.RefundRecord, 0, len(refunds))
	for _, r := range refunds {
		records = append(records, acquirer.RefundRecord{
			RefundID: strconv.Itoa(r.ID),
			Amount:   decimal.NewFromFloat(r.Amount),
			Status:   r.Status,
			Failed:   r.Status == "rejected" || r.Status == "cancelled",
		})
	}
	return records, nil
}

func (c *Client) CapturePayment(ctx context.Context, req acquirer.CaptureRequest, creds acquirer.Credentials) (*acquirer.CaptureResult, error) {
	id, err := parseID(req.AcquirerPaymentID)
	if err != nil {
		return nil, err
	}
	api, err := c.apisFor(creds)
	if err != nil {
		return nil, err
	}
	p, err := api.payments.Capture(ctx, id)
	if err != nil {
		return nil, sdkError("capture", err)
	}
	raw, _ := json.Marshal(p)
	return &acquirer.CaptureResult{
		AcquirerStatus:        p.Status,
		AcquirerTransactionID: p.AuthorizationCode,
		Raw:                   raw,
	}, nil
}

type notification struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// dataID accepts both the string and numeric forms of data.id.
func (n notification) dataID() string {
	raw := strings.TrimSpace(string(n.Data.ID))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(n.Data.ID, &s); err == nil {
		return s
	}
	return raw
}

// HandleWebhook checks x-signature over the id/request-id/ts manifest, then
// fetches the payment so status and reference come from the gateway rather
// than from the notification body.
func (c *Client) HandleWebhook(ctx context.Context, req models.WebhookRequest, creds acquirer.Credentials) (*acquirer.WebhookResult, error) {
	if creds.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: mercadopago webhook secret", apperror.ErrMissingCredentials)
	}

	var n notification
	if len(req.RawBody) > 0 {
		if err := json.Unmarshal(req.RawBody, &n); err != nil {
			return nil, apperror.Validation("mercadopago webhook: malformed body: %v", err)
		}
	}
	dataID := req.Query["data.id"]
	if dataID == "" {
		dataID = n.dataID()
	}
	if n.Type == "" {
		n.Type = req.Query["type"]
	}

	if !validSignature(creds.WebhookSecret, req.Header(SignatureHeader), dataID, req.Header(RequestIDHeader)) {
		return &acquirer.WebhookResult{Verified: false}, nil
	}

	res := &acquirer.WebhookResult{
		Verified: true,
		Event:    n.Action,
		Raw:      json.RawMessage(req.RawBody),
	}
	if res.Event == "" {
		res.Event = n.Type
	}
	if n.Type != "payment" {
		return res, nil
	}

	id, err := parseID(dataID)
	if err != nil {
		return nil, err
	}
	api, err := c.apisFor(creds)
	if err != nil {
		return nil, err
	}
	p, err := api.payments.Get(ctx, id)
	if err != nil {
		return nil, sdkError("webhook_fetch", err)
	}

	res.AcquirerStatus = p.Status
	res.AcquirerPaymentID = strconv.Itoa(p.ID)
	res.VerifiedReference = p.ExternalReference
	res.IsRefundEvent = p.Status == statusRefunded || p.TransactionAmountRefunded > 0
	return res, nil
}
