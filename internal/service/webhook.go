package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/telemetry"
)

// HandleWebhook verifies a gateway notification and applies the status it
// reports. Duplicates, unknown payments and out-of-order events are reported
// in the outcome, not as errors.
func (o *Orchestrator) HandleWebhook(ctx context.Context, acquirerCode string, req models.WebhookRequest) (res *models.WebhookOutcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "payment.webhook", "", acquirerCode)
	defer func() { endSpan(span, err) }()

	client, creds, err := o.resolve(acquirerCode)
	if err != nil {
		return nil, err
	}
	code := client.Code()

	gctx, cancel := o.gatewayContext(ctx, time.Time{})
	defer cancel()
	start := time.Now()
	hook, err := client.HandleWebhook(gctx, req, creds)
	telemetry.ObserveAcquirerCall(code, "webhook", start, err)
	if err != nil {
		telemetry.RecordWebhook(code, "error")
		return nil, err
	}
	if !hook.Verified {
		telemetry.RecordWebhook(code, "invalid_signature")
		telemetry.Logger.Warn("Webhook signature invalid", zap.String("acquirer", code), zap.String("event", hook.Event))
		return nil, apperror.ErrSignatureInvalid
	}

	p, err := o.locateWebhookPayment(ctx, code, hook)
	if errors.Is(err, apperror.ErrPaymentNotFound) {
		telemetry.RecordWebhook(code, "orphaned")
		telemetry.Logger.Warn("Webhook for unknown payment",
			zap.String("acquirer", code),
			zap.String("event", hook.Event),
			zap.String("acquirer_order_id", hook.AcquirerOrderID),
			zap.String("acquirer_payment_id", hook.AcquirerPaymentID),
		)
		return &models.WebhookOutcome{Orphaned: true}, nil
	}
	if err != nil {
		telemetry.RecordWebhook(code, "error")
		return nil, err
	}

	if hook.AcquirerStatus == "" && !hook.IsRefundEvent {
		telemetry.RecordWebhook(code, "ignored")
		return &models.WebhookOutcome{Reference: p.Reference, Status: p.Status, Ignored: true}, nil
	}

	target := o.mapper.Resolve(ctx, code, hook.AcquirerStatus)
	if hook.IsRefundEvent || target == models.StatusRefunded || target == models.StatusPartialRefund {
		refunds, err := o.ReconcileRefunds(ctx, p.Reference)
		if err != nil {
			telemetry.RecordWebhook(code, "error")
			return nil, err
		}
		telemetry.RecordWebhook(code, "refund")
		return &models.WebhookOutcome{Reference: p.Reference, Status: refunds.Status}, nil
	}

	err = o.withPaymentLock(ctx, p.Reference, func(ctx context.Context) error {
		current, err := o.payments.GetByReference(ctx, p.Reference)
		if err != nil {
			return err
		}
		res, err = o.applyWebhookLocked(ctx, current, target, hook)
		return err
	})
	if err != nil {
		telemetry.RecordWebhook(code, "error")
		return nil, err
	}
	switch {
	case res.AttemptFailed:
		telemetry.RecordWebhook(code, "attempt_failed")
	case res.Duplicate:
		telemetry.RecordWebhook(code, "duplicate")
	case res.Ignored:
		telemetry.RecordWebhook(code, "ignored")
	default:
		telemetry.RecordWebhook(code, "applied")
	}
	return res, nil
}

// locateWebhookPayment finds the payment by gateway ids, or by the reference
// the gateway itself returned on a server-side lookup.
func (o *Orchestrator) locateWebhookPayment(ctx context.Context, code string, hook *acquirer.WebhookResult) (*models.Payment, error) {
	p, err := o.payments.FindByAcquirerID(ctx, code, hook.AcquirerOrderID, hook.AcquirerPaymentID)
	if err == nil || !errors.Is(err, apperror.ErrPaymentNotFound) || hook.VerifiedReference == "" {
		return p, err
	}
	p, err = o.payments.GetByReference(ctx, hook.VerifiedReference)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(p.AcquirerCode, code) {
		return nil, apperror.ErrPaymentNotFound
	}
	return p, nil
}

func (o *Orchestrator) applyWebhookLocked(ctx context.Context, p *models.Payment, target models.PaymentStatus, hook *acquirer.WebhookResult) (*models.WebhookOutcome, error) {
	outcome := &models.WebhookOutcome{Reference: p.Reference, Status: p.Status}

	if target == models.StatusUnmapped {
		alert(p, "unmapped_status", zap.String("acquirer_status", hook.AcquirerStatus))
		outcome.Ignored = true
		return outcome, nil
	}
	if o.attemptFailed(p, target) {
		recordAttemptFailure(p, "webhook", hook.AcquirerStatus, hook.AcquirerPaymentID)
		outcome.AttemptFailed = true
		return outcome, nil
	}
	if target == p.Status {
		telemetry.Logger.Debug("Duplicate webhook",
			zap.String("reference", p.Reference),
			zap.String("event", hook.Event),
		)
		outcome.Duplicate = true
		return outcome, nil
	}
	if !models.CanTransition(p.Status, target) {
		alert(p, "illegal_transition",
			zap.String("event", hook.Event),
			zap.String("acquirer_status", hook.AcquirerStatus),
			zap.String("to_status", string(target)),
		)
		outcome.Ignored = true
		return outcome, nil
	}

	updated, err := o.applyTransition(ctx, p, target, models.PaymentUpdate{
		AcquirerOrderID:   hook.AcquirerOrderID,
		AcquirerPaymentID: hook.AcquirerPaymentID,
		WebhookData:       hook.Raw,
	})
	if err != nil {
		return nil, err
	}
	outcome.Status = updated.Status
	return outcome, nil
}
