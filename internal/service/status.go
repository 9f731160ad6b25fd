package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/telemetry"
)

func statusResult(p *models.Payment) *models.StatusResult {
	return &models.StatusResult{Reference: p.Reference, Status: p.Status}
}

// VerifyCallback checks a browser callback against the gateway and moves the
// payment accordingly. The stored order id, amount and currency are what the
// gateway report is compared against; the callback body only identifies it.
func (o *Orchestrator) VerifyCallback(ctx context.Context, reference string, data acquirer.CallbackData) (res *models.StatusResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "payment.verify_callback", reference, "")
	defer func() { endSpan(span, err) }()

	err = o.withPaymentLock(ctx, reference, func(ctx context.Context) error {
		p, err := o.payments.GetByReference(ctx, reference)
		if err != nil {
			return err
		}
		res, err = o.verifyLocked(ctx, p, data)
		return err
	})
	return res, err
}

func (o *Orchestrator) verifyLocked(ctx context.Context, p *models.Payment, data acquirer.CallbackData) (*models.StatusResult, error) {
	switch p.Status {
	case models.StatusSuccess, models.StatusPartialRefund, models.StatusRefunded:
		return statusResult(p), nil
	}

	if p.Status.IsInFlight() && p.IsExpired(o.now()) {
		if _, err := o.applyTransition(ctx, p, models.StatusFailed, models.PaymentUpdate{}); err != nil {
			return nil, err
		}
		return nil, apperror.ErrPaymentExpired
	}

	client, creds, err := o.resolve(p.AcquirerCode)
	if err != nil {
		return nil, err
	}

	data.Reference = p.Reference
	data.AcquirerOrderID = p.AcquirerOrderID
	data.Amount = p.Amount
	data.Currency = p.Currency

	gctx, cancel := o.gatewayContext(ctx, time.Time{})
	defer cancel()
	start := time.Now()
	verified, err := client.VerifyPayment(gctx, data, creds)
	telemetry.ObserveAcquirerCall(p.AcquirerCode, "verify_payment", start, err)
	if err != nil {
		return nil, err
	}

	if !verified.Verified {
		telemetry.Logger.Warn("Callback verification failed",
			zap.String("reference", p.Reference),
			zap.String("acquirer", p.AcquirerCode),
			zap.String("reason", verified.FailureReason),
		)
		if p.Status.IsInFlight() {
			if _, err := o.applyTransition(ctx, p, models.StatusFailed, models.PaymentUpdate{
				RawAcquirerResponse: verified.Raw,
			}); err != nil {
				return nil, err
			}
		}
		return nil, apperror.ErrSignatureInvalid
	}

	target := o.mapper.Resolve(ctx, p.AcquirerCode, verified.AcquirerStatus)
	if target == models.StatusUnmapped {
		alert(p, "unmapped_status", zap.String("acquirer_status", verified.AcquirerStatus))
		return statusResult(p), nil
	}
	if o.attemptFailed(p, target) {
		recordAttemptFailure(p, "callback", verified.AcquirerStatus, verified.AcquirerPaymentID)
		return statusResult(p), nil
	}
	if target == p.Status {
		return statusResult(p), nil
	}
	if !models.CanTransition(p.Status, target) {
		// A FAILED or CANCELLED payment the gateway now reports as paid.
		alert(p, "illegal_transition",
			zap.String("acquirer_status", verified.AcquirerStatus),
			zap.String("to_status", string(target)),
		)
		return nil, models.ValidateTransition(p.Status, target)
	}

	updated, err := o.applyTransition(ctx, p, target, models.PaymentUpdate{
		AcquirerPaymentID:     verified.AcquirerPaymentID,
		AcquirerTransactionID: verified.AcquirerTransactionID,
		RawAcquirerResponse:   verified.Raw,
	})
	if err != nil {
		return nil, err
	}
	return statusResult(updated), nil
}

// CheckStatus returns the stored status of settled payments and polls the
// gateway for the rest. Expired payments the gateway has not settled are
// failed; before expiry a failed attempt leaves the payment open.
func (o *Orchestrator) CheckStatus(ctx context.Context, reference string) (res *models.StatusResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "payment.check_status", reference, "")
	defer func() { endSpan(span, err) }()

	p, err := o.load(ctx, reference)
	if err != nil {
		return nil, err
	}
	if p.Status.IsSettled() {
		return statusResult(p), nil
	}

	err = o.withPaymentLock(ctx, reference, func(ctx context.Context) error {
		p, err := o.payments.GetByReference(ctx, reference)
		if err != nil {
			return err
		}
		if p.Status.IsSettled() {
			res = statusResult(p)
			return nil
		}
		res, err = o.pollLocked(ctx, p)
		return err
	})
	return res, err
}

func (o *Orchestrator) pollLocked(ctx context.Context, p *models.Payment) (*models.StatusResult, error) {
	client, creds, err := o.resolve(p.AcquirerCode)
	if err != nil {
		return nil, err
	}
	expired := p.IsExpired(o.now())

	gctx, cancel := o.gatewayContext(ctx, time.Time{})
	defer cancel()
	start := time.Now()
	polled, err := client.CheckStatus(gctx, acquirer.StatusQuery{
		Reference:         p.Reference,
		AcquirerOrderID:   p.AcquirerOrderID,
		AcquirerPaymentID: p.AcquirerPaymentID,
	}, creds)
	telemetry.ObserveAcquirerCall(p.AcquirerCode, "check_status", start, err)
	if err != nil {
		if expired && errors.Is(err, apperror.ErrNotFound) {
			// The gateway never saw an order for this attempt.
			updated, terr := o.applyTransition(ctx, p, models.StatusFailed, models.PaymentUpdate{})
			if terr != nil {
				return nil, terr
			}
			return statusResult(updated), nil
		}
		return nil, err
	}

	target := o.mapper.Resolve(ctx, p.AcquirerCode, polled.AcquirerStatus)
	if target == models.StatusUnmapped {
		alert(p, "unmapped_status", zap.String("acquirer_status", polled.AcquirerStatus))
		return statusResult(p), nil
	}
	// Authorized money stays in PROCESSING past expiry until the gateway
	// settles it one way or the other.
	if expired && target != models.StatusSuccess && target != models.StatusProcessing {
		target = models.StatusFailed
	}
	if o.attemptFailed(p, target) {
		recordAttemptFailure(p, "poll", polled.AcquirerStatus, polled.AcquirerPaymentID)
		return statusResult(p), nil
	}
	if target == p.Status {
		return statusResult(p), nil
	}
	if !models.CanTransition(p.Status, target) {
		alert(p, "illegal_transition",
			zap.String("acquirer_status", polled.AcquirerStatus),
			zap.String("to_status", string(target)),
		)
		return statusResult(p), nil
	}

	updated, err := o.applyTransition(ctx, p, target, models.PaymentUpdate{
		AcquirerOrderID:       polled.AcquirerOrderID,
		AcquirerPaymentID:     polled.AcquirerPaymentID,
		AcquirerTransactionID: polled.AcquirerTransactionID,
		RawAcquirerResponse:   polled.Raw,
	})
	if err != nil {
		return nil, err
	}
	return statusResult(updated), nil
}

// CapturePayment captures an authorized payment at gateways that separate
// authorization from capture.
func (o *Orchestrator) CapturePayment(ctx context.Context, reference string) (res *models.StatusResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "payment.capture", reference, "")
	defer func() { endSpan(span, err) }()

	err = o.withPaymentLock(ctx, reference, func(ctx context.Context) error {
		p, err := o.payments.GetByReference(ctx, reference)
		if err != nil {
			return err
		}
		if p.Status != models.StatusProcessing {
			return &apperror.TransitionError{From: string(p.Status), To: string(models.StatusSuccess)}
		}
		client, creds, err := o.resolve(p.AcquirerCode)
		if err != nil {
			return err
		}

		gctx, cancel := o.gatewayContext(ctx, time.Time{})
		defer cancel()
		start := time.Now()
		captured, err := client.CapturePayment(gctx, acquirer.CaptureRequest{
			Reference:         p.Reference,
			AcquirerPaymentID: p.AcquirerPaymentID,
			Amount:            p.Amount,
			Currency:          p.Currency,
		}, creds)
		telemetry.ObserveAcquirerCall(p.AcquirerCode, "capture", start, err)
		if err != nil {
			return err
		}

		target := o.mapper.Resolve(ctx, p.AcquirerCode, captured.AcquirerStatus)
		if target == p.Status || target == models.StatusUnmapped || !models.CanTransition(p.Status, target) {
			telemetry.Logger.Warn("Capture did not settle the payment",
				zap.String("reference", p.Reference),
				zap.String("acquirer", p.AcquirerCode),
				zap.String("acquirer_status", captured.AcquirerStatus),
			)
			res = statusResult(p)
			return nil
		}
		updated, err := o.applyTransition(ctx, p, target, models.PaymentUpdate{
			AcquirerTransactionID: captured.AcquirerTransactionID,
			RawAcquirerResponse:   captured.Raw,
		})
		if err != nil {
			return err
		}
		res = statusResult(updated)
		return nil
	})
	return res, err
}

// Cancel abandons a payment the customer has not paid yet.
func (o *Orchestrator) Cancel(ctx context.Context, reference string) (res *models.StatusResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "payment.cancel", reference, "")
	defer func() { endSpan(span, err) }()

	err = o.withPaymentLock(ctx, reference, func(ctx context.Context) error {
		p, err := o.payments.GetByReference(ctx, reference)
		if err != nil {
			return err
		}
		if p.Status == models.StatusCancelled {
			res = statusResult(p)
			return nil
		}
		if p.Status != models.StatusCreated && p.Status != models.StatusPending {
			return &apperror.TransitionError{From: string(p.Status), To: string(models.StatusCancelled)}
		}
		updated, err := o.applyTransition(ctx, p, models.StatusCancelled, models.PaymentUpdate{})
		if err != nil {
			return err
		}
		res = statusResult(updated)
		return nil
	})
	return res, err
}
