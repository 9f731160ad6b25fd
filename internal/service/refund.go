package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/telemetry"
)

func refundStatusFor(p *models.Payment, refunded decimal.Decimal) models.PaymentStatus {
	if refunded.Equal(p.Amount) {
		return models.StatusRefunded
	}
	return models.StatusPartialRefund
}

// refundKey is stable for one logical refund: a retry after a lost response
// sends the same key, a later refund of the same amount does not.
func refundKey(p *models.Payment, amount decimal.Decimal) string {
	return fmt.Sprintf("%s:%s:%s", p.Reference, p.RefundedAmount.StringFixed(2), amount.StringFixed(2))
}

// ProcessRefund returns amount to the customer. The cumulative refunded
// amount never exceeds the captured amount.
func (o *Orchestrator) ProcessRefund(ctx context.Context, reference string, amount decimal.Decimal, reason string) (res *models.RefundOutcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "payment.refund", reference, "")
	defer func() { endSpan(span, err) }()

	if !amount.IsPositive() {
		return nil, apperror.ErrInvalidRefundAmount
	}
	if !models.FitsMinorUnit(amount) {
		return nil, fmt.Errorf("%w: %s has more than %d decimal places",
			apperror.ErrInvalidRefundAmount, amount.String(), models.MinorUnitPlaces)
	}

	err = o.withPaymentLock(ctx, reference, func(ctx context.Context) error {
		p, err := o.payments.GetByReference(ctx, reference)
		if err != nil {
			return err
		}
		if !p.Status.IsRefundable() {
			return &apperror.TransitionError{From: string(p.Status), To: string(models.StatusRefunded)}
		}
		if amount.GreaterThan(p.RefundableAmount()) {
			return fmt.Errorf("%w: requested %s, refundable %s",
				apperror.ErrInvalidRefundAmount, amount.StringFixed(2), p.RefundableAmount().StringFixed(2))
		}

		client, creds, err := o.resolve(p.AcquirerCode)
		if err != nil {
			return err
		}

		gctx, cancel := o.gatewayContext(ctx, time.Time{})
		defer cancel()
		start := time.Now()
		refund, err := client.ProcessRefund(gctx, acquirer.RefundRequest{
			Reference:         p.Reference,
			AcquirerPaymentID: p.AcquirerPaymentID,
			Amount:            amount,
			RefundedBefore:    p.RefundedAmount,
			Currency:          p.Currency,
			Reason:            reason,
			IdempotencyKey:    refundKey(p, amount),
		}, creds)
		telemetry.ObserveAcquirerCall(p.AcquirerCode, "refund", start, err)
		if err != nil {
			telemetry.Logger.Error("Refund rejected by acquirer",
				zap.String("reference", p.Reference),
				zap.String("acquirer", p.AcquirerCode),
				zap.String("amount", amount.StringFixed(2)),
				zap.Error(err),
			)
			return err
		}

		total := p.RefundedAmount.Add(amount)
		updated, err := o.applyTransition(ctx, p, refundStatusFor(p, total), models.PaymentUpdate{
			RefundedAmount:      &total,
			RawAcquirerResponse: refund.Raw,
			Refunds: []models.Refund{{
				RefundID: refund.RefundID,
				Amount:   amount,
				Status:   refund.Status,
				Reason:   reason,
			}},
		})
		if err != nil {
			alert(p, "refund_not_recorded",
				zap.String("refund_id", refund.RefundID),
				zap.String("amount", amount.StringFixed(2)),
				zap.Error(err),
			)
			return err
		}

		telemetry.Logger.Info("Refund processed",
			zap.String("reference", p.Reference),
			zap.String("refund_id", refund.RefundID),
			zap.String("amount", amount.StringFixed(2)),
			zap.String("refunded_total", total.StringFixed(2)),
		)
		res = &models.RefundOutcome{
			Reference:      updated.Reference,
			RefundID:       refund.RefundID,
			Status:         updated.Status,
			RefundedAmount: updated.RefundedAmount,
		}
		return nil
	})
	return res, err
}

// ReconcileRefunds brings the stored refunded amount up to what the gateway
// reports, for refunds issued outside this service.
func (o *Orchestrator) ReconcileRefunds(ctx context.Context, reference string) (res *models.RefundOutcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "payment.reconcile_refunds", reference, "")
	defer func() { endSpan(span, err) }()

	err = o.withPaymentLock(ctx, reference, func(ctx context.Context) error {
		p, err := o.payments.GetByReference(ctx, reference)
		if err != nil {
			return err
		}
		res = &models.RefundOutcome{Reference: p.Reference, Status: p.Status, RefundedAmount: p.RefundedAmount}
		if !p.Status.IsRefundable() {
			return nil
		}

		client, creds, err := o.resolve(p.AcquirerCode)
		if err != nil {
			return err
		}
		gctx, cancel := o.gatewayContext(ctx, time.Time{})
		defer cancel()
		start := time.Now()
		records, err := client.ListRefunds(gctx, p.AcquirerPaymentID, creds)
		telemetry.ObserveAcquirerCall(p.AcquirerCode, "list_refunds", start, err)
		if err != nil {
			return err
		}

		total := decimal.Zero
		refunds := make([]models.Refund, 0, len(records))
		for _, r := range records {
			if r.Failed {
				continue
			}
			total = total.Add(r.Amount)
			refunds = append(refunds, models.Refund{RefundID: r.RefundID, Amount: r.Amount, Status: r.Status})
		}
		if total.GreaterThan(p.Amount) {
			alert(p, "refunds_exceed_amount", zap.String("acquirer_refunded", total.StringFixed(2)))
			total = p.Amount
		}
		if !total.GreaterThan(p.RefundedAmount) {
			return nil
		}

		updated, err := o.applyTransition(ctx, p, refundStatusFor(p, total), models.PaymentUpdate{
			RefundedAmount: &total,
			Refunds:        refunds,
		})
		if err != nil {
			return err
		}
		res.Status = updated.Status
		res.RefundedAmount = updated.RefundedAmount
		return nil
	})
	return res, err
}
