package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/lock"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/telemetry"
)

// Initiate starts a payment for a booking with the chosen gateway. At most
// one payment per booking is in flight; an expired one is failed first.
func (o *Orchestrator) Initiate(ctx context.Context, req models.InitiateRequest) (res *models.InitiateResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "payment.initiate", "", req.Acquirer)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(req.BookingID) == "" {
		return nil, apperror.Validation("booking_id is required")
	}
	if strings.TrimSpace(req.Acquirer) == "" {
		return nil, apperror.Validation("acquirer is required")
	}

	client, creds, err := o.resolve(req.Acquirer)
	if err != nil {
		return nil, err
	}

	booking, err := o.bookings.GetBooking(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	if !booking.Status.IsPayable() {
		return nil, apperror.ErrBookingNotPayable
	}
	if !booking.TotalAmount.IsPositive() {
		return nil, apperror.Validation("booking %s has no amount to pay", booking.ID)
	}
	if !models.FitsMinorUnit(booking.TotalAmount) {
		return nil, apperror.Validation("booking %s amount %s is finer than the currency unit", booking.ID, booking.TotalAmount.String())
	}

	var payment *models.Payment
	err = o.withLock(ctx, lock.BookingKey(booking.ID), func(ctx context.Context) error {
		if err := o.releaseExpiredAttempt(ctx, booking.ID); err != nil {
			return err
		}
		payment = &models.Payment{
			Reference:      newReference(),
			BookingID:      booking.ID,
			Amount:         booking.TotalAmount,
			Currency:       strings.ToUpper(booking.Currency),
			AcquirerCode:   client.Code(),
			Status:         models.StatusCreated,
			RefundedAmount: decimal.Zero,
			ExpiresAt:      o.now().Add(o.opts.PaymentExpiry),
		}
		return o.payments.Create(ctx, payment)
	})
	if err != nil {
		return nil, err
	}

	telemetry.Logger.Info("Payment created",
		zap.String("reference", payment.Reference),
		zap.String("booking_id", payment.BookingID),
		zap.String("acquirer", payment.AcquirerCode),
		zap.String("amount", payment.Amount.StringFixed(2)),
		zap.String("currency", payment.Currency),
	)

	err = o.withPaymentLock(ctx, payment.Reference, func(ctx context.Context) error {
		res, err = o.createOrder(ctx, client, creds, payment, req)
		return err
	})
	return res, err
}

// releaseExpiredAttempt fails the booking's in-flight payment if it has
// expired and reports ErrPaymentInFlight if it has not.
func (o *Orchestrator) releaseExpiredAttempt(ctx context.Context, bookingID string) error {
	existing, err := o.payments.FindInFlightByBooking(ctx, bookingID)
	if err != nil || existing == nil {
		return err
	}
	if !existing.IsExpired(o.now()) {
		return apperror.ErrPaymentInFlight
	}
	return o.withPaymentLock(ctx, existing.Reference, func(ctx context.Context) error {
		current, err := o.payments.GetByReference(ctx, existing.Reference)
		if err != nil {
			return err
		}
		if !current.Status.IsInFlight() {
			return nil
		}
		_, err = o.applyTransition(ctx, current, models.StatusFailed, models.PaymentUpdate{})
		return err
	})
}

func (o *Orchestrator) createOrder(ctx context.Context, client acquirer.Client, creds acquirer.Credentials, p *models.Payment, req models.InitiateRequest) (*models.InitiateResult, error) {
	gctx, cancel := o.gatewayContext(ctx, p.ExpiresAt)
	defer cancel()

	start := time.Now()
	order, err := client.CreateOrder(gctx, acquirer.OrderIntent{
		Reference:       p.Reference,
		BookingID:       p.BookingID,
		Amount:          p.Amount,
		Currency:        p.Currency,
		Customer:        req.Customer,
		ReturnURL:       req.ReturnURL,
		NotificationURL: o.opts.NotificationURLs[p.AcquirerCode],
		Description:     fmt.Sprintf("Flight booking %s", p.BookingID),
		ExpiresAt:       p.ExpiresAt,
	}, creds)
	telemetry.ObserveAcquirerCall(p.AcquirerCode, "create_order", start, err)
	if err != nil {
		telemetry.Logger.Error("Acquirer order creation failed",
			zap.String("reference", p.Reference),
			zap.String("booking_id", p.BookingID),
			zap.String("acquirer", p.AcquirerCode),
			zap.Error(err),
		)
		if _, terr := o.applyTransition(ctx, p, models.StatusFailed, models.PaymentUpdate{}); terr != nil {
			telemetry.Logger.Error("Failed to mark payment failed",
				zap.String("reference", p.Reference),
				zap.Error(terr),
			)
		}
		return nil, err
	}

	if _, err := o.applyTransition(ctx, p, models.StatusPending, models.PaymentUpdate{
		AcquirerOrderID:     order.AcquirerOrderID,
		RawAcquirerResponse: order.Raw,
	}); err != nil {
		// The order exists at the gateway; the sweeper finds it by reference.
		return nil, fmt.Errorf("record acquirer order: %w", err)
	}

	return &models.InitiateResult{
		Reference:       p.Reference,
		CheckoutURL:     order.CheckoutURL,
		CheckoutPayload: order.CheckoutPayload,
		ExpiresAt:       p.ExpiresAt,
	}, nil
}
