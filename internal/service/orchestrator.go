package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/interfaces"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/lock"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/telemetry"
)

// Deps are the collaborators of the Orchestrator. All are required except
// Publisher, which defaults to dropping events.
type Deps struct {
	Payments    interfaces.PaymentRepository
	Bookings    interfaces.BookingReader
	Acquirers   *acquirer.Registry
	Credentials acquirer.CredentialStore
	Mapper      *StatusMapper
	Locker      interfaces.Locker
	Publisher   interfaces.EventPublisher
}

type Options struct {
	PaymentExpiry  time.Duration
	LockTTL        time.Duration
	GatewayTimeout time.Duration
	// NotificationURLs holds the webhook URL to hand each gateway, by code.
	NotificationURLs map[string]string
}

func (o Options) withDefaults() Options {
	if o.PaymentExpiry <= 0 {
		o.PaymentExpiry = 15 * time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.GatewayTimeout <= 0 {
		o.GatewayTimeout = 20 * time.Second
	}
	return o
}

// Orchestrator drives payments through their lifecycle. Every
// read-modify-write of a payment happens under the payment's lock and ends
// in a compare-and-set write.
type Orchestrator struct {
	payments    interfaces.PaymentRepository
	bookings    interfaces.BookingReader
	acquirers   *acquirer.Registry
	credentials acquirer.CredentialStore
	mapper      *StatusMapper
	locker      interfaces.Locker
	publisher   interfaces.EventPublisher
	opts        Options
	now         func() time.Time
}

var _ interfaces.PaymentService = (*Orchestrator)(nil)

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &Orchestrator{
		payments:    deps.Payments,
		bookings:    deps.Bookings,
		acquirers:   deps.Acquirers,
		credentials: deps.Credentials,
		mapper:      deps.Mapper,
		locker:      deps.Locker,
		publisher:   publisher,
		opts:        opts.withDefaults(),
		now:         time.Now,
	}
}

type noopPublisher struct{}

func (noopPublisher) PublishStatusChanged(context.Context, models.StatusChangedEvent) error { return nil }

func newReference() string {
	return "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (o *Orchestrator) Get(ctx context.Context, reference string) (*models.Payment, error) {
	p, err := o.load(ctx, reference)
	if err != nil {
		return nil, err
	}
	refunds, err := o.payments.ListRefunds(ctx, p.Reference)
	if err != nil {
		return nil, err
	}
	p.Refunds = refunds
	return p, nil
}

func (o *Orchestrator) load(ctx context.Context, reference string) (*models.Payment, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, apperror.Validation("reference is required")
	}
	return o.payments.GetByReference(ctx, reference)
}

// resolve returns the client and credentials a payment is bound to.
func (o *Orchestrator) resolve(code string) (acquirer.Client, acquirer.Credentials, error) {
	client, err := o.acquirers.Resolve(code)
	if err != nil {
		return nil, acquirer.Credentials{}, err
	}
	creds, err := o.credentials.Credentials(client.Code())
	if err != nil {
		return nil, acquirer.Credentials{}, err
	}
	return client, creds, nil
}

// withPaymentLock runs fn while holding the lock for reference. Waiting for
// the lock is bounded by the lock TTL.
func (o *Orchestrator) withPaymentLock(ctx context.Context, reference string, fn func(ctx context.Context) error) error {
	return o.withLock(ctx, lock.PaymentKey(reference), fn)
}

func (o *Orchestrator) withLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	waitCtx, cancel := context.WithTimeout(ctx, o.opts.LockTTL)
	release, err := o.locker.Acquire(waitCtx, key, o.opts.LockTTL)
	cancel()
	if err != nil {
		if errors.Is(err, apperror.ErrBusy) {
			return err
		}
		return fmt.Errorf("%w: %v", apperror.ErrBusy, err)
	}
	defer release()
	return fn(ctx)
}

func bookingStatusFor(to models.PaymentStatus) models.BookingStatus {
	switch to {
	case models.StatusPending:
		return models.BookingPaymentInitiated
	case models.StatusSuccess:
		return models.BookingConfirmed
	case models.StatusFailed, models.StatusCancelled:
		return models.BookingPaymentFailed
	}
	return ""
}

// applyTransition validates p.Status -> to, writes it together with the
// booking side effect, then records and publishes the change. Callers hold
// the payment lock and pass the payment as they read it under that lock.
func (o *Orchestrator) applyTransition(ctx context.Context, p *models.Payment, to models.PaymentStatus, u models.PaymentUpdate) (*models.Payment, error) {
	if err := models.ValidateTransition(p.Status, to); err != nil {
		return nil, err
	}

	u.Reference = p.Reference
	u.FromStatus = p.Status
	u.ToStatus = to
	u.Version = p.Version
	u.BookingID = p.BookingID
	if u.BookingStatus == "" {
		u.BookingStatus = bookingStatusFor(to)
	}

	updated, err := o.payments.ApplyTransition(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("apply %s -> %s on %s: %w", p.Status, to, p.Reference, err)
	}

	telemetry.RecordTransition(p.AcquirerCode, string(p.Status), string(to))
	telemetry.Logger.Info("Payment status transition",
		zap.String("reference", p.Reference),
		zap.String("booking_id", p.BookingID),
		zap.String("acquirer", p.AcquirerCode),
		zap.String("from_status", string(p.Status)),
		zap.String("to_status", string(to)),
	)

	event := models.StatusChangedEvent{
		Reference:      updated.Reference,
		BookingID:      updated.BookingID,
		Acquirer:       updated.AcquirerCode,
		From:           p.Status,
		To:             to,
		Amount:         updated.Amount,
		RefundedAmount: updated.RefundedAmount,
		Currency:       updated.Currency,
		Timestamp:      o.now().UTC(),
	}
	if err := o.publisher.PublishStatusChanged(ctx, event); err != nil {
		telemetry.Logger.Error("Failed to publish status change",
			zap.String("reference", p.Reference),
			zap.String("to_status", string(to)),
			zap.Error(err),
		)
	}
	return updated, nil
}

// gatewayContext bounds a gateway call by the configured timeout and, when
// set, the payment's expiry.
func (o *Orchestrator) gatewayContext(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.GatewayTimeout)
	if deadline.IsZero() {
		return ctx, cancel
	}
	dctx, dcancel := context.WithDeadline(ctx, deadline)
	return dctx, func() {
		dcancel()
		cancel()
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func alert(p *models.Payment, reason string, fields ...zap.Field) {
	telemetry.RecordReconciliationAlert(p.AcquirerCode, reason)
	base := []zap.Field{
		zap.String("reference", p.Reference),
		zap.String("booking_id", p.BookingID),
		zap.String("acquirer", p.AcquirerCode),
		zap.String("status", string(p.Status)),
		zap.String("reason", reason),
	}
	telemetry.Logger.Warn("Payment needs reconciliation", append(base, fields...)...)
}

// attemptFailed reports whether a FAILED gateway report belongs to a single
// checkout attempt. Both gateways let the customer retry on the same order
// until it expires, so such a report leaves the payment open.
func (o *Orchestrator) attemptFailed(p *models.Payment, target models.PaymentStatus) bool {
	return target == models.StatusFailed && p.Status.IsInFlight() && !p.IsExpired(o.now())
}

func recordAttemptFailure(p *models.Payment, source, acquirerStatus, acquirerPaymentID string) {
	telemetry.RecordAttemptFailure(p.AcquirerCode, source)
	telemetry.Logger.Info("Gateway attempt failed, payment stays open",
		zap.String("reference", p.Reference),
		zap.String("acquirer", p.AcquirerCode),
		zap.String("source", source),
		zap.String("status", string(p.Status)),
		zap.String("acquirer_status", acquirerStatus),
		zap.String("acquirer_payment_id", acquirerPaymentID),
		zap.Time("expires_at", p.ExpiresAt),
	)
}
