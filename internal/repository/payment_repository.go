package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
)

const inFlightConstraint = "uniq_payments_booking_in_flight"

// ErrStaleWrite means the row changed between read and write.
var ErrStaleWrite = fmt.Errorf("%w: stale payment version", apperror.ErrConcurrentUpdate)

const paymentColumns = `reference, booking_id, amount, currency, acquirer_code, status,
	COALESCE(acquirer_order_id, ''), COALESCE(acquirer_payment_id, ''), COALESCE(acquirer_transaction_id, ''),
	refunded_amount, expires_at, raw_acquirer_response, webhook_data, version, created_at, updated_at`

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p       models.Payment
		status  string
		raw     []byte
		webhook []byte
	)
	err := row.Scan(&p.Reference, &p.BookingID, &p.Amount, &p.Currency, &p.AcquirerCode, &status,
		&p.AcquirerOrderID, &p.AcquirerPaymentID, &p.AcquirerTransactionID,
		&p.RefundedAmount, &p.ExpiresAt, &raw, &webhook, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = models.PaymentStatus(status)
	p.RawAcquirerResponse = raw
	p.WebhookData = webhook
	return &p, nil
}

// nullJSON keeps empty payloads as SQL NULL; pq would send []byte as bytea.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO payments (reference, booking_id, amount, currency, acquirer_code, status,
			refunded_amount, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		RETURNING version, created_at, updated_at
	`, p.Reference, p.BookingID, p.Amount, p.Currency, p.AcquirerCode, string(p.Status),
		p.RefundedAmount, p.ExpiresAt,
	).Scan(&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if pqErr.Constraint == inFlightConstraint {
				return apperror.ErrPaymentInFlight
			}
			return fmt.Errorf("%w: payment %s already exists", apperror.ErrConflict, p.Reference)
		}
		return err
	}
	return nil
}

func (r *PaymentRepository) GetByReference(ctx context.Context, reference string) (*models.Payment, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrPaymentNotFound
	}
	return p, err
}

func (r *PaymentRepository) FindByAcquirerID(ctx context.Context, acquirerCode, orderID, paymentID string) (*models.Payment, error) {
	if orderID == "" && paymentID == "" {
		return nil, apperror.ErrPaymentNotFound
	}
	p, err := scanPayment(r.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE acquirer_code = $1
		  AND (($2 <> '' AND acquirer_order_id = $2) OR ($3 <> '' AND acquirer_payment_id = $3))
		ORDER BY created_at DESC
		LIMIT 1
	`, acquirerCode, orderID, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrPaymentNotFound
	}
	return p, err
}

func (r *PaymentRepository) FindInFlightByBooking(ctx context.Context, bookingID string) (*models.Payment, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE booking_id = $1 AND status IN ('CREATED', 'PENDING', 'PROCESSING')
		LIMIT 1
	`, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ApplyTransition runs the compare-and-set, the booking status update and
// the refund inserts in one transaction.
func (r *PaymentRepository) ApplyTransition(ctx context.Context, u models.PaymentUpdate) (*models.Payment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var refunded any
	if u.RefundedAmount != nil {
		refunded = *u.RefundedAmount
	}

	p, err := scanPayment(tx.QueryRowContext(ctx, `
		UPDATE payments SET
			status = $1,
			acquirer_order_id = COALESCE(acquirer_order_id, $2),
			acquirer_payment_id = COALESCE(acquirer_payment_id, $3),
			acquirer_transaction_id = COALESCE(acquirer_transaction_id, $4),
			refunded_amount = COALESCE($5::numeric, refunded_amount),
			raw_acquirer_response = COALESCE($6::jsonb, raw_acquirer_response),
			webhook_data = COALESCE($7::jsonb, webhook_data),
			version = version + 1,
			updated_at = NOW()
		WHERE reference = $8 AND status = $9 AND version = $10
		RETURNING `+paymentColumns,
		string(u.ToStatus), nullString(u.AcquirerOrderID), nullString(u.AcquirerPaymentID), nullString(u.AcquirerTransactionID),
		refunded, nullJSON(u.RawAcquirerResponse), nullJSON(u.WebhookData),
		u.Reference, string(u.FromStatus), u.Version,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStaleWrite
	}
	if err != nil {
		return nil, err
	}

	if u.BookingStatus != "" && u.BookingID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE bookings SET status = $1, updated_at = NOW() WHERE id = $2`,
			string(u.BookingStatus), u.BookingID); err != nil {
			return nil, fmt.Errorf("update booking status: %w", err)
		}
	}

	for _, rf := range u.Refunds {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payment_refunds (acquirer_code, refund_id, reference, amount, status, reason)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (acquirer_code, refund_id) DO UPDATE SET status = EXCLUDED.status
		`, p.AcquirerCode, rf.RefundID, u.Reference, rf.Amount, rf.Status, nullString(rf.Reason)); err != nil {
			return nil, fmt.Errorf("record refund: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PaymentRepository) ListExpiredInFlight(ctx context.Context, before time.Time, limit int) ([]models.Payment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status IN ('CREATED', 'PENDING', 'PROCESSING') AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PaymentRepository) ListRefunds(ctx context.Context, reference string) ([]models.Refund, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT refund_id, reference, amount, status, COALESCE(reason, ''), created_at
		FROM payment_refunds WHERE reference = $1 ORDER BY created_at
	`, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Refund
	for rows.Next() {
		var rf models.Refund
		if err := rows.Scan(&rf.RefundID, &rf.Reference, &rf.Amount, &rf.Status, &rf.Reason, &rf.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}

type BookingRepository struct {
	db *sql.DB
}

func NewBookingRepository(db *sql.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

func (r *BookingRepository) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	var (
		b      models.Booking
		status string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, total_amount, currency, status FROM bookings WHERE id = $1`, bookingID,
	).Scan(&b.ID, &b.TotalAmount, &b.Currency, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = models.BookingStatus(strings.ToLower(status))
	return &b, nil
}

type StatusMappingRepository struct {
	db *sql.DB
}

func NewStatusMappingRepository(db *sql.DB) *StatusMappingRepository {
	return &StatusMappingRepository{db: db}
}

func (r *StatusMappingRepository) ListActive(ctx context.Context, acquirerCode string) ([]models.StatusMapping, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT acquirer_code, acquirer_status, canonical_status, active, created_at, updated_at
		FROM acquirer_status_mappings
		WHERE acquirer_code = $1 AND active
	`, strings.ToLower(acquirerCode))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StatusMapping
	for rows.Next() {
		var (
			m         models.StatusMapping
			canonical string
		)
		if err := rows.Scan(&m.AcquirerCode, &m.AcquirerStatus, &canonical, &m.Active, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Canonical = models.PaymentStatus(canonical)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *StatusMappingRepository) Upsert(ctx context.Context, m models.StatusMapping) (*models.StatusMapping, error) {
	var (
		out       models.StatusMapping
		canonical string
	)
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO acquirer_status_mappings (acquirer_code, acquirer_status, canonical_status, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (acquirer_code, acquirer_status) DO UPDATE SET
			canonical_status = EXCLUDED.canonical_status,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING acquirer_code, acquirer_status, canonical_status, active, created_at, updated_at
	`, strings.ToLower(m.AcquirerCode), strings.ToLower(m.AcquirerStatus), string(m.Canonical), m.Active,
	).Scan(&out.AcquirerCode, &out.AcquirerStatus, &canonical, &out.Active, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	out.Canonical = models.PaymentStatus(canonical)
	return &out, nil
}
