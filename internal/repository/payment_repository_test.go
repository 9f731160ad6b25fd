package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := InitDB(context.Background(), db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

func TestPaymentRepositoryPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewPaymentRepository(db)
	bookings := NewBookingRepository(db)

	bookingID := "bk-" + uuid.NewString()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO bookings (id, total_amount, currency, status) VALUES ($1, 1000, 'INR', 'pending')`, bookingID); err != nil {
		t.Fatalf("seed booking: %v", err)
	}

	p := &models.Payment{
		Reference:    "pay_" + uuid.NewString()[:8],
		BookingID:    bookingID,
		Amount:       decimal.NewFromInt(1000),
		Currency:     "INR",
		AcquirerCode: models.AcquirerRazorpay,
		Status:       models.StatusCreated,
		ExpiresAt:    time.Now().Add(15 * time.Minute),
	}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	second := *p
	second.Reference = "pay_" + uuid.NewString()[:8]
	if err := repo.Create(ctx, &second); !errors.Is(err, apperror.ErrPaymentInFlight) {
		t.Fatalf("expected ErrPaymentInFlight, got %v", err)
	}

	updated, err := repo.ApplyTransition(ctx, models.PaymentUpdate{
		Reference:       p.Reference,
		FromStatus:      models.StatusCreated,
		ToStatus:        models.StatusPending,
		Version:         p.Version,
		AcquirerOrderID: "order_" + p.Reference,
		BookingID:       bookingID,
		BookingStatus:   models.BookingPaymentInitiated,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.Status != models.StatusPending || updated.Version != p.Version+1 {
		t.Fatalf("unexpected payment %+v", updated)
	}

	if _, err := repo.ApplyTransition(ctx, models.PaymentUpdate{
		Reference: p.Reference, FromStatus: models.StatusCreated, ToStatus: models.StatusFailed, Version: p.Version,
	}); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}

	found, err := repo.FindByAcquirerID(ctx, models.AcquirerRazorpay, "order_"+p.Reference, "")
	if err != nil || found.Reference != p.Reference {
		t.Fatalf("lookup by order id: %+v %v", found, err)
	}

	b, err := bookings.GetBooking(ctx, bookingID)
	if err != nil || b.Status != models.BookingPaymentInitiated {
		t.Fatalf("expected booking payment_initiated, got %+v %v", b, err)
	}
}
