package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
)

//go:generate mockgen -source=repositories.go -destination=mocks/mock_repositories.go -package=mocks

// PaymentRepository defines the contract for payment data access.
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByReference(ctx context.Context, reference string) (*models.Payment, error)
	// FindByAcquirerID matches on the gateway order id or payment id. Empty
	// ids never match.
	FindByAcquirerID(ctx context.Context, acquirerCode, orderID, paymentID string) (*models.Payment, error)
	// FindInFlightByBooking returns nil, nil when the booking has no
	// CREATED/PENDING/PROCESSING payment.
	FindInFlightByBooking(ctx context.Context, bookingID string) (*models.Payment, error)
	// ApplyTransition is a compare-and-set on (status, version). The booking
	// status in the update, if any, is written atomically with it.
	ApplyTransition(ctx context.Context, update models.PaymentUpdate) (*models.Payment, error)
	ListExpiredInFlight(ctx context.Context, before time.Time, limit int) ([]models.Payment, error)
	ListRefunds(ctx context.Context, reference string) ([]models.Refund, error)
}

type BookingReader interface {
	GetBooking(ctx context.Context, bookingID string) (*models.Booking, error)
}

type StatusMappingRepository interface {
	ListActive(ctx context.Context, acquirerCode string) ([]models.StatusMapping, error)
	Upsert(ctx context.Context, mapping models.StatusMapping) (*models.StatusMapping, error)
}

// Locker serializes work on one key across goroutines or instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

type EventPublisher interface {
	PublishStatusChanged(ctx context.Context, event models.StatusChangedEvent) error
}
