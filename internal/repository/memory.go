package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
)

// MemoryStore keeps payments, bookings and status mappings in process. It
// honors the same compare-and-set and in-flight rules as Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]models.Payment
	bookings map[string]models.Booking
	refunds  map[string][]models.Refund
	mappings map[string]models.StatusMapping
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]models.Payment),
		bookings: make(map[string]models.Booking),
		refunds:  make(map[string][]models.Refund),
		mappings: make(map[string]models.StatusMapping),
		now:      time.Now,
	}
}

// SaveBooking inserts or replaces a booking.
func (s *MemoryStore) SaveBooking(b models.Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings[b.ID] = b
}

func (s *MemoryStore) GetBooking(_ context.Context, bookingID string) (*models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[bookingID]
	if !ok {
		return nil, apperror.ErrBookingNotFound
	}
	return &b, nil
}

func clonePayment(p models.Payment) *models.Payment {
	p.RawAcquirerResponse = append([]byte(nil), p.RawAcquirerResponse...)
	p.WebhookData = append([]byte(nil), p.WebhookData...)
	return &p
}

func (s *MemoryStore) Create(_ context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[p.Reference]; exists {
		return fmt.Errorf("%w: payment %s already exists", apperror.ErrConflict, p.Reference)
	}
	for _, existing := range s.payments {
		if existing.BookingID == p.BookingID && existing.Status.IsInFlight() {
			return apperror.ErrPaymentInFlight
		}
	}
	now := s.now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	s.payments[p.Reference] = *clonePayment(*p)
	return nil
}

func (s *MemoryStore) GetByReference(_ context.Context, reference string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[reference]
	if !ok {
		return nil, apperror.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (s *MemoryStore) FindByAcquirerID(_ context.Context, acquirerCode, orderID, paymentID string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Payment
	for _, p := range s.payments {
		if !strings.EqualFold(p.AcquirerCode, acquirerCode) {
			continue
		}
		if (orderID != "" && p.AcquirerOrderID == orderID) || (paymentID != "" && p.AcquirerPaymentID == paymentID) {
			if found == nil || p.CreatedAt.After(found.CreatedAt) {
				found = clonePayment(p)
			}
		}
	}
	if found == nil {
		return nil, apperror.ErrPaymentNotFound
	}
	return found, nil
}

func (s *MemoryStore) FindInFlightByBooking(_ context.Context, bookingID string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.payments {
		if p.BookingID == bookingID && p.Status.IsInFlight() {
			return clonePayment(p), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ApplyTransition(_ context.Context, u models.PaymentUpdate) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[u.Reference]
	if !ok {
		return nil, apperror.ErrPaymentNotFound
	}
	if p.Status != u.FromStatus || p.Version != u.Version {
		return nil, ErrStaleWrite
	}
	if u.RefundedAmount != nil && (u.RefundedAmount.IsNegative() || u.RefundedAmount.GreaterThan(p.Amount)) {
		return nil, fmt.Errorf("%w: refunded amount out of range", apperror.ErrValidation)
	}

	p.Status = u.ToStatus
	if p.AcquirerOrderID == "" {
		p.AcquirerOrderID = u.AcquirerOrderID
	}
	if p.AcquirerPaymentID == "" {
		p.AcquirerPaymentID = u.AcquirerPaymentID
	}
	if p.AcquirerTransactionID == "" {
		p.AcquirerTransactionID = u.AcquirerTransactionID
	}
	if u.RefundedAmount != nil {
		p.RefundedAmount = *u.RefundedAmount
	}
	if len(u.RawAcquirerResponse) > 0 {
		p.RawAcquirerResponse = u.RawAcquirerResponse
	}
	if len(u.WebhookData) > 0 {
		p.WebhookData = u.WebhookData
	}
	p.Version++
	p.UpdatedAt = s.now()
	s.payments[p.Reference] = *clonePayment(p)

	if u.BookingStatus != "" {
		if b, ok := s.bookings[u.BookingID]; ok {
			b.Status = u.BookingStatus
			s.bookings[b.ID] = b
		}
	}
	for _, rf := range u.Refunds {
		rf.Reference = u.Reference
		if rf.CreatedAt.IsZero() {
			rf.CreatedAt = s.now()
		}
		s.refunds[u.Reference] = upsertRefund(s.refunds[u.Reference], rf)
	}
	return clonePayment(p), nil
}

func upsertRefund(list []models.Refund, rf models.Refund) []models.Refund {
	for i := range list {
		if list[i].RefundID == rf.RefundID {
			list[i].Status = rf.Status
			return list
		}
	}
	return append(list, rf)
}

func (s *MemoryStore) ListExpiredInFlight(_ context.Context, before time.Time, limit int) ([]models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Payment
	for _, p := range s.payments {
		if p.Status.IsInFlight() && p.ExpiresAt.Before(before) {
			out = append(out, *clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListRefunds(_ context.Context, reference string) ([]models.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Refund(nil), s.refunds[reference]...), nil
}

func mappingKey(acquirerCode, acquirerStatus string) string {
	return strings.ToLower(acquirerCode) + "/" + strings.ToLower(acquirerStatus)
}

func (s *MemoryStore) ListActive(_ context.Context, acquirerCode string) ([]models.StatusMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StatusMapping
	for _, m := range s.mappings {
		if m.Active && strings.EqualFold(m.AcquirerCode, acquirerCode) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, m models.StatusMapping) (*models.StatusMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mappingKey(m.AcquirerCode, m.AcquirerStatus)
	now := s.now()
	m.AcquirerCode = strings.ToLower(m.AcquirerCode)
	m.AcquirerStatus = strings.ToLower(m.AcquirerStatus)
	if existing, ok := s.mappings[key]; ok {
		m.CreatedAt = existing.CreatedAt
	} else {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.mappings[key] = m
	return &m, nil
}
