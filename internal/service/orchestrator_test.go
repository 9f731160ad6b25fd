package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/mock/gomock"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	acqmocks "github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer/mocks"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	mock_interfaces "github.com/akylbek/flight-booking/payment-orchestrator/internal/interfaces/mocks"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/lock"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/repository"
)

type harness struct {
	store  *repository.MemoryStore
	client *acqmocks.MockClient
	orch   *Orchestrator

	mu        sync.Mutex
	published []models.StatusChangedEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)

	h := &harness{
		store:  repository.NewMemoryStore(),
		client: acqmocks.NewMockClient(ctrl),
	}
	h.client.EXPECT().Code().Return(models.AcquirerRazorpay).AnyTimes()

	registry := acquirer.NewRegistry()
	if err := registry.Register(models.AcquirerRazorpay, h.client); err != nil {
		t.Fatalf("register: %v", err)
	}

	publisher := mock_interfaces.NewMockEventPublisher(ctrl)
	publisher.EXPECT().PublishStatusChanged(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e models.StatusChangedEvent) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.published = append(h.published, e)
			return nil
		}).AnyTimes()

	h.orch = NewOrchestrator(Deps{
		Payments:  h.store,
		Bookings:  h.store,
		Acquirers: registry,
		Credentials: acquirer.StaticCredentials{
			models.AcquirerRazorpay: {KeyID: "rzp_test", KeySecret: "secret", WebhookSecret: "whsec"},
		},
		Mapper:    NewStatusMapper(h.store, time.Minute),
		Locker:    lock.NewKeyedMutex(),
		Publisher: publisher,
	}, Options{
		PaymentExpiry:  15 * time.Minute,
		LockTTL:        2 * time.Second,
		GatewayTimeout: 2 * time.Second,
	})
	return h
}

func (h *harness) events() []models.StatusChangedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.StatusChangedEvent(nil), h.published...)
}

func (h *harness) booking(t *testing.T, id string, status models.BookingStatus) {
	t.Helper()
	h.store.SaveBooking(models.Booking{ID: id, TotalAmount: decimal.NewFromInt(1000), Currency: "INR", Status: status})
}

func (h *harness) seed(t *testing.T, status models.PaymentStatus, mutate func(p *models.Payment)) *models.Payment {
	t.Helper()
	p := &models.Payment{
		Reference:       "pay_seed",
		BookingID:       "bk-1",
		Amount:          decimal.NewFromInt(1000),
		Currency:        "INR",
		AcquirerCode:    models.AcquirerRazorpay,
		Status:          status,
		AcquirerOrderID: "order_1",
		ExpiresAt:       time.Now().Add(10 * time.Minute),
	}
	if mutate != nil {
		mutate(p)
	}
	if err := h.store.Create(context.Background(), p); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return p
}

func (h *harness) payment(t *testing.T, reference string) *models.Payment {
	t.Helper()
	p, err := h.store.GetByReference(context.Background(), reference)
	if err != nil {
		t.Fatalf("load payment %s: %v", reference, err)
	}
	return p
}

func (h *harness) bookingStatus(t *testing.T, id string) models.BookingStatus {
	t.Helper()
	b, err := h.store.GetBooking(context.Background(), id)
	if err != nil {
		t.Fatalf("load booking %s: %v", id, err)
	}
	return b.Status
}

func TestInitiate(t *testing.T) {
	ctx := context.Background()
	req := models.InitiateRequest{BookingID: "bk-1", Acquirer: "Razorpay", ReturnURL: "https://app.example/return"}

	t.Run("creates gateway order and moves to pending", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPending)
		h.client.EXPECT().CreateOrder(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, intent acquirer.OrderIntent, creds acquirer.Credentials) (*acquirer.OrderResult, error) {
				if !intent.Amount.Equal(decimal.NewFromInt(1000)) || intent.Currency != "INR" {
					t.Errorf("unexpected intent amount %s %s", intent.Amount, intent.Currency)
				}
				if creds.KeyID != "rzp_test" {
					t.Errorf("unexpected credentials %+v", creds)
				}
				return &acquirer.OrderResult{
					AcquirerOrderID: "order_1",
					CheckoutPayload: map[string]any{"order_id": "order_1"},
					AcquirerStatus:  "created",
				}, nil
			})

		res, err := h.orch.Initiate(ctx, req)
		if err != nil {
			t.Fatalf("initiate: %v", err)
		}
		if res.Reference == "" || res.CheckoutPayload["order_id"] != "order_1" {
			t.Fatalf("unexpected result %+v", res)
		}
		p := h.payment(t, res.Reference)
		if p.Status != models.StatusPending || p.AcquirerOrderID != "order_1" {
			t.Fatalf("unexpected payment %+v", p)
		}
		if got := h.bookingStatus(t, "bk-1"); got != models.BookingPaymentInitiated {
			t.Fatalf("expected booking payment_initiated, got %s", got)
		}
		if evs := h.events(); len(evs) != 1 || evs[0].From != models.StatusCreated || evs[0].To != models.StatusPending {
			t.Fatalf("unexpected events %+v", evs)
		}
	})

	t.Run("gateway failure fails the payment", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPending)
		h.client.EXPECT().CreateOrder(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, apperror.NewAcquirerError("razorpay", "create_order", 400, "BAD_REQUEST_ERROR", "amount invalid"))

		_, err := h.orch.Initiate(ctx, req)
		var ae *apperror.AcquirerError
		if !errors.As(err, &ae) || ae.Code != "BAD_REQUEST_ERROR" {
			t.Fatalf("expected acquirer error, got %v", err)
		}
		if got := h.bookingStatus(t, "bk-1"); got != models.BookingPaymentFailed {
			t.Fatalf("expected booking payment_failed, got %s", got)
		}
		inflight, _ := h.store.FindInFlightByBooking(ctx, "bk-1")
		if inflight != nil {
			t.Fatalf("failed attempt must not stay in flight: %+v", inflight)
		}
	})

	t.Run("second attempt while one is in flight", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPaymentInitiated)
		h.seed(t, models.StatusPending, nil)

		if _, err := h.orch.Initiate(ctx, req); !errors.Is(err, apperror.ErrPaymentInFlight) {
			t.Fatalf("expected ErrPaymentInFlight, got %v", err)
		}
	})

	t.Run("expired attempt is failed and replaced", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPaymentInitiated)
		old := h.seed(t, models.StatusPending, func(p *models.Payment) {
			p.ExpiresAt = time.Now().Add(-time.Minute)
		})
		h.client.EXPECT().CreateOrder(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&acquirer.OrderResult{AcquirerOrderID: "order_2"}, nil)

		res, err := h.orch.Initiate(ctx, req)
		if err != nil {
			t.Fatalf("initiate: %v", err)
		}
		if res.Reference == old.Reference {
			t.Fatalf("expected a fresh reference")
		}
		if got := h.payment(t, old.Reference).Status; got != models.StatusFailed {
			t.Fatalf("expected old attempt FAILED, got %s", got)
		}
	})

	t.Run("booking not payable", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingConfirmed)
		if _, err := h.orch.Initiate(ctx, req); !errors.Is(err, apperror.ErrBookingNotPayable) {
			t.Fatalf("expected ErrBookingNotPayable, got %v", err)
		}
	})

	t.Run("booking amount finer than the currency unit", func(t *testing.T) {
		h := newHarness(t)
		h.store.SaveBooking(models.Booking{ID: "bk-1", TotalAmount: decimal.RequireFromString("100.005"), Currency: "INR", Status: models.BookingPending})
		if _, err := h.orch.Initiate(ctx, req); !errors.Is(err, apperror.ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
		if p, _ := h.store.FindInFlightByBooking(ctx, "bk-1"); p != nil {
			t.Fatalf("no payment expected, got %+v", p)
		}
	})

	t.Run("unknown acquirer", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPending)
		_, err := h.orch.Initiate(ctx, models.InitiateRequest{BookingID: "bk-1", Acquirer: "stripe"})
		if !errors.Is(err, apperror.ErrAcquirerNotFound) {
			t.Fatalf("expected ErrAcquirerNotFound, got %v", err)
		}
	})

	t.Run("unknown booking", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.orch.Initiate(ctx, req); !errors.Is(err, apperror.ErrBookingNotFound) {
			t.Fatalf("expected ErrBookingNotFound, got %v", err)
		}
	})

	t.Run("concurrent attempts create one payment", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPending)
		h.client.EXPECT().CreateOrder(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&acquirer.OrderResult{AcquirerOrderID: "order_1"}, nil).Times(1)

		const n = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			inFlight  int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.orch.Initiate(ctx, req)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, apperror.ErrPaymentInFlight):
					inFlight++
				default:
					t.Errorf("unexpected error %v", err)
				}
			}()
		}
		wg.Wait()
		if succeeded != 1 || inFlight != n-1 {
			t.Fatalf("expected 1 success and %d conflicts, got %d and %d", n-1, succeeded, inFlight)
		}
	})
}

func TestVerifyCallback(t *testing.T) {
	ctx := context.Background()
	callback := acquirer.CallbackData{
		AcquirerOrderID: "order_forged",
		Fields: map[string]string{
			"razorpay_order_id":   "order_1",
			"razorpay_payment_id": "pay_rzp_1",
			"razorpay_signature":  "sig",
		},
	}

	t.Run("verified capture succeeds", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPaymentInitiated)
		p := h.seed(t, models.StatusPending, nil)
		h.client.EXPECT().VerifyPayment(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, data acquirer.CallbackData, _ acquirer.Credentials) (*acquirer.VerifyResult, error) {
				if data.AcquirerOrderID != "order_1" || data.Reference != p.Reference {
					t.Errorf("callback must carry the stored order, got %+v", data)
				}
				if !data.Amount.Equal(p.Amount) || data.Currency != "INR" {
					t.Errorf("callback must carry the stored amount, got %s %s", data.Amount, data.Currency)
				}
				return &acquirer.VerifyResult{Verified: true, AcquirerStatus: "captured", AcquirerPaymentID: "pay_rzp_1"}, nil
			}).Times(1)

		res, err := h.orch.VerifyCallback(ctx, p.Reference, callback)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if res.Status != models.StatusSuccess {
			t.Fatalf("expected SUCCESS, got %s", res.Status)
		}
		stored := h.payment(t, p.Reference)
		if stored.AcquirerPaymentID != "pay_rzp_1" {
			t.Fatalf("expected payment id recorded, got %q", stored.AcquirerPaymentID)
		}
		if got := h.bookingStatus(t, "bk-1"); got != models.BookingConfirmed {
			t.Fatalf("expected booking confirmed, got %s", got)
		}

		again, err := h.orch.VerifyCallback(ctx, p.Reference, callback)
		if err != nil || again.Status != models.StatusSuccess {
			t.Fatalf("repeat callback must be idempotent, got %+v %v", again, err)
		}
		if len(h.events()) != 1 {
			t.Fatalf("expected a single transition, got %+v", h.events())
		}
	})

	t.Run("bad signature fails the payment", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPaymentInitiated)
		p := h.seed(t, models.StatusPending, nil)
		h.client.EXPECT().VerifyPayment(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&acquirer.VerifyResult{Verified: false, FailureReason: "signature mismatch"}, nil)

		_, err := h.orch.VerifyCallback(ctx, p.Reference, callback)
		if !errors.Is(err, apperror.ErrSignatureInvalid) {
			t.Fatalf("expected ErrSignatureInvalid, got %v", err)
		}
		if got := h.payment(t, p.Reference).Status; got != models.StatusFailed {
			t.Fatalf("expected FAILED, got %s", got)
		}
	})

	t.Run("declined attempt keeps payment open", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPaymentInitiated)
		p := h.seed(t, models.StatusPending, nil)
		h.client.EXPECT().VerifyPayment(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&acquirer.VerifyResult{Verified: true, AcquirerStatus: "failed", AcquirerPaymentID: "pay_rzp_1"}, nil)

		res, err := h.orch.VerifyCallback(ctx, p.Reference, callback)
		if err != nil || res.Status != models.StatusPending {
			t.Fatalf("expected PENDING, got %+v %v", res, err)
		}
		if got := h.bookingStatus(t, "bk-1"); got != models.BookingPaymentInitiated {
			t.Fatalf("expected booking payment_initiated, got %s", got)
		}
		if len(h.events()) != 0 {
			t.Fatalf("no event expected, got %+v", h.events())
		}
	})

	t.Run("expired payment fails without asking the gateway", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPaymentInitiated)
		p := h.seed(t, models.StatusPending, func(p *models.Payment) {
			p.ExpiresAt = time.Now().Add(-time.Second)
		})

		_, err := h.orch.VerifyCallback(ctx, p.Reference, callback)
		if !errors.Is(err, apperror.ErrPaymentExpired) || !errors.Is(err, apperror.ErrExpired) {
			t.Fatalf("expected ErrPaymentExpired, got %v", err)
		}
		if got := h.payment(t, p.Reference).Status; got != models.StatusFailed {
			t.Fatalf("expected FAILED, got %s", got)
		}
	})

	t.Run("unmapped gateway status leaves payment untouched", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusPending, nil)
		h.client.EXPECT().VerifyPayment(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&acquirer.VerifyResult{Verified: true, AcquirerStatus: "on_hold"}, nil)

		res, err := h.orch.VerifyCallback(ctx, p.Reference, callback)
		if err != nil || res.Status != models.StatusPending {
			t.Fatalf("expected PENDING unchanged, got %+v %v", res, err)
		}
	})

	t.Run("gateway error changes nothing", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusPending, nil)
		h.client.EXPECT().VerifyPayment(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, apperror.NetworkError("razorpay", "verify_payment", context.DeadlineExceeded))

		if _, err := h.orch.VerifyCallback(ctx, p.Reference, callback); !apperror.IsRetryable(err) {
			t.Fatalf("expected retryable acquirer error, got %v", err)
		}
		if got := h.payment(t, p.Reference).Status; got != models.StatusPending {
			t.Fatalf("expected PENDING, got %s", got)
		}
	})

	t.Run("unknown reference", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.orch.VerifyCallback(ctx, "pay_missing", callback); !errors.Is(err, apperror.ErrPaymentNotFound) {
			t.Fatalf("expected ErrPaymentNotFound, got %v", err)
		}
	})
}

func TestCheckStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("settled payment is answered from storage", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusSuccess, nil)
		res, err := h.orch.CheckStatus(ctx, p.Reference)
		if err != nil || res.Status != models.StatusSuccess {
			t.Fatalf("unexpected %+v %v", res, err)
		}
	})

	t.Run("gateway capture moves to success", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPaymentInitiated)
		p := h.seed(t, models.StatusPending, nil)
		h.client.EXPECT().CheckStatus(gomock.Any(), acquirer.StatusQuery{Reference: p.Reference, AcquirerOrderID: "order_1"}, gomock.Any()).
			Return(&acquirer.StatusResult{AcquirerStatus: "captured", AcquirerPaymentID: "pay_rzp_1"}, nil)

		res, err := h.orch.CheckStatus(ctx, p.Reference)
		if err != nil || res.Status != models.StatusSuccess {
			t.Fatalf("unexpected %+v %v", res, err)
		}
		if got := h.payment(t, p.Reference).AcquirerPaymentID; got != "pay_rzp_1" {
			t.Fatalf("expected payment id recorded, got %q", got)
		}
	})

	t.Run("expired and still pending at gateway fails", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPaymentInitiated)
		p := h.seed(t, models.StatusPending, func(p *models.Payment) { p.ExpiresAt = time.Now().Add(-time.Minute) })
		h.client.EXPECT().CheckStatus(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&acquirer.StatusResult{AcquirerStatus: "created"}, nil)

		res, err := h.orch.CheckStatus(ctx, p.Reference)
		if err != nil || res.Status != models.StatusFailed {
			t.Fatalf("unexpected %+v %v", res, err)
		}
		if got := h.bookingStatus(t, "bk-1"); got != models.BookingPaymentFailed {
			t.Fatalf("expected booking payment_failed, got %s", got)
		}
	})

	t.Run("failed attempts before expiry keep payment pending", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusPending, nil)
		h.client.EXPECT().CheckStatus(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&acquirer.StatusResult{AcquirerStatus: "failed", AcquirerPaymentID: "pay_rzp_1"}, nil)

		res, err := h.orch.CheckStatus(ctx, p.Reference)
		if err != nil || res.Status != models.StatusPending {
			t.Fatalf("expected PENDING, got %+v %v", res, err)
		}
	})

	t.Run("expired with failed attempts fails", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusPending, func(p *models.Payment) { p.ExpiresAt = time.Now().Add(-time.Minute) })
		h.client.EXPECT().CheckStatus(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&acquirer.StatusResult{AcquirerStatus: "failed"}, nil)

		res, err := h.orch.CheckStatus(ctx, p.Reference)
		if err != nil || res.Status != models.StatusFailed {
			t.Fatalf("expected FAILED, got %+v %v", res, err)
		}
	})

	t.Run("expired without gateway order fails", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusCreated, func(p *models.Payment) {
			p.AcquirerOrderID = ""
			p.ExpiresAt = time.Now().Add(-time.Minute)
		})
		h.client.EXPECT().CheckStatus(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, apperror.ErrNotFound)

		res, err := h.orch.CheckStatus(ctx, p.Reference)
		if err != nil || res.Status != models.StatusFailed {
			t.Fatalf("unexpected %+v %v", res, err)
		}
	})

	t.Run("expired but paid at gateway succeeds", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusPending, func(p *models.Payment) { p.ExpiresAt = time.Now().Add(-time.Minute) })
		h.client.EXPECT().CheckStatus(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&acquirer.StatusResult{AcquirerStatus: "captured"}, nil)

		res, err := h.orch.CheckStatus(ctx, p.Reference)
		if err != nil || res.Status != models.StatusSuccess {
			t.Fatalf("unexpected %+v %v", res, err)
		}
	})

	t.Run("backwards report is not applied", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusProcessing, nil)
		h.client.EXPECT().CheckStatus(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&acquirer.StatusResult{AcquirerStatus: "created"}, nil)

		res, err := h.orch.CheckStatus(ctx, p.Reference)
		if err != nil || res.Status != models.StatusProcessing {
			t.Fatalf("unexpected %+v %v", res, err)
		}
		if len(h.events()) != 0 {
			t.Fatalf("no event expected, got %+v", h.events())
		}
	})
}

func TestProcessRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("partial then full then rejected", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusSuccess, func(p *models.Payment) { p.AcquirerPaymentID = "pay_rzp_1" })

		var keys []string
		h.client.EXPECT().ProcessRefund(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req acquirer.RefundRequest, _ acquirer.Credentials) (*acquirer.RefundResult, error) {
				if req.AcquirerPaymentID != "pay_rzp_1" {
					t.Errorf("unexpected payment id %q", req.AcquirerPaymentID)
				}
				keys = append(keys, req.IdempotencyKey)
				return &acquirer.RefundResult{RefundID: "rfnd_" + req.Amount.String(), Status: "processed", Amount: req.Amount}, nil
			}).Times(2)

		first, err := h.orch.ProcessRefund(ctx, p.Reference, decimal.NewFromInt(400), "schedule change")
		if err != nil {
			t.Fatalf("first refund: %v", err)
		}
		if first.Status != models.StatusPartialRefund || !first.RefundedAmount.Equal(decimal.NewFromInt(400)) {
			t.Fatalf("unexpected first outcome %+v", first)
		}

		second, err := h.orch.ProcessRefund(ctx, p.Reference, decimal.NewFromInt(600), "cancelled")
		if err != nil {
			t.Fatalf("second refund: %v", err)
		}
		if second.Status != models.StatusRefunded || !second.RefundedAmount.Equal(decimal.NewFromInt(1000)) {
			t.Fatalf("unexpected second outcome %+v", second)
		}

		_, err = h.orch.ProcessRefund(ctx, p.Reference, decimal.NewFromInt(1), "extra")
		if !errors.Is(err, apperror.ErrInvalidTransition) {
			t.Fatalf("expected refund of a fully refunded payment to fail, got %v", err)
		}

		if len(keys) != 2 || keys[0] == keys[1] {
			t.Fatalf("expected distinct idempotency keys, got %v", keys)
		}
		if keys[0] != p.Reference+":0.00:400.00" {
			t.Fatalf("unexpected idempotency key %q", keys[0])
		}
		refunds, _ := h.store.ListRefunds(ctx, p.Reference)
		if len(refunds) != 2 {
			t.Fatalf("expected two refund records, got %+v", refunds)
		}
	})

	t.Run("amount above refundable balance", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusPartialRefund, func(p *models.Payment) { p.RefundedAmount = decimal.NewFromInt(700) })
		_, err := h.orch.ProcessRefund(ctx, p.Reference, decimal.NewFromInt(301), "")
		if !errors.Is(err, apperror.ErrInvalidRefundAmount) {
			t.Fatalf("expected ErrInvalidRefundAmount, got %v", err)
		}
	})

	t.Run("non-positive amount", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusSuccess, nil)
		for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
			if _, err := h.orch.ProcessRefund(ctx, p.Reference, amount, ""); !errors.Is(err, apperror.ErrInvalidRefundAmount) {
				t.Fatalf("amount %s: expected ErrInvalidRefundAmount, got %v", amount, err)
			}
		}
	})

	t.Run("amount finer than the currency unit", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusSuccess, func(p *models.Payment) { p.AcquirerPaymentID = "pay_rzp_1" })
		_, err := h.orch.ProcessRefund(ctx, p.Reference, decimal.RequireFromString("999.995"), "")
		if !errors.Is(err, apperror.ErrInvalidRefundAmount) {
			t.Fatalf("expected ErrInvalidRefundAmount, got %v", err)
		}
		stored := h.payment(t, p.Reference)
		if stored.Status != models.StatusSuccess || !stored.RefundedAmount.IsZero() {
			t.Fatalf("unexpected payment %+v", stored)
		}
	})

	t.Run("trailing zeros are accepted", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusSuccess, func(p *models.Payment) { p.AcquirerPaymentID = "pay_rzp_1" })
		h.client.EXPECT().ProcessRefund(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&acquirer.RefundResult{RefundID: "rfnd_1", Status: "processed"}, nil)
		res, err := h.orch.ProcessRefund(ctx, p.Reference, decimal.RequireFromString("100.500"), "")
		if err != nil || !res.RefundedAmount.Equal(decimal.RequireFromString("100.5")) {
			t.Fatalf("unexpected outcome %+v %v", res, err)
		}
	})

	t.Run("unpaid payment cannot be refunded", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusPending, nil)
		if _, err := h.orch.ProcessRefund(ctx, p.Reference, decimal.NewFromInt(10), ""); !errors.Is(err, apperror.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("gateway rejection keeps balance", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusSuccess, func(p *models.Payment) { p.AcquirerPaymentID = "pay_rzp_1" })
		h.client.EXPECT().ProcessRefund(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, &apperror.AcquirerError{Acquirer: "razorpay", Operation: "refund", Kind: apperror.ErrRefundFailed})

		if _, err := h.orch.ProcessRefund(ctx, p.Reference, decimal.NewFromInt(100), ""); !errors.Is(err, apperror.ErrRefundFailed) {
			t.Fatalf("expected ErrRefundFailed, got %v", err)
		}
		stored := h.payment(t, p.Reference)
		if stored.Status != models.StatusSuccess || !stored.RefundedAmount.IsZero() {
			t.Fatalf("unexpected payment %+v", stored)
		}
	})
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.seed(t, models.StatusSuccess, func(p *models.Payment) { p.AcquirerPaymentID = "pay_rzp_1" })
	h.client.EXPECT().ProcessRefund(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&acquirer.RefundResult{RefundID: "rfnd_1", Status: "processed"}, nil)
	if _, err := h.orch.ProcessRefund(ctx, p.Reference, decimal.NewFromInt(250), "seat change"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	got, err := h.orch.Get(ctx, p.Reference)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Refunds) != 1 || got.Refunds[0].RefundID != "rfnd_1" || !got.Refunds[0].Amount.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("expected the recorded refund, got %+v", got.Refunds)
	}

	if _, err := h.orch.Get(ctx, " "); !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestReconcileRefunds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.seed(t, models.StatusSuccess, func(p *models.Payment) { p.AcquirerPaymentID = "pay_rzp_1" })
	h.client.EXPECT().ListRefunds(gomock.Any(), "pay_rzp_1", gomock.Any()).Return([]acquirer.RefundRecord{
		{RefundID: "rfnd_1", Amount: decimal.NewFromInt(300), Status: "processed"},
		{RefundID: "rfnd_2", Amount: decimal.NewFromInt(200), Status: "failed", Failed: true},
	}, nil).Times(2)

	res, err := h.orch.ReconcileRefunds(ctx, p.Reference)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Status != models.StatusPartialRefund || !res.RefundedAmount.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("unexpected outcome %+v", res)
	}

	again, err := h.orch.ReconcileRefunds(ctx, p.Reference)
	if err != nil || again.Status != models.StatusPartialRefund {
		t.Fatalf("second reconcile must be a no-op, got %+v %v", again, err)
	}
	if len(h.events()) != 1 {
		t.Fatalf("expected one transition, got %+v", h.events())
	}
}

func TestHandleWebhook(t *testing.T) {
	ctx := context.Background()
	req := models.WebhookRequest{RawBody: []byte(`{"event":"payment.captured"}`)}

	t.Run("captured webhook confirms payment", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPaymentInitiated)
		p := h.seed(t, models.StatusPending, nil)
		h.client.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Return(&acquirer.WebhookResult{
			Verified: true, Event: "payment.captured", AcquirerStatus: "captured",
			AcquirerOrderID: "order_1", AcquirerPaymentID: "pay_rzp_1", Raw: req.RawBody,
		}, nil)

		out, err := h.orch.HandleWebhook(ctx, "razorpay", req)
		if err != nil {
			t.Fatalf("webhook: %v", err)
		}
		if out.Reference != p.Reference || out.Status != models.StatusSuccess || out.Duplicate {
			t.Fatalf("unexpected outcome %+v", out)
		}
		if got := h.bookingStatus(t, "bk-1"); got != models.BookingConfirmed {
			t.Fatalf("expected booking confirmed, got %s", got)
		}
	})

	t.Run("concurrent duplicates apply once", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPaymentInitiated)
		h.seed(t, models.StatusPending, nil)
		const n = 10
		h.client.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Return(&acquirer.WebhookResult{
			Verified: true, Event: "payment.captured", AcquirerStatus: "captured", AcquirerOrderID: "order_1",
		}, nil).Times(n)

		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			applied    int
			duplicates int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := h.orch.HandleWebhook(ctx, "razorpay", req)
				if err != nil {
					t.Errorf("webhook: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if out.Duplicate {
					duplicates++
				} else {
					applied++
				}
			}()
		}
		wg.Wait()
		if applied != 1 || duplicates != n-1 {
			t.Fatalf("expected 1 applied and %d duplicates, got %d and %d", n-1, applied, duplicates)
		}
		if evs := h.events(); len(evs) != 1 || evs[0].To != models.StatusSuccess {
			t.Fatalf("expected exactly one SUCCESS event, got %+v", evs)
		}
	})

	t.Run("declined attempt then capture on the same order", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPaymentInitiated)
		p := h.seed(t, models.StatusPending, nil)
		gomock.InOrder(
			h.client.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Return(&acquirer.WebhookResult{
				Verified: true, Event: "payment.failed", AcquirerStatus: "failed",
				AcquirerOrderID: "order_1", AcquirerPaymentID: "pay_attempt_1",
			}, nil),
			h.client.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Return(&acquirer.WebhookResult{
				Verified: true, Event: "payment.captured", AcquirerStatus: "captured",
				AcquirerOrderID: "order_1", AcquirerPaymentID: "pay_attempt_2",
			}, nil),
		)

		first, err := h.orch.HandleWebhook(ctx, "razorpay", req)
		if err != nil || !first.AttemptFailed || first.Status != models.StatusPending {
			t.Fatalf("declined attempt must leave payment open, got %+v %v", first, err)
		}
		if got := h.bookingStatus(t, "bk-1"); got != models.BookingPaymentInitiated {
			t.Fatalf("expected booking payment_initiated, got %s", got)
		}

		second, err := h.orch.HandleWebhook(ctx, "razorpay", req)
		if err != nil || second.Ignored || second.Status != models.StatusSuccess {
			t.Fatalf("capture must confirm payment, got %+v %v", second, err)
		}
		stored := h.payment(t, p.Reference)
		if stored.Status != models.StatusSuccess || stored.AcquirerPaymentID != "pay_attempt_2" {
			t.Fatalf("unexpected payment %+v", stored)
		}
		if got := h.bookingStatus(t, "bk-1"); got != models.BookingConfirmed {
			t.Fatalf("expected booking confirmed, got %s", got)
		}

		_, err = h.orch.Initiate(ctx, models.InitiateRequest{BookingID: "bk-1", Acquirer: "razorpay"})
		if !errors.Is(err, apperror.ErrBookingNotPayable) {
			t.Fatalf("paid booking must not be charged again, got %v", err)
		}
	})

	t.Run("declined attempt after expiry fails the payment", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPaymentInitiated)
		p := h.seed(t, models.StatusPending, func(p *models.Payment) { p.ExpiresAt = time.Now().Add(-time.Minute) })
		h.client.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Return(&acquirer.WebhookResult{
			Verified: true, Event: "payment.failed", AcquirerStatus: "failed", AcquirerOrderID: "order_1",
		}, nil)

		out, err := h.orch.HandleWebhook(ctx, "razorpay", req)
		if err != nil || out.AttemptFailed || out.Status != models.StatusFailed {
			t.Fatalf("unexpected outcome %+v %v", out, err)
		}
		if got := h.payment(t, p.Reference).Status; got != models.StatusFailed {
			t.Fatalf("expected FAILED, got %s", got)
		}
	})

	t.Run("invalid signature", func(t *testing.T) {
		h := newHarness(t)
		h.client.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Return(&acquirer.WebhookResult{Verified: false}, nil)
		if _, err := h.orch.HandleWebhook(ctx, "razorpay", req); !errors.Is(err, apperror.ErrSignatureInvalid) {
			t.Fatalf("expected ErrSignatureInvalid, got %v", err)
		}
	})

	t.Run("unknown payment is orphaned", func(t *testing.T) {
		h := newHarness(t)
		h.client.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Return(&acquirer.WebhookResult{
			Verified: true, AcquirerStatus: "captured", AcquirerOrderID: "order_unknown",
		}, nil)
		out, err := h.orch.HandleWebhook(ctx, "razorpay", req)
		if err != nil || !out.Orphaned {
			t.Fatalf("expected orphaned outcome, got %+v %v", out, err)
		}
	})

	t.Run("gateway-verified reference locates payment", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusPending, func(p *models.Payment) { p.AcquirerOrderID = "pref_1" })
		h.client.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Return(&acquirer.WebhookResult{
			Verified: true, AcquirerStatus: "captured", AcquirerPaymentID: "123", VerifiedReference: p.Reference,
		}, nil)
		out, err := h.orch.HandleWebhook(ctx, "razorpay", req)
		if err != nil || out.Status != models.StatusSuccess {
			t.Fatalf("unexpected outcome %+v %v", out, err)
		}
		if got := h.payment(t, p.Reference).AcquirerPaymentID; got != "123" {
			t.Fatalf("expected payment id recorded, got %q", got)
		}
	})

	t.Run("late authorized event is ignored", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusSuccess, nil)
		h.client.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Return(&acquirer.WebhookResult{
			Verified: true, Event: "payment.authorized", AcquirerStatus: "authorized", AcquirerOrderID: "order_1",
		}, nil)
		out, err := h.orch.HandleWebhook(ctx, "razorpay", req)
		if err != nil || !out.Ignored || out.Status != models.StatusSuccess {
			t.Fatalf("unexpected outcome %+v %v", out, err)
		}
		if got := h.payment(t, p.Reference).Status; got != models.StatusSuccess {
			t.Fatalf("status must not move backwards, got %s", got)
		}
	})

	t.Run("refund event reconciles refunds", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusSuccess, func(p *models.Payment) { p.AcquirerPaymentID = "pay_rzp_1" })
		h.client.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Return(&acquirer.WebhookResult{
			Verified: true, Event: "refund.processed", AcquirerPaymentID: "pay_rzp_1", IsRefundEvent: true,
		}, nil)
		h.client.EXPECT().ListRefunds(gomock.Any(), "pay_rzp_1", gomock.Any()).Return([]acquirer.RefundRecord{
			{RefundID: "rfnd_1", Amount: decimal.NewFromInt(1000), Status: "processed"},
		}, nil)

		out, err := h.orch.HandleWebhook(ctx, "razorpay", req)
		if err != nil || out.Status != models.StatusRefunded {
			t.Fatalf("unexpected outcome %+v %v", out, err)
		}
		if got := h.payment(t, p.Reference).RefundedAmount; !got.Equal(decimal.NewFromInt(1000)) {
			t.Fatalf("expected refunded amount 1000, got %s", got)
		}
	})

	t.Run("unknown acquirer", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.orch.HandleWebhook(ctx, "paypal", req); !errors.Is(err, apperror.ErrAcquirerNotFound) {
			t.Fatalf("expected ErrAcquirerNotFound, got %v", err)
		}
	})
}

func TestCaptureAndCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("capture authorized payment", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusProcessing, func(p *models.Payment) { p.AcquirerPaymentID = "pay_rzp_1" })
		h.client.EXPECT().CapturePayment(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req acquirer.CaptureRequest, _ acquirer.Credentials) (*acquirer.CaptureResult, error) {
				if req.AcquirerPaymentID != "pay_rzp_1" || !req.Amount.Equal(p.Amount) {
					t.Errorf("unexpected capture request %+v", req)
				}
				return &acquirer.CaptureResult{AcquirerStatus: "captured"}, nil
			})
		res, err := h.orch.CapturePayment(ctx, p.Reference)
		if err != nil || res.Status != models.StatusSuccess {
			t.Fatalf("unexpected %+v %v", res, err)
		}
	})

	t.Run("capture requires authorization", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusPending, nil)
		if _, err := h.orch.CapturePayment(ctx, p.Reference); !errors.Is(err, apperror.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("cancel pending payment", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "bk-1", models.BookingPaymentInitiated)
		p := h.seed(t, models.StatusPending, nil)
		res, err := h.orch.Cancel(ctx, p.Reference)
		if err != nil || res.Status != models.StatusCancelled {
			t.Fatalf("unexpected %+v %v", res, err)
		}
		if got := h.bookingStatus(t, "bk-1"); got != models.BookingPaymentFailed {
			t.Fatalf("expected booking payment_failed, got %s", got)
		}
	})

	t.Run("cancel paid payment", func(t *testing.T) {
		h := newHarness(t)
		p := h.seed(t, models.StatusSuccess, nil)
		var te *apperror.TransitionError
		if _, err := h.orch.Cancel(ctx, p.Reference); !errors.As(err, &te) || te.From != string(models.StatusSuccess) {
			t.Fatalf("expected TransitionError from SUCCESS, got %v", err)
		}
	})
}
