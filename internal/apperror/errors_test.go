package apperror

import (
	"errors"
	"net/http"
	"testing"
)

func TestSentinelHierarchy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind error
	}{
		{"payment not found", ErrPaymentNotFound, ErrNotFound},
		{"acquirer not found", ErrAcquirerNotFound, ErrNotFound},
		{"refund amount", ErrInvalidRefundAmount, ErrValidation},
		{"in flight", ErrPaymentInFlight, ErrConflict},
		{"refund failed", ErrRefundFailed, ErrAcquirer},
		{"expired", ErrPaymentExpired, ErrExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !errors.Is(tc.err, tc.kind) {
				t.Fatalf("expected %v to match %v", tc.err, tc.kind)
			}
		})
	}
}

func TestAcquirerError(t *testing.T) {
	t.Run("server errors are retryable", func(t *testing.T) {
		err := NewAcquirerError("razorpay", "create_order", http.StatusBadGateway, "SERVER_ERROR", "upstream")
		if !IsRetryable(err) {
			t.Fatalf("expected retryable")
		}
		if !errors.Is(err, ErrAcquirer) {
			t.Fatalf("expected ErrAcquirer kind")
		}
	})

	t.Run("bad request is not retryable", func(t *testing.T) {
		err := NewAcquirerError("razorpay", "create_order", http.StatusBadRequest, "BAD_REQUEST_ERROR", "amount")
		if IsRetryable(err) {
			t.Fatalf("expected non-retryable")
		}
	})

	t.Run("refund kind", func(t *testing.T) {
		err := NewAcquirerError("razorpay", "refund", http.StatusBadRequest, "BAD_REQUEST_ERROR", "over refund")
		err.Kind = ErrRefundFailed
		if !errors.Is(err, ErrRefundFailed) || !errors.Is(err, ErrAcquirer) {
			t.Fatalf("expected refund failed and acquirer kinds, got %v", err)
		}
	})

	t.Run("network error keeps cause", func(t *testing.T) {
		cause := errors.New("dial tcp: refused")
		err := NetworkError("mercadopago", "check_status", cause)
		if !errors.Is(err, cause) || !IsRetryable(err) {
			t.Fatalf("unexpected network error %v", err)
		}
	})
}

func TestTransitionError(t *testing.T) {
	var err error = &TransitionError{From: "CANCELLED", To: "SUCCESS"}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition")
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != "CANCELLED" {
		t.Fatalf("expected to unwrap TransitionError")
	}
}
