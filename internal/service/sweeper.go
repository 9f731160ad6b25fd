package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/interfaces"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/telemetry"
)

type statusChecker interface {
	CheckStatus(ctx context.Context, reference string) (*models.StatusResult, error)
}

// Sweeper periodically polls the gateway for expired in-flight payments so
// that abandoned checkouts release their bookings.
type Sweeper struct {
	payments  interfaces.PaymentRepository
	checker   statusChecker
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewSweeper(payments interfaces.PaymentRepository, checker statusChecker, interval time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		payments:  payments,
		checker:   checker,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	telemetry.Logger.Info("Expiry sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			telemetry.Logger.Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce checks one batch and returns how many payments it resolved.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	expired, err := s.payments.ListExpiredInFlight(ctx, s.now(), s.batchSize)
	if err != nil {
		telemetry.Logger.Error("Failed to list expired payments", zap.Error(err))
		return 0
	}

	resolved := 0
	for _, p := range expired {
		if ctx.Err() != nil {
			break
		}
		res, err := s.checker.CheckStatus(ctx, p.Reference)
		if err != nil {
			telemetry.Logger.Warn("Sweeper status check failed",
				zap.String("reference", p.Reference),
				zap.String("acquirer", p.AcquirerCode),
				zap.Error(err),
			)
			continue
		}
		if !res.Status.IsInFlight() {
			resolved++
		}
	}
	if len(expired) > 0 {
		telemetry.Logger.Info("Expiry sweep finished",
			zap.Int("expired", len(expired)),
			zap.Int("resolved", resolved),
		)
	}
	return resolved
}
