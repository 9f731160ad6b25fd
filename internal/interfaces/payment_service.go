package interfaces

import (
	"context"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=payment_service.go -destination=mocks/mock_payment_service.go -package=mocks

// PaymentService is what the HTTP layer needs from the orchestrator.
type PaymentService interface {
	Initiate(ctx context.Context, req models.InitiateRequest) (*models.InitiateResult, error)
	VerifyCallback(ctx context.Context, reference string, data acquirer.CallbackData) (*models.StatusResult, error)
	CheckStatus(ctx context.Context, reference string) (*models.StatusResult, error)
	ProcessRefund(ctx context.Context, reference string, amount decimal.Decimal, reason string) (*models.RefundOutcome, error)
	ReconcileRefunds(ctx context.Context, reference string) (*models.RefundOutcome, error)
	HandleWebhook(ctx context.Context, acquirerCode string, req models.WebhookRequest) (*models.WebhookOutcome, error)
	CapturePayment(ctx context.Context, reference string) (*models.StatusResult, error)
	Cancel(ctx context.Context, reference string) (*models.StatusResult, error)
	Get(ctx context.Context, reference string) (*models.Payment, error)
}

type StatusMappingService interface {
	UpsertMapping(ctx context.Context, mapping models.StatusMapping) (*models.StatusMapping, error)
}
