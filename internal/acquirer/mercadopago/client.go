package mercadopago

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/mperror"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"
	"github.com/mercadopago/sdk-go/pkg/refund"
)

// The subsets of the SDK clients this package calls.
type paymentAPI interface {
	Get(ctx context.Context, id int) (*payment.Response, error)
	Search(ctx context.Context, request payment.SearchRequest) (*payment.SearchResponse, error)
	Capture(ctx context.Context, id int) (*payment.Response, error)
}

type refundAPI interface {
	CreatePartialRefund(ctx context.Context, paymentID int, amount float64) (*refund.Response, error)
	List(ctx context.Context, paymentID int) ([]refund.Response, error)
}

type preferenceAPI interface {
	Create(ctx context.Context, request preference.Request) (*preference.Response, error)
}

type apis struct {
	payments    paymentAPI
	refunds     refundAPI
	preferences preferenceAPI
}

type apiFactory func(accessToken string) (*apis, error)

func sdkFactory(accessToken string) (*apis, error) {
	cfg, err := config.New(accessToken)
	if err != nil {
		return nil, err
	}
	return &apis{
		payments:    payment.NewClient(cfg),
		refunds:     refund.NewClient(cfg),
		preferences: preference.NewClient(cfg),
	}, nil
}

// Client adapts the Mercado Pago SDK. The access token travels in
// Credentials.KeySecret; SDK clients are built once per token.
type Client struct {
	factory apiFactory

	mu    sync.Mutex
	cache map[string]*apis
}

func New() *Client {
	return &Client{factory: sdkFactory, cache: make(map[string]*apis)}
}

var _ acquirer.Client = (*Client)(nil)

func (c *Client) Code() string { return models.AcquirerMercadoPago }

func (c *Client) apisFor(creds acquirer.Credentials) (*apis, error) {
	if creds.KeySecret == "" {
		return nil, fmt.Errorf("%w: mercadopago access token", apperror.ErrMissingCredentials)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.cache[creds.KeySecret]; ok {
		return a, nil
	}
	a, err := c.factory(creds.KeySecret)
	if err != nil {
		return nil, fmt.Errorf("mercadopago sdk config: %w", err)
	}
	c.cache[creds.KeySecret] = a
	return a, nil
}

// sdkError wraps an SDK failure. Gateway responses are classified by their
// HTTP status; transport failures are retryable unless the caller gave up.
func sdkError(op string, err error) error {
	var re *mperror.ResponseError
	if errors.As(err, &re) {
		ae := apperror.NewAcquirerError(models.AcquirerMercadoPago, op, re.StatusCode,
			fmt.Sprintf("MERCADOPAGO_%d", re.StatusCode), re.Message)
		ae.Err = err
		return ae
	}
	return &apperror.AcquirerError{
		Acquirer:  models.AcquirerMercadoPago,
		Operation: op,
		Code:      "MERCADOPAGO_ERROR",
		Retryable: !errors.Is(err, context.Canceled),
		Err:       err,
	}
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, apperror.Validation("mercadopago: invalid id %q", s)
	}
	return id, nil
}
