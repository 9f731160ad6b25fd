package razorpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/shopspring/decimal"
)

const DefaultBaseURL = "https://api.razorpay.com"

// Client talks to the Razorpay REST API. Credentials are passed per call, so
// one Client serves every merchant account.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func New(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ acquirer.Client = (*Client)(nil)

func (c *Client) Code() string { return models.AcquirerRazorpay }

type apiError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
		Reason      string `json:"reason"`
	} `json:"error"`
}

// do sends one authenticated request and decodes a 2xx body into out. It
// returns the raw response body for diagnostics.
func (c *Client) do(ctx context.Context, creds acquirer.Credentials, op, method, path string, payload any, headers map[string]string, out any) (json.RawMessage, error) {
	if creds.KeyID == "" || creds.KeySecret == "" {
		return nil, fmt.Errorf("%w: razorpay key id/secret", apperror.ErrMissingCredentials)
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("razorpay %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	base := c.baseURL
	if creds.BaseURL != "" {
		base = strings.TrimRight(creds.BaseURL, "/")
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, fmt.Errorf("razorpay %s: build request: %w", op, err)
	}
	req.SetBasicAuth(creds.KeyID, creds.KeySecret)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperror.NetworkError(models.AcquirerRazorpay, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.NetworkError(models.AcquirerRazorpay, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		code := apiErr.Error.Code
		if code == "" {
			code = http.StatusText(resp.StatusCode)
		}
		return raw, apperror.NewAcquirerError(models.AcquirerRazorpay, op, resp.StatusCode, code, apiErr.Error.Description)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("razorpay %s: decode response: %w", op, err)
		}
	}
	return raw, nil
}

// toMinor converts a major-unit amount to paise/cents.
func toMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
