package acquirer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
)

// Registry maps acquirer codes to clients. It is filled in main before the
// server starts and is read-only afterwards, so it needs no locking.
type Registry struct {
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

func (r *Registry) Register(code string, client Client) error {
	key := normalizeCode(code)
	if key == "" {
		return apperror.Validation("acquirer code is required")
	}
	if client == nil {
		return apperror.Validation("acquirer %q: client is nil", code)
	}
	if _, exists := r.clients[key]; exists {
		return fmt.Errorf("%w: %s", apperror.ErrDuplicateAcquirer, key)
	}
	r.clients[key] = client
	return nil
}

func (r *Registry) Resolve(code string) (Client, error) {
	client, ok := r.clients[normalizeCode(code)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperror.ErrAcquirerNotFound, code)
	}
	return client, nil
}

// Codes lists registered acquirer codes in sorted order.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.clients))
	for code := range r.clients {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func missingCredentials(code string) error {
	return fmt.Errorf("%w: %s", apperror.ErrMissingCredentials, code)
}
