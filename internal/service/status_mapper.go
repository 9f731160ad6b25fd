package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/interfaces"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/telemetry"
)

// StatusMapper translates gateway statuses to canonical ones. Active rows
// from the mapping table win over the built-in map; they are cached per
// acquirer for ttl.
type StatusMapper struct {
	repo interfaces.StatusMappingRepository
	ttl  time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedMappings
}

type cachedMappings struct {
	byStatus map[string]models.PaymentStatus
	loadedAt time.Time
}

var _ interfaces.StatusMappingService = (*StatusMapper)(nil)

// NewStatusMapper returns a mapper. A nil repo uses only the built-in map.
func NewStatusMapper(repo interfaces.StatusMappingRepository, ttl time.Duration) *StatusMapper {
	return &StatusMapper{
		repo:  repo,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedMappings),
	}
}

// Resolve returns StatusUnmapped when neither source knows raw.
func (m *StatusMapper) Resolve(ctx context.Context, acquirerCode, raw string) models.PaymentStatus {
	code := strings.ToLower(acquirerCode)
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return models.StatusUnmapped
	}

	if dynamic, ok := m.dynamic(ctx, code); ok {
		if status, found := dynamic[key]; found {
			return status
		}
	}
	if status, ok := models.LookupStaticStatus(code, key); ok {
		return status
	}

	telemetry.RecordUnmappedStatus(code)
	telemetry.Logger.Warn("Unmapped acquirer status",
		zap.String("acquirer", code),
		zap.String("acquirer_status", raw),
	)
	return models.StatusUnmapped
}

func (m *StatusMapper) dynamic(ctx context.Context, code string) (map[string]models.PaymentStatus, bool) {
	if m.repo == nil {
		return nil, false
	}

	m.mu.RLock()
	cached, ok := m.cache[code]
	m.mu.RUnlock()
	if ok && m.now().Sub(cached.loadedAt) < m.ttl {
		return cached.byStatus, true
	}

	rows, err := m.repo.ListActive(ctx, code)
	if err != nil {
		telemetry.Logger.Warn("Failed to load status mappings, using built-in map",
			zap.String("acquirer", code),
			zap.Error(err),
		)
		if ok {
			return cached.byStatus, true
		}
		return nil, false
	}

	byStatus := make(map[string]models.PaymentStatus, len(rows))
	for _, row := range rows {
		if !row.Canonical.IsValid() {
			continue
		}
		byStatus[strings.ToLower(row.AcquirerStatus)] = row.Canonical
	}

	m.mu.Lock()
	m.cache[code] = cachedMappings{byStatus: byStatus, loadedAt: m.now()}
	m.mu.Unlock()
	return byStatus, true
}

// Invalidate drops the cached rows for one acquirer.
func (m *StatusMapper) Invalidate(acquirerCode string) {
	m.mu.Lock()
	delete(m.cache, strings.ToLower(acquirerCode))
	m.mu.Unlock()
}

func (m *StatusMapper) UpsertMapping(ctx context.Context, mapping models.StatusMapping) (*models.StatusMapping, error) {
	if m.repo == nil {
		return nil, apperror.ErrUnsupportedOperation
	}
	mapping.AcquirerCode = strings.ToLower(strings.TrimSpace(mapping.AcquirerCode))
	mapping.AcquirerStatus = strings.ToLower(strings.TrimSpace(mapping.AcquirerStatus))
	if mapping.AcquirerCode == "" || mapping.AcquirerStatus == "" {
		return nil, apperror.Validation("acquirer_code and acquirer_status are required")
	}
	if !mapping.Canonical.IsValid() {
		return nil, apperror.Validation("unknown canonical status %q", mapping.Canonical)
	}

	saved, err := m.repo.Upsert(ctx, mapping)
	if err != nil {
		return nil, err
	}
	m.Invalidate(mapping.AcquirerCode)
	telemetry.Logger.Info("Status mapping updated",
		zap.String("acquirer", saved.AcquirerCode),
		zap.String("acquirer_status", saved.AcquirerStatus),
		zap.String("canonical_status", string(saved.Canonical)),
		zap.Bool("active", saved.Active),
	)
	return saved, nil
}
