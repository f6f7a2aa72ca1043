// Package registry defines the external option-series catalog interface.
// The catalog and its two-phase settlement-price finalization live outside
// this engine; the Memory implementation backs tests and the dev server.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/model"
)

var (
	// ErrSeriesNotFound is returned for an unknown series id.
	ErrSeriesNotFound = errors.New("registry: series not found")

	// ErrContractSize is returned when a series' contract size differs from
	// the canonical unit scale. The engine refuses to price such a series.
	ErrContractSize = errors.New("registry: contract size mismatch")

	// ErrNotFinalized is returned when a settlement price is requested
	// before finalization.
	ErrNotFinalized = errors.New("registry: settlement price not finalized")
)

// SettlementInfo carries the finalized settlement price for an expired
// series. Price is in settlement asset per whole underlying unit.
type SettlementInfo struct {
	Price       decimal.Decimal
	IsFinalized bool
}

// SeriesRegistry is the read-only catalog interface the engine consumes.
type SeriesRegistry interface {
	GetSeries(id string) (model.Series, error)
	GetSettlementInfo(id string) (SettlementInfo, error)
}

// ValidateSeries re-checks invariants the engine relies on before using a
// series in price math, defending against a misconfigured catalog.
func ValidateSeries(s model.Series) error {
	if !s.ContractSize.Equal(model.ContractUnit) {
		return fmt.Errorf("%w: series %s has contract size %s", ErrContractSize, s.ID, s.ContractSize)
	}
	return nil
}

// Memory is an in-process registry for tests and development.
type Memory struct {
	mu         sync.RWMutex
	series     map[string]model.Series
	settlement map[string]SettlementInfo
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		series:     make(map[string]model.Series),
		settlement: make(map[string]SettlementInfo),
	}
}

// Put stores or replaces a series definition.
func (m *Memory) Put(s model.Series) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[s.ID] = s
}

// SetActive flips a series between tradable and close-only.
func (m *Memory) SetActive(id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSeriesNotFound, id)
	}
	s.IsActive = active
	m.series[id] = s
	return nil
}

// Finalize records the finalized settlement price for a series.
func (m *Memory) Finalize(id string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.series[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSeriesNotFound, id)
	}
	m.settlement[id] = SettlementInfo{Price: price, IsFinalized: true}
	return nil
}

func (m *Memory) GetSeries(id string) (model.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[id]
	if !ok {
		return model.Series{}, fmt.Errorf("%w: %s", ErrSeriesNotFound, id)
	}
	return s, nil
}

func (m *Memory) GetSettlementInfo(id string) (SettlementInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.settlement[id]
	if !ok {
		return SettlementInfo{}, nil
	}
	return info, nil
}
