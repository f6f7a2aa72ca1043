package store

import (
	"context"
	"sync"

	"github.com/optx/margin-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	flows       []model.CashFlow
	settlements []model.SettlementRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) InsertCashFlow(_ context.Context, flow model.CashFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = append(s.flows, flow)
	return nil
}

func (s *MemoryStore) InsertSettlement(_ context.Context, rec model.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settlements = append(s.settlements, rec)
	return nil
}

func (s *MemoryStore) CashFlowsByAccount(_ context.Context, account string, limit int) ([]model.CashFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.CashFlow
	for i := len(s.flows) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		f := s.flows[i]
		if f.From == account || f.To == account {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *MemoryStore) CashFlowsByRef(_ context.Context, ref string) ([]model.CashFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.CashFlow
	for _, f := range s.flows {
		if f.Ref == ref {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *MemoryStore) SettlementsBySeries(_ context.Context, seriesID string) ([]model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.SettlementRecord
	for _, r := range s.settlements {
		if r.SeriesID == seriesID {
			out = append(out, r)
		}
	}
	return out, nil
}
