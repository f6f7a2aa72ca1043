package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/optx/margin-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache over the journal queries. Writes go to the primary store and
// invalidate the affected keys; reads check Redis first then fall back to
// the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (primary first, then invalidate) ---

func (s *CachedStore) InsertCashFlow(ctx context.Context, f model.CashFlow) error {
	if err := s.primary.InsertCashFlow(ctx, f); err != nil {
		return err
	}
	keys := []string{refKey(f.Ref)}
	if f.From != "" {
		keys = append(keys, accountFlowsKey(f.From))
	}
	if f.To != "" {
		keys = append(keys, accountFlowsKey(f.To))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) InsertSettlement(ctx context.Context, r model.SettlementRecord) error {
	if err := s.primary.InsertSettlement(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, seriesSettlementsKey(r.SeriesID))
	return nil
}

// --- Reads (cache first, populate on miss) ---

func (s *CachedStore) CashFlowsByAccount(ctx context.Context, account string, limit int) ([]model.CashFlow, error) {
	key := accountFlowsKey(account)
	if limit > 0 {
		if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
			var flows []model.CashFlow
			// A shorter cached list may have been stored under a smaller
			// limit; only serve it when it covers this request.
			if json.Unmarshal(data, &flows) == nil && len(flows) >= limit {
				return flows[:limit], nil
			}
		}
	}
	flows, err := s.primary.CashFlowsByAccount(ctx, account, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(flows); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return flows, nil
}

func (s *CachedStore) CashFlowsByRef(ctx context.Context, ref string) ([]model.CashFlow, error) {
	key := refKey(ref)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var flows []model.CashFlow
		if json.Unmarshal(data, &flows) == nil {
			return flows, nil
		}
	}
	flows, err := s.primary.CashFlowsByRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(flows); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return flows, nil
}

func (s *CachedStore) SettlementsBySeries(ctx context.Context, seriesID string) ([]model.SettlementRecord, error) {
	key := seriesSettlementsKey(seriesID)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var recs []model.SettlementRecord
		if json.Unmarshal(data, &recs) == nil {
			return recs, nil
		}
	}
	recs, err := s.primary.SettlementsBySeries(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(recs); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return recs, nil
}

func accountFlowsKey(account string) string    { return fmt.Sprintf("flows:%s", account) }
func refKey(ref string) string                 { return fmt.Sprintf("flowref:%s", ref) }
func seriesSettlementsKey(id string) string    { return fmt.Sprintf("settlements:%s", id) }
