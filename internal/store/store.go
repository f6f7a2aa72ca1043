// Package store persists the engine's audit journal: immutable cash-flow
// rows and per-settlement records. Authoritative balance and position state
// lives in memory inside the engines; the journal is an append-only
// projection of it. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"log/slog"

	"github.com/optx/margin-engine/internal/model"
)

// Store is the journal persistence interface.
type Store interface {
	// InsertCashFlow appends an immutable cash-flow record.
	InsertCashFlow(ctx context.Context, flow model.CashFlow) error

	// InsertSettlement appends a settlement record.
	InsertSettlement(ctx context.Context, rec model.SettlementRecord) error

	// CashFlowsByAccount returns the most recent flows touching an
	// account, newest first, capped at limit.
	CashFlowsByAccount(ctx context.Context, account string, limit int) ([]model.CashFlow, error)

	// CashFlowsByRef returns all flows sharing a reference (a series id
	// or a liquidation id), oldest first.
	CashFlowsByRef(ctx context.Context, ref string) ([]model.CashFlow, error)

	// SettlementsBySeries returns all settlement records for a series,
	// oldest first.
	SettlementsBySeries(ctx context.Context, seriesID string) ([]model.SettlementRecord, error)
}

// Journal adapts a Store to the engines' best-effort recording interfaces.
// A write failure is logged and dropped; the journal is rebuildable and must
// never fail the mutation that produced the row.
type Journal struct {
	store Store
}

// NewJournal wraps a store for use as a ledger and settlement recorder.
func NewJournal(s Store) *Journal {
	return &Journal{store: s}
}

func (j *Journal) RecordCashFlow(ctx context.Context, flow model.CashFlow) {
	if err := j.store.InsertCashFlow(ctx, flow); err != nil {
		slog.Error("journal cash flow write failed", "id", flow.ID, "kind", flow.Kind, "err", err)
	}
}

func (j *Journal) RecordSettlement(ctx context.Context, rec model.SettlementRecord) {
	if err := j.store.InsertSettlement(ctx, rec); err != nil {
		slog.Error("journal settlement write failed", "id", rec.ID, "series", rec.SeriesID, "err", err)
	}
}
