package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertCashFlow(ctx context.Context, f model.CashFlow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cash_flows (id, kind, asset, from_account, to_account, amount, ref, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		f.ID, string(f.Kind), f.Asset, f.From, f.To,
		f.Amount.String(), f.Ref, f.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert cash flow %s: %w", f.ID, err)
	}
	return nil
}

func (s *PostgresStore) InsertSettlement(ctx context.Context, r model.SettlementRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (id, series_id, account, quantity, payoff, bad_debt, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		r.ID, r.SeriesID, r.Account, r.Quantity,
		r.Payoff.String(), r.BadDebt.String(), r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert settlement %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) CashFlowsByAccount(ctx context.Context, account string, limit int) ([]model.CashFlow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, asset, from_account, to_account, amount::TEXT, ref, timestamp
		 FROM cash_flows
		 WHERE from_account = $1 OR to_account = $1
		 ORDER BY timestamp DESC
		 LIMIT $2`, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	flows, err := scanCashFlows(rows)
	if err != nil {
		return nil, err
	}
	return flows, rows.Err()
}

func (s *PostgresStore) CashFlowsByRef(ctx context.Context, ref string) ([]model.CashFlow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, asset, from_account, to_account, amount::TEXT, ref, timestamp
		 FROM cash_flows
		 WHERE ref = $1
		 ORDER BY timestamp ASC`, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	flows, err := scanCashFlows(rows)
	if err != nil {
		return nil, err
	}
	return flows, rows.Err()
}

func (s *PostgresStore) SettlementsBySeries(ctx context.Context, seriesID string) ([]model.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, series_id, account, quantity, payoff::TEXT, bad_debt::TEXT, timestamp
		 FROM settlements
		 WHERE series_id = $1
		 ORDER BY timestamp ASC`, seriesID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.SettlementRecord
	for rows.Next() {
		var r model.SettlementRecord
		var payoffS, badDebtS string
		if err := rows.Scan(&r.ID, &r.SeriesID, &r.Account, &r.Quantity,
			&payoffS, &badDebtS, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Payoff, _ = decimal.NewFromString(payoffS)
		r.BadDebt, _ = decimal.NewFromString(badDebtS)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// scanCashFlows reads pgx rows into CashFlow slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanCashFlows(rows pgxRows) ([]model.CashFlow, error) {
	var flows []model.CashFlow
	for rows.Next() {
		var f model.CashFlow
		var kind, amountS string

		if err := rows.Scan(&f.ID, &kind, &f.Asset, &f.From, &f.To,
			&amountS, &f.Ref, &f.Timestamp); err != nil {
			return nil, err
		}

		f.Kind = model.CashFlowKind(kind)
		f.Amount, _ = decimal.NewFromString(amountS)
		flows = append(flows, f)
	}
	return flows, nil
}
