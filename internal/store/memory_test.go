package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/model"
)

func TestMemoryStore_CashFlows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, f := range []model.CashFlow{
		{ID: "f1", Kind: model.FlowDeposit, Asset: "USDC", To: "alice", Amount: decimal.NewFromInt(100)},
		{ID: "f2", Kind: model.FlowPremium, Asset: "USDC", From: "alice", To: "bob", Amount: decimal.NewFromInt(10), Ref: "ETH-C100"},
		{ID: "f3", Kind: model.FlowWithdraw, Asset: "USDC", From: "bob", Amount: decimal.NewFromInt(5)},
	} {
		f.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := s.InsertCashFlow(ctx, f); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	flows, err := s.CashFlowsByAccount(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("by account: %v", err)
	}
	if len(flows) != 2 || flows[0].ID != "f2" || flows[1].ID != "f1" {
		t.Errorf("alice flows = %+v, want f2 then f1", flows)
	}

	flows, err = s.CashFlowsByAccount(ctx, "bob", 1)
	if err != nil {
		t.Fatalf("by account limited: %v", err)
	}
	if len(flows) != 1 || flows[0].ID != "f3" {
		t.Errorf("bob flows = %+v, want just f3", flows)
	}

	flows, err = s.CashFlowsByRef(ctx, "ETH-C100")
	if err != nil {
		t.Fatalf("by ref: %v", err)
	}
	if len(flows) != 1 || flows[0].ID != "f2" {
		t.Errorf("ref flows = %+v, want f2", flows)
	}
}

func TestMemoryStore_Settlements(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := model.SettlementRecord{
		ID:       "s1",
		SeriesID: "ETH-C100",
		Account:  "alice",
		Quantity: -2,
		Payoff:   decimal.NewFromInt(-100),
		BadDebt:  decimal.NewFromInt(30),
	}
	if err := s.InsertSettlement(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	recs, err := s.SettlementsBySeries(ctx, "ETH-C100")
	if err != nil {
		t.Fatalf("by series: %v", err)
	}
	if len(recs) != 1 || !recs[0].BadDebt.Equal(decimal.NewFromInt(30)) {
		t.Errorf("records = %+v", recs)
	}
	if recs, _ := s.SettlementsBySeries(ctx, "other"); len(recs) != 0 {
		t.Errorf("unexpected records for other series: %+v", recs)
	}
}
