package seizure

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/ledger"
	"github.com/optx/margin-engine/internal/model"
	"github.com/optx/margin-engine/internal/oracle"
	"github.com/optx/margin-engine/internal/position"
	"github.com/optx/margin-engine/internal/registry"
	"github.com/optx/margin-engine/internal/risk"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newPlanner(t *testing.T) *Planner {
	t.Helper()
	led := ledger.New(nil, nil)
	for _, a := range []model.AssetConfig{
		{Symbol: "USDC", Supported: true, Decimals: 0},
		{Symbol: "WBTC", Supported: true, Decimals: 2},
		{Symbol: "ETH", Supported: true, Decimals: 0},
		{Symbol: "DOGE", Supported: true, Decimals: 0},
	} {
		if err := led.SetAsset(a); err != nil {
			t.Fatalf("set asset %s: %v", a.Symbol, err)
		}
	}
	ora := oracle.NewStatic(nil)
	ora.SetPrice("WBTC", "USDC", d(30000)) // 1 smallest unit (0.01 WBTC) = 300
	ora.SetPrice("ETH", "USDC", d(100))
	// DOGE deliberately unpriced.
	reg := registry.NewMemory()
	eng := position.NewEngine(led, reg, nil, nil, nil)
	r, err := risk.NewEngine("owner", risk.DefaultParams("USDC"), led, eng, ora, reg)
	if err != nil {
		t.Fatalf("risk engine: %v", err)
	}
	return NewPlanner(r)
}

func TestPlan_LargestValueFirstUntilCovered(t *testing.T) {
	p := newPlanner(t)

	balances := map[string]decimal.Decimal{
		"WBTC": d(2), // 600 base
		"ETH":  d(5), // 500 base
		"DOGE": d(9000),
	}

	steps, err := p.Plan("trader", balances, d(700))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	if steps[0].Asset != "WBTC" || !steps[0].Amount.Equal(d(2)) {
		t.Errorf("first step = %s %s, want WBTC 2", steps[0].Asset, steps[0].Amount)
	}
	if steps[1].Asset != "ETH" || !steps[1].Amount.Equal(d(5)) {
		t.Errorf("second step = %s %s, want ETH 5", steps[1].Asset, steps[1].Amount)
	}
}

func TestPlan_StopsWhenOneAssetCovers(t *testing.T) {
	p := newPlanner(t)

	balances := map[string]decimal.Decimal{
		"WBTC": d(2),
		"ETH":  d(5),
	}

	steps, err := p.Plan("trader", balances, d(500))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(steps) != 1 || steps[0].Asset != "WBTC" {
		t.Fatalf("steps = %+v, want single WBTC leg", steps)
	}
}

func TestPlan_SkipsUnpriceableAndEmpty(t *testing.T) {
	p := newPlanner(t)

	balances := map[string]decimal.Decimal{
		"DOGE": d(9000), // no oracle price
		"ETH":  d(0),
	}

	steps, err := p.Plan("trader", balances, d(100))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("steps = %+v, want none", steps)
	}
}
