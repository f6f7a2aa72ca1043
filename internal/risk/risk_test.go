package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/ledger"
	"github.com/optx/margin-engine/internal/model"
	"github.com/optx/margin-engine/internal/oracle"
	"github.com/optx/margin-engine/internal/registry"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

const ownerKey = "owner-test-key"

// fakePositions is a canned PositionSource.
type fakePositions struct {
	pos map[string]map[string]int64 // account → series → qty
}

func (f *fakePositions) OpenInstruments(account string, offset, limit int) []string {
	var ids []string
	for id := range f.pos[account] {
		ids = append(ids, id)
	}
	if offset >= len(ids) {
		return nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end]
}

func (f *fakePositions) Quantity(account, seriesID string) int64 {
	return f.pos[account][seriesID]
}

type fixture struct {
	led *ledger.Ledger
	ora *oracle.Static
	reg *registry.Memory
	pos *fakePositions
	eng *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	led := ledger.New(nil, clock)
	for _, cfg := range []model.AssetConfig{
		{Symbol: "USDC", Supported: true, Decimals: 0},
		{Symbol: "WBTC", Supported: true, Decimals: 2, HaircutBps: 1000},
	} {
		if err := led.SetAsset(cfg); err != nil {
			t.Fatalf("set asset: %v", err)
		}
	}

	ora := oracle.NewStatic(clock)
	ora.SetPrice("ETH", "USDC", d(100))
	ora.SetPrice("WBTC", "USDC", d(30000))

	reg := registry.NewMemory()
	reg.Put(model.Series{
		ID:              "ETH-C100",
		Underlying:      "ETH",
		SettlementAsset: "USDC",
		Expiry:          now.Add(24 * time.Hour),
		Strike:          d(100),
		IsCall:          true,
		ContractSize:    model.ContractUnit,
		IsActive:        true,
	})

	pos := &fakePositions{pos: make(map[string]map[string]int64)}
	eng, err := NewEngine(ownerKey, DefaultParams("USDC"), led, pos, ora, reg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := eng.SetUnderlyingRisk(ownerKey, "ETH", UnderlyingRisk{
		Enabled:          true,
		ShockBps:         4000,
		FloorPerContract: d(50),
	}); err != nil {
		t.Fatalf("underlying: %v", err)
	}
	return &fixture{led: led, ora: ora, reg: reg, pos: pos, eng: eng}
}

func (f *fixture) deposit(t *testing.T, account, asset string, amount int64) {
	t.Helper()
	if err := f.led.Deposit(context.Background(), account, asset, d(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (f *fixture) short(account, seriesID string, qty int64) {
	if f.pos.pos[account] == nil {
		f.pos.pos[account] = make(map[string]int64)
	}
	f.pos.pos[account][seriesID] = -qty
}

func TestComputeAccountRisk_MultiAssetEquity(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "acct", "USDC", 1000)
	f.deposit(t, "acct", "WBTC", 100) // 1.00 WBTC
	f.short("acct", "ETH-C100", 2)

	r, err := f.eng.ComputeAccountRisk("acct")
	if err != nil {
		t.Fatalf("risk: %v", err)
	}
	// WBTC: 100 units at 30000 over 2 decimals = 30000 base, minus the
	// 10% haircut = 27000. Shocked intrinsic 40/contract, floored MM 50.
	if want := d(1000 + 27000 - 80); !r.Equity.Equal(want) {
		t.Errorf("equity = %s, want %s", r.Equity, want)
	}
	if !r.MaintenanceMargin.Equal(d(100)) {
		t.Errorf("mm = %s, want 100", r.MaintenanceMargin)
	}
	if !r.InitialMargin.Equal(d(110)) {
		t.Errorf("im = %s, want 110", r.InitialMargin)
	}
}

func TestComputeAccountRisk_MissingCollateralPriceSkips(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "acct", "USDC", 1000)
	f.deposit(t, "acct", "WBTC", 100)
	f.ora.Drop("WBTC", "USDC")

	r, err := f.eng.ComputeAccountRisk("acct")
	if err != nil {
		t.Fatalf("risk must not fault on a missing collateral price: %v", err)
	}
	if !r.Equity.Equal(d(1000)) {
		t.Errorf("equity = %s, want 1000 (unpriced collateral skipped)", r.Equity)
	}
}

func TestComputeAccountRisk_OracleDownLiabilityFallback(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "acct", "USDC", 1000)
	f.short("acct", "ETH-C100", 2)
	f.ora.Drop("ETH", "USDC")

	r, err := f.eng.ComputeAccountRisk("acct")
	if err != nil {
		t.Fatalf("risk: %v", err)
	}
	// Floor 50 bumped by the 2x oracle-down multiplier, per contract.
	if want := d(1000 - 200); !r.Equity.Equal(want) {
		t.Errorf("equity = %s, want %s", r.Equity, want)
	}
	if !r.MaintenanceMargin.Equal(d(200)) {
		t.Errorf("mm = %s, want 200", r.MaintenanceMargin)
	}
}

func TestComputeAccountRisk_DisabledUnderlyingUsesFlatFloor(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "acct", "USDC", 1000)
	f.short("acct", "ETH-C100", 3)
	if err := f.eng.SetUnderlyingRisk(ownerKey, "ETH", UnderlyingRisk{
		Enabled:          false,
		FloorPerContract: d(50),
	}); err != nil {
		t.Fatalf("underlying: %v", err)
	}

	r, err := f.eng.ComputeAccountRisk("acct")
	if err != nil {
		t.Fatalf("risk: %v", err)
	}
	if !r.MaintenanceMargin.Equal(d(150)) {
		t.Errorf("mm = %s, want 150", r.MaintenanceMargin)
	}
	if want := d(1000 - 150); !r.Equity.Equal(want) {
		t.Errorf("equity = %s, want %s", r.Equity, want)
	}
}

func TestComputeAccountRisk_UnknownSeriesIgnored(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "acct", "USDC", 1000)
	f.short("acct", "not-a-series", 5)

	r, err := f.eng.ComputeAccountRisk("acct")
	if err != nil {
		t.Fatalf("risk: %v", err)
	}
	if !r.Equity.Equal(d(1000)) || !r.MaintenanceMargin.IsZero() {
		t.Errorf("risk = %+v", r)
	}
}

func TestIsLiquidatable(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "acct", "USDC", 1000)

	// No maintenance requirement: never liquidatable regardless of equity.
	liq, r, err := f.eng.IsLiquidatable("acct")
	if err != nil || liq {
		t.Fatalf("flat account: liq=%v err=%v", liq, err)
	}
	if !r.MarginRatioBps().Equal(model.RatioInfinite) {
		t.Errorf("ratio = %s, want saturated", r.MarginRatioBps())
	}

	f.short("acct", "ETH-C100", 2)
	if liq, _, err = f.eng.IsLiquidatable("acct"); err != nil || liq {
		t.Fatalf("healthy short: liq=%v err=%v", liq, err)
	}

	f.ora.SetPrice("ETH", "USDC", d(400))
	liq, r, err = f.eng.IsLiquidatable("acct")
	if err != nil || !liq {
		t.Fatalf("shocked short: liq=%v err=%v risk=%+v", liq, err, r)
	}
}

func TestParams_Guarded(t *testing.T) {
	f := newFixture(t)
	p := f.eng.Params()
	p.Version++

	if err := f.eng.SetParams("wrong-key", p); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong key: got %v", err)
	}
	if err := f.eng.SetParams(ownerKey, p); err != nil {
		t.Errorf("set params: %v", err)
	}
	// Version must advance on every update.
	if err := f.eng.SetParams(ownerKey, p); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("stale version: got %v", err)
	}

	bad := p
	bad.Version++
	bad.IMFactorBps = 9000
	if err := f.eng.SetParams(ownerKey, bad); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("im below 100%%: got %v", err)
	}
}

func TestPreviewWithdraw(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "acct", "USDC", 1000)
	f.short("acct", "ETH-C100", 2)

	// Equity 920, IM 110: 810 is free to go.
	pv, err := f.eng.PreviewWithdraw("acct", "USDC", d(500))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !pv.MaxWithdrawable.Equal(d(810)) {
		t.Errorf("max withdrawable = %s, want 810", pv.MaxWithdrawable)
	}
	if pv.WouldBreach {
		t.Errorf("500 should not breach")
	}

	pv, err = f.eng.PreviewWithdraw("acct", "USDC", d(900))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !pv.WouldBreach {
		t.Errorf("900 should breach IM")
	}
	if !pv.MarginRatioAfter.LessThan(pv.MarginRatioBefore) {
		t.Errorf("ratio %s -> %s should fall", pv.MarginRatioBefore, pv.MarginRatioAfter)
	}
}

func TestPreviewWithdraw_CappedAtClaimable(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "acct", "USDC", 100)
	f.deposit(t, "acct", "WBTC", 100)

	pv, err := f.eng.PreviewWithdraw("acct", "USDC", d(50))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	// Excess equity far exceeds the USDC balance; the balance wins.
	if !pv.MaxWithdrawable.Equal(d(100)) {
		t.Errorf("max withdrawable = %s, want 100", pv.MaxWithdrawable)
	}
}

func TestConvertBase_RoundTripFloors(t *testing.T) {
	f := newFixture(t)

	// 650 base units buys 2 WBTC smallest units (0.02) at 30000; the five
	// floored-away base units never reappear on the way back.
	out, err := f.eng.ConvertFromBase("WBTC", d(650))
	if err != nil {
		t.Fatalf("from base: %v", err)
	}
	if !out.Equal(d(2)) {
		t.Errorf("from base = %s, want 2", out)
	}
	back, err := f.eng.ConvertToBase("WBTC", out)
	if err != nil {
		t.Fatalf("to base: %v", err)
	}
	if !back.Equal(d(600)) {
		t.Errorf("to base = %s, want 600", back)
	}
}

func TestComputeAccountRisk_NoBaseAsset(t *testing.T) {
	f := newFixture(t)
	p := f.eng.Params()
	p.BaseAsset = "DOGE" // configured but unsupported
	p.Version++
	if err := f.eng.SetParams(ownerKey, p); err != nil {
		t.Fatalf("set params: %v", err)
	}
	if _, err := f.eng.ComputeAccountRisk("acct"); !errors.Is(err, ErrBaseAssetUnset) {
		t.Errorf("got %v, want ErrBaseAssetUnset", err)
	}
}
