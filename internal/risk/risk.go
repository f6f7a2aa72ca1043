// Package risk computes per-account equity, maintenance margin, and initial
// margin from ledger balances, open positions, and oracle prices. It owns no
// state of its own beyond configuration: every snapshot is recomputed on
// demand from its inputs so it cannot go stale independently of them.
//
// Valuation is deliberately asymmetric: collateral values floor and skip
// assets whose price is unavailable, while short liabilities ceil and fall
// back to a multiplied per-contract floor when the oracle is down. Missing
// data can only ever make an account look riskier.
package risk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/fixedpoint"
	"github.com/optx/margin-engine/internal/ledger"
	"github.com/optx/margin-engine/internal/metrics"
	"github.com/optx/margin-engine/internal/model"
	"github.com/optx/margin-engine/internal/oracle"
	"github.com/optx/margin-engine/internal/registry"
)

var (
	// ErrUnauthorized is returned when a configuration call does not carry
	// the owner key.
	ErrUnauthorized = errors.New("risk: unauthorized")

	// ErrBaseAssetUnset is returned when risk math is attempted without a
	// configured, supported base asset.
	ErrBaseAssetUnset = errors.New("risk: base asset not configured")

	// ErrInvalidParams rejects parameter updates that violate engine
	// invariants (IM factor below 100%, stale version, negative factors).
	ErrInvalidParams = errors.New("risk: invalid parameters")

	// ErrPriceUnavailable is returned by intrinsic-value helpers when the
	// oracle read fails; callers apply their own conservative fallback.
	ErrPriceUnavailable = errors.New("risk: price unavailable")
)

// positionPageSize bounds each open-position index read.
const positionPageSize = 64

// Params is the engine-level risk configuration. Updated only through
// versioned setter calls guarded by the owner key.
type Params struct {
	BaseAsset               string `json:"base_asset"`
	IMFactorBps             int64  `json:"im_factor_bps"`              // ≥ 10000
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps"`  // ratio below which liquidatable
	CloseFactorBps          int64  `json:"close_factor_bps"`           // max fraction of shorts closable per liquidation
	LiquidationSpreadBps    int64  `json:"liquidation_spread_bps"`     // premium over shocked intrinsic
	PenaltyBps              int64  `json:"penalty_bps"`                // seized on top of closed contracts
	MinImprovementBps       int64  `json:"min_improvement_bps"`        // required margin-ratio gain
	OracleDownMultiplierBps int64  `json:"oracle_down_multiplier_bps"` // liability floor bump when prices are missing
	Version                 int64  `json:"version"`
}

// DefaultParams returns the engine defaults for a base asset. The 2x
// oracle-down multiplier is a policy choice, not a derived value; operators
// tune it like any other risk parameter.
func DefaultParams(baseAsset string) Params {
	return Params{
		BaseAsset:               baseAsset,
		IMFactorBps:             11000,
		LiquidationThresholdBps: 10000,
		CloseFactorBps:          5000,
		LiquidationSpreadBps:    500,
		PenaltyBps:              200,
		MinImprovementBps:       1,
		OracleDownMultiplierBps: 20000,
		Version:                 1,
	}
}

func (p Params) validate() error {
	if p.BaseAsset == "" {
		return fmt.Errorf("%w: base asset unset", ErrInvalidParams)
	}
	if p.IMFactorBps < model.BpsDenominator {
		return fmt.Errorf("%w: IM factor %d below 100%%", ErrInvalidParams, p.IMFactorBps)
	}
	if p.CloseFactorBps <= 0 || p.CloseFactorBps > model.BpsDenominator {
		return fmt.Errorf("%w: close factor %d", ErrInvalidParams, p.CloseFactorBps)
	}
	if p.LiquidationSpreadBps < 0 || p.PenaltyBps < 0 || p.MinImprovementBps < 0 {
		return fmt.Errorf("%w: negative factor", ErrInvalidParams)
	}
	if p.OracleDownMultiplierBps < model.BpsDenominator {
		return fmt.Errorf("%w: oracle-down multiplier %d below 100%%", ErrInvalidParams, p.OracleDownMultiplierBps)
	}
	return nil
}

// UnderlyingRisk configures the shock model for one underlying. A disabled
// (or missing) entry degrades shorts on that underlying to the flat
// per-contract floor.
type UnderlyingRisk struct {
	Enabled          bool            `json:"enabled"`
	ShockBps         int64           `json:"shock_bps"` // adverse spot move applied to the forward
	FloorPerContract decimal.Decimal `json:"floor_per_contract"` // base-asset smallest units
}

// PositionSource is the position engine's read surface. OpenInstruments is
// paginated so risk aggregation cost stays bounded per call.
type PositionSource interface {
	OpenInstruments(account string, offset, limit int) []string
	Quantity(account, seriesID string) int64
}

// PriceSource is a validated oracle read.
type PriceSource interface {
	GetPrice(base, quote string) (oracle.Quote, error)
}

// Engine is the stateless-computation risk layer.
type Engine struct {
	mu          sync.RWMutex
	ownerKey    string
	params      Params
	underlyings map[string]UnderlyingRisk

	ledger    *ledger.Ledger
	positions PositionSource
	prices    PriceSource
	series    registry.SeriesRegistry
}

// NewEngine constructs a risk engine. ownerKey guards configuration calls.
func NewEngine(ownerKey string, params Params, led *ledger.Ledger, positions PositionSource, prices PriceSource, series registry.SeriesRegistry) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		ownerKey:    ownerKey,
		params:      params,
		underlyings: make(map[string]UnderlyingRisk),
		ledger:      led,
		positions:   positions,
		prices:      prices,
		series:      series,
	}, nil
}

// SetParams replaces the risk parameters. The new version must advance.
func (e *Engine) SetParams(ownerKey string, p Params) error {
	if ownerKey != e.ownerKey {
		return ErrUnauthorized
	}
	if err := p.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Version <= e.params.Version {
		return fmt.Errorf("%w: version %d not after %d", ErrInvalidParams, p.Version, e.params.Version)
	}
	e.params = p
	return nil
}

// SetUnderlyingRisk installs the shock config for an underlying.
func (e *Engine) SetUnderlyingRisk(ownerKey, underlying string, r UnderlyingRisk) error {
	if ownerKey != e.ownerKey {
		return ErrUnauthorized
	}
	if r.ShockBps < 0 || r.FloorPerContract.IsNegative() {
		return fmt.Errorf("%w: negative shock or floor", ErrInvalidParams)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.underlyings[underlying] = r
	return nil
}

// Params returns the current risk parameters.
func (e *Engine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// Underlying returns the risk config for an underlying; a missing entry is
// reported as a disabled zero-value config.
func (e *Engine) Underlying(underlying string) UnderlyingRisk {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.underlyings[underlying]
}

func (e *Engine) baseConfig() (model.AssetConfig, error) {
	p := e.Params()
	cfg, ok := e.ledger.Asset(p.BaseAsset)
	if !ok || !cfg.Supported {
		return model.AssetConfig{}, ErrBaseAssetUnset
	}
	return cfg, nil
}

// collateralValueBase values an amount of an asset in base smallest units
// after the haircut, flooring. ok is false when the price is unavailable;
// the value is then zero and the asset is skipped, never faulted.
func (e *Engine) collateralValueBase(cfg, baseCfg model.AssetConfig, amount decimal.Decimal) (decimal.Decimal, bool) {
	if amount.IsZero() {
		return decimal.Zero, true
	}
	var value decimal.Decimal
	if cfg.Symbol == baseCfg.Symbol {
		value = amount
	} else {
		q, err := e.prices.GetPrice(cfg.Symbol, baseCfg.Symbol)
		if err != nil {
			metrics.OracleFallbacks.WithLabelValues("collateral").Inc()
			return decimal.Zero, false
		}
		v, err := fixedpoint.ConvertValue(amount, q.Price, cfg.Decimals, baseCfg.Decimals)
		if err != nil {
			return decimal.Zero, false
		}
		value = v
	}
	return fixedpoint.ApplyBpsFloor(value, cfg.CollateralWeightBps()), true
}

// intrinsicSettleUnits computes the option's intrinsic value per contract in
// settlement-asset smallest units, ceil-rounded, from the forward shocked by
// shockBps in the direction adverse to the short (up for calls, down for
// puts). ErrPriceUnavailable when the oracle read fails.
func (e *Engine) intrinsicSettleUnits(s model.Series, setCfg model.AssetConfig, shockBps int64) (decimal.Decimal, error) {
	q, err := e.prices.GetPrice(s.Underlying, s.SettlementAsset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrPriceUnavailable, s.Underlying, s.SettlementAsset)
	}
	fwd := q.Price
	if shockBps != 0 {
		var shockedBps int64
		if s.IsCall {
			shockedBps = model.BpsDenominator + shockBps
		} else {
			shockedBps = model.BpsDenominator - shockBps
			if shockedBps < 0 {
				shockedBps = 0
			}
		}
		fwd = fwd.Mul(decimal.NewFromInt(shockedBps)).Div(decimal.NewFromInt(model.BpsDenominator))
	}

	var intrinsic decimal.Decimal
	if s.IsCall {
		intrinsic = fwd.Sub(s.Strike)
	} else {
		intrinsic = s.Strike.Sub(fwd)
	}
	if !intrinsic.IsPositive() {
		return decimal.Zero, nil
	}
	scale, err := fixedpoint.Pow10(setCfg.Decimals)
	if err != nil {
		return decimal.Zero, err
	}
	return intrinsic.Mul(scale).Ceil(), nil
}

// settleToBase converts settlement-asset smallest units into base smallest
// units, ceil-rounded (liability direction).
func (e *Engine) settleToBase(amount decimal.Decimal, setCfg, baseCfg model.AssetConfig) (decimal.Decimal, error) {
	if amount.IsZero() || setCfg.Symbol == baseCfg.Symbol {
		return amount, nil
	}
	q, err := e.prices.GetPrice(setCfg.Symbol, baseCfg.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrPriceUnavailable, setCfg.Symbol, baseCfg.Symbol)
	}
	num, err := fixedpoint.Pow10(baseCfg.Decimals)
	if err != nil {
		return decimal.Zero, err
	}
	den, err := fixedpoint.Pow10(setCfg.Decimals)
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.MulDivCeil(amount.Mul(q.Price), num, den)
}

// IntrinsicPerContract is the liquidation-pricing helper: intrinsic value
// per contract in settlement smallest units, optionally shocked per the
// underlying's risk config.
func (e *Engine) IntrinsicPerContract(s model.Series, shocked bool) (decimal.Decimal, error) {
	if err := registry.ValidateSeries(s); err != nil {
		return decimal.Zero, err
	}
	setCfg, ok := e.ledger.Asset(s.SettlementAsset)
	if !ok {
		return decimal.Zero, fmt.Errorf("risk: settlement asset %s not configured", s.SettlementAsset)
	}
	var shockBps int64
	if shocked {
		ur := e.Underlying(s.Underlying)
		if ur.Enabled {
			shockBps = ur.ShockBps
		}
	}
	return e.intrinsicSettleUnits(s, setCfg, shockBps)
}

// shortRequirement returns the per-contract liability and maintenance margin
// for one short series, both in base smallest units. Oracle degradation
// falls back to the per-contract floor bumped by the oracle-down multiplier
// so liabilities are never under-estimated.
func (e *Engine) shortRequirement(s model.Series, baseCfg model.AssetConfig) (liability, mm decimal.Decimal) {
	p := e.Params()
	ur := e.Underlying(s.Underlying)
	floor := ur.FloorPerContract
	if floor.IsNegative() {
		floor = decimal.Zero
	}
	fallback := fixedpoint.ApplyBpsCeil(floor, p.OracleDownMultiplierBps)

	if !ur.Enabled {
		// Risk model disabled for this underlying: flat floor for both.
		return floor, floor
	}

	setCfg, ok := e.ledger.Asset(s.SettlementAsset)
	if !ok {
		metrics.OracleFallbacks.WithLabelValues("short").Inc()
		return fallback, fallback
	}
	if err := registry.ValidateSeries(s); err != nil {
		return fallback, fallback
	}

	shocked, err := e.intrinsicSettleUnits(s, setCfg, ur.ShockBps)
	if err != nil {
		metrics.OracleFallbacks.WithLabelValues("short").Inc()
		return fallback, fallback
	}
	shockedBase, err := e.settleToBase(shocked, setCfg, baseCfg)
	if err != nil {
		metrics.OracleFallbacks.WithLabelValues("short").Inc()
		return fallback, fallback
	}

	mm = shockedBase
	if floor.GreaterThan(mm) {
		mm = floor
	}
	return shockedBase, mm
}

// ComputeAccountRisk derives the account's risk snapshot. It fails only on
// configuration errors; oracle degradation is absorbed conservatively.
func (e *Engine) ComputeAccountRisk(account string) (model.AccountRisk, error) {
	baseCfg, err := e.baseConfig()
	if err != nil {
		return model.AccountRisk{}, err
	}
	p := e.Params()

	equity := decimal.Zero
	for _, cfg := range e.ledger.Assets() {
		if !cfg.Supported {
			continue
		}
		bal := e.ledger.Claimable(account, cfg.Symbol)
		if value, ok := e.collateralValueBase(cfg, baseCfg, bal); ok {
			equity = equity.Add(value)
		}
	}

	liability := decimal.Zero
	mm := decimal.Zero
	for offset := 0; ; offset += positionPageSize {
		ids := e.positions.OpenInstruments(account, offset, positionPageSize)
		for _, id := range ids {
			qty := e.positions.Quantity(account, id)
			if qty >= 0 {
				continue
			}
			s, err := e.series.GetSeries(id)
			if err != nil {
				// Unknown series with an open short: treat as oracle-down.
				metrics.OracleFallbacks.WithLabelValues("series").Inc()
				continue
			}
			contracts := decimal.NewFromInt(-qty)
			perLiab, perMM := e.shortRequirement(s, baseCfg)
			liability = liability.Add(contracts.Mul(perLiab))
			mm = mm.Add(contracts.Mul(perMM))
		}
		if len(ids) < positionPageSize {
			break
		}
	}

	equity = equity.Sub(liability)
	im := fixedpoint.ApplyBpsCeil(mm, p.IMFactorBps)

	return model.AccountRisk{
		Account:           account,
		Equity:            equity,
		MaintenanceMargin: mm,
		InitialMargin:     im,
	}, nil
}

// IsLiquidatable reports whether the account's margin ratio is below the
// liquidation threshold. Accounts with no maintenance requirement are never
// liquidatable.
func (e *Engine) IsLiquidatable(account string) (bool, model.AccountRisk, error) {
	risk, err := e.ComputeAccountRisk(account)
	if err != nil {
		return false, model.AccountRisk{}, err
	}
	if risk.MaintenanceMargin.IsZero() {
		return false, risk, nil
	}
	threshold := decimal.NewFromInt(e.Params().LiquidationThresholdBps)
	return risk.MarginRatioBps().LessThan(threshold), risk, nil
}

// SatisfiesInitialMargin reports whether equity covers initial margin.
func (e *Engine) SatisfiesInitialMargin(account string) (bool, error) {
	risk, err := e.ComputeAccountRisk(account)
	if err != nil {
		return false, err
	}
	return !risk.Equity.LessThan(risk.InitialMargin), nil
}

// ConvertToBase converts asset smallest units into base smallest units at
// the raw oracle price (no haircut), flooring.
func (e *Engine) ConvertToBase(asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	baseCfg, err := e.baseConfig()
	if err != nil {
		return decimal.Zero, err
	}
	cfg, ok := e.ledger.Asset(asset)
	if !ok || !cfg.Supported {
		return decimal.Zero, fmt.Errorf("risk: asset %s not configured", asset)
	}
	if cfg.Symbol == baseCfg.Symbol {
		return amount, nil
	}
	q, err := e.prices.GetPrice(cfg.Symbol, baseCfg.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrPriceUnavailable, cfg.Symbol, baseCfg.Symbol)
	}
	return fixedpoint.ConvertValue(amount, q.Price, cfg.Decimals, baseCfg.Decimals)
}

// ConvertFromBase converts base smallest units into asset smallest units at
// the oracle price, flooring so the engine never hands out extra value.
func (e *Engine) ConvertFromBase(asset string, baseAmount decimal.Decimal) (decimal.Decimal, error) {
	baseCfg, err := e.baseConfig()
	if err != nil {
		return decimal.Zero, err
	}
	cfg, ok := e.ledger.Asset(asset)
	if !ok || !cfg.Supported {
		return decimal.Zero, fmt.Errorf("risk: asset %s not configured", asset)
	}
	if cfg.Symbol == baseCfg.Symbol {
		return baseAmount, nil
	}
	q, err := e.prices.GetPrice(cfg.Symbol, baseCfg.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrPriceUnavailable, cfg.Symbol, baseCfg.Symbol)
	}
	num, err := fixedpoint.Pow10(cfg.Decimals)
	if err != nil {
		return decimal.Zero, err
	}
	den, err := fixedpoint.Pow10(baseCfg.Decimals)
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.MulDivFloor(baseAmount, num, q.Price.Mul(den))
}

// PreviewWithdraw simulates removing amount of asset and reports the margin
// impact without touching any state.
func (e *Engine) PreviewWithdraw(account, asset string, amount decimal.Decimal) (model.WithdrawPreview, error) {
	baseCfg, err := e.baseConfig()
	if err != nil {
		return model.WithdrawPreview{}, err
	}
	cfg, ok := e.ledger.Asset(asset)
	if !ok || !cfg.Supported {
		return model.WithdrawPreview{}, fmt.Errorf("%w: %s", ledger.ErrUnsupportedAsset, asset)
	}

	risk, err := e.ComputeAccountRisk(account)
	if err != nil {
		return model.WithdrawPreview{}, err
	}
	claimable := e.ledger.Claimable(account, asset)

	removedValue, priced := e.collateralValueBase(cfg, baseCfg, amount)
	equityAfter := risk.Equity.Sub(removedValue)
	after := model.AccountRisk{Equity: equityAfter, MaintenanceMargin: risk.MaintenanceMargin}

	// Max withdrawable: the asset amount whose weighted value equals the
	// equity in excess of initial margin, capped at the claimable balance.
	maxW := decimal.Zero
	excess := risk.Equity.Sub(risk.InitialMargin)
	if excess.IsPositive() {
		if cfg.Symbol == baseCfg.Symbol {
			maxW, _ = fixedpoint.MulDivFloor(excess, decimal.NewFromInt(model.BpsDenominator), decimal.NewFromInt(cfg.CollateralWeightBps()))
		} else if q, err := e.prices.GetPrice(cfg.Symbol, baseCfg.Symbol); err == nil {
			num, perr := fixedpoint.Pow10(cfg.Decimals)
			den, derr := fixedpoint.Pow10(baseCfg.Decimals)
			if perr == nil && derr == nil {
				weighted := q.Price.Mul(den).Mul(decimal.NewFromInt(cfg.CollateralWeightBps()))
				maxW, _ = fixedpoint.MulDivFloor(excess.Mul(decimal.NewFromInt(model.BpsDenominator)), num, weighted)
			}
		} else if !priced {
			// Value never counted toward equity; withdrawal cannot reduce it.
			maxW = claimable
		}
		if maxW.GreaterThan(claimable) {
			maxW = claimable
		}
	}

	return model.WithdrawPreview{
		Account:           account,
		Asset:             asset,
		Amount:            amount,
		MaxWithdrawable:   maxW,
		MarginRatioBefore: risk.MarginRatioBps(),
		MarginRatioAfter:  after.MarginRatioBps(),
		WouldBreach:       equityAfter.LessThan(risk.InitialMargin),
	}, nil
}
