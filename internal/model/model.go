// Package model defines the core domain types shared across the margin engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Balances and risk figures are integral values denominated in an asset's
// smallest units; prices are 8-decimal-place quotes in natural units.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SystemInsuranceAccount is the reserved ledger account holding the
// insurance backstop used to pay positive settlement payoffs.
const SystemInsuranceAccount = "system:insurance-fund"

// MaxAssetDecimals bounds the fixed-point scaling table. Balances for an
// asset with more decimals cannot be valued without overflow risk.
const MaxAssetDecimals = 38

// BpsDenominator is the basis-point scale used for haircuts, factors,
// thresholds, and margin ratios throughout the engine.
const BpsDenominator = 10000

// PriceScale is the number of decimal places oracle prices carry.
const PriceScale int32 = 8

// ContractUnit is the canonical contract size: one whole underlying unit
// per contract. Series whose ContractSize differs are rejected before any
// price math touches them.
var ContractUnit = decimal.NewFromInt(1)

// RatioInfinite is the saturated margin ratio reported when maintenance
// margin is zero and equity is positive.
var RatioInfinite = decimal.NewFromInt(1 << 62)

// AssetConfig describes one supported collateral/settlement asset.
type AssetConfig struct {
	Symbol     string `json:"symbol"`
	Supported  bool   `json:"supported"`
	Decimals   uint8  `json:"decimals"`
	HaircutBps uint16 `json:"haircut_bps"` // discount applied when valuing as collateral
}

// CollateralWeightBps returns the fraction of value counted toward equity.
func (a AssetConfig) CollateralWeightBps() int64 {
	return BpsDenominator - int64(a.HaircutBps)
}

// Series describes one option instrument as exposed by the external
// series registry. Read-only from the engine's perspective.
type Series struct {
	ID              string          `json:"id"`
	Underlying      string          `json:"underlying"`
	SettlementAsset string          `json:"settlement_asset"`
	Expiry          time.Time       `json:"expiry"`
	Strike          decimal.Decimal `json:"strike"` // settlement asset per whole underlying unit
	IsCall          bool            `json:"is_call"`
	ContractSize    decimal.Decimal `json:"contract_size"`
	IsActive        bool            `json:"is_active"` // false → close-only
}

// Expired reports whether the series is past expiry at the given time.
func (s Series) Expired(now time.Time) bool {
	return !now.Before(s.Expiry)
}

// AccountRisk is the derived per-account risk snapshot, in base-asset
// smallest units. Never persisted; recomputed on demand.
type AccountRisk struct {
	Account           string          `json:"account"`
	Equity            decimal.Decimal `json:"equity"` // signed; may be negative
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	InitialMargin     decimal.Decimal `json:"initial_margin"`
}

// MarginRatioBps returns equity × 10000 / maintenanceMargin, saturating to
// RatioInfinite when no margin is required and to zero when equity is
// non-positive.
func (r AccountRisk) MarginRatioBps() decimal.Decimal {
	if !r.Equity.IsPositive() {
		return decimal.Zero
	}
	if r.MaintenanceMargin.IsZero() {
		return RatioInfinite
	}
	q, _ := r.Equity.Mul(decimal.NewFromInt(BpsDenominator)).QuoRem(r.MaintenanceMargin, 0)
	return q
}

// WithdrawPreview reports the impact of removing collateral.
type WithdrawPreview struct {
	Account           string          `json:"account"`
	Asset             string          `json:"asset"`
	Amount            decimal.Decimal `json:"amount"`
	MaxWithdrawable   decimal.Decimal `json:"max_withdrawable"`
	MarginRatioBefore decimal.Decimal `json:"margin_ratio_before"`
	MarginRatioAfter  decimal.Decimal `json:"margin_ratio_after"`
	WouldBreach       bool            `json:"would_breach"`
}

// SettlementAccounting is the per-instrument cumulative settlement audit
// trail. All three counters are monotonically increasing.
type SettlementAccounting struct {
	SeriesID  string          `json:"series_id"`
	Collected decimal.Decimal `json:"collected"`
	Paid      decimal.Decimal `json:"paid"`
	BadDebt   decimal.Decimal `json:"bad_debt"`
}

// CashFlowKind labels journal entries by the operation that produced them.
type CashFlowKind string

const (
	FlowDeposit     CashFlowKind = "deposit"
	FlowWithdraw    CashFlowKind = "withdraw"
	FlowPremium     CashFlowKind = "premium"
	FlowSettlement  CashFlowKind = "settlement"
	FlowLiquidation CashFlowKind = "liquidation"
	FlowPenalty     CashFlowKind = "penalty"
	FlowInsurance   CashFlowKind = "insurance"
)

// CashFlow is an immutable record of one ledger movement. Once created,
// these are never modified or deleted.
type CashFlow struct {
	ID        string          `json:"id" db:"id"`
	Kind      CashFlowKind    `json:"kind" db:"kind"`
	Asset     string          `json:"asset" db:"asset"`
	From      string          `json:"from_account" db:"from_account"`
	To        string          `json:"to_account" db:"to_account"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Ref       string          `json:"ref" db:"ref"` // series id or external reference
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// SettlementRecord is the journal row written once per (series, account)
// settlement.
type SettlementRecord struct {
	ID        string          `json:"id" db:"id"`
	SeriesID  string          `json:"series_id" db:"series_id"`
	Account   string          `json:"account" db:"account"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Payoff    decimal.Decimal `json:"payoff" db:"payoff"` // signed, settlement asset smallest units
	BadDebt   decimal.Decimal `json:"bad_debt" db:"bad_debt"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
