package position

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/fixedpoint"
	"github.com/optx/margin-engine/internal/metrics"
	"github.com/optx/margin-engine/internal/model"
	"github.com/optx/margin-engine/internal/registry"
)

// cashLeg is one committed ledger transfer, kept so a failed liquidation can
// be unwound in reverse order.
type cashLeg struct {
	asset  string
	from   string
	to     string
	amount decimal.Decimal
	kind   model.CashFlowKind
}

// posSnapshot restores a single (account, series) quantity on rollback.
type posSnapshot struct {
	account  string
	seriesID string
	before   int64
}

// TotalShortContracts sums the absolute short quantity across the account's
// open instruments.
func (e *Engine) TotalShortContracts(account string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total int64
	for _, qty := range e.positions[account] {
		if qty < 0 {
			total += -qty
		}
	}
	return total
}

// Liquidate partially closes a liquidatable trader's short positions into the
// liquidator's book. The caller names candidate instruments and per-instrument
// quantities; the engine clamps each to the trader's short size and to the
// close-factor cap on total contracts, paying the liquidator the shocked
// intrinsic value plus the liquidation spread per contract (never below the
// unshocked intrinsic) and seizing the penalty into the insurance fund.
//
// The whole call is unwound unless the trader's margin ratio improves by at
// least the configured minimum, or the trader was insolvent and either equity
// rose or maintenance margin shrank. The liquidator must satisfy initial
// margin afterward.
func (e *Engine) Liquidate(ctx context.Context, liquidator, trader string, ids []string, qtys []int64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if liquidator == "" || trader == "" || liquidator == trader {
		return ErrSelfTrade
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: no instruments", ErrNothingToDo)
	}
	if len(ids) != len(qtys) {
		return ErrLengthMismatch
	}
	for _, q := range qtys {
		if err := validQuantity(q); err != nil {
			return err
		}
	}

	liquidatable, before, err := e.risk.IsLiquidatable(trader)
	if err != nil {
		return err
	}
	if !liquidatable {
		return fmt.Errorf("%w: %s", ErrNotLiquidatable, trader)
	}
	totalShort := e.TotalShortContracts(trader)
	if totalShort == 0 {
		return fmt.Errorf("%w: no short exposure", ErrNotLiquidatable)
	}

	p := e.risk.Params()
	maxClose := fixedpoint.ApplyBpsFloor(decimal.NewFromInt(totalShort), p.CloseFactorBps).IntPart()
	if maxClose < 1 {
		maxClose = 1
	}
	remaining := maxClose

	liqID := uuid.New().String()
	now := e.now()

	var (
		snapshots   []posSnapshot
		legs        []cashLeg
		closedTotal int64
		penalty     = decimal.Zero
	)
	// Owed cash per settlement asset, in first-seen order.
	owed := make(map[string]decimal.Decimal)
	var owedAssets []string

	rollbackPositions := func() {
		e.mu.Lock()
		for i := len(snapshots) - 1; i >= 0; i-- {
			s := snapshots[i]
			e.setQuantity(s.account, s.seriesID, s.before)
		}
		e.mu.Unlock()
	}
	rollbackAll := func() {
		for i := len(legs) - 1; i >= 0; i-- {
			leg := legs[i]
			if rerr := e.ledger.TransferBetween(ctx, leg.asset, leg.to, leg.from, leg.amount, leg.kind, liqID); rerr != nil {
				slog.Error("liquidation rollback transfer failed",
					"liquidation", liqID, "asset", leg.asset, "err", rerr)
			}
		}
		rollbackPositions()
	}

	for i, id := range ids {
		if remaining == 0 {
			break
		}
		s, err := e.series.GetSeries(id)
		if err != nil {
			rollbackPositions()
			return err
		}
		if err := registry.ValidateSeries(s); err != nil {
			rollbackPositions()
			return err
		}
		if s.Expired(now) {
			// Expired shorts go through settlement, not liquidation.
			continue
		}

		e.mu.RLock()
		traderBefore := e.positions[trader][id]
		liqBefore := e.positions[liquidator][id]
		e.mu.RUnlock()
		if traderBefore >= 0 {
			continue
		}

		close := qtys[i]
		if short := -traderBefore; close > short {
			close = short
		}
		if close > remaining {
			close = remaining
		}
		if close == 0 {
			continue
		}

		shocked, err := e.risk.IntrinsicPerContract(s, true)
		if err != nil {
			rollbackPositions()
			return err
		}
		unshocked, err := e.risk.IntrinsicPerContract(s, false)
		if err != nil {
			rollbackPositions()
			return err
		}
		per := shocked.Add(fixedpoint.ApplyBpsCeil(shocked, p.LiquidationSpreadBps))
		if per.LessThan(unshocked) {
			per = unshocked
		}

		traderAfter, err := checkedAdd(traderBefore, close)
		if err != nil {
			rollbackPositions()
			return err
		}
		liqAfter, err := checkedAdd(liqBefore, -close)
		if err != nil {
			rollbackPositions()
			return err
		}

		e.mu.Lock()
		snapshots = append(snapshots,
			posSnapshot{trader, id, traderBefore},
			posSnapshot{liquidator, id, liqBefore},
		)
		e.setQuantity(trader, id, traderAfter)
		e.setQuantity(liquidator, id, liqAfter)
		e.mu.Unlock()

		if _, ok := owed[s.SettlementAsset]; !ok {
			owedAssets = append(owedAssets, s.SettlementAsset)
		}
		owed[s.SettlementAsset] = owed[s.SettlementAsset].Add(decimal.NewFromInt(close).Mul(per))

		ur := e.risk.Underlying(s.Underlying)
		if ur.FloorPerContract.IsPositive() {
			perPenalty := fixedpoint.ApplyBpsCeil(ur.FloorPerContract.Mul(decimal.NewFromInt(close)), p.PenaltyBps)
			penalty = penalty.Add(perPenalty)
		}

		remaining -= close
		closedTotal += close
	}

	if closedTotal == 0 {
		return fmt.Errorf("%w: no closable short", ErrNothingToDo)
	}

	// Compensation legs, capped at what the trader actually holds. The
	// shortfall stays with the liquidator as risk they knowingly took on.
	for _, asset := range owedAssets {
		pay := owed[asset]
		if avail := e.ledger.Claimable(trader, asset); avail.LessThan(pay) {
			pay = avail
		}
		if !pay.IsPositive() {
			continue
		}
		if err := e.ledger.TransferBetween(ctx, asset, trader, liquidator, pay, model.FlowLiquidation, liqID); err != nil {
			rollbackAll()
			return fmt.Errorf("position: liquidation payment: %w", err)
		}
		legs = append(legs, cashLeg{asset, trader, liquidator, pay, model.FlowLiquidation})
	}

	if penalty.IsPositive() {
		if err := e.seizePenalty(ctx, trader, penalty, liqID, &legs); err != nil {
			rollbackAll()
			return err
		}
	}

	after, err := e.risk.ComputeAccountRisk(trader)
	if err != nil {
		rollbackAll()
		return err
	}
	minImp := decimal.NewFromInt(p.MinImprovementBps)
	improved := after.MarginRatioBps().GreaterThanOrEqual(before.MarginRatioBps().Add(minImp))
	if !improved && !before.Equity.IsPositive() {
		// Insolvent book: any loss reduction counts.
		improved = after.Equity.GreaterThan(before.Equity) ||
			after.MaintenanceMargin.LessThan(before.MaintenanceMargin)
	}
	if !improved {
		rollbackAll()
		return fmt.Errorf("%w: ratio %s -> %s", ErrNotImproving,
			before.MarginRatioBps(), after.MarginRatioBps())
	}

	ok, err := e.risk.SatisfiesInitialMargin(liquidator)
	if err != nil {
		rollbackAll()
		return err
	}
	if !ok {
		rollbackAll()
		metrics.MarginBreaches.Inc()
		return fmt.Errorf("%w: %s", ErrMarginBreach, liquidator)
	}

	metrics.Liquidations.Inc()
	metrics.LiquidationContracts.Add(float64(closedTotal))
	slog.Info("liquidation applied",
		"liquidation", liqID,
		"liquidator", liquidator,
		"trader", trader,
		"contracts", closedTotal,
		"penalty", penalty.String(),
		"ratio_before", before.MarginRatioBps().String(),
		"ratio_after", after.MarginRatioBps().String(),
	)
	return nil
}

// seizePenalty moves up to targetBase of penalty value from the trader into
// the insurance fund, base asset first, then other collateral at the oracle
// rate. Running out of collateral is not an error; the penalty is best-effort
// once compensation has been paid.
func (e *Engine) seizePenalty(ctx context.Context, trader string, targetBase decimal.Decimal, liqID string, legs *[]cashLeg) error {
	base := e.risk.Params().BaseAsset
	left := targetBase

	if avail := e.ledger.Claimable(trader, base); avail.IsPositive() {
		take := left
		if avail.LessThan(take) {
			take = avail
		}
		if err := e.ledger.TransferBetween(ctx, base, trader, model.SystemInsuranceAccount, take, model.FlowPenalty, liqID); err != nil {
			return fmt.Errorf("position: penalty seizure: %w", err)
		}
		*legs = append(*legs, cashLeg{base, trader, model.SystemInsuranceAccount, take, model.FlowPenalty})
		left = left.Sub(take)
	}
	if !left.IsPositive() {
		return nil
	}

	balances := e.ledger.Balances(trader)
	delete(balances, base)

	var steps []SeizureStep
	if e.planner != nil {
		planned, err := e.planner.Plan(trader, balances, left)
		if err == nil {
			steps = planned
		}
	}
	if steps == nil {
		for _, cfg := range e.ledger.Assets() {
			if cfg.Symbol == base || !cfg.Supported {
				continue
			}
			if bal, ok := balances[cfg.Symbol]; ok && bal.IsPositive() {
				steps = append(steps, SeizureStep{Asset: cfg.Symbol, Amount: bal})
			}
		}
	}

	for _, step := range steps {
		if !left.IsPositive() {
			break
		}
		amt := step.Amount
		if avail := e.ledger.Claimable(trader, step.Asset); avail.LessThan(amt) {
			amt = avail
		}
		if !amt.IsPositive() {
			continue
		}
		val, err := e.risk.ConvertToBase(step.Asset, amt)
		if err != nil {
			// Unpriceable collateral cannot count toward the penalty.
			continue
		}
		if val.GreaterThan(left) {
			shrunk, err := e.risk.ConvertFromBase(step.Asset, left)
			if err != nil || !shrunk.IsPositive() {
				continue
			}
			amt = shrunk
			val, err = e.risk.ConvertToBase(step.Asset, amt)
			if err != nil {
				continue
			}
		}
		if !val.IsPositive() {
			continue
		}
		if err := e.ledger.TransferBetween(ctx, step.Asset, trader, model.SystemInsuranceAccount, amt, model.FlowPenalty, liqID); err != nil {
			return fmt.Errorf("position: penalty seizure: %w", err)
		}
		*legs = append(*legs, cashLeg{step.Asset, trader, model.SystemInsuranceAccount, amt, model.FlowPenalty})
		left = left.Sub(val)
	}
	return nil
}
