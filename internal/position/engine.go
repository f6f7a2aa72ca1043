// Package position owns signed option positions per (account, instrument)
// and the margin rules that constrain how they change: trades are applied
// only if both parties satisfy initial margin afterward, expired contracts
// settle against the insurance backstop, and under-margined accounts are
// unwound through partial liquidation that must measurably improve risk.
//
// Every mutating operation is all-or-nothing: positions, index membership,
// and ledger flows either all commit or are rolled back before the error
// returns. Position mutations serialize on their own in-progress flag,
// separate from the ledger group.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/exposure"
	"github.com/optx/margin-engine/internal/fixedpoint"
	"github.com/optx/margin-engine/internal/ledger"
	"github.com/optx/margin-engine/internal/metrics"
	"github.com/optx/margin-engine/internal/model"
	"github.com/optx/margin-engine/internal/registry"
	"github.com/optx/margin-engine/internal/risk"
)

var (
	// ErrBusy is returned when a mutating call arrives while another
	// position mutation is in progress; callers retry.
	ErrBusy = errors.New("position: mutation already in progress")

	// ErrSelfTrade rejects trades where buyer == seller.
	ErrSelfTrade = errors.New("position: buyer and seller must differ")

	// ErrInvalidQuantity rejects zero, negative, or sentinel quantities.
	ErrInvalidQuantity = errors.New("position: invalid quantity")

	// ErrSentinelQuantity is the signed-range guard around math.MinInt64,
	// which has no valid absolute value.
	ErrSentinelQuantity = errors.New("position: reserved sentinel quantity")

	// ErrOverflow is returned when a position update would overflow int64.
	ErrOverflow = errors.New("position: quantity overflow")

	// ErrInvalidPrice rejects non-positive or fractional premium prices.
	ErrInvalidPrice = errors.New("position: invalid price")

	// ErrExpired rejects trades on expired series.
	ErrExpired = errors.New("position: series expired")

	// ErrNotExpired rejects settlement before expiry.
	ErrNotExpired = errors.New("position: series not expired")

	// ErrCloseOnly rejects opening or sign-flipping trades on deactivated
	// series.
	ErrCloseOnly = errors.New("position: series is close-only")

	// ErrMarginBreach is returned when a party would violate initial
	// margin after the operation.
	ErrMarginBreach = errors.New("position: initial margin breach")

	// ErrAlreadySettled makes settlement idempotent: the second call for
	// the same (series, account) is an explicit failure, never a double-pay.
	ErrAlreadySettled = errors.New("position: already settled")

	// ErrNothingToDo is returned when settlement or liquidation has no
	// position to act on.
	ErrNothingToDo = errors.New("position: nothing to do")

	// ErrInsuranceInsufficient is returned when the backstop cannot cover
	// a positive settlement payoff. Settlement does not mint value.
	ErrInsuranceInsufficient = errors.New("position: insurance backstop insufficient")

	// ErrNotLiquidatable is returned when the trader is adequately
	// margined or has no short exposure.
	ErrNotLiquidatable = errors.New("position: account not liquidatable")

	// ErrNotImproving rejects liquidations that fail to measurably improve
	// the trader's risk.
	ErrNotImproving = errors.New("position: liquidation does not improve risk")

	// ErrLengthMismatch rejects liquidation input lists of unequal length.
	ErrLengthMismatch = errors.New("position: instrument and quantity lists differ in length")
)

// SeizureStep is one leg of a collateral seizure plan.
type SeizureStep struct {
	Asset  string
	Amount decimal.Decimal // asset smallest units
}

// SeizurePlanner proposes which non-base assets to seize for a target base
// value. The engine owns the actual transfers and re-caps every leg at the
// trader's available balance.
type SeizurePlanner interface {
	Plan(account string, balances map[string]decimal.Decimal, targetBase decimal.Decimal) ([]SeizureStep, error)
}

// SettlementRecorder receives settlement journal rows after commit.
// Best-effort, like ledger.Recorder.
type SettlementRecorder interface {
	RecordSettlement(ctx context.Context, rec model.SettlementRecord)
}

// Engine owns positions exclusively.
type Engine struct {
	busy atomic.Bool

	mu         sync.RWMutex
	positions  map[string]map[string]int64 // account → series → signed qty
	index      map[string]*openIndex
	settled    map[string]map[string]bool
	accounting map[string]*model.SettlementAccounting

	ledger   *ledger.Ledger
	risk     *risk.Engine
	series   registry.SeriesRegistry
	planner  SeizurePlanner
	recorder SettlementRecorder
	limits   *exposure.Limiter
	now      func() time.Time
}

// NewEngine constructs the position engine. planner, recorder, and now may
// be nil.
func NewEngine(led *ledger.Ledger, series registry.SeriesRegistry, planner SeizurePlanner, recorder SettlementRecorder, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		positions:  make(map[string]map[string]int64),
		index:      make(map[string]*openIndex),
		settled:    make(map[string]map[string]bool),
		accounting: make(map[string]*model.SettlementAccounting),
		ledger:     led,
		series:     series,
		planner:    planner,
		recorder:   recorder,
		now:        now,
	}
}

// BindRisk wires the risk engine after construction; the two engines
// reference each other (risk reads positions, positions enforce risk).
func (e *Engine) BindRisk(r *risk.Engine) { e.risk = r }

// BindPlanner installs the seizure planner. Planners typically need the
// risk engine, which needs this engine, hence the late bind.
func (e *Engine) BindPlanner(p SeizurePlanner) { e.planner = p }

// BindLimits installs an optional short-concentration limiter. Without one
// the only brake on short books is margin.
func (e *Engine) BindLimits(l *exposure.Limiter) { e.limits = l }

func (e *Engine) enter() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (e *Engine) exit() { e.busy.Store(false) }

// --- risk.PositionSource ---

// OpenInstruments returns one page of the account's open-instrument index.
func (e *Engine) OpenInstruments(account string, offset, limit int) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index[account].page(offset, limit)
}

// Quantity returns the signed position quantity.
func (e *Engine) Quantity(account, seriesID string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions[account][seriesID]
}

// OpenCount returns the number of open instruments for an account.
func (e *Engine) OpenCount(account string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index[account].len()
}

// Accounting returns the cumulative settlement counters for a series.
func (e *Engine) Accounting(seriesID string) model.SettlementAccounting {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if acc, ok := e.accounting[seriesID]; ok {
		return *acc
	}
	return model.SettlementAccounting{SeriesID: seriesID, Collected: decimal.Zero, Paid: decimal.Zero, BadDebt: decimal.Zero}
}

// setQuantity writes a position and keeps the index in sync. Caller holds
// the write lock.
func (e *Engine) setQuantity(account, seriesID string, qty int64) {
	byID, ok := e.positions[account]
	if !ok {
		byID = make(map[string]int64)
		e.positions[account] = byID
	}
	idx, ok := e.index[account]
	if !ok {
		idx = newOpenIndex()
		e.index[account] = idx
	}
	if qty == 0 {
		delete(byID, seriesID)
		idx.remove(seriesID)
		return
	}
	byID[seriesID] = qty
	idx.add(seriesID)
}

// checkedAdd adds signed quantities with overflow and sentinel guards.
func checkedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	if sum == math.MinInt64 {
		return 0, ErrSentinelQuantity
	}
	return sum, nil
}

func validQuantity(q int64) error {
	if q == math.MinInt64 {
		return ErrSentinelQuantity
	}
	if q <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, q)
	}
	return nil
}

// closeOnlyViolated reports whether a transition violates close-only mode:
// magnitude may only shrink and the sign must not change.
func closeOnlyViolated(before, after int64) bool {
	if after == 0 {
		return false
	}
	if (before > 0) != (after > 0) {
		return true
	}
	abs := func(v int64) int64 {
		if v < 0 {
			return -v
		}
		return v
	}
	return abs(after) > abs(before)
}

// ApplyTrade applies one already-matched trade: buyer gains qty contracts,
// seller loses them, and premium qty×price of the settlement asset moves
// buyer→seller. Both parties must satisfy initial margin afterward or the
// whole trade is rolled back.
func (e *Engine) ApplyTrade(ctx context.Context, buyer, seller, seriesID string, qty int64, price decimal.Decimal) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if buyer == "" || seller == "" || buyer == seller {
		return ErrSelfTrade
	}
	if err := validQuantity(qty); err != nil {
		return err
	}
	if !price.IsPositive() || !price.Equal(price.Floor()) {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	s, err := e.series.GetSeries(seriesID)
	if err != nil {
		return err
	}
	if err := registry.ValidateSeries(s); err != nil {
		return err
	}
	if s.Expired(e.now()) {
		return fmt.Errorf("%w: %s", ErrExpired, seriesID)
	}

	e.mu.Lock()
	buyerBefore := e.positions[buyer][seriesID]
	sellerBefore := e.positions[seller][seriesID]

	buyerAfter, err := checkedAdd(buyerBefore, qty)
	if err == nil {
		var sellerErr error
		var sa int64
		sa, sellerErr = checkedAdd(sellerBefore, -qty)
		switch {
		case sellerErr != nil:
			err = sellerErr
		case !s.IsActive && (closeOnlyViolated(buyerBefore, buyerAfter) || closeOnlyViolated(sellerBefore, sa)):
			err = fmt.Errorf("%w: %s", ErrCloseOnly, seriesID)
		default:
			if e.limits != nil && sa < 0 && sa < sellerBefore {
				err = e.checkShortLimitsLocked(seller, s, -sa)
			}
			if err == nil {
				e.setQuantity(buyer, seriesID, buyerAfter)
				e.setQuantity(seller, seriesID, sa)
			}
		}
	}
	e.mu.Unlock()
	if err != nil {
		metrics.TradesRejected.WithLabelValues("validation").Inc()
		return err
	}

	rollbackPositions := func() {
		e.mu.Lock()
		e.setQuantity(buyer, seriesID, buyerBefore)
		e.setQuantity(seller, seriesID, sellerBefore)
		e.mu.Unlock()
	}

	premium := decimal.NewFromInt(qty).Mul(price)
	if err := e.ledger.TransferBetween(ctx, s.SettlementAsset, buyer, seller, premium, model.FlowPremium, seriesID); err != nil {
		rollbackPositions()
		metrics.TradesRejected.WithLabelValues("premium").Inc()
		return fmt.Errorf("position: premium transfer: %w", err)
	}

	rollbackAll := func() {
		if rerr := e.ledger.TransferBetween(ctx, s.SettlementAsset, seller, buyer, premium, model.FlowPremium, seriesID); rerr != nil {
			slog.Error("premium rollback failed", "series", seriesID, "err", rerr)
		}
		rollbackPositions()
	}

	for _, party := range []string{buyer, seller} {
		ok, err := e.risk.SatisfiesInitialMargin(party)
		if err != nil {
			rollbackAll()
			metrics.TradesRejected.WithLabelValues("risk").Inc()
			return err
		}
		if !ok {
			rollbackAll()
			metrics.TradesRejected.WithLabelValues("margin").Inc()
			metrics.MarginBreaches.Inc()
			return fmt.Errorf("%w: %s", ErrMarginBreach, party)
		}
	}

	metrics.TradesApplied.Inc()
	slog.Info("trade applied",
		"series", seriesID,
		"buyer", buyer,
		"seller", seller,
		"qty", qty,
		"price", price.String(),
	)
	return nil
}

// checkShortLimitsLocked gathers the seller's existing short book and asks
// the limiter whether the grown short is acceptable. Caller holds e.mu.
func (e *Engine) checkShortLimitsLocked(account string, target model.Series, proposedShort int64) error {
	shorts := make(map[string]int64)
	for id, q := range e.positions[account] {
		if q < 0 && id != target.ID {
			shorts[id] = -q
		}
	}
	return e.limits.CheckShort(target, proposedShort, shorts, func(id string) (string, bool) {
		s, err := e.series.GetSeries(id)
		if err != nil {
			return "", false
		}
		return s.Underlying, true
	})
}

// WithdrawCollateral withdraws collateral only if the account's initial
// margin survives the removal. It holds the position mutation flag across
// the check and the withdrawal so no trade can raise required margin in
// between.
func (e *Engine) WithdrawCollateral(ctx context.Context, account, asset string, amount decimal.Decimal) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	preview, err := e.risk.PreviewWithdraw(account, asset, amount)
	if err != nil {
		return err
	}
	if preview.WouldBreach {
		metrics.MarginBreaches.Inc()
		return fmt.Errorf("%w: withdraw %s %s", ErrMarginBreach, amount, asset)
	}
	return e.ledger.Withdraw(ctx, account, asset, amount)
}

// FundInsurance deposits into the insurance backstop account.
func (e *Engine) FundInsurance(ctx context.Context, asset string, amount decimal.Decimal) error {
	return e.ledger.Deposit(ctx, model.SystemInsuranceAccount, asset, amount)
}

// settlementPayoffPerContract computes the per-contract payoff in
// settlement-asset smallest units from the finalized settlement price.
func settlementPayoffPerContract(s model.Series, settle decimal.Decimal, setDecimals uint8) (decimal.Decimal, error) {
	var intrinsic decimal.Decimal
	if s.IsCall {
		intrinsic = settle.Sub(s.Strike)
	} else {
		intrinsic = s.Strike.Sub(settle)
	}
	if !intrinsic.IsPositive() {
		return decimal.Zero, nil
	}
	scale, err := fixedpoint.Pow10(setDecimals)
	if err != nil {
		return decimal.Zero, err
	}
	return intrinsic.Mul(scale).Floor(), nil
}

// SettleAccount settles one account's position in an expired series against
// the finalized settlement price. Idempotent per (series, account).
func (e *Engine) SettleAccount(ctx context.Context, seriesID, account string) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	s, err := e.series.GetSeries(seriesID)
	if err != nil {
		return err
	}
	if err := registry.ValidateSeries(s); err != nil {
		return err
	}
	if !s.Expired(e.now()) {
		return fmt.Errorf("%w: %s", ErrNotExpired, seriesID)
	}
	info, err := e.series.GetSettlementInfo(seriesID)
	if err != nil {
		return err
	}
	if !info.IsFinalized {
		return fmt.Errorf("%w: %s", registry.ErrNotFinalized, seriesID)
	}
	setCfg, ok := e.ledger.Asset(s.SettlementAsset)
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrUnsupportedAsset, s.SettlementAsset)
	}

	e.mu.Lock()
	if e.settled[seriesID][account] {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrAlreadySettled, seriesID, account)
	}
	qty := e.positions[account][seriesID]
	if qty == 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: no position in %s", ErrNothingToDo, seriesID)
	}
	// Effects first: zero the position and flag settlement before any
	// ledger interaction.
	e.setQuantity(account, seriesID, 0)
	if e.settled[seriesID] == nil {
		e.settled[seriesID] = make(map[string]bool)
	}
	e.settled[seriesID][account] = true
	e.mu.Unlock()

	rollback := func() {
		e.mu.Lock()
		e.setQuantity(account, seriesID, qty)
		delete(e.settled[seriesID], account)
		e.mu.Unlock()
	}

	perContract, err := settlementPayoffPerContract(s, info.Price, setCfg.Decimals)
	if err != nil {
		rollback()
		return err
	}
	payoff := decimal.NewFromInt(qty).Mul(perContract) // signed

	acc := e.ensureAccounting(seriesID)
	collected := decimal.Zero
	badDebt := decimal.Zero

	switch {
	case payoff.IsPositive():
		if e.ledger.Claimable(model.SystemInsuranceAccount, s.SettlementAsset).LessThan(payoff) {
			rollback()
			return fmt.Errorf("%w: need %s %s", ErrInsuranceInsufficient, payoff, s.SettlementAsset)
		}
		if err := e.ledger.TransferBetween(ctx, s.SettlementAsset, model.SystemInsuranceAccount, account, payoff, model.FlowSettlement, seriesID); err != nil {
			rollback()
			return err
		}
		e.mu.Lock()
		acc.Paid = acc.Paid.Add(payoff)
		e.mu.Unlock()

	case payoff.IsNegative():
		owed := payoff.Neg()
		available := e.ledger.Claimable(account, s.SettlementAsset)
		collected = owed
		if available.LessThan(collected) {
			collected = available
		}
		if collected.IsPositive() {
			if err := e.ledger.TransferBetween(ctx, s.SettlementAsset, account, model.SystemInsuranceAccount, collected, model.FlowSettlement, seriesID); err != nil {
				rollback()
				return err
			}
		}
		badDebt = owed.Sub(collected)
		e.mu.Lock()
		acc.Collected = acc.Collected.Add(collected)
		if badDebt.IsPositive() {
			acc.BadDebt = acc.BadDebt.Add(badDebt)
		}
		e.mu.Unlock()
		if badDebt.IsPositive() {
			bd, _ := badDebt.Float64()
			metrics.BadDebt.Add(bd)
			slog.Warn("settlement bad debt",
				"series", seriesID,
				"account", account,
				"bad_debt", badDebt.String(),
			)
		}
	}

	if e.recorder != nil {
		e.recorder.RecordSettlement(ctx, model.SettlementRecord{
			ID:        uuid.New().String(),
			SeriesID:  seriesID,
			Account:   account,
			Quantity:  qty,
			Payoff:    payoff,
			BadDebt:   badDebt,
			Timestamp: e.now().UTC(),
		})
	}

	metrics.Settlements.Inc()
	slog.Info("settled",
		"series", seriesID,
		"account", account,
		"qty", qty,
		"payoff", payoff.String(),
	)
	return nil
}

func (e *Engine) ensureAccounting(seriesID string) *model.SettlementAccounting {
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, ok := e.accounting[seriesID]
	if !ok {
		acc = &model.SettlementAccounting{
			SeriesID:  seriesID,
			Collected: decimal.Zero,
			Paid:      decimal.Zero,
			BadDebt:   decimal.Zero,
		}
		e.accounting[seriesID] = acc
	}
	return acc
}
