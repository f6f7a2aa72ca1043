// Package ledger implements the collateral ledger: per-(account, asset)
// balances split into an idle portion and a claim on an external yield
// strategy. It is the only component that moves cash; the position engine
// routes every premium, settlement, and liquidation flow through
// TransferBetween.
//
// All amounts are integral decimals in the asset's smallest units.
// Mutations are all-or-nothing: state is updated first, adapter calls come
// after, and any adapter deviation rolls the mutation back and fails the
// call ("effects before external interaction").
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/model"
	"github.com/optx/margin-engine/internal/yield"
)

var (
	// ErrUnsupportedAsset is returned for an asset with no enabled config.
	ErrUnsupportedAsset = errors.New("ledger: unsupported asset")

	// ErrNonPositiveAmount is returned for zero or negative amounts.
	ErrNonPositiveAmount = errors.New("ledger: amount must be positive")

	// ErrNonIntegralAmount is returned for amounts that are not whole
	// smallest units.
	ErrNonIntegralAmount = errors.New("ledger: amount must be integral smallest units")

	// ErrInsufficientBalance is returned when claimable balance cannot
	// cover an outflow.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrSelfTransfer is returned when from == to.
	ErrSelfTransfer = errors.New("ledger: transfer to self")

	// ErrNoStrategy is returned when a strategy operation targets an asset
	// without a configured adapter.
	ErrNoStrategy = errors.New("ledger: no strategy configured")

	// ErrStrategyInUse forbids switching adapters while shares are
	// outstanding; doing so would orphan user claims.
	ErrStrategyInUse = errors.New("ledger: strategy has outstanding shares")

	// ErrAdapterMismatch is a hard integrity failure: the adapter minted or
	// burned a share count different from its own preview.
	ErrAdapterMismatch = errors.New("ledger: adapter share count mismatch")

	// ErrBusy is returned when a mutating call arrives while another ledger
	// mutation is in progress (re-entrancy or contention); callers retry.
	ErrBusy = errors.New("ledger: mutation already in progress")

	// ErrDecimalsOutOfRange rejects asset configs whose decimals exceed the
	// bounded scaling table.
	ErrDecimalsOutOfRange = errors.New("ledger: asset decimals out of range")
)

// Recorder receives immutable cash-flow records after a mutation commits.
// Recording is best-effort: the journal is a rebuildable projection and its
// failure never fails the mutation that produced the flow.
type Recorder interface {
	RecordCashFlow(ctx context.Context, flow model.CashFlow)
}

type balance struct {
	idle      decimal.Decimal
	shares    decimal.Decimal
	claimable decimal.Decimal // cached; resynced after every mutation
}

// Ledger owns all collateral balances exclusively.
type Ledger struct {
	// busy is the single-writer in-progress flag for the ledger mutation
	// group. A mutating call that finds it set fails with ErrBusy instead
	// of deadlocking on a re-entrant adapter callback.
	busy atomic.Bool

	mu          sync.RWMutex
	assets      map[string]model.AssetConfig
	balances    map[string]map[string]*balance // account → asset → balance
	strategies  map[string]yield.Adapter       // asset → adapter
	shareTotals map[string]decimal.Decimal     // asset → outstanding shares
	optIn       map[string]bool                // account → yield participation

	recorder Recorder
	now      func() time.Time
}

// New creates an empty ledger. recorder and now may be nil.
func New(recorder Recorder, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		assets:      make(map[string]model.AssetConfig),
		balances:    make(map[string]map[string]*balance),
		strategies:  make(map[string]yield.Adapter),
		shareTotals: make(map[string]decimal.Decimal),
		optIn:       make(map[string]bool),
		recorder:    recorder,
		now:         now,
	}
}

func (l *Ledger) enter() error {
	if !l.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (l *Ledger) exit() { l.busy.Store(false) }

// SetAsset installs or updates an asset configuration.
func (l *Ledger) SetAsset(cfg model.AssetConfig) error {
	if cfg.Decimals > model.MaxAssetDecimals {
		return fmt.Errorf("%w: %s has %d decimals", ErrDecimalsOutOfRange, cfg.Symbol, cfg.Decimals)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assets[cfg.Symbol] = cfg
	return nil
}

// Asset returns the config for a symbol.
func (l *Ledger) Asset(symbol string) (model.AssetConfig, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cfg, ok := l.assets[symbol]
	return cfg, ok
}

// Assets returns all configured assets.
func (l *Ledger) Assets() []model.AssetConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.AssetConfig, 0, len(l.assets))
	for _, cfg := range l.assets {
		out = append(out, cfg)
	}
	return out
}

// SetYieldOptIn flips an account's yield participation. Opting out does not
// unwind existing strategy shares.
func (l *Ledger) SetYieldOptIn(account string, optIn bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.optIn[account] = optIn
}

// SetStrategy configures the yield adapter for an asset. Switching is
// forbidden while the current adapter has outstanding shares.
func (l *Ledger) SetStrategy(asset string, adapter yield.Adapter) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.assets[asset]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	if total, ok := l.shareTotals[asset]; ok && !total.IsZero() {
		return fmt.Errorf("%w: %s", ErrStrategyInUse, asset)
	}
	if adapter == nil {
		delete(l.strategies, asset)
	} else {
		l.strategies[asset] = adapter
	}
	return nil
}

func (l *Ledger) supported(asset string) (model.AssetConfig, error) {
	cfg, ok := l.assets[asset]
	if !ok || !cfg.Supported {
		return model.AssetConfig{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	return cfg, nil
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if !amount.Equal(amount.Floor()) {
		return fmt.Errorf("%w: %s", ErrNonIntegralAmount, amount)
	}
	return nil
}

func (l *Ledger) bal(account, asset string) *balance {
	byAsset, ok := l.balances[account]
	if !ok {
		byAsset = make(map[string]*balance)
		l.balances[account] = byAsset
	}
	b, ok := byAsset[asset]
	if !ok {
		b = &balance{idle: decimal.Zero, shares: decimal.Zero, claimable: decimal.Zero}
		byAsset[asset] = b
	}
	return b
}

// sync recomputes the cached claimable balance. Adapter preview failures
// surface as errors so the caller can roll back.
func (l *Ledger) sync(b *balance, asset string) error {
	claimable := b.idle
	if !b.shares.IsZero() {
		adapter, ok := l.strategies[asset]
		if !ok {
			return fmt.Errorf("%w: %s has outstanding shares", ErrNoStrategy, asset)
		}
		assets, err := adapter.PreviewRedeem(b.shares)
		if err != nil {
			return fmt.Errorf("ledger: preview redeem: %w", err)
		}
		claimable = claimable.Add(assets)
	}
	b.claimable = claimable
	return nil
}

func (l *Ledger) record(ctx context.Context, kind model.CashFlowKind, asset, from, to string, amount decimal.Decimal, ref string) {
	if l.recorder == nil {
		return
	}
	l.recorder.RecordCashFlow(ctx, model.CashFlow{
		ID:        uuid.New().String(),
		Kind:      kind,
		Asset:     asset,
		From:      from,
		To:        to,
		Amount:    amount,
		Ref:       ref,
		Timestamp: l.now().UTC(),
	})
}

// Deposit credits an account. When the account opted into yield and a
// strategy is configured for the asset, the deposit routes straight into
// strategy shares; the adapter must mint exactly what it previewed.
func (l *Ledger) Deposit(ctx context.Context, account, asset string, amount decimal.Decimal) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	if err := validAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.supported(asset); err != nil {
		return err
	}

	b := l.bal(account, asset)
	adapter, hasStrategy := l.strategies[asset]
	if l.optIn[account] && hasStrategy {
		previewed, err := adapter.PreviewDeposit(amount)
		if err != nil {
			return fmt.Errorf("ledger: preview deposit: %w", err)
		}
		prev := *b
		prevTotal := l.shareTotals[asset]
		b.shares = b.shares.Add(previewed)
		l.shareTotals[asset] = prevTotal.Add(previewed)

		minted, err := adapter.Deposit(amount)
		if err != nil || !minted.Equal(previewed) {
			*b = prev
			l.shareTotals[asset] = prevTotal
			if err != nil {
				return fmt.Errorf("ledger: strategy deposit: %w", err)
			}
			return fmt.Errorf("%w: minted %s, previewed %s", ErrAdapterMismatch, minted, previewed)
		}
		if err := l.sync(b, asset); err != nil {
			*b = prev
			l.shareTotals[asset] = prevTotal
			return err
		}
	} else {
		b.idle = b.idle.Add(amount)
		if err := l.sync(b, asset); err != nil {
			b.idle = b.idle.Sub(amount)
			return err
		}
	}

	l.record(ctx, model.FlowDeposit, asset, "", account, amount, "")
	slog.Debug("deposit", "account", account, "asset", asset, "amount", amount.String())
	return nil
}

// drain removes amount from a balance, idle first, burning strategy shares
// for any shortfall. Caller holds the write lock; on error the balance is
// left untouched.
func (l *Ledger) drain(account, asset string, b *balance, amount decimal.Decimal) error {
	if b.claimable.LessThan(amount) {
		return fmt.Errorf("%w: %s %s has %s, need %s", ErrInsufficientBalance, account, asset, b.claimable, amount)
	}

	prev := *b
	prevTotal := l.shareTotals[asset]

	shortfall := amount.Sub(b.idle)
	if !shortfall.IsPositive() {
		b.idle = b.idle.Sub(amount)
		if err := l.sync(b, asset); err != nil {
			*b = prev
			return err
		}
		return nil
	}

	adapter, ok := l.strategies[asset]
	if !ok {
		// Shares exist but no adapter can redeem them. Fail closed.
		return fmt.Errorf("%w: %s has outstanding shares", ErrNoStrategy, asset)
	}
	previewed, err := adapter.PreviewWithdraw(shortfall)
	if err != nil {
		return fmt.Errorf("ledger: preview withdraw: %w", err)
	}
	if previewed.GreaterThan(b.shares) {
		return fmt.Errorf("%w: %s %s needs %s shares, has %s", ErrInsufficientBalance, account, asset, previewed, b.shares)
	}

	b.idle = decimal.Zero
	b.shares = b.shares.Sub(previewed)
	l.shareTotals[asset] = prevTotal.Sub(previewed)

	burned, err := adapter.Withdraw(shortfall, account)
	if err != nil || !burned.Equal(previewed) {
		*b = prev
		l.shareTotals[asset] = prevTotal
		if err != nil {
			return fmt.Errorf("ledger: strategy withdraw: %w", err)
		}
		return fmt.Errorf("%w: burned %s, previewed %s", ErrAdapterMismatch, burned, previewed)
	}
	if err := l.sync(b, asset); err != nil {
		*b = prev
		l.shareTotals[asset] = prevTotal
		return err
	}
	return nil
}

// Withdraw removes amount from an account, idle first then strategy shares.
func (l *Ledger) Withdraw(ctx context.Context, account, asset string, amount decimal.Decimal) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	if err := validAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.supported(asset); err != nil {
		return err
	}

	b := l.bal(account, asset)
	if err := l.drain(account, asset, b, amount); err != nil {
		return err
	}

	l.record(ctx, model.FlowWithdraw, asset, account, "", amount, "")
	slog.Debug("withdraw", "account", account, "asset", asset, "amount", amount.String())
	return nil
}

// TransferBetween moves amount from one account to another. This is the
// only entry point the position engine uses for premium, settlement, and
// liquidation cashflows. Either all legs succeed or the call fails with no
// state change.
func (l *Ledger) TransferBetween(ctx context.Context, asset, from, to string, amount decimal.Decimal, kind model.CashFlowKind, ref string) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	if from == to {
		return ErrSelfTransfer
	}
	if err := validAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.supported(asset); err != nil {
		return err
	}

	src := l.bal(from, asset)
	dst := l.bal(to, asset)

	if err := l.drain(from, asset, src, amount); err != nil {
		return err
	}
	dst.idle = dst.idle.Add(amount)
	if err := l.sync(dst, asset); err != nil {
		// Undo both legs; the source drain may have burned shares, which we
		// cannot reconstruct, so credit the drained value back as idle.
		dst.idle = dst.idle.Sub(amount)
		src.idle = src.idle.Add(amount)
		_ = l.sync(src, asset)
		return err
	}

	l.record(ctx, kind, asset, from, to, amount, ref)
	return nil
}

// MoveToStrategy routes idle balance into strategy shares.
func (l *Ledger) MoveToStrategy(ctx context.Context, account, asset string, amount decimal.Decimal) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	if err := validAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.supported(asset); err != nil {
		return err
	}
	adapter, ok := l.strategies[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoStrategy, asset)
	}

	b := l.bal(account, asset)
	if b.idle.LessThan(amount) {
		return fmt.Errorf("%w: idle %s, need %s", ErrInsufficientBalance, b.idle, amount)
	}

	previewed, err := adapter.PreviewDeposit(amount)
	if err != nil {
		return fmt.Errorf("ledger: preview deposit: %w", err)
	}

	prev := *b
	prevTotal := l.shareTotals[asset]
	b.idle = b.idle.Sub(amount)
	b.shares = b.shares.Add(previewed)
	l.shareTotals[asset] = prevTotal.Add(previewed)

	minted, err := adapter.Deposit(amount)
	if err != nil || !minted.Equal(previewed) {
		*b = prev
		l.shareTotals[asset] = prevTotal
		if err != nil {
			return fmt.Errorf("ledger: strategy deposit: %w", err)
		}
		return fmt.Errorf("%w: minted %s, previewed %s", ErrAdapterMismatch, minted, previewed)
	}
	if err := l.sync(b, asset); err != nil {
		*b = prev
		l.shareTotals[asset] = prevTotal
		return err
	}
	return nil
}

// MoveToIdle redeems amount of assets from the strategy back to idle.
func (l *Ledger) MoveToIdle(ctx context.Context, account, asset string, amount decimal.Decimal) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	if err := validAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.supported(asset); err != nil {
		return err
	}
	adapter, ok := l.strategies[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoStrategy, asset)
	}

	b := l.bal(account, asset)
	previewed, err := adapter.PreviewWithdraw(amount)
	if err != nil {
		return fmt.Errorf("ledger: preview withdraw: %w", err)
	}
	if previewed.GreaterThan(b.shares) {
		return fmt.Errorf("%w: need %s shares, have %s", ErrInsufficientBalance, previewed, b.shares)
	}

	prev := *b
	prevTotal := l.shareTotals[asset]
	b.shares = b.shares.Sub(previewed)
	b.idle = b.idle.Add(amount)
	l.shareTotals[asset] = prevTotal.Sub(previewed)

	burned, err := adapter.Withdraw(amount, account)
	if err != nil || !burned.Equal(previewed) {
		*b = prev
		l.shareTotals[asset] = prevTotal
		if err != nil {
			return fmt.Errorf("ledger: strategy withdraw: %w", err)
		}
		return fmt.Errorf("%w: burned %s, previewed %s", ErrAdapterMismatch, burned, previewed)
	}
	if err := l.sync(b, asset); err != nil {
		*b = prev
		l.shareTotals[asset] = prevTotal
		return err
	}
	return nil
}

// Claimable returns the cached idle + redeemable balance.
func (l *Ledger) Claimable(account, asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if byAsset, ok := l.balances[account]; ok {
		if b, ok := byAsset[asset]; ok {
			return b.claimable
		}
	}
	return decimal.Zero
}

// Idle returns the liquid portion of a balance.
func (l *Ledger) Idle(account, asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if byAsset, ok := l.balances[account]; ok {
		if b, ok := byAsset[asset]; ok {
			return b.idle
		}
	}
	return decimal.Zero
}

// StrategyShares returns the share portion of a balance.
func (l *Ledger) StrategyShares(account, asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if byAsset, ok := l.balances[account]; ok {
		if b, ok := byAsset[asset]; ok {
			return b.shares
		}
	}
	return decimal.Zero
}

// Balances returns every non-zero claimable balance for an account.
func (l *Ledger) Balances(account string) map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]decimal.Decimal)
	for asset, b := range l.balances[account] {
		if !b.claimable.IsZero() {
			out[asset] = b.claimable
		}
	}
	return out
}
