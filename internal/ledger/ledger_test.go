package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/model"
	"github.com/optx/margin-engine/internal/yield"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New(nil, nil)
	if err := l.SetAsset(model.AssetConfig{Symbol: "USDC", Supported: true, Decimals: 6}); err != nil {
		t.Fatal(err)
	}
	if err := l.SetAsset(model.AssetConfig{Symbol: "WBTC", Supported: true, Decimals: 8, HaircutBps: 1000}); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestDepositWithdraw_Idle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.Deposit(ctx, "alice", "USDC", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := l.Claimable("alice", "USDC"); !got.Equal(d(1000)) {
		t.Errorf("claimable = %s, want 1000", got)
	}
	if err := l.Withdraw(ctx, "alice", "USDC", d(400)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := l.Claimable("alice", "USDC"); !got.Equal(d(600)) {
		t.Errorf("claimable = %s, want 600", got)
	}
	if err := l.Withdraw(ctx, "alice", "USDC", d(601)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestDeposit_Validation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.Deposit(ctx, "alice", "DOGE", d(1)); !errors.Is(err, ErrUnsupportedAsset) {
		t.Errorf("unsupported asset: got %v", err)
	}
	if err := l.Deposit(ctx, "alice", "USDC", d(0)); !errors.Is(err, ErrNonPositiveAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	frac, _ := decimal.NewFromString("1.5")
	if err := l.Deposit(ctx, "alice", "USDC", frac); !errors.Is(err, ErrNonIntegralAmount) {
		t.Errorf("fractional amount: got %v", err)
	}
	if err := l.SetAsset(model.AssetConfig{Symbol: "WEIRD", Supported: true, Decimals: 77}); !errors.Is(err, ErrDecimalsOutOfRange) {
		t.Errorf("decimals bound: got %v", err)
	}
}

func TestTransferBetween(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.Deposit(ctx, "alice", "USDC", d(500)); err != nil {
		t.Fatal(err)
	}
	if err := l.TransferBetween(ctx, "USDC", "alice", "bob", d(200), model.FlowPremium, "OPT-1"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := l.Claimable("alice", "USDC"); !got.Equal(d(300)) {
		t.Errorf("alice = %s, want 300", got)
	}
	if got := l.Claimable("bob", "USDC"); !got.Equal(d(200)) {
		t.Errorf("bob = %s, want 200", got)
	}

	if err := l.TransferBetween(ctx, "USDC", "alice", "alice", d(1), model.FlowPremium, ""); !errors.Is(err, ErrSelfTransfer) {
		t.Errorf("self transfer: got %v", err)
	}
	if err := l.TransferBetween(ctx, "USDC", "alice", "bob", d(0), model.FlowPremium, ""); !errors.Is(err, ErrNonPositiveAmount) {
		t.Errorf("zero transfer: got %v", err)
	}
	if err := l.TransferBetween(ctx, "DOGE", "alice", "bob", d(1), model.FlowPremium, ""); !errors.Is(err, ErrUnsupportedAsset) {
		t.Errorf("unsupported transfer: got %v", err)
	}
}

func TestConservation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	deposited := d(0)
	withdrawn := d(0)

	ops := []struct {
		account string
		deposit int64
	}{
		{"alice", 1000}, {"bob", 750}, {"carol", 333},
	}
	for _, op := range ops {
		if err := l.Deposit(ctx, op.account, "USDC", d(op.deposit)); err != nil {
			t.Fatal(err)
		}
		deposited = deposited.Add(d(op.deposit))
	}
	if err := l.TransferBetween(ctx, "USDC", "alice", "bob", d(123), model.FlowPremium, ""); err != nil {
		t.Fatal(err)
	}
	if err := l.Withdraw(ctx, "carol", "USDC", d(33)); err != nil {
		t.Fatal(err)
	}
	withdrawn = withdrawn.Add(d(33))

	total := d(0)
	for _, acct := range []string{"alice", "bob", "carol"} {
		total = total.Add(l.Claimable(acct, "USDC"))
	}
	want := deposited.Sub(withdrawn)
	if !total.Equal(want) {
		t.Errorf("Σ claimable = %s, want %s", total, want)
	}
}

func TestYieldRouting_OptIn(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	vault := yield.NewVault()

	if err := l.SetStrategy("USDC", vault); err != nil {
		t.Fatal(err)
	}
	l.SetYieldOptIn("alice", true)

	if err := l.Deposit(ctx, "alice", "USDC", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := l.Idle("alice", "USDC"); !got.IsZero() {
		t.Errorf("idle = %s, want 0 (routed to strategy)", got)
	}
	if got := l.StrategyShares("alice", "USDC"); !got.Equal(d(1000)) {
		t.Errorf("shares = %s, want 1000", got)
	}
	if got := l.Claimable("alice", "USDC"); !got.Equal(d(1000)) {
		t.Errorf("claimable = %s, want 1000", got)
	}

	// Yield accrues; claimable reflects it after the next sync.
	vault.Accrue(d(100))
	if err := l.Deposit(ctx, "bob", "USDC", d(50)); err != nil { // bob not opted in
		t.Fatal(err)
	}
	if got := l.Idle("bob", "USDC"); !got.Equal(d(50)) {
		t.Errorf("bob idle = %s, want 50 (no opt-in)", got)
	}

	// Withdraw drains idle first, then burns shares.
	if err := l.Withdraw(ctx, "alice", "USDC", d(500)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := l.Idle("alice", "USDC"); !got.IsZero() {
		t.Errorf("idle after withdraw = %s, want 0", got)
	}
	if l.StrategyShares("alice", "USDC").GreaterThanOrEqual(d(1000)) {
		t.Error("shares should have been burned")
	}
}

func TestWithdraw_DrainsIdleFirst(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	vault := yield.NewVault()
	if err := l.SetStrategy("USDC", vault); err != nil {
		t.Fatal(err)
	}

	if err := l.Deposit(ctx, "alice", "USDC", d(1000)); err != nil {
		t.Fatal(err)
	}
	if err := l.MoveToStrategy(ctx, "alice", "USDC", d(600)); err != nil {
		t.Fatal(err)
	}
	if got := l.Idle("alice", "USDC"); !got.Equal(d(400)) {
		t.Fatalf("idle = %s, want 400", got)
	}

	// 500 out: 400 idle + 100 from shares.
	if err := l.Withdraw(ctx, "alice", "USDC", d(500)); err != nil {
		t.Fatal(err)
	}
	if got := l.Idle("alice", "USDC"); !got.IsZero() {
		t.Errorf("idle = %s, want 0", got)
	}
	if got := l.StrategyShares("alice", "USDC"); !got.Equal(d(500)) {
		t.Errorf("shares = %s, want 500", got)
	}
}

func TestMoveToIdle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	vault := yield.NewVault()
	if err := l.SetStrategy("USDC", vault); err != nil {
		t.Fatal(err)
	}
	if err := l.Deposit(ctx, "alice", "USDC", d(1000)); err != nil {
		t.Fatal(err)
	}
	if err := l.MoveToStrategy(ctx, "alice", "USDC", d(1000)); err != nil {
		t.Fatal(err)
	}
	if err := l.MoveToIdle(ctx, "alice", "USDC", d(250)); err != nil {
		t.Fatal(err)
	}
	if got := l.Idle("alice", "USDC"); !got.Equal(d(250)) {
		t.Errorf("idle = %s, want 250", got)
	}
	if got := l.Claimable("alice", "USDC"); !got.Equal(d(1000)) {
		t.Errorf("claimable = %s, want 1000", got)
	}
}

func TestSetStrategy_ForbiddenWithOutstandingShares(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	vault := yield.NewVault()
	if err := l.SetStrategy("USDC", vault); err != nil {
		t.Fatal(err)
	}
	l.SetYieldOptIn("alice", true)
	if err := l.Deposit(ctx, "alice", "USDC", d(100)); err != nil {
		t.Fatal(err)
	}

	if err := l.SetStrategy("USDC", yield.NewVault()); !errors.Is(err, ErrStrategyInUse) {
		t.Errorf("expected ErrStrategyInUse, got %v", err)
	}

	// After all shares are burned, switching is allowed again.
	if err := l.Withdraw(ctx, "alice", "USDC", d(100)); err != nil {
		t.Fatal(err)
	}
	if err := l.SetStrategy("USDC", yield.NewVault()); err != nil {
		t.Errorf("switch after unwind should succeed: %v", err)
	}
}

// mismatchAdapter wraps a vault but lies about minted shares.
type mismatchAdapter struct {
	*yield.Vault
}

func (m *mismatchAdapter) Deposit(assets decimal.Decimal) (decimal.Decimal, error) {
	minted, err := m.Vault.Deposit(assets)
	if err != nil {
		return decimal.Zero, err
	}
	return minted.Add(decimal.NewFromInt(1)), nil
}

func TestAdapterMismatch_FailsClosed(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.SetStrategy("USDC", &mismatchAdapter{yield.NewVault()}); err != nil {
		t.Fatal(err)
	}
	l.SetYieldOptIn("alice", true)

	err := l.Deposit(ctx, "alice", "USDC", d(100))
	if !errors.Is(err, ErrAdapterMismatch) {
		t.Fatalf("expected ErrAdapterMismatch, got %v", err)
	}
	// No partial state.
	if got := l.Claimable("alice", "USDC"); !got.IsZero() {
		t.Errorf("claimable = %s, want 0 after rollback", got)
	}
	if got := l.StrategyShares("alice", "USDC"); !got.IsZero() {
		t.Errorf("shares = %s, want 0 after rollback", got)
	}
}

// reentrantAdapter calls back into the ledger mid-deposit.
type reentrantAdapter struct {
	*yield.Vault
	l   *Ledger
	err error
}

func (r *reentrantAdapter) Deposit(assets decimal.Decimal) (decimal.Decimal, error) {
	r.err = r.l.Deposit(context.Background(), "mallory", "USDC", decimal.NewFromInt(1))
	return r.Vault.Deposit(assets)
}

func TestReentrantMutation_Rejected(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	adapter := &reentrantAdapter{Vault: yield.NewVault(), l: l}
	if err := l.SetStrategy("USDC", adapter); err != nil {
		t.Fatal(err)
	}
	l.SetYieldOptIn("alice", true)

	if err := l.Deposit(ctx, "alice", "USDC", d(100)); err != nil {
		t.Fatalf("outer deposit should succeed: %v", err)
	}
	if !errors.Is(adapter.err, ErrBusy) {
		t.Errorf("re-entrant deposit should hit ErrBusy, got %v", adapter.err)
	}
	if got := l.Claimable("mallory", "USDC"); !got.IsZero() {
		t.Errorf("re-entrant deposit must not apply, mallory = %s", got)
	}
}

func TestSharesWithoutAdapter_FailClosed(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	vault := yield.NewVault()
	if err := l.SetStrategy("USDC", vault); err != nil {
		t.Fatal(err)
	}
	l.SetYieldOptIn("alice", true)
	if err := l.Deposit(ctx, "alice", "USDC", d(100)); err != nil {
		t.Fatal(err)
	}
	// MoveToIdle for more than the strategy holds for this account.
	if err := l.MoveToIdle(ctx, "alice", "USDC", d(500)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}
