package yield

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestVault_BootstrapOneToOne(t *testing.T) {
	v := NewVault()
	shares, err := v.Deposit(d(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !shares.Equal(d(1000)) {
		t.Errorf("bootstrap deposit minted %s shares, want 1000", shares)
	}
}

func TestVault_PreviewRoundingDirection(t *testing.T) {
	v := NewVault()
	if _, err := v.Deposit(d(1000)); err != nil {
		t.Fatal(err)
	}
	v.Accrue(d(500)) // share price now 1.5

	// Withdraw-side previews must never under-burn relative to deposit-side.
	for _, assets := range []int64{1, 7, 100, 999, 1000} {
		dep, err := v.PreviewDeposit(d(assets))
		if err != nil {
			t.Fatal(err)
		}
		wd, err := v.PreviewWithdraw(d(assets))
		if err != nil {
			t.Fatal(err)
		}
		if wd.LessThan(dep) {
			t.Errorf("assets=%d: previewWithdraw=%s < previewDeposit=%s", assets, wd, dep)
		}
		// Redeeming the withdraw-preview share count must cover the assets.
		redeem, err := v.PreviewRedeem(wd)
		if err != nil {
			t.Fatal(err)
		}
		if redeem.LessThan(d(assets)) {
			t.Errorf("assets=%d: previewRedeem(previewWithdraw)=%s < assets", assets, redeem)
		}
	}
}

func TestVault_WithdrawBurnsCeil(t *testing.T) {
	v := NewVault()
	if _, err := v.Deposit(d(1000)); err != nil {
		t.Fatal(err)
	}
	v.Accrue(d(500))

	// 100 assets at price 1.5 needs ceil(100 × 1000/1500) = 67 shares.
	burned, err := v.Withdraw(d(100), "acct")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !burned.Equal(d(67)) {
		t.Errorf("burned %s shares, want 67", burned)
	}
}

func TestVault_PreviewMatchesExecution(t *testing.T) {
	v := NewVault()
	if _, err := v.Deposit(d(12345)); err != nil {
		t.Fatal(err)
	}
	v.Accrue(d(678))

	preview, err := v.PreviewDeposit(d(500))
	if err != nil {
		t.Fatal(err)
	}
	minted, err := v.Deposit(d(500))
	if err != nil {
		t.Fatal(err)
	}
	if !minted.Equal(preview) {
		t.Errorf("minted %s, preview %s", minted, preview)
	}

	preview, err = v.PreviewWithdraw(d(300))
	if err != nil {
		t.Fatal(err)
	}
	burned, err := v.Withdraw(d(300), "acct")
	if err != nil {
		t.Fatal(err)
	}
	if !burned.Equal(preview) {
		t.Errorf("burned %s, preview %s", burned, preview)
	}
}

func TestVault_RejectsNonPositive(t *testing.T) {
	v := NewVault()
	if _, err := v.Deposit(d(0)); err != ErrNonPositiveAmount {
		t.Errorf("expected ErrNonPositiveAmount, got %v", err)
	}
	if _, err := v.Withdraw(d(-5), "acct"); err != ErrNonPositiveAmount {
		t.Errorf("expected ErrNonPositiveAmount, got %v", err)
	}
}
