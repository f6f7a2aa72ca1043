// Package yield defines the strategy adapter contract the ledger routes
// opted-in collateral through, and a reference in-memory vault.
//
// Preview rounding is part of the contract: deposit-side conversions floor
// (the strategy never mints more shares than assets cover) and withdraw-side
// conversions ceil (enough shares are always burned to cover the assets).
// The ledger additionally requires the executed result to match the preview
// exactly; any deviation is an integrity failure, not a soft mismatch.
package yield

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/fixedpoint"
)

var (
	// ErrInsufficientShares is returned when a withdrawal needs more shares
	// than the vault has outstanding.
	ErrInsufficientShares = errors.New("yield: insufficient shares")

	// ErrNonPositiveAmount is returned for zero or negative amounts.
	ErrNonPositiveAmount = errors.New("yield: amount must be positive")
)

// Adapter is the strategy interface. Implementations are untrusted external
// collaborators; the ledger validates every interaction.
type Adapter interface {
	PreviewDeposit(assets decimal.Decimal) (decimal.Decimal, error)  // floor
	PreviewWithdraw(assets decimal.Decimal) (decimal.Decimal, error) // ceil
	PreviewRedeem(shares decimal.Decimal) (decimal.Decimal, error)   // floor
	PreviewMint(shares decimal.Decimal) (decimal.Decimal, error)     // ceil

	// Deposit moves assets into the strategy and returns shares minted.
	Deposit(assets decimal.Decimal) (decimal.Decimal, error)
	// Withdraw removes assets from the strategy and returns shares burned.
	Withdraw(assets decimal.Decimal, to string) (decimal.Decimal, error)

	TotalAssets() decimal.Decimal
	TotalShares() decimal.Decimal
}

// Vault is a minimal share-accounted strategy for tests and development.
// Share price is TotalAssets/TotalShares; an empty vault converts 1:1.
type Vault struct {
	mu          sync.Mutex
	totalAssets decimal.Decimal
	totalShares decimal.Decimal
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{totalAssets: decimal.Zero, totalShares: decimal.Zero}
}

func (v *Vault) toShares(assets decimal.Decimal, ceil bool) (decimal.Decimal, error) {
	if v.totalShares.IsZero() || v.totalAssets.IsZero() {
		return assets, nil // 1:1 bootstrap
	}
	if ceil {
		return fixedpoint.MulDivCeil(assets, v.totalShares, v.totalAssets)
	}
	return fixedpoint.MulDivFloor(assets, v.totalShares, v.totalAssets)
}

func (v *Vault) toAssets(shares decimal.Decimal, ceil bool) (decimal.Decimal, error) {
	if v.totalShares.IsZero() {
		return shares, nil
	}
	if ceil {
		return fixedpoint.MulDivCeil(shares, v.totalAssets, v.totalShares)
	}
	return fixedpoint.MulDivFloor(shares, v.totalAssets, v.totalShares)
}

func (v *Vault) PreviewDeposit(assets decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.toShares(assets, false)
}

func (v *Vault) PreviewWithdraw(assets decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.toShares(assets, true)
}

func (v *Vault) PreviewRedeem(shares decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.toAssets(shares, false)
}

func (v *Vault) PreviewMint(shares decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.toAssets(shares, true)
}

func (v *Vault) Deposit(assets decimal.Decimal) (decimal.Decimal, error) {
	if !assets.IsPositive() {
		return decimal.Zero, ErrNonPositiveAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	shares, err := v.toShares(assets, false)
	if err != nil {
		return decimal.Zero, err
	}
	v.totalAssets = v.totalAssets.Add(assets)
	v.totalShares = v.totalShares.Add(shares)
	return shares, nil
}

func (v *Vault) Withdraw(assets decimal.Decimal, _ string) (decimal.Decimal, error) {
	if !assets.IsPositive() {
		return decimal.Zero, ErrNonPositiveAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	shares, err := v.toShares(assets, true)
	if err != nil {
		return decimal.Zero, err
	}
	if shares.GreaterThan(v.totalShares) {
		return decimal.Zero, ErrInsufficientShares
	}
	v.totalAssets = v.totalAssets.Sub(assets)
	v.totalShares = v.totalShares.Sub(shares)
	return shares, nil
}

func (v *Vault) TotalAssets() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalAssets
}

func (v *Vault) TotalShares() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalShares
}

// Accrue adds yield to the vault without minting shares, raising the share
// price. Test hook standing in for real strategy returns.
func (v *Vault) Accrue(assets decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.totalAssets = v.totalAssets.Add(assets)
}
