package ticker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParse_ValidCall(t *testing.T) {
	s, err := Parse("ETH-USDC-20260301-C1800")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ID != "ETH-USDC-20260301-C1800" {
		t.Errorf("expected id to echo the ticker, got %s", s.ID)
	}
	if s.Underlying != "ETH" {
		t.Errorf("expected underlying=ETH, got %s", s.Underlying)
	}
	if s.SettlementAsset != "USDC" {
		t.Errorf("expected settlement_asset=USDC, got %s", s.SettlementAsset)
	}
	expected := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !s.Expiry.Equal(expected) {
		t.Errorf("expected expiry=%v, got %v", expected, s.Expiry)
	}
	if !s.IsCall {
		t.Error("expected a call")
	}
	if !s.Strike.Equal(decimal.NewFromInt(1800)) {
		t.Errorf("expected strike=1800, got %s", s.Strike)
	}
	if !s.IsActive {
		t.Error("expected new series to start active")
	}
}

func TestParse_ValidPutWithFractionalStrike(t *testing.T) {
	s, err := Parse("WBTC-USDC-20261224-P62500.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.IsCall {
		t.Error("expected a put")
	}
	if !s.Strike.Equal(decimal.NewFromFloat(62500.5)) {
		t.Errorf("expected strike=62500.5, got %s", s.Strike)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"ETH-USDC",
		"ETH-USDC-20260301",
		"ETH-USDC-20260301-X1800", // unknown kind
		"ETH-USDC-notadate-C1800", // bad date
		"eth-USDC-20260301-C1800", // lowercase underlying
		"ETH-USDC-20260301-C-1800", // negative strike shape
		"ETH-ETH-20260301-C1800", // underlying == settlement
		"ETH-USDC-20261301-C1800", // month 13
		"ETH-USDC-20260301-C0", // zero strike
	}
	for _, tk := range tests {
		if _, err := Parse(tk); err == nil {
			t.Errorf("expected error for ticker %q", tk)
		}
	}
}
