package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/model"
)

func call(id string) model.Series {
	return model.Series{
		ID:              id,
		Underlying:      "ETH",
		SettlementAsset: "USDC",
		Expiry:          time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Strike:          decimal.NewFromInt(100),
		IsCall:          true,
		ContractSize:    model.ContractUnit,
		IsActive:        true,
	}
}

func TestMemory_PutGetActivate(t *testing.T) {
	m := NewMemory()
	m.Put(call("ETH-C100"))

	s, err := m.GetSeries("ETH-C100")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !s.IsActive {
		t.Error("expected active series")
	}

	if err := m.SetActive("ETH-C100", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	s, _ = m.GetSeries("ETH-C100")
	if s.IsActive {
		t.Error("expected close-only series after deactivation")
	}

	if _, err := m.GetSeries("missing"); !errors.Is(err, ErrSeriesNotFound) {
		t.Errorf("got %v, want ErrSeriesNotFound", err)
	}
	if err := m.SetActive("missing", true); !errors.Is(err, ErrSeriesNotFound) {
		t.Errorf("got %v, want ErrSeriesNotFound", err)
	}
}

func TestMemory_Finalize(t *testing.T) {
	m := NewMemory()
	m.Put(call("ETH-C100"))

	info, err := m.GetSettlementInfo("ETH-C100")
	if err != nil {
		t.Fatalf("settlement info: %v", err)
	}
	if info.IsFinalized {
		t.Error("expected unfinalized series")
	}

	if err := m.Finalize("missing", decimal.NewFromInt(150)); !errors.Is(err, ErrSeriesNotFound) {
		t.Errorf("got %v, want ErrSeriesNotFound", err)
	}
	if err := m.Finalize("ETH-C100", decimal.NewFromInt(150)); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	info, err = m.GetSettlementInfo("ETH-C100")
	if err != nil {
		t.Fatalf("settlement info: %v", err)
	}
	if !info.IsFinalized || !info.Price.Equal(decimal.NewFromInt(150)) {
		t.Errorf("info = %+v, want finalized at 150", info)
	}
}

func TestValidateSeries_ContractSize(t *testing.T) {
	s := call("ETH-C100")
	if err := ValidateSeries(s); err != nil {
		t.Fatalf("canonical size: %v", err)
	}
	s.ContractSize = decimal.NewFromInt(10)
	if err := ValidateSeries(s); !errors.Is(err, ErrContractSize) {
		t.Errorf("got %v, want ErrContractSize", err)
	}
}
