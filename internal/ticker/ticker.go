// Package ticker parses human-readable option series tickers into catalog
// entries. A ticker encodes everything a cash-settled series needs:
//
//	{UNDERLYING}-{SETTLEMENT}-{YYYYMMDD}-{C|P}{STRIKE}
//
// Example: ETH-USDC-20260301-C1800 is a call on ETH, settled in USDC,
// expiring 2026-03-01 00:00 UTC, struck at 1800 USDC per whole ETH.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/model"
)

// tickerRegex matches: {UNDERLYING}-{SETTLEMENT}-{YYYYMMDD}-{C|P}{STRIKE}
// Example: ETH-USDC-20260301-C1800
var tickerRegex = regexp.MustCompile(
	`^([A-Z0-9]+)-([A-Z0-9]+)-(\d{8})-([CP])(\d+(?:\.\d+)?)$`,
)

var (
	ErrInvalidTicker = errors.New("ticker: invalid ticker format")
	ErrInvalidStrike = errors.New("ticker: strike must be positive")
)

// Parse parses and validates a series ticker string. The returned series
// uses the ticker itself as its ID, carries the canonical one-unit
// contract size, and starts active.
func Parse(t string) (model.Series, error) {
	matches := tickerRegex.FindStringSubmatch(t)
	if matches == nil {
		return model.Series{}, fmt.Errorf("%w: %s (expected {UNDERLYING}-{SETTLEMENT}-{YYYYMMDD}-{C|P}{STRIKE})",
			ErrInvalidTicker, t)
	}

	underlying := matches[1]
	settlement := matches[2]
	dateStr := matches[3]
	kind := matches[4]
	strikeStr := matches[5]

	if underlying == settlement {
		return model.Series{}, fmt.Errorf("%w: underlying equals settlement asset", ErrInvalidTicker)
	}

	expiry, err := time.Parse("20060102", dateStr)
	if err != nil {
		return model.Series{}, fmt.Errorf("%w: invalid date %s", ErrInvalidTicker, dateStr)
	}

	strike, err := decimal.NewFromString(strikeStr)
	if err != nil || !strike.IsPositive() {
		return model.Series{}, fmt.Errorf("%w: %s", ErrInvalidStrike, strikeStr)
	}

	return model.Series{
		ID:              t,
		Underlying:      underlying,
		SettlementAsset: settlement,
		Expiry:          expiry,
		Strike:          strike,
		IsCall:          kind == "C",
		ContractSize:    model.ContractUnit,
		IsActive:        true,
	}, nil
}
