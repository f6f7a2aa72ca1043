// Package exposure implements short-position limits that account for
// correlation between series on the same underlying.
//
// A writer short fifty calls spread across ten ETH strikes has the same
// directional risk as a writer short fifty contracts of one series: a
// single underlying move puts the whole book under water at once. This
// package groups short exposure by underlying and enforces aggregate
// limits alongside a per-series cap.
package exposure

import (
	"errors"

	"github.com/optx/margin-engine/internal/model"
)

var (
	// ErrPerSeriesLimitExceeded is returned when a trade would push a
	// single series' short position beyond the per-series maximum.
	ErrPerSeriesLimitExceeded = errors.New("exposure: per-series short limit exceeded")

	// ErrUnderlyingLimitExceeded is returned when a trade would push the
	// aggregate short exposure across all series on one underlying beyond
	// the correlated maximum.
	ErrUnderlyingLimitExceeded = errors.New("exposure: correlated short limit exceeded")
)

// Limiter enforces short-contract limits with correlation awareness.
// Long positions are never limited; a holder's loss is capped at the
// premium paid, so concentration there is the holder's problem alone.
type Limiter struct {
	// MaxPerSeries is the maximum short contracts in any single series.
	MaxPerSeries int64

	// MaxPerUnderlying is the maximum aggregate short contracts across
	// all series sharing the target's underlying.
	MaxPerUnderlying int64
}

// NewLimiter creates a limiter with the given per-series and correlated
// short limits. The correlated limit is never tighter than the per-series
// one.
func NewLimiter(maxPerSeries, maxPerUnderlying int64) *Limiter {
	if maxPerSeries < 1 {
		maxPerSeries = 1
	}
	if maxPerUnderlying < maxPerSeries {
		maxPerUnderlying = maxPerSeries
	}
	return &Limiter{
		MaxPerSeries:     maxPerSeries,
		MaxPerUnderlying: maxPerUnderlying,
	}
}

// CheckShort validates whether an increased short respects the limits.
//
// Parameters:
//   - target: the series being shorted
//   - proposedShort: the account's short contracts in target after the trade
//   - existingShorts: map of series ID → current short contracts for this
//     account (the target entry, if present, is ignored in favor of
//     proposedShort)
//   - underlyingOf: resolves a series ID to its underlying; series it
//     cannot resolve are excluded from the correlated sum
//
// Returns nil if the trade is within limits, or an error naming the
// violated limit.
func (l *Limiter) CheckShort(
	target model.Series,
	proposedShort int64,
	existingShorts map[string]int64,
	underlyingOf func(seriesID string) (string, bool),
) error {
	if proposedShort > l.MaxPerSeries {
		return ErrPerSeriesLimitExceeded
	}

	total := proposedShort
	for seriesID, short := range existingShorts {
		if seriesID == target.ID {
			continue
		}
		u, ok := underlyingOf(seriesID)
		if !ok || u != target.Underlying {
			continue
		}
		total += short
	}

	if total > l.MaxPerUnderlying {
		return ErrUnderlyingLimitExceeded
	}
	return nil
}
