// Package seizure plans which non-base collateral to take when a liquidation
// penalty cannot be covered from the base asset alone. The planner only
// proposes; the position engine re-caps every leg at the trader's live
// balance and stops once the target value is reached.
package seizure

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/position"
	"github.com/optx/margin-engine/internal/risk"
)

// Planner orders seizure legs by descending base value so the fewest assets
// are touched. Assets the oracle cannot price are left out entirely.
type Planner struct {
	risk *risk.Engine
}

// NewPlanner builds a planner over the given risk engine.
func NewPlanner(r *risk.Engine) *Planner {
	return &Planner{risk: r}
}

type candidate struct {
	asset  string
	amount decimal.Decimal
	value  decimal.Decimal
}

// Plan proposes seizure steps covering targetBase, largest holdings first.
func (p *Planner) Plan(account string, balances map[string]decimal.Decimal, targetBase decimal.Decimal) ([]position.SeizureStep, error) {
	candidates := make([]candidate, 0, len(balances))
	for asset, amount := range balances {
		if !amount.IsPositive() {
			continue
		}
		value, err := p.risk.ConvertToBase(asset, amount)
		if err != nil || !value.IsPositive() {
			continue
		}
		candidates = append(candidates, candidate{asset, amount, value})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].value.Equal(candidates[j].value) {
			return candidates[i].value.GreaterThan(candidates[j].value)
		}
		return candidates[i].asset < candidates[j].asset
	})

	steps := make([]position.SeizureStep, 0, len(candidates))
	covered := decimal.Zero
	for _, c := range candidates {
		if covered.GreaterThanOrEqual(targetBase) {
			break
		}
		steps = append(steps, position.SeizureStep{Asset: c.asset, Amount: c.amount})
		covered = covered.Add(c.value)
	}
	return steps, nil
}
