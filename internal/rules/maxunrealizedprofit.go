package rules

import (
	"context"

	"github.com/riskpilot/guardian/internal/config"
)

// maxUnrealizedProfitRule is symmetric to dailyUnrealizedLossRule with a
// positive limit: it locks in gains rather than cutting losses (spec
// §4.11 MaxUnrealizedProfit).
type maxUnrealizedProfitRule struct{}

func (maxUnrealizedProfitRule) Name() string       { return "MaxUnrealizedProfit" }
func (maxUnrealizedProfitRule) Kinds() []EventKind { return []EventKind{EventPosition, EventTimerFire} }

func (maxUnrealizedProfitRule) Evaluate(deps Deps, acct config.AccountRules, in Input) Result {
	cfg := acct.MaxUnrealizedProfit
	res := deps.Store.UnrealizedPnL(context.Background(), in.AccountID, maxQuoteAge)
	if res.Partial {
		return Result{}
	}
	if res.Total.LessThan(cfg.Limit) {
		return Result{}
	}
	return closeAllWithRollover(deps, in.AccountID, in.Now, "max_unrealized_profit reached", "MaxUnrealizedProfit")
}
