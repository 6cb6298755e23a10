package rules

import (
	"context"
	"time"

	"github.com/riskpilot/guardian/internal/config"
)

// maxQuoteAge bounds how stale a quote may be before it is excluded from
// unrealized P&L (and the result is marked partial), per spec §7.
const maxQuoteAge = 5 * time.Second

// dailyUnrealizedLossRule evaluates on every position update and on every
// timer-fire event routed to the account (spec §4.11 DailyUnrealizedLoss).
// The daemon submits no periodic tick: the only timer fires are named
// rule timers, so between position updates the rule does not run on its
// own schedule.
type dailyUnrealizedLossRule struct{}

func (dailyUnrealizedLossRule) Name() string       { return "DailyUnrealizedLoss" }
func (dailyUnrealizedLossRule) Kinds() []EventKind { return []EventKind{EventPosition, EventTimerFire} }

func (dailyUnrealizedLossRule) Evaluate(deps Deps, acct config.AccountRules, in Input) Result {
	cfg := acct.DailyUnrealizedLoss
	res := deps.Store.UnrealizedPnL(context.Background(), in.AccountID, maxQuoteAge)
	if res.Partial {
		return Result{}
	}
	if res.Total.GreaterThan(cfg.Limit) {
		return Result{}
	}
	return closeAllWithRollover(deps, in.AccountID, in.Now, "daily_unrealized_loss breached", "DailyUnrealizedLoss")
}
