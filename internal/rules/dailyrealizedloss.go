package rules

import (
	"time"

	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/enforcement"
)

// dailyRealizedLossRule closes everything and locks the account out until
// the next rollover once today's realized P&L crosses a negative limit
// (spec §4.11 DailyRealizedLoss).
type dailyRealizedLossRule struct{}

func (dailyRealizedLossRule) Name() string       { return "DailyRealizedLoss" }
func (dailyRealizedLossRule) Kinds() []EventKind { return []EventKind{EventTrade} }

func (dailyRealizedLossRule) Evaluate(deps Deps, acct config.AccountRules, in Input) Result {
	if in.Trade == nil || !in.Trade.HasRealizedPnL() {
		return Result{}
	}
	cfg := acct.DailyRealizedLoss
	realized := deps.Store.RealizedPnL(in.AccountID)
	if realized.GreaterThan(cfg.Limit) {
		return Result{}
	}
	return closeAllWithRollover(deps, in.AccountID, in.Now, "daily_realized_loss breached", "DailyRealizedLoss")
}

// closeAllWithRollover is the shared remediation for the three
// threshold-lockout rules: close every position, cancel every order, and
// set a hard lockout expiring at the account's next session rollover.
func closeAllWithRollover(deps Deps, accountID int64, now time.Time, reason, source string) Result {
	until := domain.NeverExpires
	if deps.NextRollover != nil {
		until = deps.NextRollover(accountID, now)
	}
	return Result{
		Breach: true,
		Reason: reason,
		Remediations: []enforcement.Intent{
			{Kind: enforcement.IntentCloseAll, AccountID: accountID, Reason: reason},
			{Kind: enforcement.IntentCancelAll, AccountID: accountID, Reason: reason},
		},
		Lockout: &LockoutAction{Kind: domain.LockoutHard, Until: until, Source: source, Reason: reason},
	}
}
