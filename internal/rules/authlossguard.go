package rules

import (
	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/enforcement"
)

// authLossGuardRule reacts to the gateway's own can_trade account flag:
// false closes everything and locks out indefinitely; true clears only
// the lockout this rule itself set (spec §4.11 AuthLossGuard).
type authLossGuardRule struct{}

func (authLossGuardRule) Name() string       { return "AuthLossGuard" }
func (authLossGuardRule) Kinds() []EventKind { return []EventKind{EventAccountFlag} }

func (authLossGuardRule) Evaluate(deps Deps, acct config.AccountRules, in Input) Result {
	if in.CanTrade == nil {
		return Result{}
	}
	if *in.CanTrade {
		// The dispatcher clears this rule's lockout directly (ClearBySource);
		// nothing further to remediate.
		return Result{}
	}

	return Result{
		Breach: true,
		Reason: "auth_loss_guard: gateway reports can_trade=false",
		Remediations: []enforcement.Intent{
			{Kind: enforcement.IntentCloseAll, AccountID: in.AccountID},
			{Kind: enforcement.IntentCancelAll, AccountID: in.AccountID},
		},
		Lockout: &LockoutAction{Kind: domain.LockoutHard, Until: domain.NeverExpires, Source: "AuthLossGuard", Reason: "gateway reports can_trade=false"},
	}
}
