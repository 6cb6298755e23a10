package rules

import (
	"time"

	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/domain"
)

// cooldownAfterLossRule sets a cooldown sized by the largest configured
// loss threshold the trade's loss magnitude reaches; no position close
// (spec §4.11 CooldownAfterLoss). loss_amount is configured as a positive
// magnitude (e.g. 100, 500, 1000); the largest tier not exceeding the
// trade's loss wins.
type cooldownAfterLossRule struct{}

func (cooldownAfterLossRule) Name() string       { return "CooldownAfterLoss" }
func (cooldownAfterLossRule) Kinds() []EventKind { return []EventKind{EventTrade} }

func (cooldownAfterLossRule) Evaluate(deps Deps, acct config.AccountRules, in Input) Result {
	if in.Trade == nil || !in.Trade.HasRealizedPnL() || !in.Trade.PnL.IsNegative() {
		return Result{}
	}
	cfg := acct.CooldownAfterLoss
	lossMagnitude := in.Trade.PnL.Neg()

	var best *config.LossThresholdCooldown
	for i := range cfg.Thresholds {
		t := &cfg.Thresholds[i]
		if t.LossAmount.GreaterThan(lossMagnitude) {
			continue
		}
		if best == nil || t.LossAmount.GreaterThan(best.LossAmount) {
			best = t
		}
	}
	if best == nil {
		return Result{}
	}

	return Result{
		Breach: true,
		Reason: "cooldown_after_loss threshold crossed",
		Lockout: &LockoutAction{
			Kind:   domain.LockoutCooldown,
			Until:  in.Now.Add(time.Duration(best.CooldownSeconds) * time.Second),
			Source: "CooldownAfterLoss",
			Reason: "cooldown_after_loss threshold crossed",
		},
	}
}
