package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/enforcement"
)

const noStopLossTimerPrefix = "nostoploss:"

// noStopLossGraceRule starts a grace timer when a position opens from
// flat; if no protective stop exists on the opposing side by the time the
// timer fires, it closes the position. The timer is cancelled if the
// position flattens first (spec §4.11 NoStopLossGrace).
type noStopLossGraceRule struct{}

func (noStopLossGraceRule) Name() string       { return "NoStopLossGrace" }
func (noStopLossGraceRule) Kinds() []EventKind { return []EventKind{EventPosition, EventTimerFire} }

func noStopLossTimerName(accountID int64, contractID string) string {
	return fmt.Sprintf("%s%d:%s", noStopLossTimerPrefix, accountID, contractID)
}

func (noStopLossGraceRule) Evaluate(deps Deps, acct config.AccountRules, in Input) Result {
	cfg := acct.NoStopLossGrace

	switch in.Kind {
	case EventPosition:
		if in.Position == nil {
			return Result{}
		}
		name := noStopLossTimerName(in.AccountID, in.Position.ContractID)
		switch {
		case in.PriorSize == 0 && in.Position.Size != 0:
			grace := time.Duration(cfg.GracePeriodSeconds) * time.Second
			accountID := in.AccountID
			deps.Timers.Start(name, grace, func() {
				if deps.EnqueueTimerFire != nil {
					deps.EnqueueTimerFire(accountID, name)
				}
			})
		case in.PriorSize != 0 && in.Position.Size == 0:
			deps.Timers.Cancel(name)
		}
		return Result{}

	case EventTimerFire:
		if !strings.HasPrefix(in.TimerName, noStopLossTimerPrefix) {
			return Result{}
		}
		contractID := strings.TrimPrefix(in.TimerName, fmt.Sprintf("%s%d:", noStopLossTimerPrefix, in.AccountID))
		pos, ok := deps.Store.GetPosition(in.AccountID, contractID)
		if !ok || pos.IsFlat() {
			return Result{} // closed before the grace period elapsed
		}
		_, stopOK, _ := deps.Store.FindAssociatedStop(in.AccountID, contractID, pos.Side)
		if stopOK {
			return Result{}
		}
		return Result{
			Breach: true,
			Reason: "no_stop_loss_grace expired without a protective stop",
			Remediations: []enforcement.Intent{
				{Kind: enforcement.IntentClosePosition, AccountID: in.AccountID, ContractID: contractID},
			},
		}

	default:
		return Result{}
	}
}
