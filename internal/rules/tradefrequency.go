package rules

import (
	"time"

	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/domain"
)

// tradeFrequencyLimitRule compares rolling trade counts against
// minute/hour/session limits; the first exceeded window sets a cooldown,
// never a position close (spec §4.11 TradeFrequencyLimit).
type tradeFrequencyLimitRule struct{}

func (tradeFrequencyLimitRule) Name() string       { return "TradeFrequencyLimit" }
func (tradeFrequencyLimitRule) Kinds() []EventKind { return []EventKind{EventTrade} }

func (tradeFrequencyLimitRule) Evaluate(deps Deps, acct config.AccountRules, in Input) Result {
	cfg := acct.TradeFrequencyLimit

	windows := []struct {
		kind  domain.WindowKind
		limit int
		span  time.Duration
	}{
		{domain.WindowMinute, cfg.MinuteLimit, time.Minute},
		{domain.WindowHour, cfg.HourLimit, time.Hour},
		{domain.WindowSession, cfg.SessionLimit, 24 * time.Hour},
	}

	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		count := deps.Store.WindowCount(in.AccountID, w.kind, w.span, in.Now)
		if count > w.limit {
			return Result{
				Breach: true,
				Reason: "trade_frequency_limit exceeded: " + string(w.kind),
				Lockout: &LockoutAction{
					Kind:   domain.LockoutCooldown,
					Until:  in.Now.Add(time.Duration(cfg.CooldownSeconds) * time.Second),
					Source: "TradeFrequencyLimit",
					Reason: "trade_frequency_limit exceeded: " + string(w.kind),
				},
			}
		}
	}
	return Result{}
}
