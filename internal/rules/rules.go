// Package rules implements the Rule Engine (spec §4.11): twelve
// independent units, each reading a snapshot of account state and
// producing at most one breach per event. Rules never write the State
// Store; all persistence happens in the dispatcher's state-update step.
package rules

import (
	"context"
	"time"

	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/contractcache"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/enforcement"
	"github.com/riskpilot/guardian/internal/quotecache"
	"github.com/riskpilot/guardian/internal/statestore"
	"github.com/riskpilot/guardian/internal/timer"
	"github.com/rs/zerolog"
)

// EventKind names one of the dispatcher's six event kinds (spec §4.10).
type EventKind string

const (
	EventTrade       EventKind = "trade"
	EventPosition    EventKind = "position"
	EventOrder       EventKind = "order"
	EventAccountFlag EventKind = "account_flag"
	EventQuote       EventKind = "quote"
	EventTimerFire   EventKind = "timer_fire"
)

// Input describes one dispatcher event as routed to the rules whose Kinds
// include it.
type Input struct {
	AccountID int64
	Kind      EventKind
	Now       time.Time

	// Position is set for EventPosition; PriorSize is the size the State
	// Store held immediately before this update (0 if the contract was not
	// previously open), used to detect a flat->nonzero transition.
	Position  *domain.Position
	PriorSize int64

	Order *domain.Order // EventOrder
	Trade *domain.Trade // EventTrade

	CanTrade *bool // EventAccountFlag

	Quote *domain.Quote // EventQuote

	TimerName string // EventTimerFire: the name registered by the rule that started it
}

// LockoutAction is the lockout half of a rule's result; Until carries
// domain.NeverExpires for sentinel "manual clear only" lockouts.
type LockoutAction struct {
	Kind   domain.LockoutKind
	Symbol string
	Until  time.Time
	Source string
	Reason string
}

// Result is a rule's verdict: Breach false means no-op. Remediations and
// Lockout may be populated independently (spec §4.11: cooldown/hard-lockout
// remediations coexist with, or stand in for, a position close).
type Result struct {
	Breach       bool
	Reason       string
	Remediations []enforcement.Intent
	Lockout      *LockoutAction
}

// Deps bundles the read-only collaborators every rule may consult.
type Deps struct {
	Store     *statestore.Store
	Quotes    *quotecache.Cache
	Contracts *contractcache.Cache
	Timers    *timer.Service
	Holidays  map[string]bool
	Log       zerolog.Logger

	// NextRollover returns the account's next session-rollover instant
	// (spec §4.7), used by threshold rules to set a hard lockout that
	// expires exactly at rollover rather than never.
	NextRollover func(accountID int64, now time.Time) time.Time

	// EnqueueTimerFire re-injects a fired named timer as a synthetic
	// EventTimerFire event into the owning account's dispatcher pipeline,
	// so the firing rule re-evaluates under the same snapshot discipline
	// as every other event (spec §4.10's timer-fire event kind).
	EnqueueTimerFire func(accountID int64, timerName string)
}

// Rule is one of the twelve independent enforcement units.
type Rule interface {
	Name() string
	Kinds() []EventKind
	Evaluate(deps Deps, rules config.AccountRules, in Input) Result
}

// Engine routes events to every enabled rule whose Kinds include the
// event, in configuration order (the order rules are listed below),
// stopping remediation at the first breach that proceeds to an immediate
// close/cancel — cooldown and hard-lockout results never block a later
// rule's own cooldown/lockout outcome, per spec §4.11.
type Engine struct {
	order []Rule
}

// New constructs the engine with the twelve rules in their canonical
// configuration order.
func New() *Engine {
	return &Engine{order: []Rule{
		maxContractsRule{},
		maxContractsPerInstrumentRule{},
		dailyRealizedLossRule{},
		dailyUnrealizedLossRule{},
		maxUnrealizedProfitRule{},
		tradeFrequencyLimitRule{},
		cooldownAfterLossRule{},
		noStopLossGraceRule{},
		sessionBlockOutsideRule{},
		authLossGuardRule{},
		symbolBlocksRule{},
		tradeManagementRule{},
	}}
}

// Evaluate routes one event through every rule enabled for this account
// whose Kinds include in.Kind, collecting results. Per spec §4.11, the
// first breach whose remediation is an immediate position/order close
// wins for that event; cooldown and hard-lockout outcomes from other
// rules still apply alongside it.
func (e *Engine) Evaluate(deps Deps, acct config.AccountRules, in Input) []Result {
	var results []Result
	immediateClaimed := false

	for _, r := range e.order {
		if !containsKind(r.Kinds(), in.Kind) {
			continue
		}
		if !ruleEnabled(acct, r.Name()) {
			continue
		}
		res := r.Evaluate(deps, acct, in)
		if !res.Breach {
			continue
		}
		if len(res.Remediations) > 0 {
			if immediateClaimed {
				// Another rule already claimed the immediate remediation for
				// this event; still record the lockout/cooldown half if any.
				res.Remediations = nil
			} else {
				immediateClaimed = true
			}
		}
		results = append(results, res)
	}
	return results
}

func containsKind(kinds []EventKind, k EventKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func ruleEnabled(acct config.AccountRules, name string) bool {
	switch name {
	case "MaxContracts":
		return acct.MaxContracts != nil && acct.MaxContracts.Enabled
	case "MaxContractsPerInstrument":
		return acct.MaxContractsPerInstrument != nil && acct.MaxContractsPerInstrument.Enabled
	case "DailyRealizedLoss":
		return acct.DailyRealizedLoss != nil && acct.DailyRealizedLoss.Enabled
	case "DailyUnrealizedLoss":
		return acct.DailyUnrealizedLoss != nil && acct.DailyUnrealizedLoss.Enabled
	case "MaxUnrealizedProfit":
		return acct.MaxUnrealizedProfit != nil && acct.MaxUnrealizedProfit.Enabled
	case "TradeFrequencyLimit":
		return acct.TradeFrequencyLimit != nil && acct.TradeFrequencyLimit.Enabled
	case "CooldownAfterLoss":
		return acct.CooldownAfterLoss != nil && acct.CooldownAfterLoss.Enabled
	case "NoStopLossGrace":
		return acct.NoStopLossGrace != nil && acct.NoStopLossGrace.Enabled
	case "SessionBlockOutside":
		return acct.SessionBlockOutside != nil && acct.SessionBlockOutside.Enabled
	case "AuthLossGuard":
		return acct.AuthLossGuard != nil && acct.AuthLossGuard.Enabled
	case "SymbolBlocks":
		return acct.SymbolBlocks != nil && acct.SymbolBlocks.Enabled
	case "TradeManagement":
		return acct.TradeManagement != nil && acct.TradeManagement.Enabled
	default:
		return false
	}
}

func symbolOf(deps Deps, contractID string) string {
	meta, err := deps.Contracts.Get(context.Background(), contractID)
	if err != nil {
		return ""
	}
	return meta.Symbol
}
