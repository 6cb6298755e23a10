package rules

import (
	"context"

	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/enforcement"
	"github.com/shopspring/decimal"
)

// tradeManagementRule ratchets a position's protective stop toward
// breakeven and then trails it as profit grows, never letting the stop
// regress (spec §4.11 TradeManagement).
type tradeManagementRule struct{}

func (tradeManagementRule) Name() string       { return "TradeManagement" }
func (tradeManagementRule) Kinds() []EventKind { return []EventKind{EventPosition, EventQuote} }

func (tradeManagementRule) Evaluate(deps Deps, acct config.AccountRules, in Input) Result {
	cfg := acct.TradeManagement

	var contractID string
	switch in.Kind {
	case EventPosition:
		if in.Position == nil || in.Position.Size == 0 {
			return Result{}
		}
		contractID = in.Position.ContractID
	case EventQuote:
		if in.Quote == nil {
			return Result{}
		}
		contractID = in.Quote.ContractID
	default:
		return Result{}
	}

	pos, ok := deps.Store.GetPosition(in.AccountID, contractID)
	if !ok || pos.IsFlat() {
		return Result{}
	}

	meta, err := deps.Contracts.Get(context.Background(), contractID)
	if err != nil || meta.TickSize.IsZero() {
		return Result{}
	}
	last, ok := deps.Quotes.GetLast(contractID)
	if !ok {
		return Result{}
	}

	profitTicks := last.Sub(pos.AveragePrice).DivRound(meta.TickSize, 4)
	if pos.Side == domain.SideShort {
		profitTicks = profitTicks.Neg()
	}

	stopOrder, found, _ := deps.Store.FindAssociatedStop(in.AccountID, contractID, pos.Side)
	if !found {
		return Result{}
	}

	var newStop decimal.Decimal
	var changed bool
	switch {
	case profitTicks.GreaterThanOrEqual(decimal.NewFromInt(cfg.TrailingActivationTicks)):
		distance := meta.TickSize.Mul(decimal.NewFromInt(cfg.TrailingDistanceTicks))
		if pos.Side == domain.SideLong {
			newStop = last.Sub(distance)
		} else {
			newStop = last.Add(distance)
		}
		changed = true
	case profitTicks.GreaterThanOrEqual(decimal.NewFromInt(cfg.BreakevenTriggerTicks)):
		newStop = pos.AveragePrice
		changed = true
	}
	if !changed {
		return Result{}
	}

	if current := stopOrder.StopPrice; current != nil {
		regresses := newStop.LessThanOrEqual(*current)
		if pos.Side == domain.SideShort {
			regresses = newStop.GreaterThanOrEqual(*current)
		}
		if regresses {
			return Result{}
		}
	}

	newStopStr := newStop.String()
	return Result{
		Breach: true,
		Reason: "trade_management: protective stop adjusted",
		Remediations: []enforcement.Intent{
			{
				Kind:      enforcement.IntentModifyOrder,
				AccountID: in.AccountID,
				OrderID:   stopOrder.OrderID,
				Modify:    enforcement.ModifyParams{StopPrice: &newStopStr},
			},
		},
	}
}
