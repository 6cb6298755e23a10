package rules

import (
	"sort"

	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/enforcement"
)

// maxContractsRule caps the account's total open size across every
// contract (spec §4.11 MaxContracts).
type maxContractsRule struct{}

func (maxContractsRule) Name() string           { return "MaxContracts" }
func (maxContractsRule) Kinds() []EventKind     { return []EventKind{EventPosition} }

func (maxContractsRule) Evaluate(deps Deps, acct config.AccountRules, in Input) Result {
	cfg := acct.MaxContracts
	positions := deps.Store.OpenPositions(in.AccountID)

	var total int64
	for _, p := range positions {
		total += absInt64(p.Size)
	}
	if total <= cfg.GlobalLimit {
		return Result{}
	}

	return Result{
		Breach:       true,
		Reason:       "max_contracts exceeded",
		Remediations: remediateOverLimit(positions, cfg.GlobalLimit, cfg.Mode, in.AccountID),
	}
}

// remediateOverLimit implements the shared reduce_to_limit/close_all
// choice used by MaxContracts and MaxContractsPerInstrument.
func remediateOverLimit(positions []domain.Position, limit int64, mode config.EnforcementMode, accountID int64) []enforcement.Intent {
	if mode == config.CloseAll {
		return []enforcement.Intent{{Kind: enforcement.IntentCloseAll, AccountID: accountID}}
	}

	sort.Slice(positions, func(i, j int) bool { return absInt64(positions[i].Size) > absInt64(positions[j].Size) })

	var total int64
	for _, p := range positions {
		total += absInt64(p.Size)
	}
	excess := total - limit

	var intents []enforcement.Intent
	for _, p := range positions {
		if excess <= 0 {
			break
		}
		size := absInt64(p.Size)
		if size <= excess {
			intents = append(intents, enforcement.Intent{Kind: enforcement.IntentClosePosition, AccountID: accountID, ContractID: p.ContractID})
			excess -= size
		} else {
			intents = append(intents, enforcement.Intent{Kind: enforcement.IntentPartialClose, AccountID: accountID, ContractID: p.ContractID, Qty: excess})
			excess = 0
		}
	}
	return intents
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
