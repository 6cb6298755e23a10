package rules

import (
	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/enforcement"
)

// symbolBlocksRule closes any nonzero position opened on a configured
// blocked symbol and locks that symbol out indefinitely (spec §4.11
// SymbolBlocks).
type symbolBlocksRule struct{}

func (symbolBlocksRule) Name() string       { return "SymbolBlocks" }
func (symbolBlocksRule) Kinds() []EventKind { return []EventKind{EventPosition} }

func (symbolBlocksRule) Evaluate(deps Deps, acct config.AccountRules, in Input) Result {
	cfg := acct.SymbolBlocks
	if in.Position == nil || in.Position.Size == 0 {
		return Result{}
	}
	symbol := symbolOf(deps, in.Position.ContractID)
	if !contains(cfg.BlockedSymbols, symbol) {
		return Result{}
	}

	return Result{
		Breach: true,
		Reason: "symbol_blocks: " + symbol + " is blocked",
		Remediations: []enforcement.Intent{
			{Kind: enforcement.IntentClosePosition, AccountID: in.AccountID, ContractID: in.Position.ContractID},
		},
		Lockout: &LockoutAction{
			Kind: domain.LockoutSymbol, Symbol: symbol, Until: domain.NeverExpires,
			Source: "SymbolBlocks", Reason: "symbol is blocked",
		},
	}
}

func contains(xs []string, x string) bool {
	for _, s := range xs {
		if s == x {
			return true
		}
	}
	return false
}
