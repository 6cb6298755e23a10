package rules

import (
	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/enforcement"
)

// maxContractsPerInstrumentRule caps open size per symbol, with a
// configurable policy for symbols absent from the per-symbol limit table
// (spec §4.11 MaxContractsPerInstrument).
type maxContractsPerInstrumentRule struct{}

func (maxContractsPerInstrumentRule) Name() string       { return "MaxContractsPerInstrument" }
func (maxContractsPerInstrumentRule) Kinds() []EventKind { return []EventKind{EventPosition} }

func (maxContractsPerInstrumentRule) Evaluate(deps Deps, acct config.AccountRules, in Input) Result {
	cfg := acct.MaxContractsPerInstrument
	if in.Position == nil {
		return Result{}
	}
	symbol := symbolOf(deps, in.Position.ContractID)

	limit, ok := cfg.Limits[symbol]
	if !ok {
		switch cfg.UnknownPolicy {
		case config.PolicyBlock:
			if in.Position.Size != 0 {
				return Result{
					Breach: true,
					Reason: "max_contracts_per_instrument: unknown symbol blocked",
					Remediations: []enforcement.Intent{
						{Kind: enforcement.IntentClosePosition, AccountID: in.AccountID, ContractID: in.Position.ContractID},
					},
				}
			}
			return Result{}
		case config.PolicyAllowWithLimit:
			limit = cfg.UnknownLimit
		default: // allow_unlimited
			return Result{}
		}
	}

	var symbolPositions []domain.Position
	var total int64
	for _, p := range deps.Store.OpenPositions(in.AccountID) {
		if symbolOf(deps, p.ContractID) != symbol {
			continue
		}
		symbolPositions = append(symbolPositions, p)
		total += absInt64(p.Size)
	}
	if total <= limit {
		return Result{}
	}

	return Result{
		Breach:       true,
		Reason:       "max_contracts_per_instrument exceeded for " + symbol,
		Remediations: remediateOverLimit(symbolPositions, limit, cfg.Mode, in.AccountID),
	}
}
