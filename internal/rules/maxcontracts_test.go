package rules

import (
	"testing"

	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/enforcement"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxContractsRule_UnderLimitNoOp(t *testing.T) {
	store, db := newTestStore(t)
	seedPosition(t, store, db, domain.Position{AccountID: 1, ContractID: "ES", Side: domain.SideLong, Size: 2, AveragePrice: decimal.NewFromInt(5000)})

	acct := config.AccountRules{MaxContracts: &config.MaxContractsConfig{Enabled: true, GlobalLimit: 5, Mode: config.ReduceToLimit}}
	deps := Deps{Store: store}
	res := maxContractsRule{}.Evaluate(deps, acct, Input{AccountID: 1, Kind: EventPosition})

	assert.False(t, res.Breach)
	assert.Nil(t, res.Remediations)
}

func TestMaxContractsRule_OverLimitReducesToLimit(t *testing.T) {
	store, db := newTestStore(t)
	seedPosition(t, store, db, domain.Position{AccountID: 1, ContractID: "ES", Side: domain.SideLong, Size: 8, AveragePrice: decimal.NewFromInt(5000)})

	acct := config.AccountRules{MaxContracts: &config.MaxContractsConfig{Enabled: true, GlobalLimit: 5, Mode: config.ReduceToLimit}}
	deps := Deps{Store: store}
	res := maxContractsRule{}.Evaluate(deps, acct, Input{AccountID: 1, Kind: EventPosition})

	require.True(t, res.Breach)
	require.Len(t, res.Remediations, 1)
	assert.Equal(t, enforcement.IntentPartialClose, res.Remediations[0].Kind)
	assert.Equal(t, int64(3), res.Remediations[0].Qty)
}

func TestMaxContractsRule_OverLimitCloseAll(t *testing.T) {
	store, db := newTestStore(t)
	seedPosition(t, store, db, domain.Position{AccountID: 1, ContractID: "ES", Side: domain.SideLong, Size: 8, AveragePrice: decimal.NewFromInt(5000)})

	acct := config.AccountRules{MaxContracts: &config.MaxContractsConfig{Enabled: true, GlobalLimit: 5, Mode: config.CloseAll}}
	deps := Deps{Store: store}
	res := maxContractsRule{}.Evaluate(deps, acct, Input{AccountID: 1, Kind: EventPosition})

	require.True(t, res.Breach)
	require.Len(t, res.Remediations, 1)
	assert.Equal(t, enforcement.IntentCloseAll, res.Remediations[0].Kind)
}
