package rules

import (
	"testing"
	"time"

	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionBlockOutsideRule_PositionWithinWindowNoOp(t *testing.T) {
	cfg := &config.SessionBlockConfig{Enabled: true, Timezone: "UTC", Global: config.SessionWindow{Start: "09:00", End: "17:00"}}
	acct := config.AccountRules{SessionBlockOutside: cfg}
	deps := Deps{Log: zerolog.Nop(), Contracts: newContractsCache("ES"), Holidays: map[string]bool{}}

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	res := sessionBlockOutsideRule{}.Evaluate(deps, acct, Input{Kind: EventPosition, Now: now,
		Position: &domain.Position{AccountID: 1, ContractID: "ES", Size: 2}, PriorSize: 0})

	assert.False(t, res.Breach)
}

func TestSessionBlockOutsideRule_PositionOutsideWindowClosesAndLocks(t *testing.T) {
	cfg := &config.SessionBlockConfig{Enabled: true, Timezone: "UTC", Global: config.SessionWindow{Start: "09:00", End: "17:00"}}
	acct := config.AccountRules{SessionBlockOutside: cfg}
	deps := Deps{Log: zerolog.Nop(), Contracts: newContractsCache("ES"), Holidays: map[string]bool{}}

	now := time.Date(2026, 7, 30, 20, 0, 0, 0, time.UTC)
	res := sessionBlockOutsideRule{}.Evaluate(deps, acct, Input{Kind: EventPosition, Now: now,
		Position: &domain.Position{AccountID: 1, ContractID: "ES", Size: 2}, PriorSize: 0})

	require.True(t, res.Breach)
	require.Len(t, res.Remediations, 1)
	require.NotNil(t, res.Lockout)
	// Next window opens at 09:00 the following day.
	want := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	assert.True(t, res.Lockout.Until.Equal(want), "got %s", res.Lockout.Until)
}

func TestSessionBlockOutsideRule_IgnoresNonOpeningTransitions(t *testing.T) {
	cfg := &config.SessionBlockConfig{Enabled: true, Timezone: "UTC", Global: config.SessionWindow{Start: "09:00", End: "17:00"}}
	acct := config.AccountRules{SessionBlockOutside: cfg}
	deps := Deps{Log: zerolog.Nop(), Contracts: newContractsCache("ES"), Holidays: map[string]bool{}}

	now := time.Date(2026, 7, 30, 20, 0, 0, 0, time.UTC)
	res := sessionBlockOutsideRule{}.Evaluate(deps, acct, Input{Kind: EventPosition, Now: now,
		Position: &domain.Position{AccountID: 1, ContractID: "ES", Size: 2}, PriorSize: 2})

	assert.False(t, res.Breach)
}

func TestSessionBlockOutsideRule_HolidayTreatedAsOutsideWindow(t *testing.T) {
	cfg := &config.SessionBlockConfig{Enabled: true, Timezone: "UTC", Global: config.SessionWindow{Start: "09:00", End: "17:00"}}
	acct := config.AccountRules{SessionBlockOutside: cfg}
	deps := Deps{Log: zerolog.Nop(), Contracts: newContractsCache("ES"), Holidays: map[string]bool{"2026-07-30": true}}

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	res := sessionBlockOutsideRule{}.Evaluate(deps, acct, Input{Kind: EventPosition, Now: now,
		Position: &domain.Position{AccountID: 1, ContractID: "ES", Size: 2}, PriorSize: 0})

	assert.True(t, res.Breach)
}

func TestSessionBlockOutsideRule_WindowCloseTimerCloses(t *testing.T) {
	cfg := &config.SessionBlockConfig{Enabled: true, Timezone: "UTC", Global: config.SessionWindow{Start: "09:00", End: "17:00"}, CloseAtWindowEnd: true}
	acct := config.AccountRules{SessionBlockOutside: cfg}
	deps := Deps{Log: zerolog.Nop(), Contracts: newContractsCache("ES"), Holidays: map[string]bool{}}

	now := time.Date(2026, 7, 30, 17, 0, 0, 0, time.UTC)
	res := sessionBlockOutsideRule{}.Evaluate(deps, acct, Input{Kind: EventTimerFire, Now: now, TimerName: ""})

	require.True(t, res.Breach)
	require.Len(t, res.Remediations, 2)
}
