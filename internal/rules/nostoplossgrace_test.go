package rules

import (
	"database/sql"
	"testing"

	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/timer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoStopLossGraceRule_OpeningPositionStartsTimer(t *testing.T) {
	store, _ := newTestStore(t)
	timers := timer.New(zerolog.Nop())
	acct := config.AccountRules{NoStopLossGrace: &config.NoStopLossGraceConfig{Enabled: true, GracePeriodSeconds: 30}}
	deps := Deps{Store: store, Timers: timers}

	res := noStopLossGraceRule{}.Evaluate(deps, acct, Input{AccountID: 1, Kind: EventPosition,
		Position: &domain.Position{AccountID: 1, ContractID: "ES", Size: 2}, PriorSize: 0})

	assert.False(t, res.Breach)
	name := noStopLossTimerName(1, "ES")
	_, ok := timers.Remaining(name)
	assert.True(t, ok, "expected grace timer to be registered")
}

func TestNoStopLossGraceRule_FlatteningCancelsTimer(t *testing.T) {
	store, _ := newTestStore(t)
	timers := timer.New(zerolog.Nop())
	acct := config.AccountRules{NoStopLossGrace: &config.NoStopLossGraceConfig{Enabled: true, GracePeriodSeconds: 30}}
	deps := Deps{Store: store, Timers: timers}
	name := noStopLossTimerName(1, "ES")

	timers.Start(name, 0, func() {})
	noStopLossGraceRule{}.Evaluate(deps, acct, Input{AccountID: 1, Kind: EventPosition,
		Position: &domain.Position{AccountID: 1, ContractID: "ES", Size: 0}, PriorSize: 2})

	_, ok := timers.Remaining(name)
	assert.False(t, ok, "expected grace timer to be cancelled")
}

func TestNoStopLossGraceRule_TimerFireWithoutStopClosesPosition(t *testing.T) {
	store, db := newTestStore(t)
	require.NoError(t, db.WithTransaction(func(tx *sql.Tx) error {
		_, err := store.UpsertPosition(tx, domain.Position{AccountID: 1, ContractID: "ES", Side: domain.SideLong, Size: 2})
		return err
	}))

	acct := config.AccountRules{NoStopLossGrace: &config.NoStopLossGraceConfig{Enabled: true, GracePeriodSeconds: 30}}
	deps := Deps{Store: store}
	res := noStopLossGraceRule{}.Evaluate(deps, acct, Input{AccountID: 1, Kind: EventTimerFire,
		TimerName: noStopLossTimerName(1, "ES")})

	require.True(t, res.Breach)
	require.Len(t, res.Remediations, 1)
}

func TestNoStopLossGraceRule_TimerFireWithStopIsNoOp(t *testing.T) {
	store, db := newTestStore(t)
	require.NoError(t, db.WithTransaction(func(tx *sql.Tx) error {
		_, err := store.UpsertPosition(tx, domain.Position{AccountID: 1, ContractID: "ES", Side: domain.SideLong, Size: 2})
		return err
	}))
	require.NoError(t, db.WithTransaction(func(tx *sql.Tx) error {
		return store.UpsertOrder(tx, domain.Order{OrderID: 1, AccountID: 1, ContractID: "ES", Status: domain.OrderStatusOpen, Side: domain.OrderSideAsk, Type: domain.OrderTypeStop})
	}))

	acct := config.AccountRules{NoStopLossGrace: &config.NoStopLossGraceConfig{Enabled: true, GracePeriodSeconds: 30}}
	deps := Deps{Store: store}
	res := noStopLossGraceRule{}.Evaluate(deps, acct, Input{AccountID: 1, Kind: EventTimerFire,
		TimerName: noStopLossTimerName(1, "ES")})

	assert.False(t, res.Breach)
}

func TestNoStopLossGraceRule_TimerFireAfterFlatteningIsNoOp(t *testing.T) {
	store, _ := newTestStore(t)
	acct := config.AccountRules{NoStopLossGrace: &config.NoStopLossGraceConfig{Enabled: true, GracePeriodSeconds: 30}}
	deps := Deps{Store: store}

	res := noStopLossGraceRule{}.Evaluate(deps, acct, Input{AccountID: 1, Kind: EventTimerFire,
		TimerName: noStopLossTimerName(1, "ES")})

	assert.False(t, res.Breach)
}
