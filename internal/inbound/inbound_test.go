package inbound

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/contractcache"
	"github.com/riskpilot/guardian/internal/database"
	"github.com/riskpilot/guardian/internal/database/repositories"
	"github.com/riskpilot/guardian/internal/dispatcher"
	"github.com/riskpilot/guardian/internal/enforcement"
	"github.com/riskpilot/guardian/internal/events"
	"github.com/riskpilot/guardian/internal/gateway"
	"github.com/riskpilot/guardian/internal/lockout"
	"github.com/riskpilot/guardian/internal/quotecache"
	"github.com/riskpilot/guardian/internal/reconcile"
	"github.com/riskpilot/guardian/internal/rules"
	"github.com/riskpilot/guardian/internal/statestore"
	"github.com/riskpilot/guardian/internal/timer"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway answers every REST call the adapter and reconciler need with
// empty/success responses; no test here exercises enforcement calls.
type fakeGateway struct{}

func (fakeGateway) ClosePosition(ctx context.Context, accountID int64, contractID string) (int, error) {
	return 200, nil
}
func (fakeGateway) PartialClosePosition(ctx context.Context, accountID int64, contractID string, size int64) (int, error) {
	return 200, nil
}
func (fakeGateway) CancelOrder(ctx context.Context, accountID, orderID int64) (int, error) {
	return 200, nil
}
func (fakeGateway) CancelAllOrders(ctx context.Context, accountID int64) (int, error) {
	return 200, nil
}
func (fakeGateway) ModifyOrder(ctx context.Context, accountID, orderID int64, p gateway.ModifyOrderParams) (int, error) {
	return 200, nil
}
func (fakeGateway) SearchOpenPositions(ctx context.Context, accountID int64) ([]gateway.UserPosition, int, error) {
	return nil, 200, nil
}
func (fakeGateway) SearchOpenOrders(ctx context.Context, accountID int64) ([]gateway.UserOrder, int, error) {
	return nil, 200, nil
}

type fakeTokenRefresher struct{}

func (fakeTokenRefresher) Refresh(ctx context.Context) (string, error) { return "token", nil }

func newTestHandler(t *testing.T, accountIDs []int64) (*Handler, *statestore.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	snapshotRepo := repositories.NewSnapshotRepo(db.Conn())
	dailyPnLRepo := repositories.NewDailyPnLRepo(db.Conn())
	countRepo := repositories.NewTradeCountRepo(db.Conn())
	lockoutRepo := repositories.NewLockoutRepo(db.Conn())
	enforcementLogRepo := repositories.NewEnforcementLogRepo(db.Conn())

	log := zerolog.Nop()
	quotes := quotecache.New()
	contracts := contractcache.New(nil)
	store := statestore.New(quotes, contracts, snapshotRepo, dailyPnLRepo, countRepo)
	require.NoError(t, store.LoadFromPersistence())

	timers := timer.New(log)
	lockouts := lockout.NewManager(lockoutRepo, timers, log)
	require.NoError(t, lockouts.LoadAll())

	gw := fakeGateway{}
	adapter := enforcement.NewAdapter(gw, store)
	executor := enforcement.NewExecutor(adapter, fakeTokenRefresher{}, events.NewBus(log), enforcementLogRepo, 2, log)

	reconciler := reconcile.New(gw, store, lockouts, executor, contracts, db.Conn(), log)

	engine := rules.New()
	cfg := &config.Config{Accounts: []config.AccountConfig{}}
	bus := events.NewBus(log)

	dispatch := dispatcher.New(store, lockouts, engine, executor, quotes, contracts, timers, db.Conn(), cfg, bus, log)

	sessionDate := func(accountID int64, at time.Time) string { return at.UTC().Format("2006-01-02") }

	h := New(dispatch, reconciler, accountIDs, contracts, sessionDate, bus, log)
	return h, store
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestHandler_OnUserPositionAppliesToStore(t *testing.T) {
	h, store := newTestHandler(t, []int64{1})

	h.OnUserPosition(gateway.UserPosition{
		ID: 1, AccountID: 1, ContractID: "ES", Type: 1, Size: 3,
		AveragePrice: decimal.NewFromInt(5000), CreationTimestamp: time.Now(),
	})

	waitFor(t, func() bool {
		p, ok := store.GetPosition(1, "ES")
		return ok && p.Size == 3
	})
}

func TestHandler_OnUserPositionShortSide(t *testing.T) {
	h, store := newTestHandler(t, []int64{1})

	h.OnUserPosition(gateway.UserPosition{
		ID: 1, AccountID: 1, ContractID: "NQ", Type: 2, Size: 1,
		AveragePrice: decimal.NewFromInt(18000), CreationTimestamp: time.Now(),
	})

	waitFor(t, func() bool {
		p, ok := store.GetPosition(1, "NQ")
		return ok && p.Side == 2 // domain.SideShort
	})
}

func TestHandler_OnUserOrderAppliesToStore(t *testing.T) {
	h, store := newTestHandler(t, []int64{1})

	h.OnUserOrder(gateway.UserOrder{
		ID: 42, AccountID: 1, ContractID: "ES", Status: 1, Type: 1, Side: 0, Size: 2,
		CreationTimestamp: time.Now(), UpdateTimestamp: time.Now(),
	})

	waitFor(t, func() bool {
		_, ok := store.GetOrder(1, 42)
		return ok
	})
}

func TestHandler_OnUserTradeBumpsRealizedPnL(t *testing.T) {
	h, store := newTestHandler(t, []int64{1})
	pnl := decimal.NewFromInt(75)

	h.OnUserTrade(gateway.UserTrade{
		ID: 9, AccountID: 1, ContractID: "ES", Price: decimal.NewFromInt(5000),
		ProfitAndLoss: &pnl, Size: 1, CreationTimestamp: time.Now(),
	})

	waitFor(t, func() bool {
		return store.RealizedPnL(1).Equal(decimal.NewFromInt(75))
	})
}

func TestHandler_OnQuoteIgnoredWithoutKnownContract(t *testing.T) {
	h, _ := newTestHandler(t, []int64{1})
	// No panic, no dispatch, for a symbol never resolved via contractcache.
	h.OnQuote(gateway.Quote{Symbol: "UNKNOWN", LastPrice: decimal.NewFromInt(100), Timestamp: time.Now()})
}

func TestHandler_OnReconnectedRunsReconciliationAndEmitsEvent(t *testing.T) {
	h, _ := newTestHandler(t, []int64{1})

	received := make(chan *events.Event, 1)
	h.bus.Subscribe(events.ReconciliationDone, func(e *events.Event) {
		received <- e
	})

	h.OnReconnected(true)

	select {
	case e := <-received:
		assert.Equal(t, events.ReconciliationDone, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected ReconciliationDone event")
	}
}

func TestHandler_OnDisconnectedEmitsEvent(t *testing.T) {
	h, _ := newTestHandler(t, []int64{1})

	received := make(chan *events.Event, 1)
	h.bus.Subscribe(events.StreamDisconnected, func(e *events.Event) {
		received <- e
	})

	h.OnDisconnected()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("expected StreamDisconnected event")
	}
}
