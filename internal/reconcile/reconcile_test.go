package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/riskpilot/guardian/internal/contractcache"
	"github.com/riskpilot/guardian/internal/database"
	"github.com/riskpilot/guardian/internal/database/repositories"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/enforcement"
	"github.com/riskpilot/guardian/internal/gateway"
	"github.com/riskpilot/guardian/internal/lockout"
	"github.com/riskpilot/guardian/internal/quotecache"
	"github.com/riskpilot/guardian/internal/statestore"
	"github.com/riskpilot/guardian/internal/timer"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRESTClient struct {
	positions []gateway.UserPosition
	orders    []gateway.UserOrder
}

func (f fakeRESTClient) SearchOpenPositions(ctx context.Context, accountID int64) ([]gateway.UserPosition, int, error) {
	return f.positions, 200, nil
}

func (f fakeRESTClient) SearchOpenOrders(ctx context.Context, accountID int64) ([]gateway.UserOrder, int, error) {
	return f.orders, 200, nil
}

type fakeFetcher struct{ meta domain.ContractMetadata }

func (f fakeFetcher) SearchContract(ctx context.Context, searchText string) (domain.ContractMetadata, error) {
	return f.meta, nil
}

type fakeExecutor struct {
	mu      sync.Mutex
	intents []enforcement.Intent
}

func (f *fakeExecutor) NextGeneration(accountID int64) int64 { return 1 }

func (f *fakeExecutor) Submit(ctx context.Context, intent enforcement.Intent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, intent)
}

func (f *fakeExecutor) submitted() []enforcement.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]enforcement.Intent, len(f.intents))
	copy(out, f.intents)
	return out
}

func newTestReconciler(t *testing.T, rest RESTClient, contracts *contractcache.Cache) (*Reconciler, *lockout.Manager, *fakeExecutor) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	snapshotRepo := repositories.NewSnapshotRepo(db.Conn())
	dailyPnLRepo := repositories.NewDailyPnLRepo(db.Conn())
	countRepo := repositories.NewTradeCountRepo(db.Conn())
	lockoutRepo := repositories.NewLockoutRepo(db.Conn())

	log := zerolog.Nop()
	store := statestore.New(quotecache.New(), contracts, snapshotRepo, dailyPnLRepo, countRepo)
	require.NoError(t, store.LoadFromPersistence())

	timers := timer.New(log)
	lockouts := lockout.NewManager(lockoutRepo, timers, log)
	require.NoError(t, lockouts.LoadAll())

	executor := &fakeExecutor{}
	r := New(rest, store, lockouts, executor, contracts, db.Conn(), log)
	return r, lockouts, executor
}

func TestReconciler_MergesPositionsAndOrders(t *testing.T) {
	rest := fakeRESTClient{
		positions: []gateway.UserPosition{{ID: 1, AccountID: 1, ContractID: "ES", Type: 1, Size: 2, AveragePrice: decimal.NewFromInt(5000), CreationTimestamp: time.Now()}},
	}
	contracts := contractcache.New(fakeFetcher{meta: domain.ContractMetadata{ContractID: "ES", Symbol: "ES"}})
	r, _, executor := newTestReconciler(t, rest, contracts)

	require.NoError(t, r.Run(context.Background(), 1))
	assert.Empty(t, executor.submitted())
}

func TestReconciler_ClosesPositionFoundOpenOnLockedAccount(t *testing.T) {
	rest := fakeRESTClient{
		positions: []gateway.UserPosition{{ID: 1, AccountID: 1, ContractID: "ES", Type: 1, Size: 2, AveragePrice: decimal.NewFromInt(5000), CreationTimestamp: time.Now()}},
	}
	contracts := contractcache.New(fakeFetcher{meta: domain.ContractMetadata{ContractID: "ES", Symbol: "ES"}})
	r, lockouts, executor := newTestReconciler(t, rest, contracts)

	require.NoError(t, lockouts.SetHard(nil, 1, "daily loss limit", domain.NeverExpires, "DailyRealizedLoss"))

	require.NoError(t, r.Run(context.Background(), 1))

	submitted := executor.submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, enforcement.IntentClosePosition, submitted[0].Kind)
	assert.Equal(t, "ES", submitted[0].ContractID)
}

func TestReconciler_ClosesPositionFoundOpenOnLockedSymbol(t *testing.T) {
	rest := fakeRESTClient{
		positions: []gateway.UserPosition{{ID: 1, AccountID: 1, ContractID: "CON.F.US.RTY.U25", Type: 1, Size: 1, AveragePrice: decimal.NewFromInt(2200), CreationTimestamp: time.Now()}},
	}
	contracts := contractcache.New(fakeFetcher{meta: domain.ContractMetadata{ContractID: "CON.F.US.RTY.U25", Symbol: "RTY"}})
	r, lockouts, executor := newTestReconciler(t, rest, contracts)

	require.NoError(t, lockouts.SetSymbol(nil, 1, "RTY", "symbol blocked", domain.NeverExpires, "SymbolBlocks"))

	require.NoError(t, r.Run(context.Background(), 1))

	submitted := executor.submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, enforcement.IntentClosePosition, submitted[0].Kind)
	assert.Equal(t, "CON.F.US.RTY.U25", submitted[0].ContractID)
}

func TestReconciler_DoesNotCloseUnlockedAccountPositions(t *testing.T) {
	rest := fakeRESTClient{
		positions: []gateway.UserPosition{{ID: 1, AccountID: 1, ContractID: "ES", Type: 1, Size: 2, AveragePrice: decimal.NewFromInt(5000), CreationTimestamp: time.Now()}},
	}
	contracts := contractcache.New(fakeFetcher{meta: domain.ContractMetadata{ContractID: "ES", Symbol: "ES"}})
	r, _, executor := newTestReconciler(t, rest, contracts)

	require.NoError(t, r.Run(context.Background(), 1))
	assert.Empty(t, executor.submitted())
}
