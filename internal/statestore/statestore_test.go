package statestore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/riskpilot/guardian/internal/contractcache"
	"github.com/riskpilot/guardian/internal/database"
	"github.com/riskpilot/guardian/internal/database/repositories"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/quotecache"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	meta domain.ContractMetadata
}

func (f *fakeFetcher) SearchContract(ctx context.Context, searchText string) (domain.ContractMetadata, error) {
	return f.meta, nil
}

func newTestStore(t *testing.T, fetcher contractcache.Fetcher) (*Store, *database.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	snapshotRepo := repositories.NewSnapshotRepo(db.Conn())
	dailyPnLRepo := repositories.NewDailyPnLRepo(db.Conn())
	countRepo := repositories.NewTradeCountRepo(db.Conn())

	store := New(quotecache.New(), contractcache.New(fetcher), snapshotRepo, dailyPnLRepo, countRepo)
	require.NoError(t, store.LoadFromPersistence())
	return store, db
}

func withTx(t *testing.T, db *database.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	require.NoError(t, db.WithTransaction(fn))
}

func TestStore_UpsertPositionThenFlatPrunesRecord(t *testing.T) {
	store, db := newTestStore(t, nil)

	withTx(t, db, func(tx *sql.Tx) error {
		_, err := store.UpsertPosition(tx, domain.Position{AccountID: 1, ContractID: "ES", Side: domain.SideLong, Size: 3, AveragePrice: decimal.NewFromInt(5000)})
		return err
	})
	p, ok := store.GetPosition(1, "ES")
	require.True(t, ok)
	assert.Equal(t, int64(3), p.Size)

	withTx(t, db, func(tx *sql.Tx) error {
		prior, err := store.UpsertPosition(tx, domain.Position{AccountID: 1, ContractID: "ES", Size: 0})
		assert.Equal(t, int64(3), prior.Size)
		return err
	})
	_, ok = store.GetPosition(1, "ES")
	assert.False(t, ok)
}

func TestStore_OpenPositionsFiltersByAccount(t *testing.T) {
	store, db := newTestStore(t, nil)
	withTx(t, db, func(tx *sql.Tx) error {
		_, err := store.UpsertPosition(tx, domain.Position{AccountID: 1, ContractID: "ES", Size: 2, AveragePrice: decimal.NewFromInt(5000)})
		return err
	})
	withTx(t, db, func(tx *sql.Tx) error {
		_, err := store.UpsertPosition(tx, domain.Position{AccountID: 2, ContractID: "NQ", Size: 1, AveragePrice: decimal.NewFromInt(18000)})
		return err
	})

	assert.Len(t, store.OpenPositions(1), 1)
	assert.Len(t, store.OpenPositions(2), 1)
	assert.ElementsMatch(t, []string{"ES"}, store.OpenContractIDs(1))
}

func TestStore_UpsertOrderIgnoresUpdatesAfterTerminal(t *testing.T) {
	store, db := newTestStore(t, nil)
	withTx(t, db, func(tx *sql.Tx) error {
		return store.UpsertOrder(tx, domain.Order{OrderID: 10, AccountID: 1, ContractID: "ES", Status: domain.OrderStatusFilled})
	})
	withTx(t, db, func(tx *sql.Tx) error {
		return store.UpsertOrder(tx, domain.Order{OrderID: 10, AccountID: 1, ContractID: "ES", Status: domain.OrderStatusOpen})
	})

	o, ok := store.GetOrder(1, 10)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
}

func TestStore_OpenOrdersExcludesTerminalAndFiltersByContract(t *testing.T) {
	store, db := newTestStore(t, nil)
	withTx(t, db, func(tx *sql.Tx) error {
		require.NoError(t, store.UpsertOrder(tx, domain.Order{OrderID: 1, AccountID: 1, ContractID: "ES", Status: domain.OrderStatusOpen}))
		require.NoError(t, store.UpsertOrder(tx, domain.Order{OrderID: 2, AccountID: 1, ContractID: "NQ", Status: domain.OrderStatusOpen}))
		require.NoError(t, store.UpsertOrder(tx, domain.Order{OrderID: 3, AccountID: 1, ContractID: "ES", Status: domain.OrderStatusCancelled}))
		return nil
	})

	assert.Len(t, store.OpenOrders(1, ""), 2)
	assert.Len(t, store.OpenOrders(1, "ES"), 1)
}

func TestStore_ReplacePositionsFromReconciliationPrunesStale(t *testing.T) {
	store, db := newTestStore(t, nil)
	withTx(t, db, func(tx *sql.Tx) error {
		_, err := store.UpsertPosition(tx, domain.Position{AccountID: 1, ContractID: "ES", Size: 2, AveragePrice: decimal.NewFromInt(5000)})
		return err
	})
	withTx(t, db, func(tx *sql.Tx) error {
		_, err := store.UpsertPosition(tx, domain.Position{AccountID: 1, ContractID: "NQ", Size: 1, AveragePrice: decimal.NewFromInt(18000)})
		return err
	})

	withTx(t, db, func(tx *sql.Tx) error {
		return store.ReplacePositionsFromReconciliation(tx, 1, []domain.Position{
			{AccountID: 1, ContractID: "ES", Size: 3, AveragePrice: decimal.NewFromInt(5010)},
		})
	})

	assert.Len(t, store.OpenPositions(1), 1)
	p, ok := store.GetPosition(1, "ES")
	require.True(t, ok)
	assert.Equal(t, int64(3), p.Size)
	_, ok = store.GetPosition(1, "NQ")
	assert.False(t, ok)
}

func TestStore_FindAssociatedStopPicksMostRecent(t *testing.T) {
	store, db := newTestStore(t, nil)
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	withTx(t, db, func(tx *sql.Tx) error {
		require.NoError(t, store.UpsertOrder(tx, domain.Order{OrderID: 1, AccountID: 1, ContractID: "ES", Status: domain.OrderStatusOpen, Side: domain.OrderSideAsk, Type: domain.OrderTypeStop, CreatedAt: older}))
		require.NoError(t, store.UpsertOrder(tx, domain.Order{OrderID: 2, AccountID: 1, ContractID: "ES", Status: domain.OrderStatusOpen, Side: domain.OrderSideAsk, Type: domain.OrderTypeStop, CreatedAt: newer}))
		return nil
	})

	order, ok, ambiguous := store.FindAssociatedStop(1, "ES", domain.SideLong)
	require.True(t, ok)
	assert.True(t, ambiguous)
	assert.Equal(t, int64(2), order.OrderID)
}

func TestStore_FindAssociatedStopNoneForWrongSide(t *testing.T) {
	store, db := newTestStore(t, nil)
	withTx(t, db, func(tx *sql.Tx) error {
		return store.UpsertOrder(tx, domain.Order{OrderID: 1, AccountID: 1, ContractID: "ES", Status: domain.OrderStatusOpen, Side: domain.OrderSideBid, Type: domain.OrderTypeStop})
	})

	_, ok, _ := store.FindAssociatedStop(1, "ES", domain.SideLong)
	assert.False(t, ok)
}

func TestStore_AppendTradeAccumulatesRealizedPnL(t *testing.T) {
	store, db := newTestStore(t, nil)
	pnl := decimal.NewFromInt(100)

	var total decimal.Decimal
	withTx(t, db, func(tx *sql.Tx) error {
		var err error
		total, err = store.AppendTrade(tx, "2026-07-30", domain.Trade{AccountID: 1, ContractID: "ES", PnL: &pnl})
		return err
	})
	assert.True(t, total.Equal(decimal.NewFromInt(100)))

	loss := decimal.NewFromInt(-40)
	withTx(t, db, func(tx *sql.Tx) error {
		var err error
		total, err = store.AppendTrade(tx, "2026-07-30", domain.Trade{AccountID: 1, ContractID: "ES", PnL: &loss})
		return err
	})
	assert.True(t, total.Equal(decimal.NewFromInt(60)))
	assert.True(t, store.RealizedPnL(1).Equal(decimal.NewFromInt(60)))
}

func TestStore_AppendTradeWithoutPnLStillBumpsCounts(t *testing.T) {
	store, db := newTestStore(t, nil)
	withTx(t, db, func(tx *sql.Tx) error {
		_, err := store.AppendTrade(tx, "2026-07-30", domain.Trade{AccountID: 1, ContractID: "ES", Timestamp: time.Now()})
		return err
	})

	assert.True(t, store.RealizedPnL(1).IsZero())
	assert.Equal(t, 1, store.WindowCount(1, domain.WindowSession, 24*time.Hour, time.Now()))
}

func TestStore_VoidTradeReversesRealizedPnL(t *testing.T) {
	store, db := newTestStore(t, nil)
	pnl := decimal.NewFromInt(100)
	withTx(t, db, func(tx *sql.Tx) error {
		_, err := store.AppendTrade(tx, "2026-07-30", domain.Trade{AccountID: 1, ContractID: "ES", PnL: &pnl})
		return err
	})

	withTx(t, db, func(tx *sql.Tx) error {
		_, err := store.VoidTrade(tx, "2026-07-30", 1, pnl)
		return err
	})
	assert.True(t, store.RealizedPnL(1).IsZero())
}

func TestStore_ResetDailyPnLZeroesAndRekeysSessionDate(t *testing.T) {
	store, db := newTestStore(t, nil)
	pnl := decimal.NewFromInt(50)
	withTx(t, db, func(tx *sql.Tx) error {
		_, err := store.AppendTrade(tx, "2026-07-30", domain.Trade{AccountID: 1, ContractID: "ES", PnL: &pnl})
		return err
	})

	withTx(t, db, func(tx *sql.Tx) error {
		return store.ResetDailyPnL(tx, 1, "2026-07-30", "2026-07-31")
	})
	assert.True(t, store.RealizedPnL(1).IsZero())
}

func TestStore_WindowCountEvictsBeyondHorizon(t *testing.T) {
	store, db := newTestStore(t, nil)
	withTx(t, db, func(tx *sql.Tx) error {
		_, err := store.AppendTrade(tx, "2026-07-30", domain.Trade{AccountID: 1, ContractID: "ES", Timestamp: time.Now().Add(-2 * time.Hour)})
		return err
	})

	count := store.WindowCount(1, domain.WindowHour, time.Hour, time.Now())
	assert.Equal(t, 0, count)
}

func TestStore_ClearSessionCountsRemovesOnlySessionWindow(t *testing.T) {
	store, db := newTestStore(t, nil)
	withTx(t, db, func(tx *sql.Tx) error {
		_, err := store.AppendTrade(tx, "2026-07-30", domain.Trade{AccountID: 1, ContractID: "ES", Timestamp: time.Now()})
		return err
	})
	withTx(t, db, func(tx *sql.Tx) error {
		return store.ClearSessionCounts(tx, 1)
	})

	assert.Equal(t, 0, store.WindowCount(1, domain.WindowSession, 24*time.Hour, time.Now()))
	assert.Equal(t, 1, store.WindowCount(1, domain.WindowHour, time.Hour, time.Now()))
}

func TestStore_UnrealizedPnLComputesFromQuoteAndTickMetadata(t *testing.T) {
	fetcher := &fakeFetcher{meta: domain.ContractMetadata{ContractID: "ES", Symbol: "ES", TickSize: decimal.NewFromFloat(0.25), TickValue: decimal.NewFromInt(12)}}
	store, db := newTestStore(t, fetcher)

	withTx(t, db, func(tx *sql.Tx) error {
		_, err := store.UpsertPosition(tx, domain.Position{AccountID: 1, ContractID: "ES", Side: domain.SideLong, Size: 2, AveragePrice: decimal.NewFromInt(5000)})
		return err
	})
	store.quotes.Update(domain.Quote{ContractID: "ES", Last: decimal.NewFromInt(5010), IngestTime: time.Now()})

	result := store.UnrealizedPnL(context.Background(), 1, time.Minute)
	assert.False(t, result.Partial)
	// (5010-5000)/0.25 * 12 * 2 = 40 ticks * 12 * 2 = 960
	assert.True(t, result.Total.Equal(decimal.NewFromInt(960)), "got %s", result.Total)
}

func TestStore_UnrealizedPnLFlagsPartialOnStaleQuote(t *testing.T) {
	fetcher := &fakeFetcher{meta: domain.ContractMetadata{ContractID: "ES", Symbol: "ES", TickSize: decimal.NewFromFloat(0.25), TickValue: decimal.NewFromInt(12)}}
	store, db := newTestStore(t, fetcher)

	withTx(t, db, func(tx *sql.Tx) error {
		_, err := store.UpsertPosition(tx, domain.Position{AccountID: 1, ContractID: "ES", Side: domain.SideLong, Size: 1, AveragePrice: decimal.NewFromInt(5000)})
		return err
	})
	store.quotes.Update(domain.Quote{ContractID: "ES", Last: decimal.NewFromInt(5010), IngestTime: time.Now().Add(-time.Hour)})

	result := store.UnrealizedPnL(context.Background(), 1, time.Minute)
	assert.True(t, result.Partial)
	assert.True(t, result.Total.IsZero())
}
