package rules

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/riskpilot/guardian/internal/contractcache"
	"github.com/riskpilot/guardian/internal/database"
	"github.com/riskpilot/guardian/internal/database/repositories"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/quotecache"
	"github.com/riskpilot/guardian/internal/statestore"
	"github.com/stretchr/testify/require"
)

// fakeFetcher answers contractcache misses with a fixed symbol/tick
// metadata record, standing in for the REST gateway's contract search.
type fakeFetcher struct {
	meta domain.ContractMetadata
}

func (f *fakeFetcher) SearchContract(ctx context.Context, searchText string) (domain.ContractMetadata, error) {
	return f.meta, nil
}

// newTestStore builds a statestore.Store backed by a real temp-file
// SQLite database, matching the teacher's test style of exercising the
// real driver rather than mocking persistence.
func newTestStore(t *testing.T) (*statestore.Store, *database.DB) {
	store, db, _ := newTestStoreWithFetcher(t, nil)
	return store, db
}

func newTestStoreWithFetcher(t *testing.T, fetcher contractcache.Fetcher) (*statestore.Store, *database.DB, *quotecache.Cache) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	snapshotRepo := repositories.NewSnapshotRepo(db.Conn())
	dailyPnLRepo := repositories.NewDailyPnLRepo(db.Conn())
	countRepo := repositories.NewTradeCountRepo(db.Conn())

	quotes := quotecache.New()
	store := statestore.New(quotes, contractcache.New(fetcher), snapshotRepo, dailyPnLRepo, countRepo)
	require.NoError(t, store.LoadFromPersistence())
	return store, db, quotes
}

// newContractsCache builds a contractcache.Cache that resolves every
// lookup to the given symbol, for rules (e.g. SessionBlockOutside,
// SymbolBlocks) that only need symbolOf to succeed without caring about
// tick metadata.
func newContractsCache(symbol string) *contractcache.Cache {
	return contractcache.New(&fakeFetcher{meta: domain.ContractMetadata{Symbol: symbol}})
}

// seedPosition writes one open position directly through the store, the
// same path the dispatcher uses for an EventPosition push.
func seedPosition(t *testing.T, store *statestore.Store, db *database.DB, p domain.Position) {
	t.Helper()
	err := db.WithTransaction(func(tx *sql.Tx) error {
		_, err := store.UpsertPosition(tx, p)
		return err
	})
	require.NoError(t, err)
}
