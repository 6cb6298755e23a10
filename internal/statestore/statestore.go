// Package statestore implements the State Store (spec §4.4) and its P&L
// evaluation semantics (spec §4.5): the in-memory authoritative copies of
// positions, orders, realized/unrealized P&L, and rolling trade counts,
// backed by the Persistence Store. The dispatcher is the only caller that
// mutates it; rules read snapshots taken at the top of their evaluation.
package statestore

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/riskpilot/guardian/internal/contractcache"
	"github.com/riskpilot/guardian/internal/database/repositories"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/quotecache"
)

type positionKey struct {
	accountID  int64
	contractID string
}

// Store is a single value owned by the dispatcher; all access is through
// its operations, never through module-level globals (spec §9).
type Store struct {
	mu sync.RWMutex

	positions map[positionKey]domain.Position
	orders    map[int64]map[int64]domain.Order // accountID -> orderID -> order
	dailyPnL  map[int64]domain.DailyPnL         // accountID -> today's running total
	counts    map[int64]map[domain.WindowKind][]time.Time

	quotes    *quotecache.Cache
	contracts *contractcache.Cache

	snapshotRepo *repositories.SnapshotRepo
	dailyPnLRepo *repositories.DailyPnLRepo
	countRepo    *repositories.TradeCountRepo
}

// New constructs an empty store; call LoadFromPersistence before serving
// events.
func New(quotes *quotecache.Cache, contracts *contractcache.Cache,
	snapshotRepo *repositories.SnapshotRepo, dailyPnLRepo *repositories.DailyPnLRepo, countRepo *repositories.TradeCountRepo) *Store {
	return &Store{
		positions:    make(map[positionKey]domain.Position),
		orders:       make(map[int64]map[int64]domain.Order),
		dailyPnL:     make(map[int64]domain.DailyPnL),
		counts:       make(map[int64]map[domain.WindowKind][]time.Time),
		quotes:       quotes,
		contracts:    contracts,
		snapshotRepo: snapshotRepo,
		dailyPnLRepo: dailyPnLRepo,
		countRepo:    countRepo,
	}
}

// LoadFromPersistence restores positions, orders and daily P&L from the
// Persistence Store. Per spec §4.1, the dispatcher must trigger
// reconciliation against the live gateway immediately after this.
func (s *Store) LoadFromPersistence() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions, err := s.snapshotRepo.LoadPositions()
	if err != nil {
		return fmt.Errorf("statestore: load positions: %w", err)
	}
	for _, p := range positions {
		s.positions[positionKey{p.AccountID, p.ContractID}] = p
	}

	orders, err := s.snapshotRepo.LoadOrders()
	if err != nil {
		return fmt.Errorf("statestore: load orders: %w", err)
	}
	for _, o := range orders {
		if s.orders[o.AccountID] == nil {
			s.orders[o.AccountID] = make(map[int64]domain.Order)
		}
		s.orders[o.AccountID][o.OrderID] = o
	}

	pnls, err := s.dailyPnLRepo.LoadAll()
	if err != nil {
		return fmt.Errorf("statestore: load daily pnl: %w", err)
	}
	for _, p := range pnls {
		s.dailyPnL[p.AccountID] = p
	}

	return nil
}

// --- Positions ---

// UpsertPosition applies a position event: size 0 prunes the record.
// Returns the prior position (zero value if none existed) so callers can
// detect a flat->nonzero transition.
func (s *Store) UpsertPosition(tx *sql.Tx, p domain.Position) (prior domain.Position, err error) {
	key := positionKey{p.AccountID, p.ContractID}

	s.mu.Lock()
	prior = s.positions[key]
	if p.IsFlat() {
		delete(s.positions, key)
	} else {
		s.positions[key] = p
	}
	s.mu.Unlock()

	if p.IsFlat() {
		err = s.snapshotRepo.DeletePosition(tx, p.AccountID, p.ContractID)
	} else {
		err = s.snapshotRepo.PutPosition(tx, p)
	}
	if err != nil {
		return prior, fmt.Errorf("statestore: persist position: %w", err)
	}
	return prior, nil
}

// GetPosition returns the current position, if any.
func (s *Store) GetPosition(accountID int64, contractID string) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionKey{accountID, contractID}]
	return p, ok
}

// OpenPositions returns every open position for an account.
func (s *Store) OpenPositions(accountID int64) []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for k, p := range s.positions {
		if k.accountID == accountID {
			out = append(out, p)
		}
	}
	return out
}

// OpenContractIDs returns the contract IDs of every open position for an
// account, used by the Enforcement Executor's close_all intent.
func (s *Store) OpenContractIDs(accountID int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.positions {
		if k.accountID == accountID {
			out = append(out, k.contractID)
		}
	}
	return out
}

// CurrentSize reports the signed-absolute size of a position, used by the
// Enforcement Executor to skip a close when the account is already flat.
// fresh is always true: a contract with no stored position reports size 0.
func (s *Store) CurrentSize(accountID int64, contractID string) (size int64, fresh bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionKey{accountID, contractID}]
	if !ok {
		return 0, true
	}
	return p.Size, true
}

// ReplacePositionsFromReconciliation overwrites the account's positions
// with the gateway-reported set (spec §4.9): merges/updates every
// reported contract and prunes any locally-known position the gateway no
// longer reports.
func (s *Store) ReplacePositionsFromReconciliation(tx *sql.Tx, accountID int64, reported []domain.Position) error {
	reportedKeys := make(map[positionKey]bool, len(reported))
	for _, p := range reported {
		reportedKeys[positionKey{accountID, p.ContractID}] = true
		if _, err := s.UpsertPosition(tx, p); err != nil {
			return err
		}
	}

	s.mu.RLock()
	var stale []positionKey
	for k := range s.positions {
		if k.accountID == accountID && !reportedKeys[k] {
			stale = append(stale, k)
		}
	}
	s.mu.RUnlock()

	for _, k := range stale {
		if _, err := s.UpsertPosition(tx, domain.Position{AccountID: k.accountID, ContractID: k.contractID, Size: 0}); err != nil {
			return err
		}
	}
	return nil
}

// --- Orders ---

// UpsertOrder applies an order event; terminal statuses never transition
// further (duplicate/late updates to a terminal order are ignored).
func (s *Store) UpsertOrder(tx *sql.Tx, o domain.Order) error {
	s.mu.Lock()
	if s.orders[o.AccountID] == nil {
		s.orders[o.AccountID] = make(map[int64]domain.Order)
	}
	if existing, ok := s.orders[o.AccountID][o.OrderID]; ok && existing.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.orders[o.AccountID][o.OrderID] = o
	s.mu.Unlock()

	if err := s.snapshotRepo.PutOrder(tx, o); err != nil {
		return fmt.Errorf("statestore: persist order: %w", err)
	}
	return nil
}

// GetOrder returns one order.
func (s *Store) GetOrder(accountID, orderID int64) (domain.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[accountID][orderID]
	return o, ok
}

// OpenOrders returns every non-terminal order for an account, optionally
// filtered to one contract (empty string = all contracts).
func (s *Store) OpenOrders(accountID int64, contractID string) []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders[accountID] {
		if o.Status.Terminal() {
			continue
		}
		if contractID != "" && o.ContractID != contractID {
			continue
		}
		out = append(out, o)
	}
	return out
}

// ReplaceOrdersFromReconciliation mirrors ReplacePositionsFromReconciliation
// for open orders.
func (s *Store) ReplaceOrdersFromReconciliation(tx *sql.Tx, accountID int64, reported []domain.Order) error {
	reportedIDs := make(map[int64]bool, len(reported))
	for _, o := range reported {
		reportedIDs[o.OrderID] = true
		if err := s.UpsertOrder(tx, o); err != nil {
			return err
		}
	}

	s.mu.RLock()
	var stale []int64
	for id, o := range s.orders[accountID] {
		if !o.Status.Terminal() && !reportedIDs[id] {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		o, ok := s.GetOrder(accountID, id)
		if !ok {
			continue
		}
		o.Status = domain.OrderStatusCancelled
		o.UpdatedAt = time.Now()
		if err := s.UpsertOrder(tx, o); err != nil {
			return err
		}
	}
	return nil
}

// FindAssociatedStop returns the most recently created stop-kind order on
// the opposing side of the given contract (spec §9's decision on
// TradeManagement's "associated stop order"). ok is false if none exist;
// ambiguous is true if more than one candidate exists.
func (s *Store) FindAssociatedStop(accountID int64, contractID string, positionSide domain.Side) (order domain.Order, ok bool, ambiguous bool) {
	wantSide := domain.OrderSideAsk
	if positionSide == domain.SideShort {
		wantSide = domain.OrderSideBid
	}

	candidates := s.OpenOrders(accountID, contractID)
	var matches []domain.Order
	for _, o := range candidates {
		if o.Side == wantSide && o.Type.IsStopKind() {
			matches = append(matches, o)
		}
	}
	if len(matches) == 0 {
		return domain.Order{}, false, false
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.CreatedAt.After(best.CreatedAt) {
			best = m
		}
	}
	return best, true, len(matches) > 1
}
