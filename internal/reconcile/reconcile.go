// Package reconcile implements post-(re)connect reconciliation (spec
// §4.9): on first connection and every successful reconnect, before
// unblocking the dispatcher, it merges gateway-reported positions/orders
// into the State Store and prunes anything the gateway no longer reports.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/enforcement"
	"github.com/riskpilot/guardian/internal/gateway"
	"github.com/rs/zerolog"
)

// StateStore is the subset of statestore.Store reconciliation needs,
// kept as an interface to avoid an import cycle with internal/dispatcher
// wiring.
type StateStore interface {
	ReplacePositionsFromReconciliation(tx *sql.Tx, accountID int64, reported []domain.Position) error
	ReplaceOrdersFromReconciliation(tx *sql.Tx, accountID int64, reported []domain.Order) error
}

// RESTClient is the subset of gateway.RESTClient reconciliation needs.
type RESTClient interface {
	SearchOpenPositions(ctx context.Context, accountID int64) ([]gateway.UserPosition, int, error)
	SearchOpenOrders(ctx context.Context, accountID int64) ([]gateway.UserOrder, int, error)
}

// Lockouts is the subset of lockout.Manager reconciliation needs to
// detect a locked account, or a locked symbol, still holding an open
// position after a reconnect (spec §4.9: "Any remediation needed ... is
// executed immediately after reconciliation").
type Lockouts interface {
	IsLocked(accountID int64) bool
	IsSymbolLocked(accountID int64, symbol string) bool
}

// Executor is the subset of enforcement.Executor reconciliation needs to
// submit a close for a position a locked account/symbol still holds.
type Executor interface {
	NextGeneration(accountID int64) int64
	Submit(ctx context.Context, intent enforcement.Intent)
}

// ContractResolver resolves a contract's symbol, for symbol-lockout
// checks against reconciled positions.
type ContractResolver interface {
	Get(ctx context.Context, contractID string) (domain.ContractMetadata, error)
}

// Reconciler coordinates one reconciliation round.
type Reconciler struct {
	rest      RESTClient
	store     StateStore
	lockouts  Lockouts
	executor  Executor
	contracts ContractResolver
	db        *sql.DB
	log       zerolog.Logger

	mu      sync.RWMutex
	lastRun time.Time
}

// New constructs a reconciler.
func New(rest RESTClient, store StateStore, lockouts Lockouts, executor Executor, contracts ContractResolver, db *sql.DB, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		rest: rest, store: store, lockouts: lockouts, executor: executor, contracts: contracts,
		db: db, log: log.With().Str("component", "reconcile").Logger(),
	}
}

// LastRun reports when reconciliation last completed successfully,
// surfaced on the status API's health endpoint. Zero means never.
func (r *Reconciler) LastRun() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRun
}

// Run fetches open positions and orders for one account and merges them
// into the State Store within a single transaction, per spec §4.9.
func (r *Reconciler) Run(ctx context.Context, accountID int64) error {
	positions, _, err := r.rest.SearchOpenPositions(ctx, accountID)
	if err != nil {
		return fmt.Errorf("reconcile: search open positions: %w", err)
	}
	orders, _, err := r.rest.SearchOpenOrders(ctx, accountID)
	if err != nil {
		return fmt.Errorf("reconcile: search open orders: %w", err)
	}

	domainPositions := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		side := domain.SideLong
		if p.Type == 2 {
			side = domain.SideShort
		}
		domainPositions = append(domainPositions, domain.Position{
			AccountID:    accountID,
			ContractID:   p.ContractID,
			Side:         side,
			Size:         p.Size,
			AveragePrice: p.AveragePrice,
			OpenedAt:     p.CreationTimestamp,
			OpenInstance: fmt.Sprintf("%d-%d", accountID, p.CreationTimestamp.UnixNano()),
		})
	}

	domainOrders := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		domainOrders = append(domainOrders, domain.Order{
			OrderID:     o.ID,
			AccountID:   accountID,
			ContractID:  o.ContractID,
			SymbolID:    o.SymbolID,
			Status:      domain.OrderStatus(o.Status),
			Type:        domain.OrderType(o.Type),
			Side:        domain.OrderSide(o.Side),
			Size:        o.Size,
			LimitPrice:  o.LimitPrice,
			StopPrice:   o.StopPrice,
			FillVolume:  o.FillVolume,
			FilledPrice: o.FilledPrice,
			CustomTag:   o.CustomTag,
			CreatedAt:   o.CreationTimestamp,
			UpdatedAt:   o.UpdateTimestamp,
		})
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("reconcile: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := r.store.ReplacePositionsFromReconciliation(tx, accountID, domainPositions); err != nil {
		return fmt.Errorf("reconcile: merge positions: %w", err)
	}
	if err := r.store.ReplaceOrdersFromReconciliation(tx, accountID, domainOrders); err != nil {
		return fmt.Errorf("reconcile: merge orders: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reconcile: commit: %w", err)
	}

	r.log.Info().Int64("account_id", accountID).
		Int("positions", len(domainPositions)).Int("orders", len(domainOrders)).
		Msg("reconciliation complete")

	r.closeLockedPositions(ctx, accountID, domainPositions)
	return nil
}

// closeLockedPositions re-applies the lockout pre-gate to every position
// reconciliation just reported: a locked account or symbol caught holding
// an open position across a reconnect (e.g. the gateway delivered a fill
// while the stream was down) must have that position closed immediately,
// not left open until the next event happens to arrive (spec §4.9).
func (r *Reconciler) closeLockedPositions(ctx context.Context, accountID int64, positions []domain.Position) {
	accountLocked := r.lockouts.IsLocked(accountID)
	for _, p := range positions {
		if p.Size == 0 {
			continue
		}
		reason := "account locked"
		if !accountLocked {
			meta, err := r.contracts.Get(ctx, p.ContractID)
			if err != nil {
				r.log.Error().Err(err).Int64("account_id", accountID).Str("contract_id", p.ContractID).
					Msg("reconcile: failed resolving symbol for lockout check")
				continue
			}
			if meta.Symbol == "" || !r.lockouts.IsSymbolLocked(accountID, meta.Symbol) {
				continue
			}
			reason = "symbol locked"
		}

		intent := enforcement.Intent{Kind: enforcement.IntentClosePosition, AccountID: accountID, ContractID: p.ContractID, Reason: reason}
		intent.Generation = r.executor.NextGeneration(accountID)
		r.executor.Submit(ctx, intent)
		r.log.Warn().Int64("account_id", accountID).Str("contract_id", p.ContractID).Str("reason", reason).
			Msg("reconcile: closing position found open on a locked account/symbol")
	}
}

// RunAll reconciles every configured account, used on first connect and
// after every successful reconnect.
func (r *Reconciler) RunAll(ctx context.Context, accountIDs []int64) error {
	deadline := time.Now().Add(30 * time.Second)
	rctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for _, id := range accountIDs {
		if err := r.Run(rctx, id); err != nil {
			return fmt.Errorf("reconcile: account %d: %w", id, err)
		}
	}

	r.mu.Lock()
	r.lastRun = time.Now()
	r.mu.Unlock()
	return nil
}
