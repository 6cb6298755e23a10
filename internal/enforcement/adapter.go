package enforcement

import (
	"context"
	"fmt"

	"github.com/riskpilot/guardian/internal/gateway"
)

// rest is the subset of gateway.RESTClient the adapter drives.
type rest interface {
	ClosePosition(ctx context.Context, accountID int64, contractID string) (int, error)
	PartialClosePosition(ctx context.Context, accountID int64, contractID string, size int64) (int, error)
	CancelOrder(ctx context.Context, accountID, orderID int64) (int, error)
	CancelAllOrders(ctx context.Context, accountID int64) (int, error)
	ModifyOrder(ctx context.Context, accountID, orderID int64, p gateway.ModifyOrderParams) (int, error)
}

// PositionLookup is the subset of statestore.Store the adapter needs: a
// snapshot of open contracts to close_all, and a size check for the
// already-flat skip.
type PositionLookup interface {
	CurrentSize(accountID int64, contractID string) (size int64, fresh bool)
	OpenContractIDs(accountID int64) []string
}

// Adapter implements Caller by translating Intent values into calls
// against the live REST gateway.
type Adapter struct {
	rest  rest
	store PositionLookup
}

// NewAdapter binds a gateway REST client and a position lookup (typically
// *statestore.Store) into a Caller.
func NewAdapter(restClient rest, lookup PositionLookup) *Adapter {
	return &Adapter{rest: restClient, store: lookup}
}

// CurrentSize satisfies Caller by delegating to the bound lookup.
func (a *Adapter) CurrentSize(accountID int64, contractID string) (int64, bool) {
	return a.store.CurrentSize(accountID, contractID)
}

// Invoke translates one Intent into the matching REST call.
func (a *Adapter) Invoke(ctx context.Context, intent Intent) (int, error) {
	switch intent.Kind {
	case IntentClosePosition:
		return a.rest.ClosePosition(ctx, intent.AccountID, intent.ContractID)

	case IntentPartialClose:
		return a.rest.PartialClosePosition(ctx, intent.AccountID, intent.ContractID, intent.Qty)

	case IntentCloseAll:
		return a.closeAllPositions(ctx, intent.AccountID)

	case IntentCancelOrder:
		return a.rest.CancelOrder(ctx, intent.AccountID, intent.OrderID)

	case IntentCancelAll:
		return a.rest.CancelAllOrders(ctx, intent.AccountID)

	case IntentModifyOrder:
		return a.rest.ModifyOrder(ctx, intent.AccountID, intent.OrderID, gateway.ModifyOrderParams{
			Size:       intent.Modify.Size,
			LimitPrice: intent.Modify.LimitPrice,
			StopPrice:  intent.Modify.StopPrice,
			TrailPrice: intent.Modify.TrailPrice,
		})

	default:
		return 0, fmt.Errorf("enforcement: unknown intent kind %q", intent.Kind)
	}
}

// closeAllPositions implements close_all: the gateway has no bulk
// position-close endpoint, so this fans out one ClosePosition per
// currently open contract, same as CancelAllOrders does for orders.
func (a *Adapter) closeAllPositions(ctx context.Context, accountID int64) (int, error) {
	var status int
	for _, contractID := range a.store.OpenContractIDs(accountID) {
		s, err := a.rest.ClosePosition(ctx, accountID, contractID)
		status = s
		if err != nil {
			return status, err
		}
	}
	return status, nil
}
