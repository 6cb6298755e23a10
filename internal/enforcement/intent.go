// Package enforcement implements the Enforcement Executor (spec §4.12):
// executes remediation intents against the REST gateway with retry,
// idempotency, and rate-limit handling.
package enforcement

import "fmt"

// IntentKind names one of the six remediation operations spec §4.12
// defines.
type IntentKind string

const (
	IntentClosePosition IntentKind = "close_position"
	IntentPartialClose  IntentKind = "partial_close"
	IntentCloseAll      IntentKind = "close_all"
	IntentCancelOrder   IntentKind = "cancel_order"
	IntentCancelAll     IntentKind = "cancel_all"
	IntentModifyOrder   IntentKind = "modify_order"
)

// ModifyParams carries the optional fields of a modify_order intent.
type ModifyParams struct {
	StopPrice  *string
	LimitPrice *string
	TrailPrice *string
	Size       *int64
}

// Intent is a typed instruction submitted by the dispatcher/rule engine.
type Intent struct {
	Kind       IntentKind
	AccountID  int64
	ContractID string // close_position, partial_close, modify_order (via order's contract)
	OrderID    int64  // cancel_order, modify_order
	Qty        int64  // partial_close
	Modify     ModifyParams
	Generation int64
	// Reason names the rule that produced this intent, for the audit log.
	Reason string
}

// target returns the fingerprint component identifying what the intent
// acts on, per spec §4.12's (account, kind, target, generation) tuple.
func (i Intent) target() string {
	switch i.Kind {
	case IntentClosePosition, IntentPartialClose:
		return i.ContractID
	case IntentCancelOrder, IntentModifyOrder:
		return fmt.Sprintf("order:%d", i.OrderID)
	case IntentCloseAll, IntentCancelAll:
		return "ALL"
	default:
		return ""
	}
}

// fingerprint is the idempotency key: no two enforcement calls with the
// same fingerprint may be in flight simultaneously (spec §8 property 2).
func (i Intent) fingerprint() string {
	return fmt.Sprintf("%d|%s|%s|%d", i.AccountID, i.Kind, i.target(), i.Generation)
}
