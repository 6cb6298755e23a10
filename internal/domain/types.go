// Package domain holds the entities the daemon monitors and enforces
// against: accounts, positions, orders, trades, lockouts and the rest of
// the data model the State Store owns.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the directional sense of a position or order.
type Side int

const (
	SideLong Side = 1
	SideShort Side = 2
)

// OrderSide distinguishes bid (buy) from ask (sell) order flow, distinct
// from position Side because an order can close as well as open a position.
type OrderSide int

const (
	OrderSideBid OrderSide = 0
	OrderSideAsk OrderSide = 1
)

// OrderStatus mirrors the gateway's numeric status enumeration.
type OrderStatus int

const (
	OrderStatusNone      OrderStatus = 0
	OrderStatusOpen      OrderStatus = 1
	OrderStatusFilled    OrderStatus = 2
	OrderStatusCancelled OrderStatus = 3
	OrderStatusExpired   OrderStatus = 4
	OrderStatusRejected  OrderStatus = 5
	OrderStatusPending   OrderStatus = 6
)

// Terminal reports whether the status never transitions further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderType mirrors the gateway's numeric order-type enumeration.
type OrderType int

const (
	OrderTypeLimit        OrderType = 1
	OrderTypeMarket       OrderType = 2
	OrderTypeStop         OrderType = 4
	OrderTypeTrailingStop OrderType = 5
)

// IsStopKind reports whether the order type functions as a protective stop.
func (t OrderType) IsStopKind() bool {
	return t == OrderTypeStop || t == OrderTypeTrailingStop
}

// Account is brokerage-side configuration; never mutated by the core once
// loaded, only its sub-entities (positions, orders, lockouts, ...) change.
type Account struct {
	AccountID int64
	Nickname  string
	Enabled   bool
	CanTrade  bool
}

// Position is keyed by (AccountID, ContractID); size 0 means the record
// should be pruned from the State Store.
type Position struct {
	AccountID    int64
	ContractID   string
	Side         Side
	Size         int64
	AveragePrice decimal.Decimal
	OpenedAt     time.Time
	// OpenInstance distinguishes successive flat->nonzero transitions on the
	// same contract, used to key the NoStopLossGrace timer.
	OpenInstance string
}

// IsFlat reports whether the position carries no size and should be pruned.
func (p Position) IsFlat() bool { return p.Size == 0 }

// Order is unique within an account by OrderID. Terminal states never
// transition further (enforced by the State Store upsert).
type Order struct {
	OrderID      int64
	AccountID    int64
	ContractID   string
	SymbolID     string
	Status       OrderStatus
	Type         OrderType
	Side         OrderSide
	Size         int64
	LimitPrice   *decimal.Decimal
	StopPrice    *decimal.Decimal
	TrailPrice   *decimal.Decimal
	FillVolume   int64
	FilledPrice  decimal.Decimal
	CustomTag    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Trade is unique within an account by TradeID; immutable once inserted
// except for the Voided flag.
type Trade struct {
	TradeID   int64
	AccountID int64
	ContractID string
	Price     decimal.Decimal
	PnL       *decimal.Decimal // nullable: half-turn trades carry no realized P&L
	Fees      decimal.Decimal
	Side      OrderSide
	Size      int64
	OrderID   int64
	Voided    bool
	Timestamp time.Time
}

// HasRealizedPnL reports whether this trade is a full turn contributing to
// the daily realized total.
func (t Trade) HasRealizedPnL() bool { return t.PnL != nil }

// DailyPnL is keyed by (AccountID, SessionDate); running realized sum,
// reset by the Reset Scheduler at the account's rollover instant.
type DailyPnL struct {
	AccountID   int64
	SessionDate string // YYYY-MM-DD in the account's configured timezone
	Realized    decimal.Decimal
}

// WindowKind names a trade-count rolling-window horizon.
type WindowKind string

const (
	WindowMinute  WindowKind = "minute"
	WindowHour    WindowKind = "hour"
	WindowSession WindowKind = "session"
)

// LockoutKind distinguishes the three lockout varieties.
type LockoutKind string

const (
	LockoutHard     LockoutKind = "hard"
	LockoutCooldown LockoutKind = "cooldown"
	LockoutSymbol   LockoutKind = "symbol"
)

// NeverExpires is the sentinel expiry meaning "manual clear only".
var NeverExpires = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Lockout is keyed by AccountID (hard/cooldown) or (AccountID, Symbol) for
// symbol-specific blocks. At most one hard/cooldown lockout per account at
// a time; any number of symbol lockouts.
type Lockout struct {
	AccountID int64
	Symbol    string // empty for account-wide lockouts
	Reason    string
	ExpiresAt time.Time
	CreatedAt time.Time
	Kind      LockoutKind
	// Source names the rule that created the lockout (e.g. "AuthLossGuard"),
	// used so that rule can later clear only locks it is responsible for.
	Source string
}

// Expired reports whether the lockout's wall-clock expiry has passed.
func (l Lockout) Expired(now time.Time) bool {
	return !l.ExpiresAt.Equal(NeverExpires) && !now.Before(l.ExpiresAt)
}

// Quote is the latest market data for a contract; never persisted.
type Quote struct {
	ContractID  string
	Symbol      string
	Last        decimal.Decimal
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	SourceTime  time.Time
	IngestTime  time.Time
}

// ContractMetadata is keyed by ContractID; stable within a trading session.
type ContractMetadata struct {
	ContractID string
	Symbol     string
	TickSize   decimal.Decimal
	TickValue  decimal.Decimal
	Expiry     string
}
