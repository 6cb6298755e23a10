// Package gateway implements the wire contract in spec §6: token
// authentication, the two streaming hubs, and the REST surface the
// Enforcement Executor and Contract Metadata Cache call against.
package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserAccount is the GatewayUserAccount push payload.
type UserAccount struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Balance   decimal.Decimal `json:"balance"`
	CanTrade  bool   `json:"canTrade"`
	IsVisible bool   `json:"isVisible"`
	Simulated bool   `json:"simulated"`
}

// UserPosition is the GatewayUserPosition push payload.
type UserPosition struct {
	ID                int64           `json:"id"`
	AccountID         int64           `json:"accountId"`
	ContractID        string          `json:"contractId"`
	CreationTimestamp time.Time       `json:"creationTimestamp"`
	Type              int             `json:"type"` // 1=long, 2=short
	Size              int64           `json:"size"`
	AveragePrice      decimal.Decimal `json:"averagePrice"`
}

// UserOrder is the GatewayUserOrder push payload.
type UserOrder struct {
	ID                int64            `json:"id"`
	AccountID         int64            `json:"accountId"`
	ContractID        string           `json:"contractId"`
	SymbolID          string           `json:"symbolId"`
	CreationTimestamp time.Time        `json:"creationTimestamp"`
	UpdateTimestamp   time.Time        `json:"updateTimestamp"`
	Status            int              `json:"status"`
	Type              int              `json:"type"`
	Side              int              `json:"side"`
	Size              int64            `json:"size"`
	LimitPrice        *decimal.Decimal `json:"limitPrice"`
	StopPrice         *decimal.Decimal `json:"stopPrice"`
	FillVolume        int64            `json:"fillVolume"`
	FilledPrice       decimal.Decimal  `json:"filledPrice"`
	CustomTag         string           `json:"customTag"`
}

// UserTrade is the GatewayUserTrade push payload.
type UserTrade struct {
	ID                int64            `json:"id"`
	AccountID         int64            `json:"accountId"`
	ContractID        string           `json:"contractId"`
	CreationTimestamp time.Time        `json:"creationTimestamp"`
	Price             decimal.Decimal  `json:"price"`
	ProfitAndLoss     *decimal.Decimal `json:"profitAndLoss"`
	Fees              decimal.Decimal  `json:"fees"`
	Side              int              `json:"side"`
	Size              int64            `json:"size"`
	Voided            bool             `json:"voided"`
	OrderID           int64            `json:"orderId"`
}

// Quote is the GatewayQuote push payload.
type Quote struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	BestBid     decimal.Decimal `json:"bestBid"`
	BestAsk     decimal.Decimal `json:"bestAsk"`
	Change      decimal.Decimal `json:"change"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Volume      int64           `json:"volume"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Timestamp   time.Time       `json:"timestamp"`
}

// hubEnvelope is the RPC-over-WebSocket invocation frame: a target with
// arguments. Server pushes are decoded with pushEnvelope (stream.go).
type hubEnvelope struct {
	Target    string          `json:"target"`
	Arguments []interface{}   `json:"arguments,omitempty"`
}
