// Package inbound adapts the gateway's wire pushes into the dispatcher's
// event vocabulary: it is the one place the Stream Consumer's typed hub
// payloads (spec §4.13) are translated into State Store mutations and
// rule-engine input (spec §4.10).
package inbound

import (
	"context"
	"strconv"
	"time"

	"github.com/riskpilot/guardian/internal/contractcache"
	"github.com/riskpilot/guardian/internal/dispatcher"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/events"
	"github.com/riskpilot/guardian/internal/gateway"
	"github.com/riskpilot/guardian/internal/reconcile"
	"github.com/riskpilot/guardian/internal/rules"
	"github.com/rs/zerolog"
)

// SessionDater resolves the account-local calendar date used to key daily
// P&L and trade-count windows, kept as a function so this package does not
// need config.AccountConfig directly.
type SessionDater func(accountID int64, at time.Time) string

// Handler implements gateway.InboundHandler, translating every push type
// into a dispatcher.Event and submitting it for serialized per-account
// processing.
type Handler struct {
	dispatch    *dispatcher.Dispatcher
	reconciler  *reconcile.Reconciler
	accountIDs  []int64
	contracts   *contractcache.Cache
	sessionDate SessionDater
	bus         *events.Bus
	log         zerolog.Logger
}

func New(dispatch *dispatcher.Dispatcher, reconciler *reconcile.Reconciler, accountIDs []int64,
	contracts *contractcache.Cache, sessionDate SessionDater, bus *events.Bus, log zerolog.Logger) *Handler {
	return &Handler{
		dispatch: dispatch, reconciler: reconciler, accountIDs: accountIDs,
		contracts: contracts, sessionDate: sessionDate, bus: bus,
		log: log.With().Str("component", "inbound").Logger(),
	}
}

func (h *Handler) OnUserAccount(a gateway.UserAccount) {
	canTrade := a.CanTrade
	h.dispatch.Submit(dispatcher.Event{
		Kind:      rules.EventAccountFlag,
		AccountID: a.ID,
		CanTrade:  &canTrade,
	})
}

func (h *Handler) OnUserPosition(p gateway.UserPosition) {
	side := domain.SideLong
	if p.Type == 2 {
		side = domain.SideShort
	}
	pos := domain.Position{
		AccountID:    p.AccountID,
		ContractID:   p.ContractID,
		Side:         side,
		Size:         p.Size,
		AveragePrice: p.AveragePrice,
		OpenedAt:     p.CreationTimestamp,
		OpenInstance: formatOpenInstance(p.AccountID, p.CreationTimestamp),
	}
	h.dispatch.Submit(dispatcher.Event{Kind: rules.EventPosition, AccountID: p.AccountID, Position: &pos})
}

func (h *Handler) OnUserOrder(o gateway.UserOrder) {
	ord := domain.Order{
		OrderID:     o.ID,
		AccountID:   o.AccountID,
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
	}
	h.dispatch.Submit(dispatcher.Event{Kind: rules.EventOrder, AccountID: o.AccountID, Order: &ord})
}

func (h *Handler) OnUserTrade(t gateway.UserTrade) {
	trade := domain.Trade{
		TradeID:    t.ID,
		AccountID:  t.AccountID,
		ContractID: t.ContractID,
		Price:      t.Price,
		PnL:        t.ProfitAndLoss,
		Fees:       t.Fees,
		Side:       domain.OrderSide(t.Side),
		Size:       t.Size,
		OrderID:    t.OrderID,
		Voided:     t.Voided,
		Timestamp:  t.CreationTimestamp,
	}
	sessionDate := ""
	if h.sessionDate != nil {
		sessionDate = h.sessionDate(t.AccountID, t.CreationTimestamp)
	}
	h.dispatch.Submit(dispatcher.Event{Kind: rules.EventTrade, AccountID: t.AccountID, Trade: &trade, SessionDate: sessionDate})
}

func (h *Handler) OnQuote(q gateway.Quote) {
	contractID, ok := h.contracts.ResolveSymbol(q.Symbol)
	if !ok {
		// Never looked up via contractcache.Get (no open position/order yet
		// referenced this symbol): nothing in the rule set can act on it.
		return
	}
	quote := domain.Quote{
		ContractID: contractID,
		Symbol:     q.Symbol,
		Last:       q.LastPrice,
		BestBid:    q.BestBid,
		BestAsk:    q.BestAsk,
		SourceTime: q.Timestamp,
		IngestTime: time.Now(),
	}
	// Quote ticks are not account-scoped at the wire level; fan out to every
	// configured account so each one's TradeManagement/DailyUnrealizedLoss
	// rules see it.
	for _, accountID := range h.accountIDs {
		h.dispatch.Submit(dispatcher.Event{Kind: rules.EventQuote, AccountID: accountID, Quote: &quote})
	}
}

// OnReconnected runs reconciliation (spec §4.9) before any further pushes
// are allowed to mutate state on the caller's behalf; the Stream Consumer
// blocks on this method returning before resuming its read loop.
func (h *Handler) OnReconnected(firstConnect bool) {
	if err := h.reconciler.RunAll(context.Background(), h.accountIDs); err != nil {
		h.log.Error().Err(err).Bool("first_connect", firstConnect).Msg("reconciliation failed")
		return
	}
	h.bus.Emit(events.ReconciliationDone, 0, map[string]interface{}{"first_connect": firstConnect})
	if !firstConnect {
		h.bus.Emit(events.StreamReconnected, 0, nil)
	}
}

func (h *Handler) OnDisconnected() {
	h.bus.Emit(events.StreamDisconnected, 0, nil)
}

func formatOpenInstance(accountID int64, openedAt time.Time) string {
	return openedAt.UTC().Format(time.RFC3339Nano) + "-" + strconv.FormatInt(accountID, 10)
}
