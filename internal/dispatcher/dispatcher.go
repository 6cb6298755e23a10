// Package dispatcher implements the Event Dispatcher (spec §4.10): a
// serialized pipeline per account. Events for a given account are
// processed strictly in arrival order on one logical worker; distinct
// accounts progress in parallel.
package dispatcher

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/riskpilot/guardian/internal/config"
	"github.com/riskpilot/guardian/internal/contractcache"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/enforcement"
	"github.com/riskpilot/guardian/internal/events"
	"github.com/riskpilot/guardian/internal/lockout"
	"github.com/riskpilot/guardian/internal/quotecache"
	"github.com/riskpilot/guardian/internal/rules"
	"github.com/riskpilot/guardian/internal/statestore"
	"github.com/riskpilot/guardian/internal/timer"
	"github.com/rs/zerolog"
)

// Event is one unit of dispatcher input; exactly one of its payload
// fields is populated, selected by Kind.
type Event struct {
	Kind      rules.EventKind
	AccountID int64

	Position    *domain.Position
	SessionDate string // required alongside Trade, for AppendTrade/ResetDailyPnL keys

	Order *domain.Order
	Trade *domain.Trade

	CanTrade *bool

	Quote *domain.Quote

	TimerName string

	// Now overrides the evaluation instant; zero means time.Now().
	Now time.Time
}

// Dispatcher owns one serialized queue per account and the shared
// collaborators every account's pipeline reads and writes through.
type Dispatcher struct {
	store     *statestore.Store
	lockouts  *lockout.Manager
	engine    *rules.Engine
	executor  *enforcement.Executor
	quotes    *quotecache.Cache
	contracts *contractcache.Cache
	timers    *timer.Service
	db        *sql.DB
	cfg       *config.Config
	bus       *events.Bus
	log       zerolog.Logger

	accounts map[int64]config.AccountConfig

	mu     sync.Mutex
	queues map[int64]chan Event
}

// New constructs the dispatcher; call Start before Submit.
func New(store *statestore.Store, lockouts *lockout.Manager, engine *rules.Engine, executor *enforcement.Executor,
	quotes *quotecache.Cache, contracts *contractcache.Cache, timers *timer.Service, db *sql.DB, cfg *config.Config,
	bus *events.Bus, log zerolog.Logger) *Dispatcher {

	accounts := make(map[int64]config.AccountConfig, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts[a.AccountID] = a
	}

	return &Dispatcher{
		store: store, lockouts: lockouts, engine: engine, executor: executor,
		quotes: quotes, contracts: contracts, timers: timers, db: db, cfg: cfg, bus: bus,
		log:      log.With().Str("component", "dispatcher").Logger(),
		accounts: accounts,
		queues:   make(map[int64]chan Event),
	}
}

// Submit hands an event to its account's queue, preserving per-account
// order. Safe to call from any goroutine (the stream consumer, the reset
// scheduler, the timer service's callbacks).
func (d *Dispatcher) Submit(ev Event) {
	if ev.Now.IsZero() {
		ev.Now = time.Now()
	}
	q := d.accountQueue(ev.AccountID)
	q <- ev
}

func (d *Dispatcher) accountQueue(accountID int64) chan Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[accountID]
	if ok {
		return q
	}
	q = make(chan Event, 1024)
	d.queues[accountID] = q
	go d.runAccountWorker(accountID, q)
	return q
}

func (d *Dispatcher) runAccountWorker(accountID int64, q chan Event) {
	for ev := range q {
		if err := d.process(ev); err != nil {
			d.log.Error().Err(err).Int64("account_id", accountID).Str("kind", string(ev.Kind)).Msg("event processing failed")
		}
	}
}

// deps builds the Deps a rule evaluation needs, including the closures
// that let rules reach back into the dispatcher (starting timers that
// re-enter the pipeline, computing an account's next rollover instant).
func (d *Dispatcher) deps() rules.Deps {
	return rules.Deps{
		Store: d.store, Quotes: d.quotes, Contracts: d.contracts, Timers: d.timers,
		Holidays: d.cfg.Holidays, Log: d.log,
		NextRollover: d.nextRollover,
		EnqueueTimerFire: func(accountID int64, timerName string) {
			d.Submit(Event{Kind: rules.EventTimerFire, AccountID: accountID, TimerName: timerName})
		},
	}
}

func (d *Dispatcher) nextRollover(accountID int64, now time.Time) time.Time {
	a, ok := d.accounts[accountID]
	if !ok {
		return domain.NeverExpires
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return domain.NeverExpires
	}
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), a.RolloverHour, a.RolloverMinute, 0, 0, loc)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func (d *Dispatcher) symbolOf(contractID string) string {
	meta, err := d.contracts.Get(context.Background(), contractID)
	if err != nil {
		return ""
	}
	return meta.Symbol
}

// process runs the five-step pipeline for one event (spec §4.10).
func (d *Dispatcher) process(ev Event) error {
	// Step 1: lockout pre-gate. The state update always runs on this path
	// (even though rule evaluation is skipped) so a redelivery of the same
	// GatewayUserPosition sees priorSize already reflecting it and is
	// recognized as a repeat rather than a fresh opening (spec §8 testable
	// property 3: exactly one close_position per breach, however many
	// times the event is re-delivered).
	if ev.Kind == rules.EventPosition && ev.Position != nil {
		opensNew := d.priorSize(ev.AccountID, ev.Position.ContractID) == 0 && ev.Position.Size != 0

		if d.lockouts.IsLocked(ev.AccountID) {
			if err := d.applyStateUpdate(ev); err != nil {
				return err
			}
			if opensNew {
				d.submitClose(ev.AccountID, ev.Position.ContractID, "account locked")
			}
			return nil
		}

		symbol := d.symbolOf(ev.Position.ContractID)
		if symbol != "" && d.lockouts.IsSymbolLocked(ev.AccountID, symbol) {
			if err := d.applyStateUpdate(ev); err != nil {
				return err
			}
			if opensNew {
				d.submitClose(ev.AccountID, ev.Position.ContractID, "symbol locked")
			}
			return nil
		}
	} else if d.lockouts.IsLocked(ev.AccountID) && ev.Kind != rules.EventTimerFire {
		return d.applyStateUpdate(ev)
	}

	// Steps 2-4: state update, rule evaluation, enforcement submission,
	// all inside one transaction for the state/lockout mutation half.
	priorSize := d.priorSize(ev.AccountID, contractIDOf(ev))

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("dispatcher: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := d.applyStateUpdateTx(tx, ev); err != nil {
		return fmt.Errorf("dispatcher: state update: %w", err)
	}

	acctRules := d.cfg.Rules.ForAccount(ev.AccountID)
	results := d.engine.Evaluate(d.deps(), acctRules, toRuleInput(ev, priorSize))

	var toSubmit []enforcement.Intent
	for _, res := range results {
		if res.Lockout != nil {
			if err := d.applyLockout(tx, ev.AccountID, res.Lockout); err != nil {
				return fmt.Errorf("dispatcher: apply lockout: %w", err)
			}
		}
		toSubmit = append(toSubmit, res.Remediations...)
	}

	// AuthLossGuard's can_trade=true clears only its own prior lockout.
	if ev.Kind == rules.EventAccountFlag && ev.CanTrade != nil && *ev.CanTrade {
		if err := d.lockouts.ClearBySource(ev.AccountID, "AuthLossGuard"); err != nil {
			d.log.Error().Err(err).Int64("account_id", ev.AccountID).Msg("failed clearing auth_loss_guard lockout")
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dispatcher: commit: %w", err)
	}
	committed = true

	// Step 5 (acknowledge) happens implicitly on return; submission below
	// does not block it per spec §4.12's "does not block the dispatcher".
	for i := range toSubmit {
		toSubmit[i].Generation = d.executor.NextGeneration(ev.AccountID)
		d.executor.Submit(context.Background(), toSubmit[i])
	}
	return nil
}

func (d *Dispatcher) submitClose(accountID int64, contractID, reason string) {
	intent := enforcement.Intent{Kind: enforcement.IntentClosePosition, AccountID: accountID, ContractID: contractID, Reason: reason}
	intent.Generation = d.executor.NextGeneration(accountID)
	d.executor.Submit(context.Background(), intent)
}

func (d *Dispatcher) priorSize(accountID int64, contractID string) int64 {
	if contractID == "" {
		return 0
	}
	p, ok := d.store.GetPosition(accountID, contractID)
	if !ok {
		return 0
	}
	return p.Size
}

func contractIDOf(ev Event) string {
	if ev.Position != nil {
		return ev.Position.ContractID
	}
	return ""
}

// applyStateUpdate runs the state-update step in its own transaction,
// used by the "locked but not a new position" branch which skips rules.
func (d *Dispatcher) applyStateUpdate(ev Event) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("dispatcher: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := d.applyStateUpdateTx(tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *Dispatcher) applyStateUpdateTx(tx *sql.Tx, ev Event) error {
	switch ev.Kind {
	case rules.EventPosition:
		if ev.Position == nil {
			return nil
		}
		_, err := d.store.UpsertPosition(tx, *ev.Position)
		return err

	case rules.EventOrder:
		if ev.Order == nil {
			return nil
		}
		return d.store.UpsertOrder(tx, *ev.Order)

	case rules.EventTrade:
		if ev.Trade == nil {
			return nil
		}
		_, err := d.store.AppendTrade(tx, ev.SessionDate, *ev.Trade)
		return err

	case rules.EventQuote:
		if ev.Quote != nil {
			d.quotes.Update(*ev.Quote)
		}
		return nil

	case rules.EventAccountFlag, rules.EventTimerFire:
		return nil

	default:
		return nil
	}
}

func (d *Dispatcher) applyLockout(tx *sql.Tx, accountID int64, l *rules.LockoutAction) error {
	switch l.Kind {
	case domain.LockoutHard:
		return d.lockouts.SetHard(tx, accountID, l.Reason, l.Until, l.Source)
	case domain.LockoutCooldown:
		return d.lockouts.SetCooldown(tx, accountID, l.Reason, time.Until(l.Until), l.Source)
	case domain.LockoutSymbol:
		return d.lockouts.SetSymbol(tx, accountID, l.Symbol, l.Reason, l.Until, l.Source)
	default:
		return fmt.Errorf("dispatcher: unknown lockout kind %q", l.Kind)
	}
}

func toRuleInput(ev Event, priorSize int64) rules.Input {
	return rules.Input{
		AccountID: ev.AccountID,
		Kind:      ev.Kind,
		Now:       ev.Now,
		Position:  ev.Position,
		PriorSize: priorSize,
		Order:     ev.Order,
		Trade:     ev.Trade,
		CanTrade:  ev.CanTrade,
		Quote:     ev.Quote,
		TimerName: ev.TimerName,
	}
}
