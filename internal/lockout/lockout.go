// Package lockout implements the Lockout Manager (spec §4.8): registers,
// queries, and auto-expires lockouts, persisting every mutation before the
// caller observes success.
package lockout

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/riskpilot/guardian/internal/database/repositories"
	"github.com/riskpilot/guardian/internal/domain"
	"github.com/riskpilot/guardian/internal/timer"
	"github.com/rs/zerolog"
)

// Manager owns the in-memory lockout table and its durable replica. Every
// setter writes through the repository inside a transaction before
// returning, so the invariant "durable record equals in-memory one
// between event acknowledgements" (spec §8 property 1) holds.
type Manager struct {
	repo  *repositories.LockoutRepo
	timer *timer.Service
	log   zerolog.Logger

	mu    sync.RWMutex
	hard  map[int64]domain.Lockout            // account-wide hard/cooldown lockouts
	symbol map[int64]map[string]domain.Lockout // (account, symbol) lockouts
}

// NewManager constructs a lockout manager; call LoadAll once at startup
// before serving any events.
func NewManager(repo *repositories.LockoutRepo, timerSvc *timer.Service, log zerolog.Logger) *Manager {
	return &Manager{
		repo:   repo,
		timer:  timerSvc,
		log:    log.With().Str("component", "lockout_manager").Logger(),
		hard:   make(map[int64]domain.Lockout),
		symbol: make(map[int64]map[string]domain.Lockout),
	}
}

// LoadAll restores every persisted lockout into memory and recreates
// cooldown timers from their persisted expiry, per spec §4.6.
func (m *Manager) LoadAll() error {
	rows, err := m.repo.LoadAll()
	if err != nil {
		return fmt.Errorf("lockout: load all: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range rows {
		if l.Symbol == "" {
			m.hard[l.AccountID] = l
			if l.Kind == domain.LockoutCooldown && !l.ExpiresAt.Equal(domain.NeverExpires) {
				m.scheduleCooldownExpiry(l)
			}
		} else {
			if m.symbol[l.AccountID] == nil {
				m.symbol[l.AccountID] = make(map[string]domain.Lockout)
			}
			m.symbol[l.AccountID][l.Symbol] = l
		}
	}
	return nil
}

func (m *Manager) scheduleCooldownExpiry(l domain.Lockout) {
	name := fmt.Sprintf("cooldown-expire-%d", l.AccountID)
	accountID := l.AccountID
	m.timer.StartAt(name, l.ExpiresAt, func() {
		_ = m.Clear(accountID, "")
	})
}

// SetHard installs an account-wide hard lockout until an absolute
// instant, replacing any prior hard/cooldown lockout for the account.
func (m *Manager) SetHard(tx *sql.Tx, accountID int64, reason string, until time.Time, source string) error {
	l := domain.Lockout{AccountID: accountID, Reason: reason, ExpiresAt: until, CreatedAt: time.Now(), Kind: domain.LockoutHard, Source: source}
	if err := m.repo.Put(tx, l); err != nil {
		return fmt.Errorf("lockout: persist hard: %w", err)
	}
	m.mu.Lock()
	m.hard[accountID] = l
	m.mu.Unlock()
	m.timer.Cancel(fmt.Sprintf("cooldown-expire-%d", accountID))
	return nil
}

// SetCooldown installs a duration-based account-wide lockout and
// registers the timer that clears it automatically when the duration
// elapses.
func (m *Manager) SetCooldown(tx *sql.Tx, accountID int64, reason string, duration time.Duration, source string) error {
	until := time.Now().Add(duration)
	l := domain.Lockout{AccountID: accountID, Reason: reason, ExpiresAt: until, CreatedAt: time.Now(), Kind: domain.LockoutCooldown, Source: source}
	if err := m.repo.Put(tx, l); err != nil {
		return fmt.Errorf("lockout: persist cooldown: %w", err)
	}
	m.mu.Lock()
	m.hard[accountID] = l
	m.mu.Unlock()
	m.scheduleCooldownExpiry(l)
	return nil
}

// SetSymbol installs a symbol-specific lockout; any number may coexist.
func (m *Manager) SetSymbol(tx *sql.Tx, accountID int64, symbol, reason string, until time.Time, source string) error {
	l := domain.Lockout{AccountID: accountID, Symbol: symbol, Reason: reason, ExpiresAt: until, CreatedAt: time.Now(), Kind: domain.LockoutSymbol, Source: source}
	if err := m.repo.Put(tx, l); err != nil {
		return fmt.Errorf("lockout: persist symbol: %w", err)
	}
	m.mu.Lock()
	if m.symbol[accountID] == nil {
		m.symbol[accountID] = make(map[string]domain.Lockout)
	}
	m.symbol[accountID][symbol] = l
	m.mu.Unlock()
	return nil
}

// Clear removes the account-wide lockout (symbol == "") or a specific
// symbol lockout.
func (m *Manager) Clear(accountID int64, symbol string) error {
	if err := m.repo.Delete(nil, accountID, symbol); err != nil {
		return fmt.Errorf("lockout: clear: %w", err)
	}
	m.mu.Lock()
	if symbol == "" {
		delete(m.hard, accountID)
	} else if syms, ok := m.symbol[accountID]; ok {
		delete(syms, symbol)
	}
	m.mu.Unlock()
	return nil
}

// ClearBySource clears only the account-wide lockout if it was set by the
// given rule, used by AuthLossGuard's can_trade=true handling.
func (m *Manager) ClearBySource(accountID int64, source string) error {
	m.mu.RLock()
	l, ok := m.hard[accountID]
	m.mu.RUnlock()
	if !ok || l.Source != source {
		return nil
	}
	return m.Clear(accountID, "")
}

// IsLocked reports whether the account currently carries a live hard or
// cooldown lockout, reaping it first if its expiry has passed.
func (m *Manager) IsLocked(accountID int64) bool {
	m.mu.RLock()
	l, ok := m.hard[accountID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if l.Expired(time.Now()) {
		_ = m.Clear(accountID, "")
		return false
	}
	return true
}

// IsSymbolLocked reports whether (account, symbol) carries a live symbol
// lockout, reaping it first if expired.
func (m *Manager) IsSymbolLocked(accountID int64, symbol string) bool {
	m.mu.RLock()
	syms, ok := m.symbol[accountID]
	var l domain.Lockout
	if ok {
		l, ok = syms[symbol]
	}
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if l.Expired(time.Now()) {
		_ = m.Clear(accountID, symbol)
		return false
	}
	return true
}

// Info returns the account-wide lockout record, if any.
func (m *Manager) Info(accountID int64) (domain.Lockout, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.hard[accountID]
	return l, ok
}

// ClearRolloverEligible clears every account-wide hard lockout whose
// expiry is at or before the rollover instant; called by the Reset
// Scheduler (spec §4.7). Cooldown lockouts are left alone: they clear
// themselves via their own timer.
func (m *Manager) ClearRolloverEligible(accountID int64, rollover time.Time) error {
	m.mu.RLock()
	l, ok := m.hard[accountID]
	m.mu.RUnlock()
	if !ok || l.Kind != domain.LockoutHard {
		return nil
	}
	if l.ExpiresAt.Equal(domain.NeverExpires) || l.ExpiresAt.After(rollover) {
		return nil
	}
	return m.Clear(accountID, "")
}
