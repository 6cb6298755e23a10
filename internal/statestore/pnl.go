package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/riskpilot/guardian/internal/domain"
	"github.com/shopspring/decimal"
)

// decimalPlaces is the fixed scale spec §4.5 requires for all P&L and
// price arithmetic.
const decimalPlaces = 10

// AppendTrade records a trade, updates today's realized P&L if the trade
// carries one, and bumps the relevant trade-count windows. Returns the
// new realized total for the account's session. A trade whose P&L is nil
// (half-turn) still counts toward trade-count windows but not realized
// P&L, per spec §4.10.
func (s *Store) AppendTrade(tx *sql.Tx, sessionDate string, t domain.Trade) (decimal.Decimal, error) {
	if t.HasRealizedPnL() {
		total, err := s.addRealized(tx, sessionDate, t.AccountID, *t.PnL)
		if err != nil {
			return decimal.Zero, err
		}
		if err := s.bumpCounts(tx, t.AccountID, t.Timestamp); err != nil {
			return decimal.Zero, err
		}
		return total, nil
	}
	if err := s.bumpCounts(tx, t.AccountID, t.Timestamp); err != nil {
		return decimal.Zero, err
	}
	return s.RealizedPnL(t.AccountID), nil
}

// VoidTrade reverses a previously-added trade's contribution to realized
// P&L. Per spec §9's open-question decision, any lockout the trade caused
// is retained regardless of voiding.
func (s *Store) VoidTrade(tx *sql.Tx, sessionDate string, accountID int64, pnl decimal.Decimal) (decimal.Decimal, error) {
	return s.addRealized(tx, sessionDate, accountID, pnl.Neg())
}

func (s *Store) addRealized(tx *sql.Tx, sessionDate string, accountID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	cur := s.dailyPnL[accountID]
	if cur.AccountID == 0 {
		cur = domain.DailyPnL{AccountID: accountID, SessionDate: sessionDate, Realized: decimal.Zero}
	}
	cur.Realized = cur.Realized.Round(decimalPlaces).Add(delta.Round(decimalPlaces))
	cur.SessionDate = sessionDate
	s.dailyPnL[accountID] = cur
	s.mu.Unlock()

	if err := s.dailyPnLRepo.Put(tx, cur); err != nil {
		return decimal.Zero, fmt.Errorf("statestore: persist daily pnl: %w", err)
	}
	return cur.Realized, nil
}

// RealizedPnL returns the account's current session realized total.
func (s *Store) RealizedPnL(accountID int64) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dailyPnL[accountID].Realized
}

// ResetDailyPnL zeroes the account's realized total; called by the Reset
// Scheduler at rollover.
func (s *Store) ResetDailyPnL(tx *sql.Tx, accountID int64, priorSessionDate, newSessionDate string) error {
	if err := s.dailyPnLRepo.Clear(tx, accountID, priorSessionDate); err != nil {
		return fmt.Errorf("statestore: clear daily pnl: %w", err)
	}
	s.mu.Lock()
	s.dailyPnL[accountID] = domain.DailyPnL{AccountID: accountID, SessionDate: newSessionDate, Realized: decimal.Zero}
	s.mu.Unlock()
	return nil
}

// UnrealizedResult carries the computed unrealized P&L and whether every
// contributing position had a fresh quote.
type UnrealizedResult struct {
	Total   decimal.Decimal
	Partial bool // true if any open position's quote was missing/stale
}

// UnrealizedPnL computes, on demand, the sum over open positions of
// ((current - entry) / tick_size) * tick_value * size, sign-inverted for
// shorts. A missing quote contributes zero and flags the result partial,
// per spec §4.5 and the quote-stale error-handling rule in §7.
func (s *Store) UnrealizedPnL(ctx context.Context, accountID int64, maxQuoteAge time.Duration) UnrealizedResult {
	positions := s.OpenPositions(accountID)
	total := decimal.Zero
	partial := false

	for _, p := range positions {
		if s.quotes.IsStale(p.ContractID, maxQuoteAge) {
			partial = true
			continue
		}
		last, ok := s.quotes.GetLast(p.ContractID)
		if !ok {
			partial = true
			continue
		}
		meta, err := s.contracts.Get(ctx, p.ContractID)
		if err != nil || meta.TickSize.IsZero() {
			partial = true
			continue
		}

		diff := last.Sub(p.AveragePrice)
		ticks := diff.DivRound(meta.TickSize, decimalPlaces)
		contribution := ticks.Mul(meta.TickValue).Mul(decimal.NewFromInt(p.Size))
		if p.Side == domain.SideShort {
			contribution = contribution.Neg()
		}
		total = total.Add(contribution)
	}

	return UnrealizedResult{Total: total.Round(decimalPlaces), Partial: partial}
}

func windowStart(kind domain.WindowKind, ts time.Time) time.Time {
	switch kind {
	case domain.WindowMinute:
		return ts.Truncate(time.Minute)
	case domain.WindowHour:
		return ts.Truncate(time.Hour)
	default:
		return time.Time{} // session window has no bucket start; counted in aggregate
	}
}

func (s *Store) bumpCounts(tx *sql.Tx, accountID int64, ts time.Time) error {
	for _, kind := range []domain.WindowKind{domain.WindowMinute, domain.WindowHour, domain.WindowSession} {
		ws := windowStart(kind, ts)
		s.mu.Lock()
		if s.counts[accountID] == nil {
			s.counts[accountID] = make(map[domain.WindowKind][]time.Time)
		}
		s.counts[accountID][kind] = append(s.counts[accountID][kind], ts)
		s.mu.Unlock()

		if err := s.countRepo.Increment(tx, accountID, kind, ws); err != nil {
			return fmt.Errorf("statestore: increment trade count: %w", err)
		}
	}
	return nil
}

// WindowCount returns the number of trades within the horizon for a
// window kind, evicting timestamps older than the horizon first.
func (s *Store) WindowCount(accountID int64, kind domain.WindowKind, horizon time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := s.counts[accountID][kind]
	cutoff := now.Add(-horizon)
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if s.counts[accountID] == nil {
		s.counts[accountID] = make(map[domain.WindowKind][]time.Time)
	}
	s.counts[accountID][kind] = kept
	return len(kept)
}

// ClearSessionCounts removes the session-kind window, called at rollover.
func (s *Store) ClearSessionCounts(tx *sql.Tx, accountID int64) error {
	s.mu.Lock()
	if s.counts[accountID] != nil {
		delete(s.counts[accountID], domain.WindowSession)
	}
	s.mu.Unlock()
	return s.countRepo.ClearSession(tx, accountID)
}
