package repositories

import (
	"database/sql"
	"time"

	"github.com/riskpilot/guardian/internal/domain"
)

// TradeCountRepo persists the rolling trade-count windows.
type TradeCountRepo struct {
	db *sql.DB
}

func NewTradeCountRepo(db *sql.DB) *TradeCountRepo { return &TradeCountRepo{db: db} }

// Increment bumps (or creates) the counter for the bucket a trade
// timestamp falls into.
func (r *TradeCountRepo) Increment(tx *sql.Tx, accountID int64, kind domain.WindowKind, windowStart time.Time) error {
	const q = `
INSERT INTO trade_counts (account_id, window_kind, window_start, count) VALUES (?, ?, ?, 1)
ON CONFLICT(account_id, window_kind, window_start) DO UPDATE SET count = count + 1`
	_, err := execer(tx, r.db).Exec(q, accountID, string(kind), windowStart.Format(time.RFC3339))
	return err
}

// ClearSession removes all session-kind windows for an account, called by
// the Reset Scheduler at rollover.
func (r *TradeCountRepo) ClearSession(tx *sql.Tx, accountID int64) error {
	_, err := execer(tx, r.db).Exec(`DELETE FROM trade_counts WHERE account_id = ? AND window_kind = ?`, accountID, string(domain.WindowSession))
	return err
}

// PruneOlderThan deletes buckets that have aged out of every window
// horizon, keeping the table from growing unboundedly.
func (r *TradeCountRepo) PruneOlderThan(tx *sql.Tx, cutoff time.Time) error {
	_, err := execer(tx, r.db).Exec(`DELETE FROM trade_counts WHERE window_start < ?`, cutoff.Format(time.RFC3339))
	return err
}

// LoadAll reads every persisted trade-count bucket.
func (r *TradeCountRepo) LoadAll() (map[int64]map[domain.WindowKind]map[time.Time]int, error) {
	rows, err := r.db.Query(`SELECT account_id, window_kind, window_start, count FROM trade_counts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]map[domain.WindowKind]map[time.Time]int)
	for rows.Next() {
		var accountID int64
		var kind, windowStartStr string
		var count int
		if err := rows.Scan(&accountID, &kind, &windowStartStr, &count); err != nil {
			return nil, err
		}
		ws, _ := time.Parse(time.RFC3339, windowStartStr)
		if out[accountID] == nil {
			out[accountID] = make(map[domain.WindowKind]map[time.Time]int)
		}
		wk := domain.WindowKind(kind)
		if out[accountID][wk] == nil {
			out[accountID][wk] = make(map[time.Time]int)
		}
		out[accountID][wk][ws] = count
	}
	return out, rows.Err()
}
