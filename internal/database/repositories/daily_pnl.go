package repositories

import (
	"database/sql"

	"github.com/riskpilot/guardian/internal/domain"
	"github.com/shopspring/decimal"
)

// DailyPnLRepo persists the running realized P&L per (account, session date).
type DailyPnLRepo struct {
	db *sql.DB
}

func NewDailyPnLRepo(db *sql.DB) *DailyPnLRepo { return &DailyPnLRepo{db: db} }

// Put upserts the realized total for the given account/session.
func (r *DailyPnLRepo) Put(tx *sql.Tx, p domain.DailyPnL) error {
	const q = `
INSERT INTO daily_pnl (account_id, session_date, realized) VALUES (?, ?, ?)
ON CONFLICT(account_id, session_date) DO UPDATE SET realized = excluded.realized`
	_, err := execer(tx, r.db).Exec(q, p.AccountID, p.SessionDate, p.Realized.String())
	return err
}

// Clear zeroes out (or removes) the record for a rolled-over session,
// called by the Reset Scheduler.
func (r *DailyPnLRepo) Clear(tx *sql.Tx, accountID int64, sessionDate string) error {
	_, err := execer(tx, r.db).Exec(`DELETE FROM daily_pnl WHERE account_id = ? AND session_date = ?`, accountID, sessionDate)
	return err
}

// LoadAll reads every persisted daily P&L row.
func (r *DailyPnLRepo) LoadAll() ([]domain.DailyPnL, error) {
	rows, err := r.db.Query(`SELECT account_id, session_date, realized FROM daily_pnl`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DailyPnL
	for rows.Next() {
		var p domain.DailyPnL
		var realized string
		if err := rows.Scan(&p.AccountID, &p.SessionDate, &realized); err != nil {
			return nil, err
		}
		p.Realized, _ = decimal.NewFromString(realized)
		out = append(out, p)
	}
	return out, rows.Err()
}
