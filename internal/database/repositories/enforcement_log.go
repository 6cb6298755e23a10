package repositories

import (
	"database/sql"
	"time"
)

// EnforcementLogRepo persists the audit trail of every remediation attempt
// (spec §4.12's "emits enforcement log records", made durable here rather
// than log-only so post-incident review does not depend on log retention).
type EnforcementLogRepo struct {
	db *sql.DB
}

func NewEnforcementLogRepo(db *sql.DB) *EnforcementLogRepo { return &EnforcementLogRepo{db: db} }

// Record is one enforcement attempt outcome.
type Record struct {
	ID         string
	AccountID  int64
	Kind       string
	Target     string
	Generation int64
	Outcome    string // "success", "retried", "failed"
	HTTPStatus int
	LatencyMS  int64
	Detail     string
	CreatedAt  time.Time
}

func (r *EnforcementLogRepo) Insert(rec Record) error {
	const q = `
INSERT INTO enforcement_log (id, account_id, kind, target, generation, outcome, http_status, latency_ms, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Exec(q, rec.ID, rec.AccountID, rec.Kind, rec.Target, rec.Generation,
		rec.Outcome, rec.HTTPStatus, rec.LatencyMS, rec.Detail, rec.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// RecentForAccount returns the most recent N records for an account,
// newest first, for the status API.
func (r *EnforcementLogRepo) RecentForAccount(accountID int64, limit int) ([]Record, error) {
	rows, err := r.db.Query(`
SELECT id, account_id, kind, target, generation, outcome, http_status, latency_ms, detail, created_at
FROM enforcement_log WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.Kind, &rec.Target, &rec.Generation,
			&rec.Outcome, &rec.HTTPStatus, &rec.LatencyMS, &rec.Detail, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
