// Package repositories holds the table-scoped read/write operations over
// the Persistence Store, one file per table in schema.go (snapshots.go
// covers both snapshot tables).
package repositories

import (
	"database/sql"
	"time"

	"github.com/riskpilot/guardian/internal/domain"
)

// LockoutRepo persists domain.Lockout records.
type LockoutRepo struct {
	db *sql.DB
}

// NewLockoutRepo constructs a repository bound to the given connection.
func NewLockoutRepo(db *sql.DB) *LockoutRepo { return &LockoutRepo{db: db} }

// Put upserts a lockout within the given transaction (or nil for
// autocommit). Account-wide lockouts use symbol = "".
func (r *LockoutRepo) Put(tx *sql.Tx, l domain.Lockout) error {
	const q = `
INSERT INTO lockouts (account_id, symbol, reason, expires_at, created_at, kind, source)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account_id, symbol) DO UPDATE SET
	reason = excluded.reason,
	expires_at = excluded.expires_at,
	created_at = excluded.created_at,
	kind = excluded.kind,
	source = excluded.source`
	_, err := execer(tx, r.db).Exec(q,
		l.AccountID, l.Symbol, l.Reason, l.ExpiresAt.Format(time.RFC3339Nano),
		l.CreatedAt.Format(time.RFC3339Nano), string(l.Kind), l.Source)
	return err
}

// Delete removes a lockout (account-wide when symbol == "").
func (r *LockoutRepo) Delete(tx *sql.Tx, accountID int64, symbol string) error {
	_, err := execer(tx, r.db).Exec(`DELETE FROM lockouts WHERE account_id = ? AND symbol = ?`, accountID, symbol)
	return err
}

// LoadAll reads every persisted lockout, used on startup to reconstruct
// the State Store per spec §4.1's crash-consistency invariant.
func (r *LockoutRepo) LoadAll() ([]domain.Lockout, error) {
	rows, err := r.db.Query(`SELECT account_id, symbol, reason, expires_at, created_at, kind, source FROM lockouts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Lockout
	for rows.Next() {
		var l domain.Lockout
		var expiresAt, createdAt, kind string
		if err := rows.Scan(&l.AccountID, &l.Symbol, &l.Reason, &expiresAt, &createdAt, &kind, &l.Source); err != nil {
			return nil, err
		}
		l.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
		l.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		l.Kind = domain.LockoutKind(kind)
		out = append(out, l)
	}
	return out, rows.Err()
}

// execer lets callers pass either an active transaction or nil to use the
// pool connection directly, so a single Put/Delete works inside and outside
// a caller-managed transaction.
type txOrDB interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func execer(tx *sql.Tx, db *sql.DB) txOrDB {
	if tx != nil {
		return tx
	}
	return db
}
