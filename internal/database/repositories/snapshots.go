package repositories

import (
	"database/sql"
	"time"

	"github.com/riskpilot/guardian/internal/domain"
	"github.com/shopspring/decimal"
)

// SnapshotRepo persists the positions_snapshot and orders_snapshot tables
// that let the State Store resume without waiting on a full reconciliation
// round. Reconciliation (spec §4.9) still runs after load and is
// authoritative over any discrepancy.
type SnapshotRepo struct {
	db *sql.DB
}

func NewSnapshotRepo(db *sql.DB) *SnapshotRepo { return &SnapshotRepo{db: db} }

func (r *SnapshotRepo) PutPosition(tx *sql.Tx, p domain.Position) error {
	const q = `
INSERT INTO positions_snapshot (account_id, contract_id, side, size, average_price, opened_at, open_instance)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account_id, contract_id) DO UPDATE SET
	side = excluded.side, size = excluded.size, average_price = excluded.average_price,
	opened_at = excluded.opened_at, open_instance = excluded.open_instance`
	_, err := execer(tx, r.db).Exec(q, p.AccountID, p.ContractID, int(p.Side), p.Size,
		p.AveragePrice.String(), p.OpenedAt.Format(time.RFC3339Nano), p.OpenInstance)
	return err
}

func (r *SnapshotRepo) DeletePosition(tx *sql.Tx, accountID int64, contractID string) error {
	_, err := execer(tx, r.db).Exec(`DELETE FROM positions_snapshot WHERE account_id = ? AND contract_id = ?`, accountID, contractID)
	return err
}

func (r *SnapshotRepo) LoadPositions() ([]domain.Position, error) {
	rows, err := r.db.Query(`SELECT account_id, contract_id, side, size, average_price, opened_at, open_instance FROM positions_snapshot`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var side int
		var avgPrice, openedAt string
		if err := rows.Scan(&p.AccountID, &p.ContractID, &side, &p.Size, &avgPrice, &openedAt, &p.OpenInstance); err != nil {
			return nil, err
		}
		p.Side = domain.Side(side)
		p.AveragePrice, _ = decimal.NewFromString(avgPrice)
		p.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SnapshotRepo) PutOrder(tx *sql.Tx, o domain.Order) error {
	const q = `
INSERT INTO orders_snapshot (order_id, account_id, contract_id, symbol_id, status, type, side, size,
	limit_price, stop_price, trail_price, fill_volume, filled_price, custom_tag, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account_id, order_id) DO UPDATE SET
	status = excluded.status, type = excluded.type, side = excluded.side, size = excluded.size,
	limit_price = excluded.limit_price, stop_price = excluded.stop_price, trail_price = excluded.trail_price,
	fill_volume = excluded.fill_volume, filled_price = excluded.filled_price,
	custom_tag = excluded.custom_tag, updated_at = excluded.updated_at`
	_, err := execer(tx, r.db).Exec(q,
		o.OrderID, o.AccountID, o.ContractID, o.SymbolID, int(o.Status), int(o.Type), int(o.Side), o.Size,
		decPtrStr(o.LimitPrice), decPtrStr(o.StopPrice), decPtrStr(o.TrailPrice),
		o.FillVolume, o.FilledPrice.String(), o.CustomTag,
		o.CreatedAt.Format(time.RFC3339Nano), o.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

func (r *SnapshotRepo) DeleteOrder(tx *sql.Tx, accountID, orderID int64) error {
	_, err := execer(tx, r.db).Exec(`DELETE FROM orders_snapshot WHERE account_id = ? AND order_id = ?`, accountID, orderID)
	return err
}

func (r *SnapshotRepo) LoadOrders() ([]domain.Order, error) {
	rows, err := r.db.Query(`SELECT order_id, account_id, contract_id, symbol_id, status, type, side, size,
		limit_price, stop_price, trail_price, fill_volume, filled_price, custom_tag, created_at, updated_at
		FROM orders_snapshot`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		var status, typ, side int
		var limitPrice, stopPrice, trailPrice sql.NullString
		var filledPrice, createdAt, updatedAt string
		if err := rows.Scan(&o.OrderID, &o.AccountID, &o.ContractID, &o.SymbolID, &status, &typ, &side, &o.Size,
			&limitPrice, &stopPrice, &trailPrice, &o.FillVolume, &filledPrice, &o.CustomTag, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		o.Status = domain.OrderStatus(status)
		o.Type = domain.OrderType(typ)
		o.Side = domain.OrderSide(side)
		o.LimitPrice = nullStrToDecPtr(limitPrice)
		o.StopPrice = nullStrToDecPtr(stopPrice)
		o.TrailPrice = nullStrToDecPtr(trailPrice)
		o.FilledPrice, _ = decimal.NewFromString(filledPrice)
		o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

func decPtrStr(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullStrToDecPtr(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil
	}
	return &d
}
