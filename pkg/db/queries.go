package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/errs"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrEmptyID     = errors.New("id is empty")
	ErrDuplicateID = errors.New("id already registered")
)

// Ledger is the local record of orders and trades and of the mapping between
// internal and broker ids. It does no locking of its own; callers serialise
// access.
type Ledger struct {
	db  *Database
	now func() time.Time
}

// NewLedger applies the ledger schema to d and returns a Ledger over it.
func NewLedger(ctx context.Context, d *Database) (*Ledger, error) {
	if err := ApplyLedgerSchema(ctx, d); err != nil {
		return nil, err
	}
	return &Ledger{db: d, now: time.Now}, nil
}

// OpenLedger opens the database file at path and prepares the ledger schema.
func OpenLedger(ctx context.Context, path string) (*Ledger, error) {
	d, err := New(path)
	if err != nil {
		return nil, err
	}
	l, err := NewLedger(ctx, d)
	if err != nil {
		d.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func insertID(ctx context.Context, tx *sql.Tx, internalID, remoteID string) (int64, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM IDS WHERE LOCAL_ID = ? OR REMOTE_ID = ?`, internalID, remoteID).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check ids: %w", err)
	}
	if exists > 0 {
		return 0, fmt.Errorf("%w: local %q remote %q", ErrDuplicateID, internalID, remoteID)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO IDS(LOCAL_ID, REMOTE_ID) VALUES (?, ?)`, internalID, remoteID)
	if err != nil {
		return 0, fmt.Errorf("insert ids: %w", err)
	}
	return res.LastInsertId()
}

// RegisterOrder records an order and, when given, the trade it opened. Both
// rows are written in one transaction; on failure nothing is visible.
func (l *Ledger) RegisterOrder(ctx context.Context, internalID string, o OrderEntry, t *TradeEntry) error {
	if internalID == "" || o.RemoteID == "" {
		return errs.Persistence("register order", ErrEmptyID)
	}

	err := l.db.InTx(ctx, func(tx *sql.Tx) error {
		orderRow, err := insertID(ctx, tx, internalID, o.RemoteID)
		if err != nil {
			return err
		}

		now := l.now().UnixNano()
		var tradeRow sql.NullInt64
		if t != nil {
			if t.RemoteID == "" {
				return ErrEmptyID
			}
			id, err := insertID(ctx, tx, t.RemoteID, t.RemoteID)
			if err != nil {
				return err
			}
			tradeRow = sql.NullInt64{Int64: id, Valid: true}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO TRADES(ID, OPENED, STATE, LINKED_ORDER)
				VALUES (?, ?, ?, ?)
			`, id, now, string(t.State), orderRow); err != nil {
				return fmt.Errorf("insert trade: %w", err)
			}
		}

		var processed sql.NullInt64
		if o.State.Terminal() {
			processed = sql.NullInt64{Int64: now, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ORDERS(ID, CREATED, PROCESSED, STATE, LINKED_TRADE)
			VALUES (?, ?, ?, ?, ?)
		`, orderRow, now, processed, string(o.State), tradeRow); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
	return errs.Persistence("register order", err)
}

// SetOrderState overwrites the state of the order with internalID. Reaching
// a terminal state stamps PROCESSED once.
func (l *Ledger) SetOrderState(ctx context.Context, internalID string, state broker.OrderState) error {
	var processed sql.NullInt64
	if state.Terminal() {
		processed = sql.NullInt64{Int64: l.now().UnixNano(), Valid: true}
	}

	err := l.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE ORDERS
			SET STATE = ?, PROCESSED = COALESCE(PROCESSED, ?)
			WHERE ID IN (SELECT ID FROM IDS WHERE LOCAL_ID = ?)
		`, string(state), processed, internalID)
		if err != nil {
			return fmt.Errorf("update order state: %w", err)
		}
		return expectOne(res, internalID)
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return errs.Persistence("set order state", err)
}

// SetTradeState overwrites the state of the trade with the given id.
func (l *Ledger) SetTradeState(ctx context.Context, tradeID string, state broker.TradeState) error {
	err := l.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE TRADES
			SET STATE = ?
			WHERE ID IN (SELECT ID FROM IDS WHERE LOCAL_ID = ?)
		`, string(state), tradeID)
		if err != nil {
			return fmt.Errorf("update trade state: %w", err)
		}
		return expectOne(res, tradeID)
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return errs.Persistence("set trade state", err)
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// LinkTrade records the trade opened by an already registered order. It is
// used when the trade could not be resolved at registration time.
func (l *Ledger) LinkTrade(ctx context.Context, orderInternalID string, t TradeEntry) error {
	if t.RemoteID == "" {
		return errs.Persistence("link trade", ErrEmptyID)
	}

	err := l.db.InTx(ctx, func(tx *sql.Tx) error {
		var orderRow int64
		err := tx.QueryRowContext(ctx, `SELECT ID FROM IDS WHERE LOCAL_ID = ?`, orderInternalID).Scan(&orderRow)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: internal id %s", ErrNotFound, orderInternalID)
		}
		if err != nil {
			return fmt.Errorf("query order row: %w", err)
		}

		tradeRow, err := insertID(ctx, tx, t.RemoteID, t.RemoteID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO TRADES(ID, OPENED, STATE, LINKED_ORDER)
			VALUES (?, ?, ?, ?)
		`, tradeRow, l.now().UnixNano(), string(t.State), orderRow); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		res, err := tx.ExecContext(ctx, `UPDATE ORDERS SET LINKED_TRADE = ? WHERE ID = ?`, tradeRow, orderRow)
		if err != nil {
			return fmt.Errorf("link order: %w", err)
		}
		return expectOne(res, orderInternalID)
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return errs.Persistence("link trade", err)
}

// UnlinkedFilledOrders lists filled orders that have no trade row.
func (l *Ledger) UnlinkedFilledOrders(ctx context.Context) ([]ObjectID, error) {
	return l.objectIDs(ctx, `
		SELECT REMOTE_ID, LOCAL_ID
		FROM IDS
		WHERE ID IN (SELECT ID FROM ORDERS WHERE STATE = ? AND LINKED_TRADE IS NULL)
		ORDER BY ID
	`, string(broker.OrderFilled))
}

// PendingOrders lists orders whose last known state is pending.
func (l *Ledger) PendingOrders(ctx context.Context) ([]ObjectID, error) {
	return l.objectIDs(ctx, `
		SELECT REMOTE_ID, LOCAL_ID
		FROM IDS
		WHERE ID IN (SELECT ID FROM ORDERS WHERE STATE = ?)
		ORDER BY ID
	`, string(broker.OrderPending))
}

// OpenedTrades lists trades whose last known state is opened.
func (l *Ledger) OpenedTrades(ctx context.Context) ([]ObjectID, error) {
	return l.objectIDs(ctx, `
		SELECT REMOTE_ID, LOCAL_ID
		FROM IDS
		WHERE ID IN (SELECT ID FROM TRADES WHERE STATE = ?)
		ORDER BY ID
	`, string(broker.TradeOpened))
}

func (l *Ledger) objectIDs(ctx context.Context, query string, args ...any) ([]ObjectID, error) {
	rows, err := l.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var out []ObjectID
	for rows.Next() {
		var id ObjectID
		if err := rows.Scan(&id.RemoteID, &id.InternalID); err != nil {
			return nil, fmt.Errorf("scan ids: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RemoteID resolves an internal id to the broker id.
func (l *Ledger) RemoteID(ctx context.Context, internalID string) (string, error) {
	var remote string
	err := l.db.DB.QueryRowContext(ctx, `SELECT REMOTE_ID FROM IDS WHERE LOCAL_ID = ?`, internalID).Scan(&remote)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: internal id %s", ErrNotFound, internalID)
	}
	if err != nil {
		return "", fmt.Errorf("query remote id: %w", err)
	}
	return remote, nil
}

// ListOrders returns every order, newest first.
func (l *Ledger) ListOrders(ctx context.Context, limit int) ([]OrderRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.DB.QueryContext(ctx, `
		SELECT i.LOCAL_ID, i.REMOTE_ID, o.CREATED, o.PROCESSED, o.STATE, COALESCE(t.REMOTE_ID, '')
		FROM ORDERS o
		JOIN IDS i ON i.ID = o.ID
		LEFT JOIN IDS t ON t.ID = o.LINKED_TRADE
		ORDER BY o.ID DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var (
			r         OrderRow
			created   int64
			processed sql.NullInt64
			state     string
		)
		if err := rows.Scan(&r.InternalID, &r.RemoteID, &created, &processed, &state, &r.LinkedTradeID); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		r.Created = time.Unix(0, created).UTC()
		if processed.Valid {
			p := time.Unix(0, processed.Int64).UTC()
			r.Processed = &p
		}
		r.State = broker.OrderState(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTrades returns every trade, newest first.
func (l *Ledger) ListTrades(ctx context.Context, limit int) ([]TradeRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.DB.QueryContext(ctx, `
		SELECT i.REMOTE_ID, t.OPENED, t.STATE, COALESCE(o.LOCAL_ID, '')
		FROM TRADES t
		JOIN IDS i ON i.ID = t.ID
		LEFT JOIN IDS o ON o.ID = t.LINKED_ORDER
		ORDER BY t.ID DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var (
			r      TradeRow
			opened int64
			state  string
		)
		if err := rows.Scan(&r.RemoteID, &opened, &state, &r.LinkedOrderID); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		r.Opened = time.Unix(0, opened).UTC()
		r.State = broker.TradeState(state)
		out = append(out, r)
	}
	return out, rows.Err()
}
