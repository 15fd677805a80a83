package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/seiroga/trading/pkg/db"
	"github.com/seiroga/trading/pkg/errs"
	"github.com/seiroga/trading/pkg/record"
)

// SQLite keeps market data in its own database file. Records are stored as
// tagged JSON so every kind survives the round trip.
type SQLite struct {
	db *db.Database
}

var _ Storage = (*SQLite)(nil)

// NewSQLite applies the market schema to d.
func NewSQLite(ctx context.Context, d *db.Database) (*SQLite, error) {
	if err := db.ApplyMarketSchema(ctx, d); err != nil {
		return nil, err
	}
	return &SQLite{db: d}, nil
}

// OpenSQLite opens the database at path and prepares it.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	d, err := db.New(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLite(ctx, d)
	if err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) GetData(ctx context.Context, instrument string, granularity time.Duration, start, end *time.Time) ([]record.Record, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}

	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT PAYLOAD FROM INSTRUMENT_DATA
		WHERE INSTRUMENT = ? AND GRANULARITY = ? AND TIMESTAMP >= ? AND TIMESTAMP < ?
		ORDER BY TIMESTAMP`,
		instrument, int64(granularity), start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, errs.Persistence("query instrument data", err)
	}
	data, err := scanPayloads(rows)
	if err != nil {
		return nil, err
	}
	return data, adjust(data, granularity, start, end)
}

func (s *SQLite) GetInstantData(ctx context.Context, instrument string, start, end *time.Time) ([]record.Record, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}

	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT PAYLOAD FROM INSTANT_DATA
		WHERE INSTRUMENT = ? AND TIMESTAMP >= ? AND TIMESTAMP < ?
		ORDER BY TIMESTAMP, ID`,
		instrument, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, errs.Persistence("query instant data", err)
	}
	data, err := scanPayloads(rows)
	if err != nil {
		return nil, err
	}
	return data, adjust(data, 0, start, end)
}

func scanPayloads(rows *sql.Rows) ([]record.Record, error) {
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errs.Persistence("scan payload", err)
		}
		r, err := record.Decode(payload)
		if err != nil {
			return nil, errs.Persistence("decode payload", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Persistence("iterate payloads", err)
	}
	return out, nil
}

// SaveData upserts buckets keyed by (instrument, granularity, time), so a
// refetched bucket replaces the stored one.
func (s *SQLite) SaveData(ctx context.Context, instrument string, granularity time.Duration, data []record.Record) error {
	items, err := stampAll(data)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO INSTRUMENT_DATA(INSTRUMENT, GRANULARITY, TIMESTAMP, PAYLOAD) VALUES (?, ?, ?, ?)
			ON CONFLICT(INSTRUMENT, GRANULARITY, TIMESTAMP) DO UPDATE SET PAYLOAD = excluded.PAYLOAD`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, it := range items {
			payload, err := record.Encode(it.rec)
			if err != nil {
				return fmt.Errorf("encode bucket %s: %w", it.ts, err)
			}
			if _, err := stmt.ExecContext(ctx, instrument, int64(granularity), it.ts.UnixNano(), payload); err != nil {
				return err
			}
		}
		return nil
	})
	return errs.Persistence("save instrument data", err)
}

func (s *SQLite) SaveInstantData(ctx context.Context, instrument string, data []record.Record) error {
	items, err := stampAll(data)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO INSTANT_DATA(INSTRUMENT, TIMESTAMP, PAYLOAD) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, it := range items {
			payload, err := record.Encode(it.rec)
			if err != nil {
				return fmt.Errorf("encode sample %s: %w", it.ts, err)
			}
			if _, err := stmt.ExecContext(ctx, instrument, it.ts.UnixNano(), payload); err != nil {
				return err
			}
		}
		return nil
	})
	return errs.Persistence("save instant data", err)
}
