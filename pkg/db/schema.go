package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrUnknownSchemaVersion is returned when a database was written by a newer
// or foreign schema.
var ErrUnknownSchemaVersion = errors.New("unknown schema version")

// LedgerSchemaVersion is the current version of the trading ledger.
const LedgerSchemaVersion = 1

const ledgerSchema = `
CREATE TABLE IDS (
    ID INTEGER PRIMARY KEY NOT NULL,
    LOCAL_ID TEXT NOT NULL UNIQUE,
    REMOTE_ID TEXT NOT NULL UNIQUE
);

CREATE TABLE ORDERS (
    ID INTEGER PRIMARY KEY REFERENCES IDS(ID) ON DELETE CASCADE,
    CREATED INTEGER NOT NULL,
    PROCESSED INTEGER,
    STATE TEXT NOT NULL,
    LINKED_TRADE INTEGER REFERENCES IDS(ID)
);

CREATE TABLE TRADES (
    ID INTEGER PRIMARY KEY REFERENCES IDS(ID) ON DELETE CASCADE,
    OPENED INTEGER NOT NULL,
    STATE TEXT NOT NULL,
    LINKED_ORDER INTEGER REFERENCES IDS(ID)
);

CREATE INDEX IDX_ORDERS_STATE ON ORDERS(STATE);
CREATE INDEX IDX_TRADES_STATE ON TRADES(STATE);
`

// MarketSchemaVersion is the current version of the market data cache.
const MarketSchemaVersion = 1

const marketSchema = `
CREATE TABLE INSTRUMENT_DATA (
    INSTRUMENT TEXT NOT NULL,
    GRANULARITY INTEGER NOT NULL,
    TIMESTAMP INTEGER NOT NULL,
    PAYLOAD BLOB NOT NULL,
    PRIMARY KEY (INSTRUMENT, GRANULARITY, TIMESTAMP)
);

CREATE TABLE INSTANT_DATA (
    ID INTEGER PRIMARY KEY AUTOINCREMENT,
    INSTRUMENT TEXT NOT NULL,
    TIMESTAMP INTEGER NOT NULL,
    PAYLOAD BLOB NOT NULL
);

CREATE INDEX IDX_INSTANT_DATA ON INSTANT_DATA(INSTRUMENT, TIMESTAMP);
`

// ApplyLedgerSchema creates the ledger tables on an empty database and
// refuses any version it does not know.
func ApplyLedgerSchema(ctx context.Context, d *Database) error {
	return applySchema(ctx, d, "trading ledger", LedgerSchemaVersion, ledgerSchema)
}

// ApplyMarketSchema creates the market data tables on an empty database.
func ApplyMarketSchema(ctx context.Context, d *Database) error {
	return applySchema(ctx, d, "market data", MarketSchemaVersion, marketSchema)
}

func applySchema(ctx context.Context, d *Database, name string, version int, ddl string) error {
	current, err := d.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	switch current {
	case 0:
	case version:
		return nil
	default:
		return fmt.Errorf("%s schema version %d: %w", name, current, ErrUnknownSchemaVersion)
	}

	return d.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s schema: %w", name, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return fmt.Errorf("set %s schema version: %w", name, err)
		}
		return nil
	})
}
