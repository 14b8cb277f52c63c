// Package checkpoint saves the relay's register stores to sqlite and exports
// them as automerge documents.
//
// A checkpoint is the latest merged state of each session, overwritten in
// place. It is not an operation log.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/session-sync/pkg/register"
)

type DB struct {
	database *sql.DB
}

// Open opens (or creates) the sqlite database at path and ensures its tables
// exist.
func Open(path string) (*DB, error) {
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := &DB{database: database}
	if err := db.init(); err != nil {
		_ = database.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.database.Close()
}

func (db *DB) init() error {
	if _, err := db.database.Exec(
		`CREATE TABLE IF NOT EXISTS registers (
		session text not null,
		key text not null,
		origin text not null,
		clock integer not null,
		value blob,
		primary key (session, key)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create registers table: %w", err)
	}
	if _, err := db.database.Exec(
		`CREATE TABLE IF NOT EXISTS vectors (
		session text not null,
		origin text not null,
		clock integer not null,
		primary key (session, origin)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create vectors table: %w", err)
	}
	slog.Debug("ensured checkpoint tables exist")
	return nil
}

// Save writes every register and state vector entry of store for session in
// one transaction. Rows only move forward: a register is replaced when the
// stored one loses to it and vector entries never decrease, so an older
// checkpoint cannot overwrite a newer one.
func (db *DB) Save(ctx context.Context, session string, store *register.Store) error {
	tx, err := db.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()

	for _, r := range store.Registers() {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO registers (session, key, origin, clock, value) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (session, key) DO UPDATE SET origin = excluded.origin, clock = excluded.clock, value = excluded.value
			WHERE excluded.clock > registers.clock
			OR (excluded.clock = registers.clock AND excluded.origin > registers.origin)
			OR (excluded.clock = registers.clock AND excluded.origin = registers.origin AND excluded.value > registers.value)`,
			session, r.Key, string(r.Origin), int64(r.Clock), r.Value,
		); err != nil {
			return fmt.Errorf("failed to persist register %q: %w", r.Key, err)
		}
	}

	for origin, clock := range store.StateVector() {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO vectors (session, origin, clock) VALUES (?, ?, ?)
			ON CONFLICT (session, origin) DO UPDATE SET clock = excluded.clock
			WHERE excluded.clock > vectors.clock`,
			session, string(origin), int64(clock),
		); err != nil {
			return fmt.Errorf("failed to persist state vector entry %q: %w", origin, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Load reads back the registers and state vector saved for session. A session
// that was never saved yields no registers and an empty vector.
func (db *DB) Load(ctx context.Context, session string) ([]register.Register, register.StateVector, error) {
	rows, err := db.database.QueryContext(
		ctx, `SELECT key, origin, clock, value FROM registers WHERE session = ? ORDER BY key`, session,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query registers: %w", err)
	}
	var registers []register.Register
	for rows.Next() {
		var r register.Register
		var origin string
		var clock int64
		if err := rows.Scan(&r.Key, &origin, &clock, &r.Value); err != nil {
			_ = rows.Close()
			return nil, nil, fmt.Errorf("failed to scan register: %w", err)
		}
		r.Origin = register.OriginID(origin)
		r.Clock = uint64(clock)
		registers = append(registers, r)
	}
	if err := rows.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to close register rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read registers: %w", err)
	}

	rows, err = db.database.QueryContext(
		ctx, `SELECT origin, clock FROM vectors WHERE session = ?`, session,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query state vector: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close", "err", err)
		}
	}(rows)
	vector := register.StateVector{}
	for rows.Next() {
		var origin string
		var clock int64
		if err := rows.Scan(&origin, &clock); err != nil {
			return nil, nil, fmt.Errorf("failed to scan state vector entry: %w", err)
		}
		vector.Observe(register.OriginID(origin), uint64(clock))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read state vector: %w", err)
	}
	return registers, vector, nil
}

// Sessions lists every session with a saved checkpoint.
func (db *DB) Sessions(ctx context.Context) ([]string, error) {
	rows, err := db.database.QueryContext(
		ctx, `SELECT session FROM vectors UNION SELECT session FROM registers ORDER BY 1`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
