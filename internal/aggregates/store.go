// Package aggregates is the Aggregates Store: an append-mostly SQLite
// table of per-block, per-script-kind UTXO totals.
package aggregates

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quietledger/gabriel/internal/model"
)

const tableName = "p2pk_utxo_block_aggregates"

// Store is the Aggregates Store: the SQLite-backed table of committed
// AggregateRows, one row per (block_height, script_kind).
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at path. path may be a plain filesystem
// path or an already-formed "file:...?..." DSN (e.g. the shared in-memory
// "file::memory:?cache=shared" form tests use); Schema must already be
// migrated (see cmd/migrate), Open does not create tables itself.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_journal_mode=WAL&_foreign_keys=on"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open aggregates store at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline: the aggregates table has exactly one writer
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping aggregates store at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Exec runs a raw statement against the store's connection. Used by tests
// to bootstrap schema without pulling in the full migration runner.
func (s *Store) Exec(ctx context.Context, statement string) error {
	_, err := s.db.ExecContext(ctx, statement)
	return err
}

// AppendRows commits one or more AggregateRows within a single SQLite
// transaction. It is not part of the paired UTXO Index commit: that is a
// separate key-value batch the Processor writes before calling AppendRows,
// and a crash between the two is repaired at boot (see reconcileOnBoot in
// cmd/gabriel).
func (s *Store) AppendRows(ctx context.Context, rows []model.AggregateRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin aggregates append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (block_height, block_hash, date, address_type, total_utxos, total_sats)
		 VALUES (?, ?, ?, ?, ?, ?)`, tableName))
	if err != nil {
		return fmt.Errorf("prepare aggregates insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.BlockHeight, row.BlockHash, row.Date.UTC().Format(time.RFC3339),
			row.ScriptKind.String(), row.TotalUTXOs, row.TotalSats); err != nil {
			return fmt.Errorf("insert aggregate row height=%d kind=%s: %w", row.BlockHeight, row.ScriptKind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit aggregates append: %w", err)
	}
	return nil
}

// Latest returns the n rows of greatest height for kind.
func (s *Store) Latest(ctx context.Context, kind model.ScriptKind, n int) ([]model.AggregateRow, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT block_height, block_hash, date, address_type, total_utxos, total_sats
		 FROM %s WHERE address_type = ? ORDER BY block_height DESC LIMIT ?`, tableName),
		kind.String(), n)
	if err != nil {
		return nil, fmt.Errorf("query latest aggregates for %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

// ByHeight returns all kinds' rows for a given height.
func (s *Store) ByHeight(ctx context.Context, height uint32) ([]model.AggregateRow, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT block_height, block_hash, date, address_type, total_utxos, total_sats
		 FROM %s WHERE block_height = ? ORDER BY address_type`, tableName), height)
	if err != nil {
		return nil, fmt.Errorf("query aggregates by height %d: %w", height, err)
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

// ByHash returns all kinds' rows for the block with the given hash.
func (s *Store) ByHash(ctx context.Context, hash string) ([]model.AggregateRow, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT block_height, block_hash, date, address_type, total_utxos, total_sats
		 FROM %s WHERE block_hash = ? ORDER BY address_type`, tableName), hash)
	if err != nil {
		return nil, fmt.Errorf("query aggregates by hash %s: %w", hash, err)
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

// DeleteAbove removes every row with block_height > h, used by reorg
// rewind before the new branch is re-applied.
func (s *Store) DeleteAbove(ctx context.Context, h uint32) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE block_height > ?`, tableName), h); err != nil {
		return fmt.Errorf("delete aggregates above height %d: %w", h, err)
	}
	return nil
}

// MaxHeight returns the greatest committed block_height, or ok=false if
// the table is empty (fresh install, before genesis is applied).
func (s *Store) MaxHeight(ctx context.Context) (height uint32, ok bool, err error) {
	var maxHeight sql.NullInt64
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(block_height) FROM %s`, tableName))
	if err := row.Scan(&maxHeight); err != nil {
		return 0, false, fmt.Errorf("query max aggregates height: %w", err)
	}
	if !maxHeight.Valid {
		return 0, false, nil
	}
	return uint32(maxHeight.Int64), true, nil
}

func scanRows(rows *sql.Rows) ([]model.AggregateRow, error) {
	var out []model.AggregateRow
	for rows.Next() {
		var (
			row      model.AggregateRow
			dateText string
			kindText string
		)
		if err := rows.Scan(&row.BlockHeight, &row.BlockHash, &dateText, &kindText, &row.TotalUTXOs, &row.TotalSats); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}
		parsedDate, err := time.Parse(time.RFC3339, dateText)
		if err != nil {
			return nil, fmt.Errorf("parse aggregate row date %q: %w", dateText, err)
		}
		row.Date = parsedDate
		kind, err := model.ParseScriptKind(kindText)
		if err != nil {
			return nil, fmt.Errorf("parse aggregate row address_type %q: %w", kindText, err)
		}
		row.ScriptKind = kind
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
