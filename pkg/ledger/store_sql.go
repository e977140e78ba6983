package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Drivers for the two supported backends.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore persists blocks in a relational table. It works against sqlite
// (embedded deployments) and postgres (shared deployments); both drivers
// commit synchronously, satisfying the flush-before-acknowledge contract.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// OpenSQLStore opens a block store on the given driver ("sqlite" or
// "postgres") and DSN, creating the table if needed.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
	}
	s := &SQLStore{db: db, postgres: driver == "postgres"}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing database handle (used by tests).
func NewSQLStore(ctx context.Context, db *sql.DB, postgres bool) (*SQLStore, error) {
	s := &SQLStore{db: db, postgres: postgres}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_blocks (
		idx        BIGINT PRIMARY KEY,
		ts         TEXT NOT NULL,
		entry      TEXT NOT NULL,
		prev_hash  TEXT NOT NULL,
		mac        TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Append inserts the block. The primary key on idx makes double-appends of
// the same index fail loudly instead of silently forking the chain.
func (s *SQLStore) Append(ctx context.Context, b Block) error {
	query := `INSERT INTO ledger_blocks (idx, ts, entry, prev_hash, mac) VALUES (?, ?, ?, ?, ?)`
	if s.postgres {
		query = `INSERT INTO ledger_blocks (idx, ts, entry, prev_hash, mac) VALUES ($1, $2, $3, $4, $5)`
	}
	_, err := s.db.ExecContext(ctx, query,
		int64(b.Index),
		b.Timestamp.Format(time.RFC3339Nano),
		string(b.Entry),
		b.PrevHash,
		b.MAC,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert block %d: %w", b.Index, err)
	}
	return nil
}

// Load reads all blocks ordered by index. Unparseable rows report
// ErrMalformed so the ledger fails closed.
func (s *SQLStore) Load(ctx context.Context) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, ts, entry, prev_hash, mac FROM ledger_blocks ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []Block
	for rows.Next() {
		var (
			idx   int64
			ts    string
			entry string
			b     Block
		)
		if err := rows.Scan(&idx, &ts, &entry, &b.PrevHash, &b.MAC); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrMalformed, err)
		}
		b.Index = uint64(idx)
		b.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp on block %d: %v", ErrMalformed, idx, err)
		}
		if !json.Valid([]byte(entry)) {
			return nil, fmt.Errorf("%w: entry on block %d is not valid JSON", ErrMalformed, idx)
		}
		b.Entry = json.RawMessage(entry)
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate blocks: %w", err)
	}
	return blocks, nil
}

// Reset drops all persisted blocks.
func (s *SQLStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ledger_blocks`); err != nil {
		return fmt.Errorf("ledger: reset: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
