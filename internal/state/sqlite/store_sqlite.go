package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"defarm/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// Store is the KV snapshot store plus an append-only journal of committed
// ledger events.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// each pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		contract TEXT NOT NULL,
		ts INTEGER NOT NULL,
		fields BLOB
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS events_contract ON events (contract, seq)`)
	return err
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// AppendEvent journals ev. Replaying an event with a known id is a no-op.
func (s *Store) AppendEvent(ctx context.Context, ev ledger.Event) error {
	fields, err := msgpack.Marshal(ev.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events (id, name, contract, ts, fields) VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.Name, ev.Contract.Hex(), int64(ev.Timestamp), fields)
	return err
}

// Events returns up to limit journaled events emitted by contract, oldest
// first. A zero contract matches every contract.
func (s *Store) Events(ctx context.Context, contract common.Address, limit int) ([]ledger.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, name, contract, ts, fields FROM events ORDER BY seq LIMIT ?`
	args := []any{limit}
	if contract != (common.Address{}) {
		query = `SELECT id, name, contract, ts, fields FROM events WHERE contract = ? ORDER BY seq LIMIT ?`
		args = []any{contract.Hex(), limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Event
	for rows.Next() {
		var (
			ev       ledger.Event
			contract string
			ts       int64
			fields   []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Name, &contract, &ts, &fields); err != nil {
			return nil, err
		}
		ev.Contract = common.HexToAddress(contract)
		ev.Timestamp = uint64(ts)
		if len(fields) > 0 {
			if err := msgpack.Unmarshal(fields, &ev.Fields); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
