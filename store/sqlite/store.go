// Package sqlite is a content store that keeps publications in a SQLite
// database, so they stay fetchable across restarts of a member.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joe-zxh/vsync/data"
	"github.com/joe-zxh/vsync/internal/proto"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS publications (
	producer TEXT NOT NULL,
	seq INTEGER NOT NULL,
	epoch INTEGER NOT NULL,
	body BLOB NOT NULL,
	stored_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (producer, seq)
);
`

type Store struct {
	db       *sql.DB
	capacity int
}

// Open opens or creates the database at path. A capacity > 0 bounds the
// number of rows; the oldest rows are evicted first.
func Open(path string, capacity int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, capacity: capacity}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts pub. A publication already stored under the same key is kept.
func (s *Store) Put(pub *data.Publication) error {
	return s.PutContext(context.Background(), pub)
}

func (s *Store) PutContext(ctx context.Context, pub *data.Publication) error {
	body, err := proto.EncodePublication(pub)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO publications (producer, seq, epoch, body, stored_at_utc_ns)
VALUES (?, ?, ?, ?, ?)`,
		string(pub.Producer), int64(pub.Seq), int64(pub.View.Epoch), body, time.Now().UTC().UnixNano()); err != nil {
		return fmt.Errorf("insert %s: %w", pub.Name(), err)
	}
	if s.capacity > 0 {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM publications`).Scan(&n); err != nil {
			return fmt.Errorf("count: %w", err)
		}
		if n > s.capacity {
			if _, err := tx.ExecContext(ctx, `
DELETE FROM publications WHERE rowid IN (
	SELECT rowid FROM publications ORDER BY rowid ASC LIMIT ?
)`, n-s.capacity); err != nil {
				return fmt.Errorf("evict: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (s *Store) Get(key data.PubKey) (*data.Publication, bool, error) {
	return s.GetContext(context.Background(), key)
}

func (s *Store) GetContext(ctx context.Context, key data.PubKey) (*data.Publication, bool, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM publications WHERE producer = ? AND seq = ?`,
		string(key.Producer), int64(key.Seq)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %v: %w", key, err)
	}
	pub, err := proto.DecodePublication(body)
	if err != nil {
		return nil, false, fmt.Errorf("decode %v: %w", key, err)
	}
	return pub, true, nil
}

// HighestSeq returns the largest sequence stored for producer, or 0.
func (s *Store) HighestSeq(ctx context.Context, producer data.NodeID) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT max(seq) FROM publications WHERE producer = ?`, string(producer)).Scan(&seq); err != nil {
		return 0, fmt.Errorf("highest seq of %s: %w", producer, err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// RemoveProducer deletes every row of producer.
func (s *Store) RemoveProducer(producer data.NodeID) error {
	if _, err := s.db.Exec(`DELETE FROM publications WHERE producer = ?`, string(producer)); err != nil {
		return fmt.Errorf("remove %s: %w", producer, err)
	}
	return nil
}
