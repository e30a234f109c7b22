package storageadapter

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteAdapter stores keys/values in a single table of a modernc.org/sqlite
// database file. It is offered as a fourth backend alongside the spec's
// memory/filesystem/S3 adapters for embedders that already manage a sqlite
// file for the rest of their application and want one less moving part.
type SQLiteAdapter struct {
	db     *sql.DB
	counts *countCache
}

// NewSQLiteAdapter opens (creating if necessary) a sqlite-backed Adapter at path.
func NewSQLiteAdapter(path string) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storageadapter: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writes; avoid SQLITE_BUSY churn

	const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storageadapter: init schema: %w", err)
	}
	return &SQLiteAdapter{db: db, counts: newCountCache()}, nil
}

func (a *SQLiteAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := a.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storageadapter: get %s: %w", key, err)
	}
	return v, nil
}

func (a *SQLiteAdapter) Put(ctx context.Context, key string, data []byte) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, data)
	if err != nil {
		return fmt.Errorf("storageadapter: put %s: %w", key, err)
	}
	a.counts.invalidate()
	return nil
}

func (a *SQLiteAdapter) Delete(ctx context.Context, key string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("storageadapter: delete %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	a.counts.invalidate()
	return nil
}

func (a *SQLiteAdapter) List(ctx context.Context, prefix string, opts ListOptions) (ListResult, error) {
	// LIKE-escape prefix so literal %/_ in a key can't widen the match.
	escaped := strings.NewReplacer("%", "\\%", "_", "\\_").Replace(prefix)
	rows, err := a.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`, escaped+"%")
	if err != nil {
		return ListResult{}, fmt.Errorf("storageadapter: list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return ListResult{}, fmt.Errorf("storageadapter: scan list row: %w", err)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res, err := paginate(keys, opts)
	if err != nil {
		return ListResult{}, err
	}
	if opts.Cursor == "" {
		total := a.counts.get(prefix, func() int64 { return cappedCount(keys, prefix) })
		res.TotalCount = &total
	}
	return res, nil
}

func (a *SQLiteAdapter) Close() error { return a.db.Close() }
