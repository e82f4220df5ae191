// Package sqlite persists local fingerprints between diff runs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS fingerprints (
	path        TEXT    NOT NULL,
	size        INTEGER NOT NULL,
	mod_time    INTEGER NOT NULL,
	part_size   INTEGER NOT NULL,
	fingerprint TEXT    NOT NULL,
	PRIMARY KEY (path, part_size)
)`

type FingerprintCache struct {
	db *sqlx.DB
}

// Open opens or creates the cache database at path.
func Open(ctx context.Context, path string) (*FingerprintCache, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open fingerprint cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init fingerprint cache: %w", err)
	}
	return &FingerprintCache{db: db}, nil
}

// Lookup returns the cached fingerprint when size and modification time
// still match.
func (c *FingerprintCache) Lookup(ctx context.Context, path string, size int64, modTime time.Time, partSize int64) (string, bool, error) {
	var fp string
	err := c.db.GetContext(ctx, &fp, `
		SELECT fingerprint FROM fingerprints
		WHERE path = ? AND part_size = ? AND size = ? AND mod_time = ?`,
		path, partSize, size, modTime.UnixNano(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup fingerprint: %w", err)
	}
	return fp, true, nil
}

func (c *FingerprintCache) Store(ctx context.Context, path string, size int64, modTime time.Time, partSize int64, fp string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO fingerprints (path, size, mod_time, part_size, fingerprint)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (path, part_size) DO UPDATE SET
			size = excluded.size,
			mod_time = excluded.mod_time,
			fingerprint = excluded.fingerprint`,
		path, size, modTime.UnixNano(), partSize, fp,
	)
	if err != nil {
		return fmt.Errorf("store fingerprint: %w", err)
	}
	return nil
}

func (c *FingerprintCache) Close() error {
	return c.db.Close()
}
