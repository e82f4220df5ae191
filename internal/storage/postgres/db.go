package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"photo_pipeline/migrations"
)

// Connect opens and pings the database. With migrate set, pending schema
// migrations are applied before returning.
func Connect(ctx context.Context, dsn string, migrate bool) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if migrate {
		if err := migrations.Up(ctx, db.DB); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}
