package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"ms-raffle/internal/config"
	"ms-raffle/internal/models"
)

// Connect opens the PostgreSQL connection pool and wraps it in Bun.
func Connect(cfg config.DatabaseConfig) (*bun.DB, error) {
	connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN))
	sqldb := sql.OpenDB(connector)

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := sqldb.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// Migrate creates the engine tables if they do not exist yet.
func Migrate(ctx context.Context, db *bun.DB) error {
	tables := []interface{}{
		(*models.Draw)(nil),
		(*models.Slot)(nil),
		(*models.Reservation)(nil),
		(*models.Payment)(nil),
		(*models.AutopayProfile)(nil),
		(*models.AutopayRun)(nil),
	}
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table failed: %w", err)
		}
	}
	return nil
}

// LockForUpdate adds a row-level lock clause on dialects that support it.
// The sqlite dialect used in tests runs single-writer and rejects FOR UPDATE.
func LockForUpdate(db *bun.DB, q *bun.SelectQuery) *bun.SelectQuery {
	if db.Dialect().Name() == dialect.PG {
		return q.For("UPDATE")
	}
	return q
}
