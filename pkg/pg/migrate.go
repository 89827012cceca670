package pg

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// migrateLogger is the minimal structured-logging surface migrations need.
// Satisfied by *slog.Logger.
type migrateLogger interface {
	InfoContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

// Migrate applies goose SQL migrations through the shared pgx pool.
// goose speaks database/sql, so the pool is bridged via stdlib.OpenDBFromPool.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg Config, log migrateLogger) error {
	if cfg.MigrationsPath == "" {
		return errors.Join(ErrFailedToApplyMigrations, errors.New("migrations path not provided"))
	}

	if _, err := os.Stat(cfg.MigrationsPath); err != nil {
		if os.IsNotExist(err) {
			return errors.Join(ErrMigrationsDirNotFound, err)
		}
		return errors.Join(ErrFailedToApplyMigrations, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil {
			log.ErrorContext(ctx, "failed to close migration db handle", "error", err)
		}
	}()

	goose.SetLogger(&gooseLogAdapter{log: log})
	goose.SetTableName(cfg.MigrationsTable)

	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}

	if err := goose.UpContext(ctx, db, cfg.MigrationsPath); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}

	return nil
}

// gooseLogAdapter routes goose's Printf-style output through slog.
type gooseLogAdapter struct {
	log migrateLogger
}

func (a *gooseLogAdapter) Fatalf(format string, v ...any) {
	a.log.ErrorContext(context.Background(), fmt.Sprintf(format, v...))
}

func (a *gooseLogAdapter) Printf(format string, v ...any) {
	a.log.InfoContext(context.Background(), fmt.Sprintf(format, v...))
}
