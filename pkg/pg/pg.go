package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	ConnectionString  string        `env:"DATABASE_URL,required"`
	MaxOpenConns      int32         `env:"PG_MAX_OPEN_CONNS" envDefault:"10"`
	MinIdleConns      int32         `env:"PG_MIN_IDLE_CONNS" envDefault:"2"`
	HealthCheckPeriod time.Duration `env:"PG_HEALTHCHECK_PERIOD" envDefault:"1m"`
	MaxConnIdleTime   time.Duration `env:"PG_MAX_CONN_IDLE_TIME" envDefault:"10m"`
	MaxConnLifetime   time.Duration `env:"PG_MAX_CONN_LIFETIME" envDefault:"30m"`

	RetryAttempts int           `env:"PG_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval time.Duration `env:"PG_RETRY_INTERVAL" envDefault:"5s"`

	MigrationsPath  string `env:"PG_MIGRATIONS_PATH" envDefault:"internal/db/migrations"`
	MigrationsTable string `env:"PG_MIGRATIONS_TABLE" envDefault:"schema_migrations"`
}

var (
	ErrFailedToOpenDBConnection = errors.New("failed to open db connection")
	ErrFailedToParseDBConfig    = errors.New("failed to parse db config")
	ErrHealthcheckFailed        = errors.New("healthcheck failed, connection is not available")
	ErrFailedToApplyMigrations  = errors.New("failed to apply migrations")
	ErrMigrationsDirNotFound    = errors.New("migrations directory not found")
)

// Connect establishes a PostgreSQL connection pool with linear backoff so a
// restarting fleet does not hammer a recovering database.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	connConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseDBConfig, err)
	}
	connConfig.MaxConns = cfg.MaxOpenConns
	connConfig.MinConns = cfg.MinIdleConns
	connConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	connConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	connConfig.MaxConnLifetime = cfg.MaxConnLifetime

	for i := range cfg.RetryAttempts {
		pool, err := pgxpool.NewWithConfig(ctx, connConfig)
		if err != nil {
			time.Sleep(time.Duration(i+1) * cfg.RetryInterval)
			continue
		}

		// Ping catches auth and permission failures that pool creation does not.
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			time.Sleep(time.Duration(i+1) * cfg.RetryInterval)
			continue
		}

		return pool, nil
	}

	return nil, ErrFailedToOpenDBConnection
}

// Healthcheck returns a closure compatible with health endpoints expecting
// func(context.Context) error.
func Healthcheck(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}

// IsNotFoundError detects pgx.ErrNoRows for consistent "not found" handling.
func IsNotFoundError(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}

// IsDuplicateKeyError detects unique constraint violations (SQLSTATE 23505).
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsForeignKeyViolationError detects referential integrity violations (SQLSTATE 23503).
func IsForeignKeyViolationError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
