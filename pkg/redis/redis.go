package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	ConnectionURL  string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
}

var (
	ErrFailedToParseConnString = errors.New("failed to parse redis connection string")
	ErrNotReady                = errors.New("redis did not become ready within the given time period")
	ErrHealthcheckFailed       = errors.New("redis healthcheck failed")
)

// Connect establishes a redis connection, retrying until the server is
// reachable or the connect timeout elapses.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opt, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseConnString, err)
	}

	for range cfg.RetryAttempts {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}

	return nil, ErrNotReady
}

// Healthcheck returns a closure compatible with health endpoints.
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
