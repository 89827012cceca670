package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	ErrNilPointer    = errors.New("config: destination must be a non-nil pointer")
	ErrParsingConfig = errors.New("config: failed to parse environment variables")
)

var defaultEnvLoaded sync.Once

// Load populates the configuration struct from environment variables.
// A .env file in the working directory is loaded once per process; its
// absence is not an error.
//
// Example:
//
//	type PGConfig struct {
//		ConnURL string `env:"DATABASE_URL,required"`
//		Retries int    `env:"PG_RETRY_ATTEMPTS" envDefault:"3"`
//	}
//
//	var cfg PGConfig
//	if err := config.Load(&cfg); err != nil { ... }
func Load[T any](v *T) error {
	defaultEnvLoaded.Do(func() {
		_ = godotenv.Load()
	})
	if v == nil {
		return ErrNilPointer
	}
	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad works like Load but panics on failure. Use for configuration
// without which the process cannot start.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}
