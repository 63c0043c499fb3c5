package storage

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Config defines fields used for connecting to Postgres, parsed from environment variables
type Config struct {
	User     string `env:"DB_USER" envDefault:"whisp"`
	Password string `env:"DB_PASSWORD" envDefault:"whisp"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     uint16 `env:"DB_PORT" envDefault:"5432"`
	DBName   string `env:"DB_NAME" envDefault:"whisp"`
	Init     bool   `env:"DB_INIT" envDefault:"false"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	LogLevel string `env:"DB_LOG_LEVEL" envDefault:"warn"`
}

// DSN returns connection string in keyword/value format
func (c Config) DSN() string {
	return fmt.Sprintf("user=%s password=%s host=%s port=%d dbname=%s sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Options returns pool options described by c; the notification listener holds one of MaxConns
func (c Config) Options() ([]Option, error) {
	var opts []Option

	if c.MaxConns > 0 {
		if c.MaxConns < 2 {
			return nil, fmt.Errorf("DB_MAX_CONNS must be at least 2, got %d", c.MaxConns)
		}
		opts = append(opts, MaxConns(c.MaxConns))
	}

	if c.LogLevel != "" {
		l, err := pgx.LogLevelFromString(c.LogLevel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, LogLevel(l))
	}

	return opts, nil
}

// Option alters the default configuration of the pgxpool.Config used during new Store construction
type Option interface {
	apply(*pgxpool.Config)
}

type optionFunc func(c *pgxpool.Config)

func (f optionFunc) apply(c *pgxpool.Config) { f(c) }

// ConnectionTimeout sets timeout for connection to be established
func ConnectionTimeout(d time.Duration) Option {
	return optionFunc(func(c *pgxpool.Config) {
		c.ConnConfig.ConnectTimeout = d
	})
}

// MaxConns limits the size of the pool; one connection is held by the notification listener
func MaxConns(n int32) Option {
	return optionFunc(func(c *pgxpool.Config) {
		c.MaxConns = n
	})
}

// LogLevel sets the level of pgx query logging
func LogLevel(l pgx.LogLevel) Option {
	return optionFunc(func(c *pgxpool.Config) {
		c.ConnConfig.LogLevel = l
	})
}
