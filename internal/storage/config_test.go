package storage

import (
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	config := Config{
		User:     "a",
		Password: "b",
		Host:     "c",
		Port:     5432,
		DBName:   "d",
	}
	expected := "user=a password=b host=c port=5432 dbname=d sslmode=disable"
	actual := config.DSN()
	require.Equal(t, expected, actual)
}

func TestModeValid(t *testing.T) {
	require.True(t, ModeNormal.Valid())
	require.True(t, ModeRoast.Valid())
	require.False(t, Mode("loud").Valid())
	require.False(t, Mode("").Valid())
}

func TestDirectionValid(t *testing.T) {
	require.True(t, Up.Valid())
	require.True(t, Down.Valid())
	require.False(t, Direction(0).Valid())
	require.False(t, Direction(2).Valid())
}

func TestConfigOptions(t *testing.T) {
	config := Config{Host: "localhost", Port: 5432, MaxConns: 4, LogLevel: "debug"}

	opts, err := config.Options()
	require.NoError(t, err)
	require.Len(t, opts, 2)

	poolConfig, err := pgxpool.ParseConfig(config.DSN())
	require.NoError(t, err)
	for _, opt := range opts {
		opt.apply(poolConfig)
	}
	require.Equal(t, int32(4), poolConfig.MaxConns)
	require.Equal(t, pgx.LogLevel(pgx.LogLevelDebug), poolConfig.ConnConfig.LogLevel)
}

func TestConfigOptionsInvalid(t *testing.T) {
	_, err := Config{MaxConns: 1}.Options()
	require.Error(t, err)

	_, err = Config{LogLevel: "loud"}.Options()
	require.Error(t, err)

	opts, err := Config{}.Options()
	require.NoError(t, err)
	require.Empty(t, opts)
}
