package database

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Reset()

	cfg := GetConfig()
	assert.Equal(t, "card_ledger", cfg.Name)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, "host=localhost port=5432 user=postgres password=password dbname=card_ledger sslmode=disable application_name=card-ledger connect_timeout=5", cfg.DSN())

	viper.Set("database.host", "db.internal")
	viper.Set("database.ssl_mode", "require")
	viper.Set("database.application_name", "")
	viper.Set("database.connect_timeout", 0)
	cfg = GetConfig()
	assert.Equal(t, "host=db.internal port=5432 user=postgres password=password dbname=card_ledger sslmode=require", cfg.DSN())
}

func TestOpen_Unreachable(t *testing.T) {
	cfg := &DBConfig{
		Host:           "127.0.0.1",
		Port:           "1",
		User:           "postgres",
		Name:           "card_ledger",
		SSLMode:        "disable",
		ConnectTimeout: time.Second,
	}
	db, err := Open(context.Background(), cfg)
	assert.Nil(t, db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1/card_ledger")
}

func TestInitRedis(t *testing.T) {
	t.Cleanup(viper.Reset)

	t.Run("disabled", func(t *testing.T) {
		viper.Reset()
		viper.Set("redis.enabled", false)
		assert.Nil(t, InitRedis())
	})

	t.Run("connected", func(t *testing.T) {
		mr := miniredis.RunT(t)
		viper.Reset()
		viper.Set("redis.host", mr.Host())
		viper.Set("redis.port", mr.Port())

		rdb := InitRedis()
		require.NotNil(t, rdb)
		defer rdb.Close()
		assert.NoError(t, rdb.Ping(context.Background()).Err())
	})

	t.Run("unreachable still returns a client", func(t *testing.T) {
		viper.Reset()
		viper.Set("redis.host", "127.0.0.1")
		viper.Set("redis.port", "1")
		viper.Set("redis.dial_timeout", 100*time.Millisecond)

		rdb := InitRedis()
		require.NotNil(t, rdb)
		rdb.Close()
	})
}

func TestRollbackMigrations_RejectsNonPositiveSteps(t *testing.T) {
	assert.Error(t, RollbackMigrations(nil, 0))
}
