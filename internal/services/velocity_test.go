package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cardrewards/ledger/internal/config"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func velocityRules(mode config.FailMode) config.RiskRules {
	rules := config.DefaultLedgerConfig().Risk
	rules.VelocityFailMode = mode
	return rules
}

func TestNewVelocityLimiter_RequiresFailMode(t *testing.T) {
	for _, mode := range []config.FailMode{"", "maybe", "OPENED"} {
		_, err := NewVelocityLimiter(nil, velocityRules(mode), config.BreakerConfig{})
		assert.Error(t, err, "mode %q", mode)
	}

	_, err := NewVelocityLimiter(nil, velocityRules("Open"), config.BreakerConfig{})
	assert.NoError(t, err)
}

func TestVelocityLimiter_Window(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter, err := NewVelocityLimiter(rdb, velocityRules(config.FailClosed), config.BreakerConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("first hit starts the window", func(t *testing.T) {
		require.NoError(t, limiter.CheckAndRecord(ctx, 7, newTxLogger("test")))
		assert.Equal(t, 60*time.Second, mr.TTL("velocity:7"))
		val, err := mr.Get("velocity:7")
		require.NoError(t, err)
		assert.Equal(t, "1", val)
	})

	t.Run("later hits do not extend the window", func(t *testing.T) {
		mr.FastForward(10 * time.Second)
		require.NoError(t, limiter.CheckAndRecord(ctx, 7, newTxLogger("test")))
		assert.Equal(t, 50*time.Second, mr.TTL("velocity:7"))
	})

	t.Run("hit over the limit is rejected", func(t *testing.T) {
		require.NoError(t, limiter.CheckAndRecord(ctx, 7, newTxLogger("test")))
		err := limiter.CheckAndRecord(ctx, 7, newTxLogger("test"))
		assert.ErrorIs(t, err, ErrRateExceeded)
	})

	t.Run("accounts are counted separately", func(t *testing.T) {
		assert.NoError(t, limiter.CheckAndRecord(ctx, 8, newTxLogger("test")))
	})

	t.Run("window expiry resets the count", func(t *testing.T) {
		mr.FastForward(51 * time.Second)
		assert.NoError(t, limiter.CheckAndRecord(ctx, 7, newTxLogger("test")))
	})
}

func TestVelocityLimiter_ScriptArguments(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter, err := NewVelocityLimiter(db, velocityRules(config.FailClosed), config.BreakerConfig{})
	require.NoError(t, err)

	mock.ExpectEvalSha(velocityScript.Hash(), []string{"velocity:42"}, int64(60000)).SetVal(int64(4))

	err = limiter.CheckAndRecord(context.Background(), 42, newTxLogger("test"))
	assert.Equal(t, KindRateExceeded, KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVelocityLimiter_StoreUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("fail closed rejects", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		limiter, err := NewVelocityLimiter(db, velocityRules(config.FailClosed), config.BreakerConfig{})
		require.NoError(t, err)

		mock.ExpectEvalSha(velocityScript.Hash(), []string{"velocity:1"}, int64(60000)).SetErr(errors.New("connection refused"))

		trace := newTxLogger("test")
		err = limiter.CheckAndRecord(ctx, 1, trace)
		assert.Equal(t, KindInfrastructure, KindOf(err))
		assert.Contains(t, trace.Lines()[0], "fail-closed")
	})

	t.Run("fail open allows", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		limiter, err := NewVelocityLimiter(db, velocityRules(config.FailOpen), config.BreakerConfig{})
		require.NoError(t, err)

		mock.ExpectEvalSha(velocityScript.Hash(), []string{"velocity:1"}, int64(60000)).SetErr(errors.New("connection refused"))

		trace := newTxLogger("test")
		assert.NoError(t, limiter.CheckAndRecord(ctx, 1, trace))
		assert.Contains(t, trace.Lines()[0], "fail-open")
	})

	t.Run("missing client follows the fail mode", func(t *testing.T) {
		closed, err := NewVelocityLimiter(nil, velocityRules(config.FailClosed), config.BreakerConfig{})
		require.NoError(t, err)
		assert.ErrorIs(t, closed.CheckAndRecord(ctx, 1, newTxLogger("test")), ErrInfrastructure)

		open, err := NewVelocityLimiter(nil, velocityRules(config.FailOpen), config.BreakerConfig{})
		require.NoError(t, err)
		assert.NoError(t, open.CheckAndRecord(ctx, 1, newTxLogger("test")))
	})
}

func TestVelocityLimiter_CallerCancellationKeepsBreakerClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter, err := NewVelocityLimiter(rdb, velocityRules(config.FailClosed), config.BreakerConfig{
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
	})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		assert.Error(t, limiter.CheckAndRecord(cancelled, 1, newTxLogger("test")))
	}
	assert.Equal(t, gobreaker.StateClosed, limiter.breaker.State())

	assert.NoError(t, limiter.CheckAndRecord(context.Background(), 1, newTxLogger("test")))
	assert.Equal(t, "1", mustGet(t, mr, "velocity:1"))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestVelocityLimiter_BreakerOpens(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter, err := NewVelocityLimiter(rdb, velocityRules(config.FailClosed), config.BreakerConfig{
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
	})
	require.NoError(t, err)
	ctx := context.Background()

	mr.SetError("ERR server unavailable")
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, limiter.CheckAndRecord(ctx, 1, newTxLogger("test")), ErrInfrastructure)
	}
	assert.Equal(t, gobreaker.StateOpen, limiter.breaker.State())

	// The store is back, but the open breaker keeps short-circuiting.
	mr.SetError("")
	err = limiter.CheckAndRecord(ctx, 1, newTxLogger("test"))
	assert.ErrorIs(t, err, ErrInfrastructure)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, mr.Exists("velocity:1"))
}
