package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/cardrewards/ledger/internal/config"
	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
)

// velocityScript increments the counter and starts the window on the first hit.
var velocityScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

var errVelocityStoreMissing = errors.New("velocity store not configured")

// VelocityLimiter is the Tier 1 per-account rate gate backed by Redis.
type VelocityLimiter struct {
	rdb      *redis.Client
	limit    int64
	window   time.Duration
	failMode config.FailMode
	breaker  *gobreaker.CircuitBreaker
}

func NewVelocityLimiter(rdb *redis.Client, rules config.RiskRules, bc config.BreakerConfig) (*VelocityLimiter, error) {
	mode, err := config.ParseFailMode(string(rules.VelocityFailMode))
	if err != nil {
		return nil, err
	}
	if rules.VelocityLimit <= 0 || rules.VelocityWindow <= 0 {
		return nil, fmt.Errorf("velocity limit and window must be positive")
	}

	failures := bc.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "velocity-redis",
		Timeout: bc.OpenTimeout,
		// A caller giving up says nothing about Redis health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[RISK] circuit %s: %s -> %s", name, from, to)
		},
	})

	return &VelocityLimiter{
		rdb:      rdb,
		limit:    rules.VelocityLimit,
		window:   rules.VelocityWindow,
		failMode: mode,
		breaker:  cb,
	}, nil
}

func velocityKey(accountID int64) string {
	return "velocity:" + strconv.FormatInt(accountID, 10)
}

// CheckAndRecord counts one operation for the account and rejects it once the
// window's count exceeds the limit.
func (v *VelocityLimiter) CheckAndRecord(ctx context.Context, accountID int64, trace *TxLogger) error {
	if v.rdb == nil {
		return v.degraded(trace, errVelocityStoreMissing)
	}

	res, err := v.breaker.Execute(func() (interface{}, error) {
		return velocityScript.Run(ctx, v.rdb, []string{velocityKey(accountID)}, v.window.Milliseconds()).Int64()
	})
	if err != nil {
		return v.degraded(trace, err)
	}

	count := res.(int64)
	if count > v.limit {
		trace.Risk("REJECT: velocity %d/%d within %s", count, v.limit, v.window)
		return newLedgerError(KindRateExceeded, "too many operations: limit is %d per %s", v.limit, v.window)
	}
	trace.Risk("PASS: velocity %d/%d within %s", count, v.limit, v.window)
	return nil
}

func (v *VelocityLimiter) degraded(trace *TxLogger, cause error) error {
	if v.failMode == config.FailOpen {
		trace.Risk("DEGRADED: velocity store unavailable, allowing (fail-open)")
		log.Printf("[RISK] velocity store unavailable, failing open: %v", cause)
		return nil
	}
	trace.Risk("DEGRADED: velocity store unavailable, rejecting (fail-closed)")
	return infraError("velocity store unavailable", cause)
}
