package quota

import (
	"context"
	"fmt"
	"log"
	"time"

	redisclient "gen-orchestrator/pkg/database/redis"
)

// Ledger authorizes and accounts per-user generation usage within the
// current calendar-month period.
//
// Authorize atomically reserves units against the limit; a reservation is
// either confirmed later by RecordUsage (on completed generation) or handed
// back by Release (on any failure path). Usage, not reservation, is what
// survives the period, so failed generations never consume quota.
type Ledger interface {
	Authorize(ctx context.Context, userID string, units int) (allowed bool, remaining int, err error)
	RecordUsage(ctx context.Context, userID string, reservedUnits, usedUnits int) error
	Release(ctx context.Context, userID string, units int) error
}

const (
	// Reservations left behind by crashed requests expire on their own.
	reservationTTL = 24 * time.Hour
	// Usage keys outlive the month they account for by a few days.
	usageTTL = 35 * 24 * time.Hour
)

// reserveScript checks used+reserved against the limit and reserves in a
// single atomic step, so two concurrent submissions can never both pass when
// only one unit remains.
const reserveScript = `
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
local limit = tonumber(ARGV[1])
local units = tonumber(ARGV[2])
local remaining = limit - used - reserved
if remaining < units then
	return {0, remaining}
end
redis.call('INCRBY', KEYS[2], units)
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[3]))
return {1, remaining - units}
`

// confirmScript converts a reservation into confirmed usage. The reservation
// may exceed what was actually produced (partial multi-image results); the
// whole reservation is handed back and only produced units are charged.
const confirmScript = `
redis.call('INCRBY', KEYS[1], tonumber(ARGV[1]))
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
local reserved = redis.call('DECRBY', KEYS[2], tonumber(ARGV[3]))
if reserved < 0 then
	redis.call('SET', KEYS[2], '0', 'EX', tonumber(ARGV[4]))
end
return reserved
`

const releaseScript = `
local reserved = redis.call('DECRBY', KEYS[1], tonumber(ARGV[1]))
if reserved < 0 then
	redis.call('SET', KEYS[1], '0', 'EX', tonumber(ARGV[2]))
end
return reserved
`

// RedisLedger implements Ledger on Redis. All checks fail closed: if Redis
// is unavailable the request is denied, never waved through.
type RedisLedger struct {
	client *redisclient.Client
	limit  int
	now    func() time.Time
}

func NewRedisLedger(client *redisclient.Client, monthlyLimit int) *RedisLedger {
	return &RedisLedger{
		client: client,
		limit:  monthlyLimit,
		now:    time.Now,
	}
}

func (l *RedisLedger) period() string {
	return l.now().UTC().Format("2006-01")
}

func (l *RedisLedger) usageKey(userID string) string {
	return fmt.Sprintf("quota:used:%s:%s", userID, l.period())
}

func (l *RedisLedger) reservedKey(userID string) string {
	return fmt.Sprintf("quota:reserved:%s:%s", userID, l.period())
}

func (l *RedisLedger) Authorize(ctx context.Context, userID string, units int) (bool, int, error) {
	if units < 1 {
		return false, 0, fmt.Errorf("quota: units must be positive, got %d", units)
	}

	res, err := l.client.Eval(ctx, reserveScript,
		[]string{l.usageKey(userID), l.reservedKey(userID)},
		l.limit, units, int(reservationTTL.Seconds()))
	if err != nil {
		// Fail closed: an unreachable ledger denies, it never allows.
		log.Printf("Quota check failed for user %s, denying: %v", userID, err)
		return false, 0, fmt.Errorf("quota: authorize failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("quota: unexpected reserve script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	return allowed == 1, int(remaining), nil
}

func (l *RedisLedger) RecordUsage(ctx context.Context, userID string, reservedUnits, usedUnits int) error {
	if usedUnits < 0 || reservedUnits < 0 {
		return fmt.Errorf("quota: negative usage for user %s", userID)
	}
	_, err := l.client.Eval(ctx, confirmScript,
		[]string{l.usageKey(userID), l.reservedKey(userID)},
		usedUnits, int(usageTTL.Seconds()), reservedUnits, int(reservationTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("quota: record usage failed: %w", err)
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, userID string, units int) error {
	if units < 1 {
		return nil
	}
	_, err := l.client.Eval(ctx, releaseScript,
		[]string{l.reservedKey(userID)},
		units, int(reservationTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("quota: release failed: %w", err)
	}
	return nil
}

var _ Ledger = (*RedisLedger)(nil)
