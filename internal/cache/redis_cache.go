package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "acta:"

// RedisCache backs idempotency and the sent-message cache.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var (
	_ Idempotency  = (*RedisCache)(nil)
	_ MessageCache = (*RedisCache)(nil)
)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Seen(ctx context.Context, carrierID string) (bool, error) {
	if carrierID == "" {
		return false, nil
	}
	fresh, err := c.rdb.SetNX(ctx, inboundKey(carrierID), 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	return !fresh, nil
}

func (c *RedisCache) Release(ctx context.Context, carrierID string) error {
	if carrierID == "" {
		return nil
	}
	if err := c.rdb.Del(ctx, inboundKey(carrierID)).Err(); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

func inboundKey(carrierID string) string {
	return keyPrefix + "inbound:" + carrierID
}

type sentValue struct {
	CarrierMessageID string    `json:"carrierMessageId"`
	SentAt           time.Time `json:"sentAt"`
}

func (c *RedisCache) StoreSent(ctx context.Context, messageID, carrierID string, sentAt time.Time) error {
	b, err := json.Marshal(sentValue{
		CarrierMessageID: carrierID,
		SentAt:           sentAt.UTC(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, keyPrefix+"sent:"+messageID, b, c.ttl).Err()
}

// RedisRateLimiter enforces a per-student cooldown and an optional daily cap.
type RedisRateLimiter struct {
	rdb       *redis.Client
	cooldown  time.Duration
	maxPerDay int
	message   string
	now       func() time.Time
}

var _ RateLimiter = (*RedisRateLimiter)(nil)

func NewRedisRateLimiter(rdb *redis.Client, cooldown time.Duration, maxPerDay int) *RedisRateLimiter {
	return &RedisRateLimiter{
		rdb:       rdb,
		cooldown:  cooldown,
		maxPerDay: maxPerDay,
		message:   DefaultRateLimitMessage,
		now:       time.Now,
	}
}

func cooldownKey(studentID string) string {
	return keyPrefix + "cooldown:" + studentID
}

func (l *RedisRateLimiter) dailyKey(studentID string) string {
	return keyPrefix + "daily:" + studentID + ":" + l.now().UTC().Format("20060102")
}

func (l *RedisRateLimiter) Check(ctx context.Context, studentID string) (Decision, error) {
	if l.cooldown > 0 {
		n, err := l.rdb.Exists(ctx, cooldownKey(studentID)).Result()
		if err != nil {
			return Decision{Allowed: true}, fmt.Errorf("cooldown check: %w", err)
		}
		if n > 0 {
			return Decision{Allowed: false, Message: l.message}, nil
		}
	}

	if l.maxPerDay > 0 {
		count, err := l.rdb.Get(ctx, l.dailyKey(studentID)).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Decision{Allowed: true}, fmt.Errorf("daily cap check: %w", err)
		}
		if count >= l.maxPerDay {
			return Decision{Allowed: false, Message: l.message}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

func (l *RedisRateLimiter) RecordCooldown(ctx context.Context, studentID string) error {
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if l.cooldown > 0 {
			p.Set(ctx, cooldownKey(studentID), 1, l.cooldown)
		}
		if l.maxPerDay > 0 {
			key := l.dailyKey(studentID)
			p.Incr(ctx, key)
			p.Expire(ctx, key, 48*time.Hour)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording cooldown: %w", err)
	}
	return nil
}
