package traveltime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
	"github.com/redis/go-redis/v9"
)

// Cache stores travel times under the unordered postal-code pair.
type Cache interface {
	Get(ctx context.Context, from, to string) (model.TravelTimeEntry, bool, error)
	Put(ctx context.Context, e model.TravelTimeEntry) error
}

// RedisCache is a best-effort accelerator shared by every service instance. Postgres stays
// the source of truth; a lost Redis key only costs a database read.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration, prefix string) *RedisCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "travel"
	}
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: prefix}
}

type redisEntry struct {
	Peak        int       `json:"peak"`
	Offpeak     int       `json:"offpeak"`
	DistanceKM  float64   `json:"distance_km"`
	LastUpdated time.Time `json:"last_updated"`
}

func (c *RedisCache) key(from, to string) (string, string, string) {
	a, b := model.OrderedPair(from, to)
	return c.prefix + ":" + a + ":" + b, a, b
}

func (c *RedisCache) Get(ctx context.Context, from, to string) (model.TravelTimeEntry, bool, error) {
	key, a, b := c.key(from, to)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.TravelTimeEntry{}, false, nil
	}
	if err != nil {
		return model.TravelTimeEntry{}, false, err
	}
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		// Corrupt values are treated as a miss and overwritten on the next Put.
		return model.TravelTimeEntry{}, false, nil
	}
	return model.TravelTimeEntry{
		FromPostalCode: a,
		ToPostalCode:   b,
		PeakMinutes:    e.Peak,
		OffpeakMinutes: e.Offpeak,
		DistanceKM:     e.DistanceKM,
		LastUpdated:    e.LastUpdated,
	}, true, nil
}

func (c *RedisCache) Put(ctx context.Context, e model.TravelTimeEntry) error {
	key, _, _ := c.key(e.FromPostalCode, e.ToPostalCode)
	raw, err := json.Marshal(redisEntry{
		Peak:        e.PeakMinutes,
		Offpeak:     e.OffpeakMinutes,
		DistanceKM:  e.DistanceKM,
		LastUpdated: e.LastUpdated.UTC(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, c.ttl).Err()
}

// Layered reads through Front (accelerator) to Back (source of truth) and fills Front on
// a Back hit. Front failures are logged and otherwise ignored.
type Layered struct {
	Front  Cache
	Back   Cache
	Logger *slog.Logger
}

func (l Layered) Get(ctx context.Context, from, to string) (model.TravelTimeEntry, bool, error) {
	if l.Front != nil {
		e, ok, err := l.Front.Get(ctx, from, to)
		switch {
		case err != nil:
			l.warn("travel cache accelerator read failed", err)
		case ok:
			return e, true, nil
		}
	}
	e, ok, err := l.Back.Get(ctx, from, to)
	if err != nil || !ok {
		return e, ok, err
	}
	if l.Front != nil {
		if err := l.Front.Put(ctx, e); err != nil {
			l.warn("travel cache accelerator fill failed", err)
		}
	}
	return e, true, nil
}

func (l Layered) Put(ctx context.Context, e model.TravelTimeEntry) error {
	if err := l.Back.Put(ctx, e); err != nil {
		return err
	}
	if l.Front != nil {
		if err := l.Front.Put(ctx, e); err != nil {
			l.warn("travel cache accelerator write failed", err)
		}
	}
	return nil
}

func (l Layered) warn(msg string, err error) {
	if l.Logger != nil {
		l.Logger.Warn(msg, "err", err)
	}
}
