// Redis-backed risk ledger persistence. The day snapshot is written on
// every mutation so a restart mid-session does not forget trades
// already taken. When Redis is unavailable the store falls back to an
// in-memory cache and trading continues without interruption.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"breakretest-bot/internal/risk"
)

const (
	// riskStateKeyPrefix is the prefix for day snapshot keys.
	// Format: breakretest:risk:{date}
	riskStateKeyPrefix = "breakretest:risk"

	// riskStateTTL keeps snapshots around long enough for audits.
	riskStateTTL = 7 * 24 * time.Hour

	redisOpTimeout = 2 * time.Second
)

// RedisRiskStateStore implements risk.StateStore on Redis with an
// in-memory fallback. A nil client runs memory-only.
type RedisRiskStateStore struct {
	client         *redis.Client
	cacheMu        sync.RWMutex
	inMemoryCache  map[string]risk.Snapshot
	redisAvailable atomic.Bool
}

var _ risk.StateStore = (*RedisRiskStateStore)(nil)

func NewRedisRiskStateStore(client *redis.Client) *RedisRiskStateStore {
	store := &RedisRiskStateStore{
		client:        client,
		inMemoryCache: make(map[string]risk.Snapshot),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[REDIS-RISK] Redis unavailable at startup: %v, using in-memory cache", err)
			store.redisAvailable.Store(false)
		} else {
			log.Printf("[REDIS-RISK] Redis connected successfully")
			store.redisAvailable.Store(true)
		}
	} else {
		log.Printf("[REDIS-RISK] No Redis client provided, using in-memory cache only")
		store.redisAvailable.Store(false)
	}

	return store
}

func riskStateKey(date string) string {
	return fmt.Sprintf("%s:%s", riskStateKeyPrefix, date)
}

// Save writes the day snapshot. Redis failures degrade to the cache
// without surfacing an error; the ledger in memory stays the source
// of truth for the running process.
func (s *RedisRiskStateStore) Save(snap risk.Snapshot) error {
	s.cacheMu.Lock()
	s.inMemoryCache[snap.Date] = snap
	s.cacheMu.Unlock()

	if s.client == nil || !s.redisAvailable.Load() {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal risk snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := s.client.Set(ctx, riskStateKey(snap.Date), data, riskStateTTL).Err(); err != nil {
		log.Printf("[REDIS-RISK] Failed to save to Redis: %v, using in-memory cache", err)
		s.redisAvailable.Store(false)
	}
	return nil
}

// Load restores the snapshot for a date. Returns nil when the date has
// no recorded state.
func (s *RedisRiskStateStore) Load(date string) (*risk.Snapshot, error) {
	if s.client != nil && s.redisAvailable.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()
		data, err := s.client.Get(ctx, riskStateKey(date)).Bytes()
		switch {
		case err == redis.Nil:
			return nil, nil
		case err != nil:
			log.Printf("[REDIS-RISK] Failed to load from Redis: %v, trying in-memory cache", err)
			s.redisAvailable.Store(false)
		default:
			var snap risk.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return nil, fmt.Errorf("failed to unmarshal risk snapshot: %w", err)
			}
			return &snap, nil
		}
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if snap, ok := s.inMemoryCache[date]; ok {
		cp := snap
		return &cp, nil
	}
	return nil, nil
}
