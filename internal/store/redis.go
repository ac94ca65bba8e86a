package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	logx "wxbot/pkg/logx"
)

const redisKeyPrefix = "wxbot:trigger:"

// redisStore keeps one key per trigger entry in a networked keyed store.
// Single-key SET/DEL keeps every mutation atomic without transactions.
type redisStore struct {
	rdb *redis.Client
	log logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := &redisStore{rdb: rdb, log: log}

	// Fail fast: running with zero triggers because the store is down is
	// worse than not starting.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("trigger store unreachable at %s: %w", addr, err)
	}
	return s, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) Put(ctx context.Context, e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, redisKeyPrefix+e.Key(), b, 0).Err()
}

func (s *redisStore) Delete(ctx context.Context, chatID string, hour int) (bool, error) {
	n, err := s.rdb.Del(ctx, redisKeyPrefix+Key(chatID, hour)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisStore) Exists(ctx context.Context, chatID string, hour int) (bool, error) {
	n, err := s.rdb.Exists(ctx, redisKeyPrefix+Key(chatID, hour)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisStore) List(ctx context.Context) ([]Entry, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Key vanished between SCAN and MGET; fine.
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.log.Warn("skipping corrupt trigger entry", logx.String("key", keys[i]), logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
