package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/proxy-rotator/internal/types"
	"github.com/redis/go-redis/v9"
)

const (
	redisReportKey = "proxyrotator:status"
	redisProxyKey  = "proxyrotator:proxies" // hash: proxy URL -> "working" | "blacklisted" | "down"
)

// RedisStorage publishes the latest report under one key and a per-proxy
// state hash so other processes can look up a single proxy cheaply.
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(addr string) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

func proxyState(p types.Proxy) string {
	switch {
	case p.Blacklisted:
		return "blacklisted"
	case p.Working:
		return "working"
	default:
		return "down"
	}
}

func (r *RedisStorage) Save(snapshot *types.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	states := make(map[string]interface{}, len(snapshot.Proxies))
	for _, p := range snapshot.Proxies {
		states[p.URL] = proxyState(p)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisReportKey, data, 0)
		pipe.Del(ctx, redisProxyKey)
		if len(states) > 0 {
			pipe.HSet(ctx, redisProxyKey, states)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}

func (r *RedisStorage) Load() (*types.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := r.client.Get(ctx, redisReportKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return &snap, nil
}

// ProxyState returns the last reported state of one proxy URL.
func (r *RedisStorage) ProxyState(ctx context.Context, proxyURL string) (string, error) {
	state, err := r.client.HGet(ctx, redisProxyKey, proxyURL).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return state, err
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
