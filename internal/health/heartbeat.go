// Package health publishes advisory device worker heartbeats to redis. Claim
// correctness never depends on them; stale claims are recovered by the lease
// sweep in the message store.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"whatsapp-dispatch/internal/config"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dispatch:heartbeat:"

type Heartbeat struct {
	WorkerID     string    `json:"worker_id"`
	DeviceID     string    `json:"device_id"`
	Status       string    `json:"status"`
	Processed    int64     `json:"processed"`
	Failed       int64     `json:"failed"`
	LastActivity time.Time `json:"last_activity"`
}

// Worker statuses reported in heartbeats.
const (
	StatusIdle    = "idle"
	StatusSending = "sending"
	StatusCapped  = "capped"
	StatusOffline = "offline"
	StatusStopped = "stopped"
)

type Recorder interface {
	Beat(ctx context.Context, hb Heartbeat) error
	List(ctx context.Context) ([]Heartbeat, error)
	Close() error
}

// NewRecorder returns a redis backed recorder, or a no-op one when no redis
// address is configured.
func NewRecorder(cfg *config.Config) (Recorder, error) {
	if cfg.Redis.Address == "" {
		return NopRecorder{}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisRecorder(rdb, TTL(cfg.Dispatch)), nil
}

// TTL keeps a worker listed across its longest quiet stretch: an idle poll
// or a single pre-send wait, which the worker bounds by half the lease.
func TTL(d config.DispatchConfig) time.Duration {
	return 3 * max(d.PollInterval, d.MaxDelay, d.LeaseTimeout/2)
}

type RedisRecorder struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRecorder(client *redis.Client, ttl time.Duration) *RedisRecorder {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisRecorder{client: client, ttl: ttl}
}

func (r *RedisRecorder) Beat(ctx context.Context, hb Heartbeat) error {
	payload, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, keyPrefix+hb.WorkerID, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("write heartbeat for %s: %w", hb.WorkerID, err)
	}
	return nil
}

// List returns live heartbeats ordered by device and worker id. Expired workers simply
// drop out.
func (r *RedisRecorder) List(ctx context.Context) ([]Heartbeat, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan heartbeats: %w", err)
	}
	if len(keys) == 0 {
		return []Heartbeat{}, nil
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read heartbeats: %w", err)
	}
	out := make([]Heartbeat, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var hb Heartbeat
		if err := json.Unmarshal([]byte(s), &hb); err != nil {
			continue
		}
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	return out, nil
}

func (r *RedisRecorder) Close() error {
	return r.client.Close()
}

type NopRecorder struct{}

func (NopRecorder) Beat(context.Context, Heartbeat) error { return nil }

func (NopRecorder) List(context.Context) ([]Heartbeat, error) { return []Heartbeat{}, nil }

func (NopRecorder) Close() error { return nil }
