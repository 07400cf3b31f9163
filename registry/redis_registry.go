package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRegistry keeps each instance as a string key with an expiry:
//
//	Key:   sockrpc:{service}:{id}
//	Value: JSON-encoded Instance
//
// A background refresher re-arms the expiry at a third of the TTL. Redis has
// no prefix watch, so Watch polls.
type RedisRegistry struct {
	client       *redis.Client
	logger       *zap.Logger
	pollInterval time.Duration

	mu         sync.Mutex
	refreshers map[string]context.CancelFunc // key → stop refresher
}

// NewRedisRegistry connects to addr and verifies the connection with PING.
func NewRedisRegistry(addr string, logger *zap.Logger) (*RedisRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRegistry{
		client:       rdb,
		logger:       logger,
		pollInterval: time.Second,
		refreshers:   make(map[string]context.CancelFunc),
	}, nil
}

func redisKey(service, id string) string {
	return fmt.Sprintf("sockrpc:%s:%s", service, id)
}

func (r *RedisRegistry) Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error {
	ttl = ttlOrDefault(ttl)
	key := redisKey(service, inst.ID)
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if old, ok := r.refreshers[key]; ok {
		old()
	}
	r.refreshers[key] = cancel
	r.mu.Unlock()

	go r.refresh(refreshCtx, key, val, ttl)
	return nil
}

// refresh rewrites the key periodically so it survives as long as the hub does.
func (r *RedisRegistry) refresh(ctx context.Context, key string, val []byte, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.client.Set(ctx, key, val, ttl).Err(); err != nil && ctx.Err() == nil {
				r.logger.Warn("refresh registration failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
}

func (r *RedisRegistry) Deregister(ctx context.Context, service, id string) error {
	key := redisKey(service, id)
	r.mu.Lock()
	if cancel, ok := r.refreshers[key]; ok {
		cancel()
		delete(r.refreshers, key)
	}
	r.mu.Unlock()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Discover SCANs the service's keys in batches and loads them with MGET.
func (r *RedisRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	pattern := redisKey(service, "*")
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}

	instances := make([]Instance, 0, len(keys))
	if len(keys) == 0 {
		return instances, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var inst Instance
		if err := json.Unmarshal([]byte(s), &inst); err != nil {
			r.logger.Warn("skipping malformed instance", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

// Watch polls Discover and emits when the list differs from the last one sent.
func (r *RedisRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()

		var last []Instance
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			instances, err := r.Discover(ctx, service)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("watch poll failed", zap.String("service", service), zap.Error(err))
				}
				continue
			}
			if last != nil && reflect.DeepEqual(last, instances) {
				continue
			}
			last = instances
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *RedisRegistry) Close() error {
	r.mu.Lock()
	for key, cancel := range r.refreshers {
		cancel()
		delete(r.refreshers, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
