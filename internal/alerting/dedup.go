package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/meshwarden/meshwarden/internal/logger"
)

// DedupStore suppresses repeated alert occurrences inside a sliding window.
// Suppression is best effort: a store error never blocks intake.
type DedupStore interface {
	// Seen marks key as observed and reports whether it was already
	// present inside the window.
	Seen(ctx context.Context, key string) (bool, error)
	Close() error
}

// memoryDedup keeps the window in process memory. State is lost on
// restart, which widens the window to at most one duplicate per key.
type memoryDedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	window  time.Duration
	janitor *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// NewMemoryDedup creates an in-process dedup window.
func NewMemoryDedup(window time.Duration) DedupStore {
	d := &memoryDedup{
		seen:    make(map[string]time.Time),
		window:  window,
		janitor: time.NewTicker(window),
		done:    make(chan struct{}),
	}
	go d.sweep()
	return d
}

func (d *memoryDedup) Seen(_ context.Context, key string) (bool, error) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[key]; ok && now.Sub(at) < d.window {
		return true, nil
	}
	d.seen[key] = now
	return false, nil
}

func (d *memoryDedup) sweep() {
	for {
		select {
		case <-d.janitor.C:
			cutoff := time.Now().Add(-d.window)
			d.mu.Lock()
			for key, at := range d.seen {
				if at.Before(cutoff) {
					delete(d.seen, key)
				}
			}
			d.mu.Unlock()
		case <-d.done:
			return
		}
	}
}

func (d *memoryDedup) Close() error {
	d.once.Do(func() {
		d.janitor.Stop()
		close(d.done)
	})
	return nil
}

// redisDedup shares the window across replicas and survives restarts.
type redisDedup struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
	log    logger.Logger
}

// RedisDedupConfig configures the Redis-backed window.
type RedisDedupConfig struct {
	Addr     string
	Password string
	DB       int
	Window   time.Duration
}

// NewRedisDedup creates a Redis-backed dedup window. The connection is
// verified up front so a misconfigured address fails at startup.
func NewRedisDedup(cfg RedisDedupConfig) (DedupStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		DialTimeout:  3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &redisDedup{
		client: client,
		prefix: "meshwarden:alert:dedup:",
		window: cfg.Window,
		log:    logger.New("alert-dedup"),
	}, nil
}

func (d *redisDedup) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, d.window).Result()
	if err != nil {
		// Fail open: a flaky window store must not reject live alerts.
		d.log.Warn("dedup store error, admitting alert",
			logger.String("key", key),
			logger.Error(err),
		)
		return false, err
	}
	// SetNX succeeds only when the key was absent.
	return !ok, nil
}

func (d *redisDedup) Close() error {
	return d.client.Close()
}
