// Package redisc implements the networked shared cache tier on Redis.
// Keys are namespaced under a shared prefix so one backend can serve
// multiple tenants, and per-tag member sets support grouped invalidation.
package redisc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tiercache/internal/cache"
	"tiercache/internal/logging"
)

// Config holds Redis connection settings.
type Config struct {
	Addr         string        `json:"addr" yaml:"addr"`
	Password     string        `json:"-" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	Prefix       string        `json:"prefix" yaml:"prefix"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
}

// DefaultConfig returns the default Redis tier configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Prefix:       "tiercache",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// Store is the Tier2 provider. On a connection-level failure it drops its
// client handle and lazily reconnects on the next call instead of retrying
// synchronously.
type Store struct {
	cfg    Config
	logger logging.Logger

	mu     sync.Mutex
	client *redis.Client

	counters cache.Counters
}

var (
	_ cache.Provider       = (*Store)(nil)
	_ cache.TagInvalidator = (*Store)(nil)
)

// New creates the Redis tier. The connection is established lazily; an
// unreachable backend at construction time is not an error.
func New(cfg Config, logger logging.Logger) *Store {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Store{
		cfg:    cfg,
		logger: logger.WithComponent("cache.redis"),
	}
}

// Name implements Provider.
func (s *Store) Name() string { return "redis" }

func (s *Store) key(key string) string { return s.cfg.Prefix + ":" + key }
func (s *Store) tagKey(tag string) string { return s.cfg.Prefix + ":tag:" + tag }

// handle returns the current client, building one if the previous handle
// was dropped after a connection failure.
func (s *Store) handle() *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Addr,
			Password:     s.cfg.Password,
			DB:           s.cfg.DB,
			DialTimeout:  s.cfg.DialTimeout,
			ReadTimeout:  s.cfg.ReadTimeout,
			WriteTimeout: s.cfg.WriteTimeout,
			PoolSize:     s.cfg.PoolSize,
		})
	}
	return s.client
}

// dropHandle discards the client after a connection-class failure so the
// next call dials fresh.
func (s *Store) dropHandle(client *redis.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == client && s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
}

// connFailure records a backend failure and drops the handle unless the
// error was a caller-side cancellation.
func (s *Store) connFailure(op string, client *redis.Client, err error) {
	s.counters.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	s.logger.Warn("redis operation failed, dropping connection", "op", op, "error", err)
	s.dropHandle(client)
}

// Get implements Provider. Backend failures are absorbed as misses so the
// orchestrator falls through to the next tier.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, false, err
	}

	client := s.handle()
	val, err := client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.counters.Miss()
		return nil, false, nil
	}
	if err != nil {
		s.connFailure("get", client, err)
		s.counters.Miss()
		return nil, false, nil
	}

	s.counters.Hit()
	return val, true, nil
}

// Set implements Provider. The write TTL is derived from the options;
// entries with tags are added to the per-tag member sets in the same
// pipeline. Connection failures are swallowed and logged as a statistic.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts *cache.Options) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	if opts == nil {
		opts = cache.DefaultOptions()
	}

	client := s.handle()
	nsKey := s.key(key)
	pipe := client.Pipeline()
	pipe.Set(ctx, nsKey, value, opts.EffectiveTTL())
	for _, tag := range opts.Tags {
		pipe.SAdd(ctx, s.tagKey(tag), nsKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.connFailure("set", client, err)
		return nil
	}

	s.counters.Set()
	return nil
}

// Exists implements Provider.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := cache.ValidateKey(key); err != nil {
		return false, err
	}

	client := s.handle()
	n, err := client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		s.connFailure("exists", client, err)
		return false, nil
	}
	return n > 0, nil
}

// Remove implements Provider.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	client := s.handle()
	if err := client.Del(ctx, s.key(key)).Err(); err != nil {
		s.connFailure("remove", client, err)
		return nil
	}
	s.counters.Delete()
	return nil
}

// Clear implements Provider. The namespace is enumerated with SCAN and
// deleted in batches.
func (s *Store) Clear(ctx context.Context) error {
	client := s.handle()
	iter := client.Scan(ctx, 0, s.cfg.Prefix+":*", 500).Iterator()

	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := client.Del(ctx, batch...).Err(); err != nil {
				s.connFailure("clear", client, err)
				return nil
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		s.connFailure("clear", client, err)
		return nil
	}
	if len(batch) > 0 {
		if err := client.Del(ctx, batch...).Err(); err != nil {
			s.connFailure("clear", client, err)
		}
	}
	return nil
}

// GetMany implements Provider using MGET, updating hit/miss counters per
// key.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	nsKeys := make([]string, len(keys))
	for i, k := range keys {
		if err := cache.ValidateKey(k); err != nil {
			return out, err
		}
		nsKeys[i] = s.key(k)
	}

	client := s.handle()
	vals, err := client.MGet(ctx, nsKeys...).Result()
	if err != nil {
		s.connFailure("getmany", client, err)
		for range keys {
			s.counters.Miss()
		}
		return out, nil
	}

	for i, v := range vals {
		if v == nil {
			s.counters.Miss()
			continue
		}
		str, ok := v.(string)
		if !ok {
			s.counters.Miss()
			continue
		}
		out[keys[i]] = []byte(str)
		s.counters.Hit()
	}
	return out, nil
}

// SetMany implements Provider with a single pipeline.
func (s *Store) SetMany(ctx context.Context, entries map[string][]byte, opts *cache.Options) error {
	if len(entries) == 0 {
		return nil
	}
	if opts == nil {
		opts = cache.DefaultOptions()
	}

	client := s.handle()
	pipe := client.Pipeline()
	ttl := opts.EffectiveTTL()
	for key, value := range entries {
		if err := cache.ValidateKey(key); err != nil {
			return err
		}
		nsKey := s.key(key)
		pipe.Set(ctx, nsKey, value, ttl)
		for _, tag := range opts.Tags {
			pipe.SAdd(ctx, s.tagKey(tag), nsKey)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.connFailure("setmany", client, err)
		return nil
	}
	for range entries {
		s.counters.Set()
	}
	return nil
}

// InvalidateTag implements TagInvalidator. The read-members / delete-members
// / delete-set sequence is not atomic: a key tagged concurrently can slip
// through and leave a dangling set member.
func (s *Store) InvalidateTag(ctx context.Context, tag string) (int, error) {
	if tag == "" {
		return 0, cache.ErrInvalidKey
	}

	client := s.handle()
	tagKey := s.tagKey(tag)

	members, err := client.SMembers(ctx, tagKey).Result()
	if err != nil {
		s.connFailure("invalidate_tag", client, err)
		return 0, err
	}
	if len(members) > 0 {
		if err := client.Del(ctx, members...).Err(); err != nil {
			s.connFailure("invalidate_tag", client, err)
			return 0, err
		}
	}
	if err := client.Del(ctx, tagKey).Err(); err != nil {
		s.connFailure("invalidate_tag", client, err)
		return len(members), err
	}

	s.logger.Debug("tag invalidated", "tag", tag, "keys", len(members))
	return len(members), nil
}

// Stats implements Provider. An unreachable backend yields the counter
// snapshot with zeroed item fields rather than an error.
func (s *Store) Stats(ctx context.Context) cache.Statistics {
	stats := s.counters.Snapshot(s.Name())

	client := s.handle()
	iter := client.Scan(ctx, 0, s.cfg.Prefix+":*", 1000).Iterator()
	var items int64
	for iter.Next(ctx) {
		items++
	}
	if err := iter.Err(); err != nil {
		s.counters.Error()
		return stats
	}
	stats.Items = items
	return stats
}

// Ping implements Provider.
func (s *Store) Ping(ctx context.Context) error {
	client := s.handle()
	if err := client.Ping(ctx).Err(); err != nil {
		s.connFailure("ping", client, err)
		return err
	}
	return nil
}

// Close implements Provider.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}
