package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	SSL      bool

	// DialTimeout bounds the initial connection attempt. Zero means the
	// go-redis default (5s).
	DialTimeout time.Duration
}

// Addr returns the host:port address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisBroker implements Broker on a Redis server.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker connects to Redis and verifies the connection with a ping.
func NewRedisBroker(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	opts := &redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.SSL {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisBroker{rdb: rdb}, nil
}

// Get implements Broker.
func (b *RedisBroker) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return val, true, nil
}

// Set implements Broker.
func (b *RedisBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0 // go-redis treats 0 as no expiry
	}
	if err := b.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// SetNX implements Broker.
func (b *RedisBroker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 0
	}
	ok, err := b.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return ok, nil
}

// Delete implements Broker.
func (b *RedisBroker) Delete(ctx context.Context, key string) error {
	if err := b.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}

// Expire implements Broker.
func (b *RedisBroker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := b.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis EXPIRE %s: %w", key, err)
	}
	return nil
}

// Keys implements Broker. Uses SCAN rather than KEYS to avoid blocking the
// server on large keyspaces.
func (b *RedisBroker) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := b.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN %s: %w", pattern, err)
	}
	return keys, nil
}

// RPush implements Broker.
func (b *RedisBroker) RPush(ctx context.Context, key string, value string) (int64, error) {
	n, err := b.rdb.RPush(ctx, key, value).Result()
	if err != nil {
		return 0, fmt.Errorf("redis RPUSH %s: %w", key, err)
	}
	return n, nil
}

// LPop implements Broker.
func (b *RedisBroker) LPop(ctx context.Context, key string) (string, bool, error) {
	val, err := b.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis LPOP %s: %w", key, err)
	}
	return val, true, nil
}

// LRange implements Broker.
func (b *RedisBroker) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := b.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE %s: %w", key, err)
	}
	return vals, nil
}

// LLen implements Broker.
func (b *RedisBroker) LLen(ctx context.Context, key string) (int64, error) {
	n, err := b.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis LLEN %s: %w", key, err)
	}
	return n, nil
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, channel, payload string) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Broker. The returned subscription's channel is fed by
// a goroutine draining the go-redis PubSub; Close tears both down.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so messages published after
	// Subscribe returns are guaranteed to be delivered.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis SUBSCRIBE %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:  ps,
		out: make(chan Message, 64),
	}
	go sub.drain()
	return sub, nil
}

// Close implements Broker.
func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *redisSubscription) C() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}

func (s *redisSubscription) drain() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- Message{Channel: msg.Channel, Payload: msg.Payload}
	}
}
