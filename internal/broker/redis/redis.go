// Package redis implements the broker.Broker port over Redis: lists for
// FIFO work queues, sorted sets for the priority scheduling queue, SET NX
// for locks, and Redis Pub/Sub for cancel and completion notices.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"testforge/internal/broker"
	"testforge/internal/shared/logging"
)

// Store adapts a *redis.Client to broker.Broker.
type Store struct {
	client *redis.Client
	logger logging.Logger
}

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New dials Redis and returns a Store. It does not block on connectivity;
// callers should Ping during bootstrap if they want a fail-fast check.
func New(cfg Config) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{client: client, logger: logging.NewComponentLogger("RedisBroker")}
}

// NewFromClient wraps an already-constructed client, used by tests against
// alicebob/miniredis.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client, logger: logging.NewComponentLogger("RedisBroker")}
}

// Ping verifies connectivity, used as a required bootstrap stage.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("broker not initialized")
	}
	return s.client.Ping(ctx).Err()
}

func (s *Store) Push(ctx context.Context, queue string, payload []byte) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("broker not initialized")
	}
	return s.client.LPush(ctx, queue, payload).Err()
}

func (s *Store) Pop(ctx context.Context, queue string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("broker not initialized")
	}
	v, err := s.client.RPop(ctx, queue).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, err
}

func (s *Store) BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("broker not initialized")
	}
	res, err := s.client.BRPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

func (s *Store) Add(ctx context.Context, set string, member []byte, score float64) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("broker not initialized")
	}
	return s.client.ZAdd(ctx, set, redis.Z{Score: score, Member: string(member)}).Err()
}

// PopMax atomically pops the highest-score member from a sorted set.
func (s *Store) PopMax(ctx context.Context, set string) ([]byte, float64, error) {
	if s == nil || s.client == nil {
		return nil, 0, fmt.Errorf("broker not initialized")
	}
	res, err := s.client.ZPopMax(ctx, set, 1).Result()
	if err != nil {
		return nil, 0, err
	}
	if len(res) == 0 {
		return nil, 0, nil
	}
	member, _ := res[0].Member.(string)
	return []byte(member), res[0].Score, nil
}

func (s *Store) Length(ctx context.Context, set string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("broker not initialized")
	}
	return s.client.ZCard(ctx, set).Result()
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("broker not initialized")
	}
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, fmt.Errorf("broker not initialized")
	}
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("broker not initialized")
	}
	return s.client.Del(ctx, key).Err()
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("broker not initialized")
	}
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe starts a background goroutine delivering messages on channel to
// fn until unsubscribe is called or ctx is cancelled. Delivery is
// at-most-once to currently subscribed callbacks.
func (s *Store) Subscribe(ctx context.Context, channel string, fn broker.Subscriber) (func(), error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("broker not initialized")
	}
	sub := s.client.Subscribe(ctx, channel)
	ch := sub.Channel()

	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("subscriber panic on channel %s: %v", channel, r)
			}
		}()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(ctx, broker.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)})
			}
		}
	}()

	unsubscribe := func() {
		close(done)
		if err := sub.Close(); err != nil {
			s.logger.Warn("subscribe close on channel %s: %v", channel, err)
		}
	}
	return unsubscribe, nil
}

func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ broker.Broker = (*Store)(nil)
