// Package broker defines the queue broker port: a semantic contract over
// ordered queues, priority queues, TTL locks, and pub/sub, not a specific
// product. It holds only transient routing data; the state store remains
// authoritative, and queues can be rebuilt from it after broker loss.
package broker

import (
	"context"
	"time"
)

// Descriptor is the payload shape pushed onto a priority queue or ordered
// queue. Callers marshal their own domain payload (group.Descriptor, a work
// item, a cancel notice) to JSON before calling Add/Push.
type Descriptor = []byte

// Message is a pub/sub payload delivered to a Subscriber callback.
type Message struct {
	Channel string
	Payload []byte
}

// Subscriber receives messages published to a subscribed channel. Delivery
// is at-most-once to currently subscribed callbacks.
type Subscriber func(ctx context.Context, msg Message)

// Broker is the full queue/lock/pubsub surface the Scheduler, Dispatcher,
// and Lifecycle Monitor depend on.
type Broker interface {
	// Ordered list queues (FIFO), used for per-agent work/cancel delivery.
	Push(ctx context.Context, queue string, payload []byte) error
	Pop(ctx context.Context, queue string) ([]byte, error)
	BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)

	// Priority queues (score-ordered sets), used for groups:scheduling.
	Add(ctx context.Context, set string, member []byte, score float64) error
	PopMax(ctx context.Context, set string) ([]byte, float64, error)
	Length(ctx context.Context, set string) (int64, error)

	// TTL values with set-if-absent, used for group:{K} and agent locks.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error

	// Pub/sub, used for job:status:updated, job:completed, agent:{id}:cancel.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, fn Subscriber) (unsubscribe func(), err error)

	// Close releases the underlying connection.
	Close() error
}

// Lock is a short-lived mutual-exclusion lease acquired via SetNX, used to
// serialize per-agent assignment and group coinage.
type Lock struct {
	broker Broker
	key    string
	value  []byte
}

// AcquireLock attempts to take a named lock for ttl. ok is false if another
// holder currently has it.
func AcquireLock(ctx context.Context, b Broker, key string, token []byte, ttl time.Duration) (*Lock, bool, error) {
	ok, err := b.SetNX(ctx, lockKey(key), token, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lock{broker: b, key: key, value: token}, true, nil
}

// Release deletes the lock. It is not guaranteed to be safe against holding
// past the TTL; callers must keep lock-guarded work well under ttl.
func (l *Lock) Release(ctx context.Context) error {
	return l.broker.Delete(ctx, lockKey(l.key))
}

func lockKey(key string) string { return "lock:" + key }
