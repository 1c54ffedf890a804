// Package broker provides the key-value / pub-sub / list-append capability
// layer the runtime coordinates through. The production implementation maps
// onto Redis; an in-memory implementation backs tests. Everything above this
// package programs only against the Broker interface.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription on one channel.
// Messages published after Subscribe returns are delivered on C; messages
// published earlier are not (callers catch up by reading the list — see
// pkg/runstream). Close releases the subscription and closes C.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Broker is the coordination surface shared by schedulers, workers, and
// stream subscribers.
//
// Contract:
//   - SetNX is linearizable on a single key.
//   - RPush preserves arrival order per key.
//   - Publish delivers at-least-once to currently-subscribed consumers and
//     never blocks on the absence of subscribers.
//   - LPop is atomic: no two consumers receive the same element.
type Broker interface {
	// Get returns the value for key, or ("", false, nil) if absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent. Returns true if the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Expire refreshes the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Keys returns keys matching a glob-style pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// RPush appends a value to the list stored at key and returns the new length.
	RPush(ctx context.Context, key string, value string) (int64, error)
	// LPop removes and returns the first element of the list, or ("", false, nil)
	// if the list is empty or absent.
	LPop(ctx context.Context, key string) (string, bool, error)
	// LRange returns elements [start, stop] (inclusive, negative indices count
	// from the end, Redis semantics).
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LLen returns the length of the list at key.
	LLen(ctx context.Context, key string) (int64, error)

	// Publish sends payload to all current subscribers of channel.
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe opens a subscription on channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases all resources. Subsequent operations return ErrClosed.
	Close() error
}
