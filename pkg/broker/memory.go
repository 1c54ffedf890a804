package broker

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker for tests and single-node local runs.
// TTLs are enforced lazily on access, so an expired key is indistinguishable
// from an absent one (matching Redis observable behavior).
type MemoryBroker struct {
	mu     sync.Mutex
	kv     map[string]memoryEntry
	lists  map[string]*memoryList
	subs   map[string]map[*memorySubscription]bool
	closed bool
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memoryList struct {
	items     []string
	expiresAt time.Time
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		kv:    make(map[string]memoryEntry),
		lists: make(map[string]*memoryList),
		subs:  make(map[string]map[*memorySubscription]bool),
	}
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (l *memoryList) expired(now time.Time) bool {
	return !l.expiresAt.IsZero() && now.After(l.expiresAt)
}

// Get implements Broker.
func (b *MemoryBroker) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", false, ErrClosed
	}
	entry, ok := b.kv[key]
	if !ok || entry.expired(time.Now()) {
		delete(b.kv, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set implements Broker.
func (b *MemoryBroker) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.kv[key] = memoryEntry{value: value, expiresAt: deadline(ttl)}
	return nil
}

// SetNX implements Broker.
func (b *MemoryBroker) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, ErrClosed
	}
	if entry, ok := b.kv[key]; ok && !entry.expired(time.Now()) {
		return false, nil
	}
	b.kv[key] = memoryEntry{value: value, expiresAt: deadline(ttl)}
	return true, nil
}

// Delete implements Broker.
func (b *MemoryBroker) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	delete(b.kv, key)
	delete(b.lists, key)
	return nil
}

// Expire implements Broker.
func (b *MemoryBroker) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if entry, ok := b.kv[key]; ok {
		entry.expiresAt = deadline(ttl)
		b.kv[key] = entry
	}
	if list, ok := b.lists[key]; ok {
		list.expiresAt = deadline(ttl)
	}
	return nil
}

// Keys implements Broker using path.Match glob semantics (sufficient for the
// "prefix:*" patterns the runtime uses).
func (b *MemoryBroker) Keys(_ context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	now := time.Now()
	var keys []string
	for k, entry := range b.kv {
		if entry.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k, list := range b.lists {
		if list.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// RPush implements Broker.
func (b *MemoryBroker) RPush(_ context.Context, key string, value string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	list := b.liveList(key)
	list.items = append(list.items, value)
	return int64(len(list.items)), nil
}

// LPop implements Broker.
func (b *MemoryBroker) LPop(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", false, ErrClosed
	}
	list := b.liveList(key)
	if len(list.items) == 0 {
		return "", false, nil
	}
	head := list.items[0]
	list.items = list.items[1:]
	return head, true, nil
}

// LRange implements Broker with Redis index semantics.
func (b *MemoryBroker) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	items := b.liveList(key).items
	n := int64(len(items))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, items[start:stop+1])
	return out, nil
}

// LLen implements Broker.
func (b *MemoryBroker) LLen(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return int64(len(b.liveList(key).items)), nil
}

// Publish implements Broker. Delivery is best-effort per subscriber: a
// subscriber whose buffer is full drops the message, matching Redis pub/sub
// (which never buffers for slow consumers). Runtime subscribers tolerate this
// because the event list is the source of truth.
func (b *MemoryBroker) Publish(_ context.Context, channel, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[channel] {
		select {
		case sub.out <- Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		broker:  b,
		channel: channel,
		out:     make(chan Message, 256),
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]bool)
	}
	b.subs[channel][sub] = true
	return sub, nil
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			close(sub.out)
			sub.closed = true
		}
	}
	b.subs = map[string]map[*memorySubscription]bool{}
	return nil
}

// liveList returns the list at key, dropping it first if its TTL expired.
// Caller holds b.mu.
func (b *MemoryBroker) liveList(key string) *memoryList {
	list, ok := b.lists[key]
	if ok && list.expired(time.Now()) {
		delete(b.lists, key)
		ok = false
	}
	if !ok {
		list = &memoryList{}
		b.lists[key] = list
	}
	return list
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	out     chan Message
	closed  bool
}

func (s *memorySubscription) C() <-chan Message { return s.out }

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.broker.subs[s.channel], s)
	close(s.out)
	return nil
}
