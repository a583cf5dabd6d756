package lockstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory implements Store in process. It backs tests and single-node
// deployments that run without redis.
type Memory struct {
	mu       sync.Mutex
	nowFn    func() time.Time
	locks    map[string]memoryLock
	counters map[string]memoryCounter
	history  map[string]memoryHistory
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

type memoryHistory struct {
	entries   []Entry
	expiresAt time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nowFn:    time.Now,
		locks:    make(map[string]memoryLock),
		counters: make(map[string]memoryCounter),
		history:  make(map[string]memoryHistory),
	}
}

// WithClock overrides the clock; tests use it to force expiries.
func (store *Memory) WithClock(now func() time.Time) *Memory {
	store.nowFn = now
	return store
}

func (store *Memory) SetIfAbsent(ctx context.Context, key string, token string, ttl time.Duration) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	now := store.nowFn()
	if existing, ok := store.locks[key]; ok && existing.expiresAt.After(now) {
		return false, nil
	}
	store.locks[key] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (store *Memory) CompareAndDelete(ctx context.Context, key string, token string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	existing, ok := store.locks[key]
	if !ok || existing.token != token || !existing.expiresAt.After(store.nowFn()) {
		return false, nil
	}
	delete(store.locks, key)
	return true, nil
}

func (store *Memory) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	now := store.nowFn()
	counter := store.counters[key]
	if !counter.expiresAt.IsZero() && !counter.expiresAt.After(now) {
		counter = memoryCounter{}
	}
	counter.value++
	counter.expiresAt = now.Add(ttl)
	store.counters[key] = counter
	return counter.value, nil
}

func (store *Memory) Append(ctx context.Context, key string, sequence int64, payload []byte, ttl time.Duration, keep int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	now := store.nowFn()
	existing := store.history[key]
	if !existing.expiresAt.IsZero() && !existing.expiresAt.After(now) {
		existing.entries = nil
	}
	entries := append(existing.entries, Entry{Sequence: sequence, Payload: payload})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	if keep > 0 && int64(len(entries)) > keep {
		entries = entries[int64(len(entries))-keep:]
	}
	// Each append refreshes the key's lifetime, so only idle histories age out.
	store.history[key] = memoryHistory{entries: entries, expiresAt: now.Add(ttl)}
	return nil
}

func (store *Memory) RangeAfter(ctx context.Context, key string, after int64) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	existing, ok := store.history[key]
	if !ok {
		return nil, nil
	}
	if !existing.expiresAt.IsZero() && !existing.expiresAt.After(store.nowFn()) {
		delete(store.history, key)
		return nil, nil
	}
	var result []Entry
	for _, entry := range existing.entries {
		if entry.Sequence > after {
			result = append(result, Entry{Sequence: entry.Sequence, Payload: entry.Payload})
		}
	}
	return result, nil
}
