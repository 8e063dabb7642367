package blob

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/die-net/lrucache"
)

// lruEntryOverhead is what lrucache charges per entry on top of key and value.
const lruEntryOverhead = 168

// EntryOverhead bounds what a store charges per blob beyond its data:
// bookkeeping, the 27 byte ksuid key and the largest entry header.
const EntryOverhead = lruEntryOverhead + 27 + 1 + 255 + 8

// ErrFull is returned by Memory.Put when accepting the blob would push out
// blobs that are still referenced.
var ErrFull = errors.New("blob store is full")

// Memory is a process-local store bounded by total bytes. Live blobs are
// never evicted to make room: a Put that does not fit fails with ErrFull.
// Entries not read or written for the TTL expire.
type Memory struct {
	cache    *lrucache.LruCache
	maxBytes int64
	clock    func() time.Time

	// serialises the capacity check with the insert
	mu sync.Mutex
}

var _ Store = (*Memory)(nil)

// NewMemory creates a store holding at most maxBytes, overhead included.
// A zero ttl never expires.
func NewMemory(maxBytes int64, ttl time.Duration) *Memory {
	return &Memory{
		cache:    lrucache.New(maxBytes, int64(ttl.Seconds())),
		maxBytes: maxBytes,
		clock:    time.Now,
	}
}

// Put stores a copy of data under a new ref.
func (m *Memory) Put(ctx context.Context, data []byte, contentType string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	now := m.clock().UTC()
	entry := packEntry(contentType, now, data)
	ref := NewRef()
	cost := entryCost(ref.ID(), entry)
	if cost > m.maxBytes {
		return Object{}, ErrTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache.Size()+cost > m.maxBytes {
		return Object{}, ErrFull
	}
	m.cache.Set(ref.ID(), entry)
	return Object{Ref: ref, ContentType: contentType, Size: int64(len(data)), CreatedAt: now}, nil
}

// Get returns the blob behind ref and restarts its TTL.
func (m *Memory) Get(ctx context.Context, ref Ref) ([]byte, Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, Object{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache.Get(ref.ID())
	if !ok {
		return nil, Object{}, ErrNotFound
	}
	if m.cache.MaxAge > 0 {
		// same value, so the size does not change and nothing is evicted
		m.cache.Set(ref.ID(), entry)
	}
	return unpackEntry(ref, entry)
}

// Release drops ref. Unknown refs are ignored.
func (m *Memory) Release(ctx context.Context, ref Ref) error {
	if ref.IsZero() {
		return nil
	}
	m.cache.Delete(ref.ID())
	return nil
}

// Size reports the bytes currently charged, overhead included.
func (m *Memory) Size() int64 {
	return m.cache.Size()
}

func entryCost(key string, entry []byte) int64 {
	return lruEntryOverhead + int64(len(key)) + int64(len(entry))
}
