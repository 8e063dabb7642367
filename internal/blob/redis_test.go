package blob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/cutout/internal/logging"
)

type stubCache struct {
	values  map[string][]byte
	setErrs []error
	getErrs []error
	setTTLs []time.Duration
	deleted []string
	expired map[string]time.Duration
	expErr  error
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string][]byte{}, expired: map[string]time.Duration{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	s.setTTLs = append(s.setTTLs, expiration)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.values[key] = value
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) ([]byte, error) {
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	value, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *stubCache) Del(ctx context.Context, key string) error {
	s.deleted = append(s.deleted, key)
	delete(s.values, key)
	return nil
}

func (s *stubCache) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if s.expErr != nil {
		return s.expErr
	}
	s.expired[key] = expiration
	return nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newTestRedis(cache Cache) *Redis {
	store := NewRedis(cache, time.Hour, zap.NewNop())
	store.retry.initialBackoff = time.Millisecond
	store.retry.maxBackoff = 2 * time.Millisecond
	return store
}

func TestRedisRoundTripUsesTTL(t *testing.T) {
	cache := newStubCache()
	store := newTestRedis(cache)
	ctx := context.Background()

	obj, err := store.Put(ctx, []byte("data"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Hour}, cache.setTTLs)

	data, got, err := store.Get(ctx, obj.Ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
	assert.Equal(t, "image/png", got.ContentType)

	require.NoError(t, store.Release(ctx, obj.Ref))
	assert.Equal(t, []string{redisKeyPrefix + obj.Ref.ID()}, cache.deleted)
}

func TestRedisPutRetriesTransientErrors(t *testing.T) {
	cache := newStubCache()
	cache.setErrs = []error{transientRedisError{}, nil}
	store := newTestRedis(cache)

	_, err := store.Put(context.Background(), []byte("data"), "image/png")
	require.NoError(t, err)
	assert.Len(t, cache.setTTLs, 2)
}

func TestRedisGetMissingIsNotFound(t *testing.T) {
	store := newTestRedis(newStubCache())

	_, _, err := store.Get(context.Background(), NewRef())
	assert.ErrorIs(t, err, ErrNotFound)

	var opErr *logging.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "blob.redis.get", opErr.Operation)
}

func TestRedisPermanentErrorIsNotRetried(t *testing.T) {
	cache := newStubCache()
	cache.setErrs = []error{errors.New("WRONGTYPE"), nil}
	store := newTestRedis(cache)

	_, err := store.Put(context.Background(), []byte("data"), "image/png")
	require.Error(t, err)
	assert.Len(t, cache.setTTLs, 1)
}

func TestRedisGetRestartsTTL(t *testing.T) {
	cache := newStubCache()
	store := newTestRedis(cache)
	ctx := context.Background()

	obj, err := store.Put(ctx, []byte("data"), "image/png")
	require.NoError(t, err)
	assert.Empty(t, cache.expired)

	_, _, err = store.Get(ctx, obj.Ref)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cache.expired[redisKeyPrefix+obj.Ref.ID()])
}

func TestRedisGetSurvivesExpireFailure(t *testing.T) {
	cache := newStubCache()
	cache.expErr = errors.New("READONLY")
	store := newTestRedis(cache)
	ctx := context.Background()

	obj, err := store.Put(ctx, []byte("data"), "image/png")
	require.NoError(t, err)

	data, _, err := store.Get(ctx, obj.Ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
}
