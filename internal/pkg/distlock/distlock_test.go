package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisLock_ExclusiveUntilReleased(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "dispatch-tick", time.Minute)
	b := NewRedisLock(client, "dispatch-tick", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	// b does not own the lock, so its release is a no-op.
	require.NoError(t, b.Release(ctx))
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiresAfterTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "k", 10*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(KeyPrefix+"k"))

	mr.FastForward(11 * time.Second)
	assert.ErrorIs(t, a.Extend(ctx, time.Minute), ErrNotOwner)

	b := NewRedisLock(client, "k", 10*time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_Extend(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	l := NewRedisLock(client, "k", 5*time.Second)
	_, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, l.Extend(ctx, time.Minute))
	assert.Greater(t, mr.TTL(l.Key()), 30*time.Second)
}

func TestDo_SkipsWhenHeld(t *testing.T) {
	lock := &LocalLock{}
	ctx := context.Background()
	ok, _ := lock.Acquire(ctx)
	require.True(t, ok)

	called := false
	ran, err := Do(ctx, lock, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.False(t, called)
}

func TestDo_ReleasesAfterError(t *testing.T) {
	lock := &LocalLock{}
	boom := errors.New("boom")

	ran, err := Do(context.Background(), lock, func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	ok, _ := lock.Acquire(context.Background())
	assert.True(t, ok, "lock must be released after fn returns")
}

func TestDo_RenewsRedisLockWhileRunning(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedisLock(client, "tick", 60*time.Millisecond)

	ran, err := Do(context.Background(), l, func(ctx context.Context) error {
		mr.FastForward(50 * time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		assert.Greater(t, mr.TTL(l.Key()), 10*time.Millisecond, "lock must be extended while fn runs")
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists(l.Key()))
}

func TestDo_CancelsWhenRenewalFails(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedisLock(client, "tick", 60*time.Millisecond)

	ran, err := Do(context.Background(), l, func(ctx context.Context) error {
		mr.Del(l.Key())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "dispatch-tick")

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx), "second release is a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLock_NotAcquired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "dispatch-tick")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewLock_Backends(t *testing.T) {
	_, client := setupTestRedis(t)
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	assert.IsType(t, &RedisLock{}, NewLock(client, db, "k", time.Second))
	assert.IsType(t, &PGAdvisoryLock{}, NewLock(nil, db, "k", time.Second))
	assert.IsType(t, &LocalLock{}, NewLock(nil, nil, "k", time.Second))
}
