package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bearerworks/go-session-service/sessions"
	"github.com/bearerworks/go-session-service/sessions/redisstore"
	"github.com/bearerworks/go-session-service/token"
	"github.com/bearerworks/go-session-service/users"
	"github.com/bearerworks/go-session-service/users/dirfake"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type redisFixture struct {
	now   time.Time
	store *redisstore.Store
}

func setupRedisFixture(t *testing.T) *redisFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &redisFixture{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store, err := redisstore.New(client, redisstore.WithNowFunc(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.store = store
	return f
}

func testSession(id, userID, accessHash, refreshHash string, now time.Time) sessions.Session {
	return sessions.Session{
		ID:                    id,
		UserID:                userID,
		AccessTokenHash:       accessHash,
		RefreshTokenHash:      refreshHash,
		AccessTokenExpiresAt:  now.Add(15 * time.Minute),
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestInsertAndFindByHashes(t *testing.T) {
	f := setupRedisFixture(t)
	ctx := context.Background()

	record := testSession("sess-1", "user-1", "at-hash-1", "rt-hash-1", f.now)
	require.NoError(t, f.store.Update(ctx, func(tx sessions.Tx) error {
		return tx.Insert(record)
	}))

	found, err := f.store.FindOne(ctx, sessions.Filter{RefreshTokenHash: "rt-hash-1"})
	require.NoError(t, err)
	require.Equal(t, record.ID, found.ID)
	require.Equal(t, record.UserID, found.UserID)

	found, err = f.store.FindOne(ctx, sessions.Filter{AccessTokenHash: "at-hash-1", UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, record.ID, found.ID)

	_, err = f.store.FindOne(ctx, sessions.Filter{AccessTokenHash: "at-hash-1", UserID: "someone-else"})
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)
}

func TestDeleteByUser(t *testing.T) {
	f := setupRedisFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Update(ctx, func(tx sessions.Tx) error {
		if err := tx.Insert(testSession("sess-1", "user-1", "at-1", "rt-1", f.now)); err != nil {
			return err
		}
		if err := tx.Insert(testSession("sess-2", "user-1", "at-2", "rt-2", f.now)); err != nil {
			return err
		}
		return tx.Insert(testSession("sess-3", "user-2", "at-3", "rt-3", f.now))
	}))

	require.NoError(t, f.store.Update(ctx, func(tx sessions.Tx) error {
		return tx.Delete(sessions.Filter{UserID: "user-1"})
	}))

	_, err := f.store.FindOne(ctx, sessions.Filter{UserID: "user-1"})
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)

	found, err := f.store.FindOne(ctx, sessions.Filter{UserID: "user-2"})
	require.NoError(t, err)
	require.Equal(t, "sess-3", found.ID)
}

func TestFailedUnitWritesNothing(t *testing.T) {
	f := setupRedisFixture(t)
	ctx := context.Background()

	err := f.store.Update(ctx, func(tx sessions.Tx) error {
		if err := tx.Insert(testSession("sess-1", "user-1", "at-1", "rt-1", f.now)); err != nil {
			return err
		}
		return sessions.ErrSessionNotFound
	})
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)

	_, err = f.store.FindOne(ctx, sessions.Filter{UserID: "user-1"})
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)
}

func TestExpirySweep(t *testing.T) {
	f := setupRedisFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Update(ctx, func(tx sessions.Tx) error {
		return tx.Insert(testSession("sess-1", "user-1", "at-1", "rt-1", f.now))
	}))

	f.now = f.now.Add(25 * time.Hour)
	require.NoError(t, f.store.Update(ctx, func(tx sessions.Tx) error {
		return tx.Delete(sessions.Filter{RefreshExpiredBefore: f.now})
	}))

	_, err := f.store.FindOne(ctx, sessions.Filter{RefreshTokenHash: "rt-1"})
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)
}

// The manager's full lifecycle runs unchanged against the Redis store.
func TestManagerLifecycleOnRedis(t *testing.T) {
	f := setupRedisFixture(t)
	ctx := context.Background()
	nowFunc := func() time.Time { return f.now }

	dir := dirfake.NewFakeDirectory()
	dir.AddUser(&users.User{ID: "user-42", SecurityStamp: "stamp-1"}, "password123")
	dir.SetRoles("user-42", users.RoleMember)

	codec, err := token.NewCodec(token.NewHMACSigner("1234"), "com.testissuer", "api", token.WithNowFunc(nowFunc))
	require.NoError(t, err)

	manager, err := sessions.NewManager(f.store, dir, codec, sessions.Policy{
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}, sessions.WithNowFunc(nowFunc))
	require.NoError(t, err)

	user, err := dir.GetByID("user-42")
	require.NoError(t, err)

	pair1, err := manager.Issue(ctx, user)
	require.NoError(t, err)

	ok, err := manager.ValidateAccess(ctx, "user-42", pair1.AccessToken)
	require.NoError(t, err)
	require.True(t, ok)

	pair2, err := manager.Refresh(ctx, pair1.RefreshToken)
	require.NoError(t, err)

	_, err = manager.Refresh(ctx, pair1.RefreshToken)
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)

	require.NoError(t, manager.Revoke(ctx, user, pair2.RefreshToken))
	_, err = manager.Refresh(ctx, pair2.RefreshToken)
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)
}
