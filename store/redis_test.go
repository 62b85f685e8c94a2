package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestRedis_WriteReadPublish(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	s := NewRedis(rdb, "tk", nil)

	assert.Nil(t, s.Read(ctx))

	sub := rdb.Subscribe(ctx, s.UpdatesChannel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	rec := newTestRecord(t, "acme", time.Now().Add(time.Hour))
	require.NoError(t, s.Write(ctx, rec))

	got := s.Read(ctx)
	require.NotNil(t, got)
	assert.Equal(t, rec.Token, got.Token)
	assert.Equal(t, "acme", got.Tenant)

	msgCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(msgCtx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, rec.Token)
}

func TestRedis_ReadCorrupt(t *testing.T) {
	mr, rdb := newTestRedis(t)
	require.NoError(t, mr.Set("tk:record", "garbage"))

	core, logs := observer.New(zapcore.WarnLevel)
	s := NewRedis(rdb, "tk", zap.New(core))

	assert.Nil(t, s.Read(context.Background()))
	assert.Equal(t, 1, logs.Len())
}

func TestRedis_WriteFailureIsStoreError(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedis(rdb, "tk", nil)
	mr.Close()

	err := s.Write(context.Background(), newTestRecord(t, "acme", time.Now().Add(time.Hour)))
	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "write", storeErr.Op)
}

func TestRedis_SessionState(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	s := NewRedis(rdb, "tk", nil)

	assert.Nil(t, s.ReadSessionState(ctx))
	require.NoError(t, s.WriteSessionState(ctx, []byte(`{"cookies":[]}`)))
	assert.JSONEq(t, `{"cookies":[]}`, string(s.ReadSessionState(ctx)))
	assert.Error(t, s.WriteSessionState(ctx, []byte("{")))
}

func TestRedisLocker(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	a := NewRedisLocker(rdb, "tk:lock", time.Minute)
	b := NewRedisLocker(rdb, "tk:lock", time.Minute)

	unlockA, err := a.Lock(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = b.Lock(waitCtx)
	require.Error(t, err, "second holder must wait")

	require.NoError(t, unlockA())
	assert.False(t, mr.Exists("tk:lock"))

	unlockB, err := b.Lock(ctx)
	require.NoError(t, err)
	defer unlockB()
}

func TestRedisLocker_ExpiredLockIsNotReleasedByOldOwner(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	a := NewRedisLocker(rdb, "tk:lock", time.Second)
	b := NewRedisLocker(rdb, "tk:lock", time.Minute)

	unlockA, err := a.Lock(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	unlockB, err := b.Lock(ctx)
	require.NoError(t, err)

	require.NoError(t, unlockA())
	assert.True(t, mr.Exists("tk:lock"), "stale owner must not delete the new owner's lock")

	require.NoError(t, unlockB())
	assert.False(t, mr.Exists("tk:lock"))
}
