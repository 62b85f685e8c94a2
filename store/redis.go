package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/go-authgate/token-keeper/token"
)

// Redis keeps the record and session state under <prefix>:record and
// <prefix>:session, and publishes every committed record on <prefix>:updates.
type Redis struct {
	client redis.UniversalClient
	prefix string
	log    *zap.Logger
}

// NewRedis returns a Redis-backed store.
func NewRedis(client redis.UniversalClient, prefix string, log *zap.Logger) *Redis {
	if prefix == "" {
		prefix = "token-keeper"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, log: log.Named("store")}
}

func (r *Redis) recordKey() string  { return r.prefix + ":record" }
func (r *Redis) sessionKey() string { return r.prefix + ":session" }

// UpdatesChannel is the pub/sub channel carrying committed records.
func (r *Redis) UpdatesChannel() string { return r.prefix + ":updates" }

// Read returns the committed record, or nil.
func (r *Redis) Read(ctx context.Context) *token.Record {
	data, err := r.client.Get(ctx, r.recordKey()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("token record unreadable", zap.String("key", r.recordKey()), zap.Error(err))
		}
		return nil
	}

	rec, err := decodeRecord(data)
	if err != nil {
		r.log.Warn("token record corrupt, ignoring", zap.String("key", r.recordKey()), zap.Error(err))
		return nil
	}
	return rec
}

// Write stores the record and publishes it in one transaction.
func (r *Redis) Write(ctx context.Context, rec *token.Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return &Error{Op: "write", Path: r.recordKey(), Err: err}
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.recordKey(), data, 0)
		pipe.Publish(ctx, r.UpdatesChannel(), data)
		return nil
	})
	if err != nil {
		return &Error{Op: "write", Path: r.recordKey(), Err: err}
	}
	return nil
}

// ReadSessionState returns the stored session blob, or nil.
func (r *Redis) ReadSessionState(ctx context.Context) []byte {
	data, err := r.client.Get(ctx, r.sessionKey()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("session state unreadable", zap.String("key", r.sessionKey()), zap.Error(err))
		}
		return nil
	}
	if !json.Valid(data) {
		r.log.Warn("session state is not valid JSON, ignoring", zap.String("key", r.sessionKey()))
		return nil
	}
	return data
}

// WriteSessionState replaces the session blob.
func (r *Redis) WriteSessionState(ctx context.Context, state []byte) error {
	if len(state) == 0 {
		return nil
	}
	if !json.Valid(state) {
		return &Error{Op: "write session", Path: r.sessionKey(), Err: errors.New("session state is not valid JSON")}
	}
	if err := r.client.Set(ctx, r.sessionKey(), state, 0).Err(); err != nil {
		return &Error{Op: "write session", Path: r.sessionKey(), Err: err}
	}
	return nil
}

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var unlockLua = redis.NewScript(unlockScript)

// RedisLocker serializes refreshes across processes sharing one Redis.
type RedisLocker struct {
	client     redis.UniversalClient
	key        string
	ttl        time.Duration
	retryDelay time.Duration
}

// NewRedisLocker returns a locker on key. The lock expires after ttl if its
// holder dies; ttl must exceed the longest refresh.
func NewRedisLocker(client redis.UniversalClient, key string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, key: key, ttl: ttl, retryDelay: 250 * time.Millisecond}
}

// Lock blocks until the lock is held or ctx is done. The returned function
// releases the lock only if it is still owned by this holder.
func (l *RedisLocker) Lock(ctx context.Context) (func() error, error) {
	owner := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire redis lock %s: %w", l.key, err)
		}
		if ok {
			return func() error {
				// the caller's ctx may already be cancelled when releasing
				return unlockLua.Run(context.Background(), l.client, []string{l.key}, owner).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for redis lock %s: %w", l.key, ctx.Err())
		case <-time.After(l.retryDelay):
		}
	}
}
