package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	scanCount     = 100
	maxTxAttempts = 32
)

var (
	ErrNotFound = stderrors.New("store: key not found")
	ErrConflict = stderrors.New("store: too many concurrent writers")
)

// Store is keyed storage with per-key expiry. Keys are relative to the store's prefix.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Create writes value only when key does not exist yet, reporting whether it did.
	Create(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	// Update applies fn to the current value of key as one atomic read-modify-write.
	// fn receives nil when the key is absent and returns nil to delete it.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte) ([]byte, error)) error
}

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
}

type Redis struct {
	rc     redis.UniversalClient
	prefix string
}

var _ Store = (*Redis)(nil)

func NewRedis(c Config) *Redis {
	return &Redis{
		rc:     c.Redis,
		prefix: c.Prefix,
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rc.Get(ctx, r.key(key)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	return b, nil
}

func (r *Redis) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rc.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	return nil
}

func (r *Redis) Create(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.rc.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}

	return ok, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, r.key(k))
	}

	// Keys may live on different cluster slots, so they are deleted one by one.
	_, err := r.rc.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range full {
			p.Del(ctx, k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %v: %w", keys, err)
	}

	return nil
}

// ScanPrefix lists every key starting with prefix, without the store prefix.
func (r *Redis) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	match := r.key(prefix) + "*"

	var keys []string
	scan := func(ctx context.Context, c redis.Cmdable) error {
		it := c.Scan(ctx, 0, match, scanCount).Iterator()
		for it.Next(ctx) {
			keys = append(keys, strings.TrimPrefix(it.Val(), r.key("")))
		}
		return it.Err()
	}

	var err error
	if cc, ok := r.rc.(*redis.ClusterClient); ok {
		err = cc.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			return scan(ctx, c)
		})
	} else {
		err = scan(ctx, r.rc)
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}

	return keys, nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.rc.Incr(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}

	return n, nil
}

func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	n, err := r.rc.Decr(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("decr %s: %w", key, err)
	}

	return n, nil
}

// Update runs fn inside WATCH/MULTI and retries when another writer touched key in between.
func (r *Redis) Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte) ([]byte, error)) error {
	k := r.key(key)

	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, k).Bytes()
		if stderrors.Is(err, redis.Nil) {
			old = nil
		} else if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}

		val, err := fn(old)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if val == nil {
				p.Del(ctx, k)
			} else {
				p.Set(ctx, k, val, ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxAttempts; i++ {
		err := r.rc.Watch(ctx, txf, k)
		if stderrors.Is(err, redis.TxFailedErr) {
			continue
		}

		return err
	}

	return fmt.Errorf("update %s: %w", key, ErrConflict)
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}

	return fmt.Sprintf("%s:%s", r.prefix, k)
}
