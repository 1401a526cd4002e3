package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/seoflow/types"
)

const (
	defaultKeyPrefix = "seoflow:"
	sessionPrefix    = "session:"
	sessionIndex     = "sessions"

	// maxTxRetries bounds optimistic retries when a watched key changes under us.
	maxTxRetries = 16
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Sessions are JSON strings; a sorted set scored by created_at indexes them.
type RedisStorage struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	KeyPrefix    string
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStorage{client: client, prefix: prefix, now: time.Now}, nil
}

func (s *RedisStorage) sessionKey(id string) string {
	return s.prefix + sessionPrefix + id
}

func (s *RedisStorage) indexKey() string {
	return s.prefix + sessionIndex
}

func decodeSession(key string, data []byte) (types.Session, error) {
	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return types.Session{}, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return sess, nil
}

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a session from Redis.
func getFromRedis(ctx context.Context, c stringGetter, key string) (types.Session, error) {
	return withContext(ctx, func() (types.Session, error) {
		data, err := c.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.Session{}, fmt.Errorf("%w: key=%s", ErrSessionNotFound, key)
		} else if err != nil {
			return types.Session{}, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		return decodeSession(key, data)
	})
}

// CreateSession stores a new session if the id is unused.
func (s *RedisStorage) CreateSession(ctx context.Context, sess types.Session) error {
	return withContextError(ctx, func() error {
		if err := checkNew(sess); err != nil {
			return err
		}
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session %s: %w", sess.ID, err)
		}
		key := s.sessionKey(sess.ID)
		ok, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrSessionExists, sess.ID)
		}
		if err := s.client.ZAdd(ctx, s.indexKey(), &redis.Z{Score: float64(sess.CreatedAt), Member: sess.ID}).Err(); err != nil {
			return fmt.Errorf("failed to index session %s: %w", sess.ID, err)
		}
		return nil
	})
}

// GetSession retrieves a session from Redis.
func (s *RedisStorage) GetSession(ctx context.Context, id string) (types.Session, error) {
	return getFromRedis(ctx, s.client, s.sessionKey(id))
}

// UpdateSession runs fn inside a WATCH/MULTI transaction and retries when
// another writer touched the session first.
func (s *RedisStorage) UpdateSession(ctx context.Context, id string, fn UpdateFunc) (types.Session, error) {
	key := s.sessionKey(id)
	var updated types.Session
	txf := func(tx *redis.Tx) error {
		current, err := getFromRedis(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := applyUpdate(current, fn, s.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal session %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := withContextError(ctx, func() error {
			return s.client.Watch(ctx, txf, key)
		})
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return types.Session{}, err
		}
		return updated, nil
	}
	return types.Session{}, fmt.Errorf("update session %s: too much contention", id)
}

// ListSessions walks the index newest first and decodes each session.
func (s *RedisStorage) ListSessions(ctx context.Context, filter types.SessionFilter) ([]types.SessionSummary, error) {
	return withContext(ctx, func() ([]types.SessionSummary, error) {
		sessions, err := s.loadAll(ctx)
		if err != nil {
			return nil, err
		}
		all := make([]types.SessionSummary, 0, len(sessions))
		for _, sess := range sessions {
			all = append(all, sess.Summary())
		}
		return filter.Apply(all), nil
	})
}

func (s *RedisStorage) loadAll(ctx context.Context) ([]types.Session, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	out := make([]types.Session, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Indexed but deleted concurrently.
			continue
		}
		sess, err := decodeSession(keys[i], []byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// ClearTerminal removes terminal sessions last updated before the cutoff.
func (s *RedisStorage) ClearTerminal(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		sessions, err := s.loadAll(ctx)
		if err != nil {
			return 0, err
		}
		cutoff := before.UnixMilli()
		pipe := s.client.Pipeline()
		removed := 0
		for _, sess := range sessions {
			if sess.Status.Terminal() && sess.UpdatedAt < cutoff {
				pipe.Del(ctx, s.sessionKey(sess.ID))
				pipe.ZRem(ctx, s.indexKey(), sess.ID)
				removed++
			}
		}
		if removed == 0 {
			return 0, nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return removed, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
