package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/songzhibin97/seoflow/types"
)

var badgerSessionPrefix = []byte("session/")

// BadgerOptions configures the embedded backend.
type BadgerOptions struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
}

// BadgerStorage keeps sessions in an embedded Badger database. Update
// transactions are serializable; conflicting commits are retried.
type BadgerStorage struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadgerStorage opens (or creates) the database.
func NewBadgerStorage(opts BadgerOptions) (*BadgerStorage, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStorage{db: db, now: time.Now}, nil
}

func badgerKey(id string) []byte {
	return append(append([]byte{}, badgerSessionPrefix...), id...)
}

func readSession(txn *badger.Txn, id string) (types.Session, error) {
	item, err := txn.Get(badgerKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.Session{}, fmt.Errorf("%w: id=%s", ErrSessionNotFound, id)
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	var sess types.Session
	err = item.Value(func(val []byte) error {
		var derr error
		sess, derr = decodeSession(id, val)
		return derr
	})
	return sess, err
}

func writeSession(txn *badger.Txn, s types.Session) error {
	rec, err := toRecord(s)
	if err != nil {
		return err
	}
	return txn.Set(badgerKey(s.ID), []byte(rec.Data))
}

// CreateSession stores a new session if the id is unused.
func (s *BadgerStorage) CreateSession(ctx context.Context, sess types.Session) error {
	return withContextError(ctx, func() error {
		if err := checkNew(sess); err != nil {
			return err
		}
		return s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(badgerKey(sess.ID))
			if err == nil {
				return fmt.Errorf("%w: id=%s", ErrSessionExists, sess.ID)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return writeSession(txn, sess)
		})
	})
}

// GetSession reads a session.
func (s *BadgerStorage) GetSession(ctx context.Context, id string) (types.Session, error) {
	return withContext(ctx, func() (types.Session, error) {
		var sess types.Session
		err := s.db.View(func(txn *badger.Txn) error {
			var err error
			sess, err = readSession(txn, id)
			return err
		})
		return sess, err
	})
}

// UpdateSession applies fn inside a read-write transaction.
func (s *BadgerStorage) UpdateSession(ctx context.Context, id string, fn UpdateFunc) (types.Session, error) {
	for i := 0; i < maxTxRetries; i++ {
		var updated types.Session
		err := withContextError(ctx, func() error {
			return s.db.Update(func(txn *badger.Txn) error {
				current, err := readSession(txn, id)
				if err != nil {
					return err
				}
				next, err := applyUpdate(current, fn, s.now())
				if err != nil {
					return err
				}
				if err := writeSession(txn, next); err != nil {
					return err
				}
				updated = next
				return nil
			})
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return types.Session{}, err
		}
		return updated, nil
	}
	return types.Session{}, fmt.Errorf("update session %s: too much contention", id)
}

func (s *BadgerStorage) scan(fn func(types.Session)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerSessionPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				sess, err := decodeSession(string(item.Key()), val)
				if err != nil {
					return err
				}
				fn(sess)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListSessions scans every session and applies the filter.
func (s *BadgerStorage) ListSessions(ctx context.Context, filter types.SessionFilter) ([]types.SessionSummary, error) {
	return withContext(ctx, func() ([]types.SessionSummary, error) {
		var all []types.SessionSummary
		err := s.scan(func(sess types.Session) {
			all = append(all, sess.Summary())
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		return filter.Apply(all), nil
	})
}

// ClearTerminal removes terminal sessions last updated before the cutoff.
func (s *BadgerStorage) ClearTerminal(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		cutoff := before.UnixMilli()
		var ids []string
		err := s.scan(func(sess types.Session) {
			if sess.Status.Terminal() && sess.UpdatedAt < cutoff {
				ids = append(ids, sess.ID)
			}
		})
		if err != nil {
			return 0, err
		}
		if len(ids) == 0 {
			return 0, nil
		}
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, id := range ids {
			if err := wb.Delete(badgerKey(id)); err != nil {
				return 0, err
			}
		}
		if err := wb.Flush(); err != nil {
			return 0, fmt.Errorf("failed to clear sessions: %w", err)
		}
		return len(ids), nil
	})
}

// Close closes the database.
func (s *BadgerStorage) Close() error {
	return s.db.Close()
}
