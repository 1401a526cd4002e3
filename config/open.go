package config

import (
	"github.com/songzhibin97/seoflow/capability"
	"github.com/songzhibin97/seoflow/storage"
)

// Open connects the configured backend. The returned close func is
// never nil.
func (c StorageConfig) Open() (storage.Storage, func() error, error) {
	noop := func() error { return nil }
	switch c.Driver {
	case DriverRedis:
		s, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         c.Redis.Addr,
			Password:     c.Redis.Password,
			DB:           c.Redis.DB,
			PoolSize:     c.Redis.PoolSize,
			MinIdleConns: c.Redis.MinIdleConns,
			IdleTimeout:  c.Redis.IdleTimeout,
			KeyPrefix:    c.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case DriverPostgres:
		s, err := storage.NewPostgresStorage(storage.PostgresOptions{
			DSN:             c.Postgres.DSN,
			ConnectAttempts: c.Postgres.ConnectAttempts,
			RetryDelay:      c.Postgres.RetryDelay,
		})
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case DriverBadger:
		s, err := storage.NewBadgerStorage(storage.BadgerOptions{
			Dir:      c.Badger.Dir,
			InMemory: c.Badger.InMemory,
		})
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case DriverMemory, "":
		return storage.NewMemoryStorage(), noop, nil
	default:
		return nil, noop, invalid("unknown storage.driver %q", c.Driver)
	}
}

// Capabilities builds the stage capability set. The scripted driver falls
// back to the built-in script when no path is given.
func (c CapabilityConfig) Capabilities() (capability.Set, error) {
	switch c.Driver {
	case CapabilityRemote:
		return capability.Uniform(capability.NewRemote(c.Endpoint, c.Timeout)), nil
	case CapabilityScripted, "":
		s, err := capability.NewScriptedFromFile(c.ScriptPath, true)
		if err != nil {
			return nil, err
		}
		return capability.Uniform(s), nil
	default:
		return nil, invalid("unknown capability.driver %q", c.Driver)
	}
}
