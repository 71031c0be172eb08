// Package presets wires the core components against a single Redis endpoint
// so applications can bootstrap with one call and register the result in
// their composition root.
package presets

import (
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/TonyYang1985/go-coherence/broadcast"
	"github.com/TonyYang1985/go-coherence/cache"
	"github.com/TonyYang1985/go-coherence/leader"
	"github.com/TonyYang1985/go-coherence/log"
	"github.com/TonyYang1985/go-coherence/store"
	"github.com/TonyYang1985/go-coherence/timer"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Logger is shared by every component. Optional.
	Logger log.Logger
}

// Core bundles the singleton-scoped pieces an application shares: one store
// client, one timer service, one coherence engine per process.
type Core struct {
	Store  *store.Client
	Timers *timer.Service
	Bus    broadcast.Broadcaster
	Engine *cache.Engine

	logger log.Logger
}

// NewRedis builds a Core against one Redis endpoint: the store backs L2 and
// the leader locks, Redis pub/sub carries the coherence events.
func NewRedis(opts RedisOptions) (*Core, error) {
	client := store.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}, store.WithLogger(opts.Logger))

	timers := timer.New(timer.WithLogger(opts.Logger))
	bus := broadcast.NewRedis(broadcast.RedisOptions{Client: client})

	engine, err := cache.NewEngine(cache.Options{
		Store:  client,
		Bus:    bus,
		Timers: timers,
		Logger: opts.Logger,
	})
	if err != nil {
		timers.Stop()
		_ = bus.Close()
		_ = client.Close()
		return nil, err
	}

	return &Core{
		Store:  client,
		Timers: timers,
		Bus:    bus,
		Engine: engine,
		logger: opts.Logger,
	}, nil
}

// Elector creates a leader elector for the given election project, sharing
// the Core's store and timer service.
func (c *Core) Elector(app, project string, ttl time.Duration) (*leader.Elector, error) {
	return leader.New(leader.Options{
		Store:   c.Store,
		Timers:  c.Timers,
		AppName: app,
		Project: project,
		TTL:     ttl,
		Logger:  c.logger,
	})
}

// Close tears everything down in dependency order.
func (c *Core) Close() error {
	err := c.Engine.Close()
	c.Timers.Stop()
	if berr := c.Bus.Close(); err == nil {
		err = berr
	}
	if serr := c.Store.Close(); err == nil {
		err = serr
	}
	return err
}
