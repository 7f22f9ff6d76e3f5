package server

import (
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"collabspace/collab"
	"collabspace/config"
)

// ReadyState tracks initialization state for health checks. The Redis
// client is nil when the server runs without a cross-instance bus; the
// ready check then skips it.
type ReadyState struct {
	db          *pgxpool.Pool
	rdb         *redis.Client
	config      *config.Config
	engine      *collab.Engine
	storeReady  atomic.Bool
	redisReady  atomic.Bool
	engineReady atomic.Bool
}

// NewReadyState creates a new ReadyState instance
func NewReadyState(db *pgxpool.Pool, rdb *redis.Client, cfg *config.Config, engine *collab.Engine) *ReadyState {
	return &ReadyState{
		db:     db,
		rdb:    rdb,
		config: cfg,
		engine: engine,
	}
}

// MarkStoreReady marks the file store initialization as complete
func (r *ReadyState) MarkStoreReady() {
	r.storeReady.Store(true)
}

// MarkRedisReady marks the Redis initialization as complete
func (r *ReadyState) MarkRedisReady() {
	r.redisReady.Store(true)
}

// MarkEngineReady marks the collaboration engine as started
func (r *ReadyState) MarkEngineReady() {
	r.engineReady.Store(true)
}

// IsFullyReady returns true if all initialization steps are complete
func (r *ReadyState) IsFullyReady() bool {
	return r.storeReady.Load() &&
		r.redisReady.Load() &&
		r.engineReady.Load()
}

// GetDB returns the database connection pool
func (r *ReadyState) GetDB() *pgxpool.Pool {
	return r.db
}

// GetRedis returns the Redis client, nil when running without Redis
func (r *ReadyState) GetRedis() *redis.Client {
	return r.rdb
}

// GetConfig returns the application configuration
func (r *ReadyState) GetConfig() *config.Config {
	return r.config
}

// GetEngine returns the collaboration engine
func (r *ReadyState) GetEngine() *collab.Engine {
	return r.engine
}

// IsStoreReady returns true if the file store initialization is complete
func (r *ReadyState) IsStoreReady() bool {
	return r.storeReady.Load()
}

// IsRedisReady returns true if Redis initialization is complete
func (r *ReadyState) IsRedisReady() bool {
	return r.redisReady.Load()
}

// IsEngineReady returns true if the collaboration engine is started
func (r *ReadyState) IsEngineReady() bool {
	return r.engineReady.Load()
}
