package database

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// leaderKey is the shared lock claimed by the instance that runs ingestion.
const leaderKey = "strategy-runner:klines:leader"

// NewRedisClient creates a Redis client from a connection URL. An empty URL
// returns nil, which callers treat as single-node mode. A failed ping is
// logged but not fatal; the client may recover later.
func NewRedisClient(url string, logger zerolog.Logger) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("initial redis connection failed, continuing degraded")
		return client, nil
	}

	logger.Info().Str("addr", opts.Addr).Msg("redis connected")
	return client, nil
}

// RedisLeaderGate elects a single ingestion leader across runner instances
// using a SETNX lease. With a nil client every instance considers itself
// leader, which is correct for single-node deployments.
type RedisLeaderGate struct {
	client     *redis.Client
	instanceID string
	key        string
	ttl        time.Duration
	logger     zerolog.Logger
}

// NewRedisLeaderGate creates a leader gate with the given lease TTL. The TTL
// must comfortably exceed the manager's refresh interval so the lease is
// renewed before it lapses.
func NewRedisLeaderGate(client *redis.Client, instanceID string, ttl time.Duration, logger zerolog.Logger) *RedisLeaderGate {
	if instanceID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "runner"
		}
		instanceID = host + "-" + uuid.New().String()[:8]
	}
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &RedisLeaderGate{
		client:     client,
		instanceID: instanceID,
		key:        leaderKey,
		ttl:        ttl,
		logger:     logger.With().Str("component", "leader-gate").Str("instance", instanceID).Logger(),
	}
}

// InstanceID returns this instance's lock value.
func (g *RedisLeaderGate) InstanceID() string {
	return g.instanceID
}

// TryAcquire claims or renews the ingestion lease. Redis errors resolve to
// leadership so a broken lock service never stalls ingestion; upserts are
// idempotent if two instances briefly overlap.
func (g *RedisLeaderGate) TryAcquire(ctx context.Context) bool {
	if g.client == nil {
		return true
	}

	ok, err := g.client.SetNX(ctx, g.key, g.instanceID, g.ttl).Result()
	if err != nil {
		g.logger.Warn().Err(err).Msg("leader claim failed, assuming leadership")
		return true
	}
	if ok {
		g.logger.Info().Msg("acquired ingestion leadership")
		return true
	}

	holder, err := g.client.Get(ctx, g.key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			g.logger.Warn().Err(err).Msg("leader holder check failed")
		}
		return false
	}
	if holder != g.instanceID {
		return false
	}

	// Still us; renew the lease.
	if err := g.client.Expire(ctx, g.key, g.ttl).Err(); err != nil {
		g.logger.Warn().Err(err).Msg("leader lease renewal failed")
	}
	return true
}

// Release gives up the lease if this instance still holds it.
func (g *RedisLeaderGate) Release(ctx context.Context) {
	if g.client == nil {
		return
	}
	holder, err := g.client.Get(ctx, g.key).Result()
	if err != nil || holder != g.instanceID {
		return
	}
	if err := g.client.Del(ctx, g.key).Err(); err != nil {
		g.logger.Warn().Err(err).Msg("leader lease release failed")
		return
	}
	g.logger.Info().Msg("released ingestion leadership")
}
