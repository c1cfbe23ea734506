// Package redis shares the submitted-template set between miners through
// Redis so that rigs mining the same tip do not submit the same template twice.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
)

const keyPrefix = "gominer:submitted:"

// cmdable is the part of redis.Cmdable the guard uses.
type cmdable interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	TTL          time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SubmissionGuard claims template ids with SET NX. A key expires after
// TTL, well after its tip has been replaced.
type SubmissionGuard struct {
	rdb     cmdable
	closer  func() error
	owner   string
	ttl     time.Duration
	breaker *circuit.Breaker
}

// NewSubmissionGuard connects to Redis. owner is stored as the key value
// so an operator can see which rig claimed a template.
func NewSubmissionGuard(ctx context.Context, cfg *Config, owner string) (*SubmissionGuard, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   1,
		DialTimeout:  orDefault(cfg.DialTimeout, 2*time.Second),
		ReadTimeout:  orDefault(cfg.ReadTimeout, time.Second),
		WriteTimeout: orDefault(cfg.WriteTimeout, time.Second),
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connect", "failed to ping Redis").
			WithContext("addr", cfg.Addr)
	}

	g := newGuard(rdb, owner, cfg.TTL)
	g.closer = rdb.Close
	return g, nil
}

func newGuard(rdb cmdable, owner string, ttl time.Duration) *SubmissionGuard {
	return &SubmissionGuard{
		rdb:   rdb,
		owner: owner,
		ttl:   orDefault(ttl, 10*time.Minute),
		breaker: circuit.New(&circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 1,
			Timeout:         time.Second,
			ResetTimeout:    30 * time.Second,
			IsFailure: func(err error) bool {
				return errors.HasType(err, errors.ErrorTypeDatabase)
			},
		}),
	}
}

// Claim reports whether this rig is the first to claim templateID. Errors
// leave the decision to the caller.
func (g *SubmissionGuard) Claim(ctx context.Context, templateID string) (bool, error) {
	return circuit.ExecuteWithResult(ctx, g.breaker, func() (bool, error) {
		ok, err := g.rdb.SetNX(ctx, keyPrefix+templateID, g.owner, g.ttl).Result()
		if err != nil {
			return false, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_claim", "failed to claim template").
				WithContext("template_id", templateID)
		}
		return ok, nil
	})
}

// Health checks Redis connectivity
func (g *SubmissionGuard) Health(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (g *SubmissionGuard) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
