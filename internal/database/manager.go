// Package database opens the optional stores the miner reports to: InfluxDB
// for time series and Redis for the shared submission guard.
package database

import (
	"context"
	"fmt"

	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// Manager holds whichever stores are configured. A nil field means the
// store is disabled or could not be reached at startup.
type Manager struct {
	Influx *influx.Client
	Redis  *redis.SubmissionGuard

	logger *log.Logger
}

// Config holds configuration for all database systems. A nil entry
// disables that store.
type Config struct {
	Redis  *redis.Config
	Influx *influx.Config
	// Retry shapes the connection attempts. Defaults to retry.DefaultConfig.
	Retry *retry.Config
}

// Open connects to every configured store. Stores only observe mining, so
// a store that stays unreachable after a few attempts is logged and left
// out instead of failing startup.
func Open(ctx context.Context, cfg *Config, host string, logger *log.Logger) *Manager {
	m := &Manager{logger: logger.WithComponent("database")}
	retryConfig := cfg.Retry
	if retryConfig == nil {
		retryConfig = retry.DefaultConfig()
	}

	if cfg.Influx != nil {
		client, err := retry.DoWithResult(ctx, retryConfig, func() (*influx.Client, error) {
			c, err := influx.NewClient(ctx, cfg.Influx, host, logger)
			return c, retryable(err)
		})
		if err != nil {
			m.logger.WithError(err).Warn("influxdb disabled", "url", cfg.Influx.URL)
		} else {
			m.Influx = client
			m.logger.Info("influxdb connected", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
		}
	}

	if cfg.Redis != nil {
		guard, err := retry.DoWithResult(ctx, retryConfig, func() (*redis.SubmissionGuard, error) {
			g, err := redis.NewSubmissionGuard(ctx, cfg.Redis, host)
			return g, retryable(err)
		})
		if err != nil {
			m.logger.WithError(err).Warn("redis submission guard disabled", "addr", cfg.Redis.Addr)
		} else {
			m.Redis = guard
			m.logger.Info("redis submission guard connected", "addr", cfg.Redis.Addr)
		}
	}

	return m
}

// retryable marks a connection failure as worth another attempt.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, errors.ErrorTypeDatabase, "connect", "store connection failed").
		WithRetryable(true)
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return errors.Newf(errors.ErrorTypeDatabase, "close", "database close errors: %v", errs)
	}
	return nil
}

// Health checks the health of all open connections
func (m *Manager) Health(ctx context.Context) error {
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "health", "redis health check failed")
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return err
		}
	}
	return nil
}
