package database

import (
	"context"
	stderrors "errors"
	"net"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

func TestOpen_NothingConfigured(t *testing.T) {
	m := Open(context.Background(), &Config{}, "rig", log.Nop())

	if m.Influx != nil || m.Redis != nil {
		t.Errorf("Open() enabled stores without config: %+v", m)
	}
	if err := m.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestOpen_UnreachableStoreIsDisabled(t *testing.T) {
	// a port nothing listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := &Config{
		Redis: &redis.Config{Addr: addr, DialTimeout: 100 * time.Millisecond},
		Retry: &retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}

	start := time.Now()
	m := Open(context.Background(), cfg, "rig", log.Nop())
	if m.Redis != nil {
		t.Error("unreachable redis was enabled")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Open() took %v", time.Since(start))
	}
}

func TestRetryable(t *testing.T) {
	if retryable(nil) != nil {
		t.Error("retryable(nil) != nil")
	}

	err := retryable(stderrors.New("dial tcp: connection refused"))
	if !errors.IsRetryable(err) || !errors.IsType(err, errors.ErrorTypeDatabase) {
		t.Errorf("retryable() = %v", err)
	}

	// a typed but non-retryable failure still gets another attempt
	cause := errors.New(errors.ErrorTypeDatabase, "influx_health", "health check failed")
	if !errors.IsRetryable(retryable(cause)) {
		t.Error("health failure not retryable")
	}
}
