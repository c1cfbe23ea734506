// Package main is the gominer command: a solo proof-of-work miner that
// takes block templates from a Bitcoin Core node and submits the blocks it
// finds.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database"
	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/metrics"
	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/node"
	"github.com/bardlex/gominer/internal/session"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, sigs))
}

// run is main without the process globals. It returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, sigs <-chan os.Signal) int {
	fs := flag.NewFlagSet("gominer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultPath, "path to the TOML config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger := log.NewWithWriter(stdout, "gominer", version, cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting gominer",
		"config", *configPath,
		"node", cfg.Node.Address,
		"network", cfg.Params().Name,
		"threads", cfg.Threads(),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("startup failed")
		return 1
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.session.Run(gctx) })
	if a.metricsServer != nil {
		g.Go(func() error { return a.metricsServer.Serve(gctx) })
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-gctx.Done():
				return
			case sig := <-sigs:
				if sig == syscall.SIGHUP {
					a.reload(*configPath)
					continue
				}
				logger.Info("shutdown signal received", "signal", sig.String())
				a.session.Shutdown()
				cancel()
				return
			}
		}
	}()

	err = g.Wait()
	cancel()
	<-done

	if err != nil {
		logger.WithError(err).Error("gominer failed")
		return 1
	}
	logger.Info("gominer stopped")
	return 0
}

// app holds everything run starts and must close.
type app struct {
	logger        *log.Logger
	node          *node.Client
	session       *session.Session
	stores        *database.Manager
	events        *messaging.Publisher
	metricsServer *metrics.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*app, error) {
	payout, err := cfg.PayoutScript()
	if err != nil {
		return nil, err
	}

	rpc, err := bitcoin.NewRPCClient(bitcoin.RPCConfig{
		Address:  cfg.Node.Address,
		User:     cfg.Node.User,
		Password: cfg.Node.Password,
		Cookie:   cfg.Node.Cookie,
	})
	if err != nil {
		return nil, err
	}

	var zmq bitcoin.ZMQInterface
	if cfg.Node.ZMQ != "" {
		z, err := bitcoin.NewZMQNotifier(cfg.Node.ZMQ, logger)
		if err != nil {
			logger.WithError(err).Warn("zmq unavailable, polling only", "endpoint", cfg.Node.ZMQ)
		} else {
			zmq = z
		}
	}

	nodeCfg := node.DefaultConfig()
	nodeCfg.Timeout = cfg.Node.Timeout.Duration
	nodeCfg.PollInterval = cfg.Node.PollInterval.Duration
	nodeCfg.TemplateRefresh = cfg.Search.TemplateRefresh.Duration
	nodeCfg.PayoutScript = payout

	a := &app{
		logger: logger,
		node:   node.NewClient(rpc, zmq, nodeCfg, logger),
	}

	// a node that is down may come up later; bad credentials will not fix themselves
	if err := a.node.Ping(ctx); err != nil {
		if errors.IsConfig(err) {
			a.node.Close()
			return nil, err
		}
		logger.WithError(err).Warn("node check failed, will keep trying", "node", cfg.Node.Address)
	}

	minerCfg := miner.DefaultConfig()
	minerCfg.Threads = cfg.Threads()
	minerCfg.ChunkBits = cfg.Search.ChunkBits
	minerCfg.DomainBits = cfg.Search.DomainBits
	minerCfg.BatchSize = cfg.Search.BatchSize
	minerCfg.DrainTimeout = cfg.Search.DrainTimeout.Duration
	coord := miner.NewCoordinator(minerCfg, logger)

	host, err := os.Hostname()
	if err != nil {
		host = "gominer"
	}

	var opts []session.Option

	dbCfg := &database.Config{}
	if cfg.Influx.URL != "" {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}
	}
	if cfg.Redis.Addr != "" {
		dbCfg.Redis = &redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL.Duration,
		}
	}
	a.stores = database.Open(ctx, dbCfg, host, logger)
	if a.stores.Influx != nil {
		opts = append(opts, session.WithRecorder(a.stores.Influx))
	}
	if a.stores.Redis != nil {
		opts = append(opts, session.WithGuard(a.stores.Redis))
	}

	if cfg.Metrics.Listen != "" {
		rec := metrics.NewRecorder()
		a.metricsServer = metrics.NewServer(cfg.Metrics.Listen, rec, logger, a.stores.Health)
		opts = append(opts, session.WithRecorder(rec))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		a.events = messaging.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, host, logger)
		opts = append(opts, session.WithRecorder(a.events))
	}

	sessCfg := session.DefaultConfig()
	sessCfg.Backoff = &retry.Config{
		MaxAttempts: cfg.Backoff.Attempts,
		BaseDelay:   cfg.Backoff.Base.Duration,
		MaxDelay:    cfg.Backoff.Max.Duration,
		Multiplier:  cfg.Backoff.Multiplier,
		Jitter:      true,
	}
	sessCfg.StatsInterval = cfg.Stats.Interval.Duration

	a.session = session.New(a.node, coord, sessCfg, logger, opts...)
	return a, nil
}

// reload applies a changed config file. Only the thread count takes effect
// without a restart; a broken file keeps the running settings.
func (a *app) reload(path string) {
	cfg, err := config.Reload(path)
	if err != nil {
		a.logger.WithError(err).Error("config reload failed, keeping current settings")
		return
	}
	a.session.SetThreads(cfg.Threads())
}

func (a *app) close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.WithError(err).Warn("event publisher close failed")
		}
	}
	if err := a.stores.Close(); err != nil {
		a.logger.WithError(err).Warn("store close failed")
	}
	a.node.Close()
}
