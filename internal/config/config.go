// Package config loads the miner settings from a TOML file with
// environment variable overrides.
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pelletier/go-toml/v2"

	"github.com/bardlex/gominer/pkg/errors"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "miner.toml"

// PlaceholderAddress is written into a fresh config file and must be
// replaced before the miner starts.
const PlaceholderAddress = "replace-with-your-payout-address"

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// NodeConfig describes the Bitcoin Core endpoint.
type NodeConfig struct {
	Address      string   `toml:"address"`
	User         string   `toml:"user"`
	Password     string   `toml:"password"`
	Cookie       string   `toml:"cookie"`
	Network      string   `toml:"network"`
	ZMQ          string   `toml:"zmq"`
	Timeout      Duration `toml:"timeout"`
	PollInterval Duration `toml:"poll_interval"`
}

// MinerConfig holds the payout identity.
type MinerConfig struct {
	Public string `toml:"public"`
}

// ThreadsConfig holds the worker count; -1 means all hardware threads.
type ThreadsConfig struct {
	Count int `toml:"count"`
}

// SearchConfig tunes the nonce search.
type SearchConfig struct {
	ChunkBits       uint     `toml:"chunk_bits"`
	DomainBits      uint     `toml:"domain_bits"`
	BatchSize       int      `toml:"batch_size"`
	DrainTimeout    Duration `toml:"drain_timeout"`
	TemplateRefresh Duration `toml:"template_refresh"`
}

// BackoffConfig shapes retries against the node.
type BackoffConfig struct {
	Base       Duration `toml:"base"`
	Max        Duration `toml:"max"`
	Multiplier float64  `toml:"multiplier"`
	Attempts   int      `toml:"attempts"`
}

// LogConfig selects level and format.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// StatsConfig sets the hashrate report interval.
type StatsConfig struct {
	Interval Duration `toml:"interval"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// InfluxConfig enables InfluxDB points. Disabled when URL is empty.
type InfluxConfig struct {
	URL    string `toml:"url"`
	Token  string `toml:"token"`
	Org    string `toml:"org"`
	Bucket string `toml:"bucket"`
}

// RedisConfig enables the shared submission guard. Disabled when Addr is empty.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	TTL      Duration `toml:"ttl"`
}

// KafkaConfig enables event publishing. Disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// Config holds the complete miner configuration
type Config struct {
	Node    NodeConfig    `toml:"node"`
	Miner   MinerConfig   `toml:"miner"`
	Workers ThreadsConfig `toml:"threads"`
	Search  SearchConfig  `toml:"search"`
	Backoff BackoffConfig `toml:"backoff"`
	Log     LogConfig     `toml:"log"`
	Stats   StatsConfig   `toml:"stats"`
	Metrics MetricsConfig `toml:"metrics"`
	Influx  InfluxConfig  `toml:"influx"`
	Redis   RedisConfig   `toml:"redis"`
	Kafka   KafkaConfig   `toml:"kafka"`

	params *chaincfg.Params
	payout btcutil.Address
}

// Default returns the configuration written to a fresh file.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Address:      "127.0.0.1:8332",
			Network:      "mainnet",
			Timeout:      Duration{10 * time.Second},
			PollInterval: Duration{3 * time.Second},
		},
		Miner:   MinerConfig{Public: PlaceholderAddress},
		Workers: ThreadsConfig{Count: 1},
		Search: SearchConfig{
			ChunkBits:       20,
			DomainBits:      48,
			BatchSize:       4096,
			DrainTimeout:    Duration{2 * time.Second},
			TemplateRefresh: Duration{30 * time.Second},
		},
		Backoff: BackoffConfig{
			Base:       Duration{500 * time.Millisecond},
			Max:        Duration{30 * time.Second},
			Multiplier: 2.0,
			Attempts:   4,
		},
		Log:   LogConfig{Level: "info", Format: "text"},
		Stats: StatsConfig{Interval: Duration{3 * time.Second}},
		Redis: RedisConfig{TTL: Duration{10 * time.Minute}},
		Kafka: KafkaConfig{Topic: "gominer.events"},
	}
}

// Load reads the file at path, applies environment overrides and
// validates the result. A missing file is replaced by a default one and
// reported as a config error so the user can fill in the payout address.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if stderrors.Is(err, fs.ErrNotExist) {
		if werr := writeDefault(path); werr != nil {
			return nil, errors.Wrap(werr, errors.ErrorTypeConfig, "load_config", "cannot create default config").
				WithContext("path", path)
		}
		return nil, errors.Newf(errors.ErrorTypeConfig, "load_config",
			"created default config at %s; set miner.public and restart", path)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_config", "cannot read config").
			WithContext("path", path)
	}

	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_config", "malformed config").
			WithContext("path", path)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload re-reads the file. The caller keeps its current config when an
// error is returned.
func Reload(path string) (*Config, error) {
	return Load(path)
}

func writeDefault(path string) error {
	body, err := toml.Marshal(Default())
	if err != nil {
		return err
	}
	header := []byte("# gominer configuration\n# Set miner.public to your payout address and\n# node.user/node.password or node.cookie for RPC access.\n\n")
	return os.WriteFile(path, append(header, body...), 0o600)
}

// applyEnv overrides file values from GOMINER_* variables.
func (c *Config) applyEnv() {
	c.Node.Address = getEnv("GOMINER_NODE_ADDRESS", c.Node.Address)
	c.Node.User = getEnv("GOMINER_NODE_USER", c.Node.User)
	c.Node.Password = getEnv("GOMINER_NODE_PASSWORD", c.Node.Password)
	c.Node.Cookie = getEnv("GOMINER_NODE_COOKIE", c.Node.Cookie)
	c.Miner.Public = getEnv("GOMINER_MINER_PUBLIC", c.Miner.Public)
	c.Workers.Count = getEnvInt("GOMINER_THREADS", c.Workers.Count)
	c.Log.Level = getEnv("GOMINER_LOG_LEVEL", c.Log.Level)
}

// Validate checks every setting and resolves the network and payout address.
func (c *Config) Validate() error {
	invalid := func(key, format string, args ...any) error {
		return errors.Newf(errors.ErrorTypeConfig, "validate_config", format, args...).
			WithContext("key", key)
	}

	params, err := networkParams(c.Node.Network)
	if err != nil {
		return invalid("node.network", "%v", err)
	}

	host, port, err := net.SplitHostPort(c.Node.Address)
	if err != nil || host == "" {
		return invalid("node.address", "node.address %q must be host:port", c.Node.Address)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return invalid("node.address", "node.address port %q is invalid", port)
	}

	if c.Miner.Public == "" || c.Miner.Public == PlaceholderAddress {
		return invalid("miner.public", "miner.public must be set to your payout address")
	}
	addr, err := btcutil.DecodeAddress(c.Miner.Public, params)
	if err != nil {
		return invalid("miner.public", "miner.public %q is not a valid address: %v", c.Miner.Public, err)
	}
	if !addr.IsForNet(params) {
		return invalid("miner.public", "miner.public %q is not a %s address", c.Miner.Public, c.Node.Network)
	}

	// rpcclient falls back to cookie auth when no password is set
	if c.Node.Password == "" && c.Node.Cookie == "" {
		return invalid("node.password", "node.password or node.cookie must be set")
	}

	if c.Workers.Count == 0 || c.Workers.Count < -1 {
		return invalid("threads.count", "threads.count must be positive or -1, got %d", c.Workers.Count)
	}

	s := c.Search
	if s.ChunkBits == 0 || s.ChunkBits > 32 {
		return invalid("search.chunk_bits", "search.chunk_bits must be in [1, 32], got %d", s.ChunkBits)
	}
	if s.DomainBits < s.ChunkBits || s.DomainBits > 63 {
		return invalid("search.domain_bits", "search.domain_bits must be in [%d, 63], got %d", s.ChunkBits, s.DomainBits)
	}
	if s.BatchSize <= 0 {
		return invalid("search.batch_size", "search.batch_size must be positive")
	}

	if c.Node.Timeout.Duration <= 0 || c.Node.PollInterval.Duration <= 0 {
		return invalid("node.timeout", "node.timeout and node.poll_interval must be positive")
	}
	if c.Backoff.Base.Duration <= 0 || c.Backoff.Max.Duration < c.Backoff.Base.Duration {
		return invalid("backoff.max", "backoff.max must be at least backoff.base")
	}
	if c.Backoff.Multiplier < 1 || c.Backoff.Attempts < 1 {
		return invalid("backoff.multiplier", "backoff.multiplier must be >= 1 and backoff.attempts >= 1")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return invalid("log.format", "log.format must be text or json, got %q", c.Log.Format)
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return invalid("kafka.topic", "kafka.topic is required when brokers are set")
	}

	c.params = params
	c.payout = addr
	return nil
}

// Threads returns the worker count with -1 resolved to runtime.NumCPU().
func (c *Config) Threads() int {
	if c.Workers.Count == -1 {
		return runtime.NumCPU()
	}
	return c.Workers.Count
}

// Params returns the chain parameters of the configured network.
func (c *Config) Params() *chaincfg.Params { return c.params }

// PayoutScript returns the output script paying miner.public.
func (c *Config) PayoutScript() ([]byte, error) {
	if c.payout == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "payout_script", "config not validated")
	}
	return txscript.PayToAddrScript(c.payout)
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "mainnet", "main", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
