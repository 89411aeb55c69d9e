package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/blocklens/blocklens/internal/common"
	"github.com/blocklens/blocklens/internal/logger"
	"github.com/btcsuite/btcd/chaincfg"
)

// Config represents the complete configuration for BlockLens.
type Config struct {
	// RPC contains the bitcoind JSON-RPC connection configuration
	RPC RPCConfig `yaml:"rpc" json:"rpc" toml:"rpc"`

	// ZMQ contains the bitcoind ZMQ notification endpoints
	ZMQ ZMQConfig `yaml:"zmq" json:"zmq" toml:"zmq"`

	// AddressIndex contains the address indexer configuration
	AddressIndex AddressIndexConfig `yaml:"address_index" json:"address_index" toml:"address_index"`

	// Logging contains logging configuration
	Logging *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" toml:"logging,omitempty"`

	// Metrics contains Prometheus metrics configuration
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty" toml:"metrics,omitempty"`
}

// ApplyDefaults sets default values for all optional configuration fields.
func (c *Config) ApplyDefaults() {
	c.RPC.ApplyDefaults()
	c.ZMQ.ApplyDefaults()
	c.AddressIndex.ApplyDefaults()

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	c.Logging.ApplyDefaults()

	if c.Metrics != nil {
		c.Metrics.ApplyDefaults()
	}
}

// Validate checks the whole configuration for consistency.
func (c *Config) Validate() error {
	if err := c.RPC.Validate(); err != nil {
		return err
	}
	if err := c.AddressIndex.Validate(); err != nil {
		return err
	}
	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RPCConfig represents the bitcoind JSON-RPC connection configuration.
type RPCConfig struct {
	// URL is the bitcoind RPC endpoint, host:port without scheme
	URL string `yaml:"url" json:"url" toml:"url"`

	// User is the RPC username
	User string `yaml:"user" json:"user" toml:"user"`

	// Password is the RPC password
	Password string `yaml:"password" json:"password" toml:"password"`

	// Retry contains RPC retry configuration with exponential backoff
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty" toml:"retry,omitempty"`
}

// ApplyDefaults sets default values for optional RPC configuration fields.
func (r *RPCConfig) ApplyDefaults() {
	if r.Retry != nil {
		r.Retry.ApplyDefaults()
	}
}

// Validate checks if the RPC configuration is valid.
func (r *RPCConfig) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("rpc.url: must not be empty")
	}
	return nil
}

// RetryConfig represents RPC retry configuration with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial request)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`

	// InitialBackoff is the initial backoff duration before first retry
	InitialBackoff common.Duration `yaml:"initial_backoff" json:"initial_backoff" toml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration
	MaxBackoff common.Duration `yaml:"max_backoff" json:"max_backoff" toml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier" toml:"backoff_multiplier"`
}

// ApplyDefaults sets default values for retry configuration.
func (r *RetryConfig) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff.Duration == 0 {
		r.InitialBackoff = common.NewDuration(1 * time.Second)
	}
	if r.MaxBackoff.Duration == 0 {
		r.MaxBackoff = common.NewDuration(30 * time.Second) //nolint:mnd
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
}

// ZMQConfig represents the bitcoind ZMQ notification endpoints.
type ZMQConfig struct {
	// BlockEndpoint is the zmqpubhashblock endpoint (e.g. "tcp://127.0.0.1:28332")
	BlockEndpoint string `yaml:"block_endpoint" json:"block_endpoint" toml:"block_endpoint"`

	// TxEndpoint is the zmqpubhashtx endpoint
	TxEndpoint string `yaml:"tx_endpoint" json:"tx_endpoint" toml:"tx_endpoint"`

	// PollInterval is the socket read deadline between reconnect checks
	PollInterval common.Duration `yaml:"poll_interval" json:"poll_interval" toml:"poll_interval"`
}

// ApplyDefaults sets default values for optional ZMQ configuration fields.
func (z *ZMQConfig) ApplyDefaults() {
	if z.PollInterval.Duration == 0 {
		z.PollInterval = common.NewDuration(5 * time.Second)
	}
}

// Enabled reports whether any ZMQ endpoint is configured.
func (z *ZMQConfig) Enabled() bool {
	return z.BlockEndpoint != "" || z.TxEndpoint != ""
}

// DatabaseConfig represents SQLite database configuration.
type DatabaseConfig struct {
	// Path is the file path to the SQLite database
	Path string `yaml:"path" json:"path" toml:"path"`

	// JournalMode sets the SQLite journal mode (e.g., "WAL", "DELETE")
	// WAL mode is recommended for better concurrency
	JournalMode string `yaml:"journal_mode" json:"journal_mode" toml:"journal_mode"`

	// Synchronous sets the synchronization level ("FULL", "NORMAL", "OFF")
	Synchronous string `yaml:"synchronous" json:"synchronous" toml:"synchronous"`

	// BusyTimeout is the time in milliseconds to wait when the database is locked
	BusyTimeout int `yaml:"busy_timeout" json:"busy_timeout" toml:"busy_timeout"`

	// CacheSize is the size of the page cache (negative = KB, positive = pages)
	CacheSize int `yaml:"cache_size" json:"cache_size" toml:"cache_size"`

	// MaxOpenConnections is the maximum number of open database connections
	MaxOpenConnections int `yaml:"max_open_connections" json:"max_open_connections" toml:"max_open_connections"`

	// MaxIdleConnections is the maximum number of idle connections in the pool
	MaxIdleConnections int `yaml:"max_idle_connections" json:"max_idle_connections" toml:"max_idle_connections"`
}

// ApplyDefaults sets default values for optional database configuration fields.
func (d *DatabaseConfig) ApplyDefaults() {
	if d.JournalMode == "" {
		d.JournalMode = "WAL"
	}
	if d.Synchronous == "" {
		d.Synchronous = "NORMAL"
	}
	if d.BusyTimeout == 0 {
		d.BusyTimeout = 5000
	}
	if d.CacheSize == 0 {
		d.CacheSize = 10000
	}
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 25
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 5
	}
}

// AddressIndexConfig represents the address indexer configuration.
type AddressIndexConfig struct {
	// Enabled controls whether the address indexer runs at all
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// DB contains database configuration for the index store
	DB DatabaseConfig `yaml:"db" json:"db" toml:"db"`

	// Network selects the chain parameters: "mainnet", "testnet3", "regtest", "signet"
	Network string `yaml:"network" json:"network" toml:"network"`

	// XpubGapLimit is the number of consecutive unused derived addresses
	// to scan before assuming no more are in use
	XpubGapLimit uint32 `yaml:"xpub_gap_limit" json:"xpub_gap_limit" toml:"xpub_gap_limit"`

	// PrevoutWorkers is the size of the prevout lookup worker pool
	PrevoutWorkers int `yaml:"prevout_workers" json:"prevout_workers" toml:"prevout_workers"`

	// PrevoutCacheSize is the maximum number of cached prevouts
	PrevoutCacheSize uint64 `yaml:"prevout_cache_size" json:"prevout_cache_size" toml:"prevout_cache_size"`

	// PrevoutCacheTTL is the prevout cache entry lifetime
	PrevoutCacheTTL common.Duration `yaml:"prevout_cache_ttl" json:"prevout_cache_ttl" toml:"prevout_cache_ttl"`

	// DrainTimeout bounds the wait for an in-flight block application on shutdown
	DrainTimeout common.Duration `yaml:"drain_timeout" json:"drain_timeout" toml:"drain_timeout"`

	// StatusWindow is the number of per-block samples kept for throughput/ETA
	StatusWindow int `yaml:"status_window" json:"status_window" toml:"status_window"`

	// Maintenance contains optional database maintenance settings
	Maintenance *MaintenanceConfig `yaml:"maintenance,omitempty" json:"maintenance,omitempty" toml:"maintenance,omitempty"`
}

// ApplyDefaults sets default values for optional indexer configuration fields.
func (a *AddressIndexConfig) ApplyDefaults() {
	if a.Network == "" {
		a.Network = "mainnet"
	}
	if a.XpubGapLimit == 0 {
		a.XpubGapLimit = 20
	}
	if a.PrevoutWorkers == 0 {
		a.PrevoutWorkers = 8
	}
	if a.PrevoutCacheSize == 0 {
		a.PrevoutCacheSize = 10000
	}
	if a.PrevoutCacheTTL.Duration == 0 {
		a.PrevoutCacheTTL = common.NewDuration(10 * time.Minute)
	}
	if a.DrainTimeout.Duration == 0 {
		a.DrainTimeout = common.NewDuration(10 * time.Second)
	}
	if a.StatusWindow == 0 {
		a.StatusWindow = 64
	}

	if a.Maintenance != nil {
		a.Maintenance.ApplyDefaults()
	}

	a.DB.ApplyDefaults()
}

// Validate checks if the indexer configuration is valid.
func (a *AddressIndexConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.DB.Path == "" {
		return fmt.Errorf("address_index.db.path: must not be empty when the indexer is enabled")
	}
	if _, err := a.NetParams(); err != nil {
		return err
	}
	if a.Maintenance != nil {
		if err := a.Maintenance.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// NetParams resolves the configured network name to chain parameters.
func (a *AddressIndexConfig) NetParams() (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(a.Network)) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("address_index.network: unknown network %q", a.Network)
	}
}

// MaintenanceConfig configures database maintenance behavior.
type MaintenanceConfig struct {
	// Enabled controls whether background maintenance runs
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// CheckInterval is how often to run maintenance (e.g., "30m", "1h")
	CheckInterval common.Duration `yaml:"check_interval" json:"check_interval" toml:"check_interval"`

	// WALCheckpointMode controls the WAL checkpoint aggressiveness
	// Options: PASSIVE, FULL, RESTART, TRUNCATE
	WALCheckpointMode string `yaml:"wal_checkpoint_mode" json:"wal_checkpoint_mode" toml:"wal_checkpoint_mode"`
}

// ApplyDefaults sets default values for optional maintenance configuration fields.
func (m *MaintenanceConfig) ApplyDefaults() {
	if m.CheckInterval.Duration == 0 {
		m.CheckInterval = common.NewDuration(30 * time.Minute) //nolint:mnd
	}
	if m.WALCheckpointMode == "" {
		m.WALCheckpointMode = "TRUNCATE"
	}
}

// Validate checks if the maintenance configuration is valid.
func (m *MaintenanceConfig) Validate() error {
	if m.WALCheckpointMode != "" {
		validModes := []string{"PASSIVE", "FULL", "RESTART", "TRUNCATE"}
		if !slices.Contains(validModes, m.WALCheckpointMode) {
			return fmt.Errorf("maintenance.wal_checkpoint_mode: must be one of: PASSIVE, FULL, RESTART, TRUNCATE")
		}
	}
	return nil
}

// LoggingConfig configures logging behavior with per-component log levels.
type LoggingConfig struct {
	// DefaultLevel is the default log level for all components
	// Options: "debug", "info", "warn", "error"
	DefaultLevel string `yaml:"default_level" json:"default_level" toml:"default_level"`

	// Development enables development mode (stack traces, console encoder)
	Development bool `yaml:"development" json:"development" toml:"development"`

	// ComponentLevels sets log levels for specific components,
	// keyed by the component names in internal/common
	ComponentLevels map[string]string `yaml:"component_levels,omitempty" json:"component_levels,omitempty" toml:"component_levels,omitempty"` //nolint:lll
}

// ApplyDefaults sets default values for optional logging configuration fields.
func (l *LoggingConfig) ApplyDefaults() {
	if l.DefaultLevel == "" {
		l.DefaultLevel = "info"
	}
	if l.ComponentLevels == nil {
		l.ComponentLevels = make(map[string]string)
	}
}

// Validate checks if the logging configuration is valid.
func (l *LoggingConfig) Validate() error {
	if l.DefaultLevel != "" {
		if _, valid := logger.ValidLogLevels[strings.ToLower(strings.TrimSpace(l.DefaultLevel))]; !valid {
			return fmt.Errorf("logging.default_level: must be one of: debug, info, warn, error")
		}
	}

	for component, level := range l.ComponentLevels {
		if _, validComponent := common.AllComponents[strings.ToLower(strings.TrimSpace(component))]; !validComponent {
			return fmt.Errorf("logging.component_levels: unknown component '%s'", component)
		}
		if _, valid := logger.ValidLogLevels[strings.ToLower(strings.TrimSpace(level))]; !valid {
			return fmt.Errorf("logging.component_levels.%s: must be one of: debug, info, warn, error", component)
		}
	}

	return nil
}

// LevelFor returns the effective log level for a component.
func (l *LoggingConfig) LevelFor(component string) string {
	if level, ok := l.ComponentLevels[component]; ok && level != "" {
		return level
	}
	if l.DefaultLevel != "" {
		return l.DefaultLevel
	}
	return "info"
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled controls whether the metrics HTTP server runs
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// ListenAddress is the host:port to bind the metrics server to
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`

	// Path is the HTTP path the metrics are served on
	Path string `yaml:"path" json:"path" toml:"path"`
}

// ApplyDefaults sets default values for optional metrics configuration fields.
func (m *MetricsConfig) ApplyDefaults() {
	if m.ListenAddress == "" {
		m.ListenAddress = ":9090"
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}
}
