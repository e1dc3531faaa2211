// Package config assembles the daemon settings from an optional .env file and
// LOOPCAST_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"loopcast/internal/acquire"
	"loopcast/internal/broadcast"
	"loopcast/internal/cache"
	"loopcast/internal/encoder"
	"loopcast/internal/workspace"
)

const envPrefix = "LOOPCAST_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverJSON     = "json"
	DriverPostgres = "postgres"
)

// StoreConfig selects and tunes the durable record.
type StoreConfig struct {
	Driver          string
	DataPath        string
	PostgresDSN     string
	TokenPassphrase string
	LogRetention    int
}

// Config is the complete daemon configuration.
type Config struct {
	HTTPAddr          string
	APIToken          string
	LogLevel          string
	LogFormat         string
	ShutdownTimeout   time.Duration
	LoopCount         int
	StaleFactor       int
	CacheTTL          time.Duration
	ReconcileInterval time.Duration
	ProfilePath       string

	Workspace   workspace.Config
	Acquire     acquire.Config
	ObjectStore acquire.ObjectStoreConfig
	Encoder     encoder.Config
	Profile     encoder.Profile
	Broadcast   broadcast.Config
	Store       StoreConfig
	Redis       cache.RedisConfig
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		HTTPAddr:          ":8090",
		LogLevel:          "info",
		LogFormat:         "json",
		ShutdownTimeout:   2 * time.Minute,
		LoopCount:         100,
		StaleFactor:       3,
		CacheTTL:          24 * time.Hour,
		ReconcileInterval: time.Hour,
		Workspace:         workspace.Config{Root: workspace.DefaultRoot},
		Acquire:           acquire.DefaultConfig(),
		ObjectStore:       acquire.ObjectStoreConfig{Expiry: time.Hour},
		Encoder:           encoder.DefaultConfig(),
		Profile:           encoder.DefaultProfile(),
		Broadcast: broadcast.Config{
			Client: broadcast.ClientConfig{BaseURL: broadcast.DefaultBaseURL, CallTimeout: 30 * time.Second},
		},
		Store: StoreConfig{Driver: DriverMemory, DataPath: "loopcast.json"},
	}
}

// Load reads the given .env files (".env" when none are named; missing files
// are ignored) and then overlays LOOPCAST_ variables on the defaults.
func Load(paths ...string) (Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (Config, error) {
	cfg := Default()
	e := &env{}

	e.str("HTTP_ADDR", &cfg.HTTPAddr)
	e.str("API_TOKEN", &cfg.APIToken)
	e.str("LOG_LEVEL", &cfg.LogLevel)
	e.str("LOG_FORMAT", &cfg.LogFormat)
	e.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	e.integer("LOOP_COUNT", &cfg.LoopCount)
	e.integer("HEARTBEAT_STALE_FACTOR", &cfg.StaleFactor)
	e.duration("CACHE_TTL", &cfg.CacheTTL)
	e.duration("RECONCILE_INTERVAL", &cfg.ReconcileInterval)

	e.str("WORKSPACE_ROOT", &cfg.Workspace.Root)

	e.integer("DOWNLOAD_WORKERS", &cfg.Acquire.Workers)
	e.integer("DOWNLOAD_CHUNK_BYTES", &cfg.Acquire.ChunkSize)
	e.duration("DOWNLOAD_TIMEOUT", &cfg.Acquire.DownloadTimeout)
	e.duration("DOWNLOAD_PROGRESS_INTERVAL", &cfg.Acquire.ProgressInterval)
	e.str("RESOLVER_BINARY", &cfg.Acquire.ResolverBinary)
	e.str("RESOLVER_FORMAT", &cfg.Acquire.ResolverFormat)
	e.duration("RESOLVER_TIMEOUT", &cfg.Acquire.ResolveTimeout)

	e.str("S3_ENDPOINT", &cfg.ObjectStore.Endpoint)
	e.str("S3_ACCESS_KEY", &cfg.ObjectStore.AccessKey)
	e.str("S3_SECRET_KEY", &cfg.ObjectStore.SecretKey)
	e.str("S3_REGION", &cfg.ObjectStore.Region)
	e.boolean("S3_USE_SSL", &cfg.ObjectStore.UseSSL)
	e.duration("S3_PRESIGN_EXPIRY", &cfg.ObjectStore.Expiry)

	e.str("ENCODER_BINARY", &cfg.Encoder.Binary)
	e.integer("ENCODER_MAX_RESTARTS", &cfg.Encoder.MaxRestarts)
	e.duration("ENCODER_BACKOFF_BASE", &cfg.Encoder.BackoffBase)
	e.duration("ENCODER_BACKOFF_CAP", &cfg.Encoder.BackoffCap)
	e.duration("ENCODER_HEARTBEAT", &cfg.Encoder.HeartbeatInterval)
	e.duration("ENCODER_STOP_GRACE", &cfg.Encoder.StopGrace)
	e.duration("ENCODER_TERM_WAIT", &cfg.Encoder.TermWait)
	e.str("ENCODER_PROFILE", &cfg.ProfilePath)

	e.str("BROADCAST_API_URL", &cfg.Broadcast.Client.BaseURL)
	e.duration("BROADCAST_TIMEOUT", &cfg.Broadcast.Client.CallTimeout)
	e.str("BROADCAST_PRIVACY", &cfg.Broadcast.PrivacyStatus)
	e.str("OAUTH_CLIENT_ID", &cfg.Broadcast.OAuth.ClientID)
	e.str("OAUTH_CLIENT_SECRET", &cfg.Broadcast.OAuth.ClientSecret)
	e.str("OAUTH_TOKEN_URL", &cfg.Broadcast.OAuth.TokenURL)

	e.str("STORE_DRIVER", &cfg.Store.Driver)
	e.str("DATA_PATH", &cfg.Store.DataPath)
	e.str("POSTGRES_DSN", &cfg.Store.PostgresDSN)
	e.str("TOKEN_PASSPHRASE", &cfg.Store.TokenPassphrase)
	e.integer("LOG_RETENTION", &cfg.Store.LogRetention)

	e.str("REDIS_ADDR", &cfg.Redis.Addr)
	e.list("REDIS_ADDRS", &cfg.Redis.Addrs)
	e.str("REDIS_USERNAME", &cfg.Redis.Username)
	e.str("REDIS_PASSWORD", &cfg.Redis.Password)
	e.str("REDIS_MASTER_NAME", &cfg.Redis.MasterName)
	e.integer("REDIS_DB", &cfg.Redis.DB)
	e.integer("REDIS_POOL_SIZE", &cfg.Redis.PoolSize)
	e.str("REDIS_TLS_CA", &cfg.Redis.TLS.CAFile)
	e.str("REDIS_TLS_CERT", &cfg.Redis.TLS.CertFile)
	e.str("REDIS_TLS_KEY", &cfg.Redis.TLS.KeyFile)
	e.str("REDIS_TLS_SERVER_NAME", &cfg.Redis.TLS.ServerName)
	e.boolean("REDIS_TLS_SKIP_VERIFY", &cfg.Redis.TLS.InsecureSkipVerify)

	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if err := cfg.LoadProfile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadProfile replaces Profile with the contents of ProfilePath when set.
func (c *Config) LoadProfile() error {
	if strings.TrimSpace(c.ProfilePath) == "" {
		return nil
	}
	profile, err := encoder.LoadProfile(c.ProfilePath)
	if err != nil {
		return err
	}
	c.Profile = profile
	return nil
}

// RedisEnabled reports whether a Redis cache mirror is configured.
func (c Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != "" || len(c.Redis.Addrs) > 0
}

// Validate reports every missing or inconsistent setting.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.HTTPAddr) == "" {
		problems = append(problems, "HTTP_ADDR is required")
	}
	if strings.TrimSpace(c.Workspace.Root) == "" {
		problems = append(problems, "WORKSPACE_ROOT is required")
	}
	if c.LoopCount < 1 {
		problems = append(problems, "LOOP_COUNT must be at least 1")
	}
	if c.StaleFactor < 1 {
		problems = append(problems, "HEARTBEAT_STALE_FACTOR must be at least 1")
	}
	if c.Acquire.Workers < 1 {
		problems = append(problems, "DOWNLOAD_WORKERS must be at least 1")
	}
	if c.Acquire.ChunkSize < 1 {
		problems = append(problems, "DOWNLOAD_CHUNK_BYTES must be positive")
	}
	if c.Encoder.MaxRestarts < 0 {
		problems = append(problems, "ENCODER_MAX_RESTARTS must not be negative")
	}
	if c.Encoder.BackoffCap < c.Encoder.BackoffBase {
		problems = append(problems, "ENCODER_BACKOFF_CAP must not be below ENCODER_BACKOFF_BASE")
	}
	if strings.TrimSpace(c.Broadcast.OAuth.ClientID) == "" {
		problems = append(problems, "OAUTH_CLIENT_ID is required")
	}
	if strings.TrimSpace(c.Broadcast.OAuth.ClientSecret) == "" {
		problems = append(problems, "OAUTH_CLIENT_SECRET is required")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverJSON:
		if strings.TrimSpace(c.Store.DataPath) == "" {
			problems = append(problems, "DATA_PATH is required for the json store")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			problems = append(problems, "POSTGRES_DSN is required for the postgres store")
		}
	default:
		problems = append(problems, fmt.Sprintf("STORE_DRIVER %q is not one of memory, json, postgres", c.Store.Driver))
	}
	if c.ObjectStore.Enabled() {
		if err := c.ObjectStore.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if err := c.Profile.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// env reads prefixed variables and collects parse failures. Unset or blank
// variables leave the target untouched.
type env struct {
	errs []error
}

func (e *env) lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (e *env) fail(key string, err error) {
	e.errs = append(e.errs, fmt.Errorf("parse %s%s: %w", envPrefix, key, err))
}

func (e *env) str(key string, dst *string) {
	if value, ok := e.lookup(key); ok {
		*dst = value
	}
}

func (e *env) list(key string, dst *[]string) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	*dst = out
}

func (e *env) integer(key string, dst *int) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *env) boolean(key string, dst *bool) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = b
}

func (e *env) duration(key string, dst *time.Duration) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = d
}
