// Package config loads server configuration.
//
// Values start from Default, are overlaid by an optional YAML file and then
// by INVENTORY_SYNC_* environment variables, and are checked by Validate.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "INVENTORY_SYNC_"

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	// WSPath is where sync sessions are upgraded.
	WSPath string `yaml:"ws_path"`

	Storage     StorageConfig     `yaml:"storage"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Hub         HubConfig         `yaml:"hub"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	AMQP        AMQPConfig        `yaml:"amqp"`
	Log         LogConfig         `yaml:"log"`

	// NodeID distinguishes movement id generators across instances (0-1023).
	NodeID int64 `yaml:"node_id"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	// Driver is one of memory, sqlite, mysql, redis.
	Driver string `yaml:"driver"`

	SQLitePath string `yaml:"sqlite_path"`
	MySQLDSN   string `yaml:"mysql_dsn"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// IdempotencyConfig controls duplicate suppression of client resends.
type IdempotencyConfig struct {
	// Driver is memory or redis. Redis shares claims across instances.
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
}

type CatalogConfig struct {
	// CacheTTL caches thresholds read from SQL catalogs. Zero disables it.
	CacheTTL   time.Duration     `yaml:"cache_ttl"`
	Items      []ItemConfig      `yaml:"items"`
	Warehouses []WarehouseConfig `yaml:"warehouses"`
}

type ItemConfig struct {
	ID        int64  `yaml:"id"`
	Name      string `yaml:"name"`
	SKU       string `yaml:"sku"`
	Threshold *int   `yaml:"threshold"`
}

type WarehouseConfig struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
}

type AlertsConfig struct {
	// DefaultThreshold applies to items without their own threshold.
	DefaultThreshold int `yaml:"default_threshold"`
}

type HubConfig struct {
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type NotifierConfig struct {
	Workers int `yaml:"workers"`
	// QueueSize bounds each worker's queue.
	QueueSize int `yaml:"queue_size"`
}

// AMQPConfig enables event publishing when URL is set.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		WSPath:   "/ws-inventory",
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "inventory.db",
			MySQLDSN:   "root:root@tcp(localhost:3306)/inventory?parseTime=true",
			RedisAddr:  "localhost:6379",
		},
		Idempotency: IdempotencyConfig{
			Driver: "memory",
			TTL:    10 * time.Minute,
		},
		Catalog: CatalogConfig{
			CacheTTL: 30 * time.Second,
		},
		Alerts: AlertsConfig{
			DefaultThreshold: 0,
		},
		Hub: HubConfig{
			SendBuffer:   64,
			WriteTimeout: 10 * time.Second,
		},
		Notifier: NotifierConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		AMQP: AMQPConfig{
			Exchange: "inventory_events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		NodeID: 1,
	}
}

// Load builds the configuration from defaults, the file at path (skipped
// when path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"HTTP_ADDR":          &c.HTTPAddr,
		"GRPC_ADDR":          &c.GRPCAddr,
		"WS_PATH":            &c.WSPath,
		"STORAGE_DRIVER":     &c.Storage.Driver,
		"SQLITE_PATH":        &c.Storage.SQLitePath,
		"MYSQL_DSN":          &c.Storage.MySQLDSN,
		"REDIS_ADDR":         &c.Storage.RedisAddr,
		"REDIS_PASSWORD":     &c.Storage.RedisPassword,
		"IDEMPOTENCY_DRIVER": &c.Idempotency.Driver,
		"AMQP_URL":           &c.AMQP.URL,
		"AMQP_EXCHANGE":      &c.AMQP.Exchange,
		"LOG_LEVEL":          &c.Log.Level,
		"LOG_FORMAT":         &c.Log.Format,
	}
	for name, field := range strs {
		if v, ok := lookup(envPrefix + name); ok {
			*field = v
		}
	}

	ints := map[string]*int{
		"REDIS_DB":          &c.Storage.RedisDB,
		"DEFAULT_THRESHOLD": &c.Alerts.DefaultThreshold,
		"NOTIFIER_WORKERS":  &c.Notifier.Workers,
	}
	for name, field := range ints {
		v, ok := lookup(envPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*field = n
	}

	if v, ok := lookup(envPrefix + "NODE_ID"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sNODE_ID: %w", envPrefix, err)
		}
		c.NodeID = n
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	case "mysql":
		if c.Storage.MySQLDSN == "" {
			errs = append(errs, errors.New("storage.mysql_dsn is required for the mysql driver"))
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want memory, sqlite, mysql or redis", c.Storage.Driver))
	}

	switch c.Idempotency.Driver {
	case "memory":
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for the redis idempotency driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("idempotency.driver %q: want memory or redis", c.Idempotency.Driver))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws_path %q must start with /", c.WSPath))
	}
	if c.Alerts.DefaultThreshold < 0 {
		errs = append(errs, errors.New("alerts.default_threshold must be >= 0"))
	}
	if c.Hub.SendBuffer <= 0 {
		errs = append(errs, errors.New("hub.send_buffer must be positive"))
	}
	if c.Notifier.Workers <= 0 || c.Notifier.QueueSize <= 0 {
		errs = append(errs, errors.New("notifier.workers and notifier.queue_size must be positive"))
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("node_id %d out of range 0-1023", c.NodeID))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q: want json or text", c.Log.Format))
	}

	for _, item := range c.Catalog.Items {
		if item.ID <= 0 {
			errs = append(errs, fmt.Errorf("catalog item %q: id must be positive", item.Name))
		}
		if item.Threshold != nil && *item.Threshold < 0 {
			errs = append(errs, fmt.Errorf("catalog item %d: threshold must be >= 0", item.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
