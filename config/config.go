package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	MQTT       MQTTConfig     `json:"mqtt"`
	Postgres   PostgresConfig `json:"postgres"`
	Redis      RedisConfig    `json:"redis"`
	Notifier   NotifierConfig `json:"notifier"`
	Orion      OrionConfig    `json:"orion"`
	Leader     LeaderConfig   `json:"leader"`
	Cache      CacheConfig    `json:"cache"`
	Processing ProcConfig     `json:"processing"`
	Logging    LogConfig      `json:"logging"`
	Metrics    MetricsConfig  `json:"metrics"`
}

type MQTTConfig struct {
	Broker         string `json:"broker"`
	ClientID       string `json:"clientId"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	QoS            int    `json:"qos"`
	ConnectTimeout string `json:"connectTimeout"` // Duration string
	ReconnectDelay string `json:"reconnectDelay"` // Duration string
	TLS            struct {
		Enable   bool   `json:"enable"`
		CertFile string `json:"certFile"`
		KeyFile  string `json:"keyFile"`
		CAFile   string `json:"caFile"`
	} `json:"tls"`
}

type PostgresConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	Password       string `json:"password"`
	Database       string `json:"database"`
	MaxConns       int    `json:"maxConns"`
	BackoffCeiling string `json:"connectBackoffCeiling"` // Duration string
}

type RedisConfig struct {
	URL string `json:"url"`
}

type NotifierConfig struct {
	Backend        string `json:"backend"` // redis, postgres or nats
	NATSUrl        string `json:"natsUrl"`
	ReceiveTimeout string `json:"receiveTimeout"` // Duration string
}

type OrionConfig struct {
	URL            string `json:"url"`
	Service        string `json:"service"`
	ServicePath    string `json:"servicePath"`
	ConnectTimeout string `json:"connectTimeout"` // Duration string
	RequestTimeout string `json:"requestTimeout"` // Duration string
}

type LeaderConfig struct {
	Key           string `json:"key"`
	LeaseDuration string `json:"leaseDuration"` // Duration string
}

type CacheConfig struct {
	Capacity        int    `json:"capacity"`
	EmptyRetries    int    `json:"emptyRetries"`
	EmptyRetryDelay string `json:"emptyRetryDelay"` // Duration string
}

type ProcConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queueSize"`
}

type LogConfig struct {
	Level      string `json:"level"`      // debug, info, warn, error
	OutputPath string `json:"outputPath"` // file path or "stdout"
	Encoding   string `json:"encoding"`   // json or console
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled"`
	Address        string `json:"address"`
	Path           string `json:"path"`
	UpdateInterval string `json:"updateInterval"` // Duration string
}

// Load builds the configuration from an optional JSON file, defaults, and
// the process environment, in that order. An empty path skips the file and
// runs environment-only.
func Load(path string) (*Config, error) {
	var config Config
	config.MQTT.QoS = 1
	config.Cache.EmptyRetries = 2
	config.Metrics.Enabled = true

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Set defaults for MQTT
	if config.MQTT.Broker == "" {
		config.MQTT.Broker = "mqtt://localhost:1883"
	}
	if config.MQTT.ClientID == "" {
		config.MQTT.ClientID = "mqtt-orion-gateway"
	}
	if config.MQTT.ConnectTimeout == "" {
		config.MQTT.ConnectTimeout = "30s"
	}
	if config.MQTT.ReconnectDelay == "" {
		config.MQTT.ReconnectDelay = "5s"
	}

	// Set defaults for Postgres
	if config.Postgres.Host == "" {
		config.Postgres.Host = "localhost"
	}
	if config.Postgres.Port == 0 {
		config.Postgres.Port = 5432
	}
	if config.Postgres.User == "" {
		config.Postgres.User = "postgres"
	}
	if config.Postgres.Database == "" {
		config.Postgres.Database = "gateway"
	}
	if config.Postgres.MaxConns <= 0 {
		config.Postgres.MaxConns = 4
	}
	if config.Postgres.BackoffCeiling == "" {
		config.Postgres.BackoffCeiling = "5s"
	}

	// Set defaults for the lease store and notification bus
	if config.Redis.URL == "" {
		config.Redis.URL = "redis://localhost:6379"
	}
	if config.Notifier.Backend == "" {
		config.Notifier.Backend = "redis"
	}
	if config.Notifier.NATSUrl == "" {
		config.Notifier.NATSUrl = "nats://localhost:4222"
	}
	if config.Notifier.ReceiveTimeout == "" {
		config.Notifier.ReceiveTimeout = "1s"
	}

	// Set defaults for the Context Broker
	if config.Orion.URL == "" {
		config.Orion.URL = "http://localhost:1026"
	}
	if config.Orion.Service == "" {
		config.Orion.Service = "gateway"
	}
	if config.Orion.ServicePath == "" {
		config.Orion.ServicePath = "/gateway"
	}
	if config.Orion.ConnectTimeout == "" {
		config.Orion.ConnectTimeout = "2s"
	}
	if config.Orion.RequestTimeout == "" {
		config.Orion.RequestTimeout = "5s"
	}

	// Set defaults for leader election
	if config.Leader.Key == "" {
		config.Leader.Key = "mqtt-orion-gateway:leader"
	}
	if config.Leader.LeaseDuration == "" {
		config.Leader.LeaseDuration = "60s"
	}

	// Set defaults for the rule cache
	if config.Cache.Capacity <= 0 {
		config.Cache.Capacity = 1024
	}
	if config.Cache.EmptyRetries < 0 {
		config.Cache.EmptyRetries = 0
	}
	if config.Cache.EmptyRetryDelay == "" {
		config.Cache.EmptyRetryDelay = "250ms"
	}

	// Set defaults for processing
	if config.Processing.Workers <= 0 {
		config.Processing.Workers = 12
	}
	if config.Processing.QueueSize <= 0 {
		config.Processing.QueueSize = 8192
	}

	// Set defaults for logging
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.OutputPath == "" {
		config.Logging.OutputPath = "stdout"
	}
	if config.Logging.Encoding == "" {
		config.Logging.Encoding = "json"
	}

	// Set defaults for metrics
	if config.Metrics.Address == "" {
		config.Metrics.Address = ":2112"
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}
	if config.Metrics.UpdateInterval == "" {
		config.Metrics.UpdateInterval = "15s"
	}

	if err := applyEnv(&config); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyEnv overlays the environment variables consumed by the gateway onto
// the loaded configuration. Environment wins over the file.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("MQTT_HOST"); v != "" {
		cfg.MQTT.Broker = normalizeBrokerURL(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Notifier.NATSUrl = v
	}
	if v := os.Getenv("ORION_URL"); v != "" {
		cfg.Orion.URL = v
	}
	if v := os.Getenv("FIWARE_SERVICE"); v != "" {
		cfg.Orion.Service = v
	}
	if v := os.Getenv("FIWARE_SERVICEPATH"); v != "" {
		cfg.Orion.ServicePath = v
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		host, port, err := splitHostPort(v)
		if err != nil {
			return fmt.Errorf("invalid POSTGRES_HOST: %w", err)
		}
		cfg.Postgres.Host = host
		if port != 0 {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		cfg.Postgres.Database = v
	}
	return nil
}

// normalizeBrokerURL accepts a bare host, a host:port pair, or a full URL
// and returns a broker URL usable by the MQTT client.
func normalizeBrokerURL(v string) string {
	if strings.Contains(v, "://") {
		return v
	}
	if _, _, err := net.SplitHostPort(v); err == nil {
		return "mqtt://" + v
	}
	return "mqtt://" + v + ":1883"
}

func splitHostPort(v string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(v)
	if err != nil {
		return v, 0, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	return host, port, nil
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	// Validate MQTT config
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker address is required")
	}
	if _, err := url.Parse(cfg.MQTT.Broker); err != nil {
		return fmt.Errorf("invalid mqtt broker url: %w", err)
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}

	// Validate TLS config if enabled
	if cfg.MQTT.TLS.Enable {
		if cfg.MQTT.TLS.CertFile == "" {
			return fmt.Errorf("tls cert file is required when tls is enabled")
		}
		if cfg.MQTT.TLS.KeyFile == "" {
			return fmt.Errorf("tls key file is required when tls is enabled")
		}
		if cfg.MQTT.TLS.CAFile == "" {
			return fmt.Errorf("tls ca file is required when tls is enabled")
		}
	}

	// Validate Postgres config
	if cfg.Postgres.Host == "" {
		return fmt.Errorf("postgres host is required")
	}
	if cfg.Postgres.User == "" {
		return fmt.Errorf("postgres user is required")
	}
	if cfg.Postgres.Database == "" {
		return fmt.Errorf("postgres database is required")
	}

	// Validate notifier config
	switch cfg.Notifier.Backend {
	case "redis", "postgres", "nats":
	default:
		return fmt.Errorf("invalid notifier backend: %s", cfg.Notifier.Backend)
	}
	if cfg.Notifier.Backend == "nats" && cfg.Notifier.NATSUrl == "" {
		return fmt.Errorf("nats url is required for the nats notifier")
	}

	// The lease store is Redis regardless of the notifier backend.
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}

	// Validate Context Broker config
	if cfg.Orion.URL == "" {
		return fmt.Errorf("orion url is required")
	}
	if u, err := url.Parse(cfg.Orion.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid orion url: %s", cfg.Orion.URL)
	}
	if cfg.Orion.Service == "" {
		return fmt.Errorf("fiware service is required")
	}
	if !strings.HasPrefix(cfg.Orion.ServicePath, "/") {
		return fmt.Errorf("fiware service path must start with /")
	}

	// Validate leader election config
	if cfg.Leader.Key == "" {
		return fmt.Errorf("leader key is required")
	}
	if d, err := time.ParseDuration(cfg.Leader.LeaseDuration); err != nil || d < 2*time.Second {
		return fmt.Errorf("lease duration must be a duration of at least 2s")
	}

	// Validate durations
	for _, d := range []struct {
		name  string
		value string
	}{
		{"mqtt connect timeout", cfg.MQTT.ConnectTimeout},
		{"mqtt reconnect delay", cfg.MQTT.ReconnectDelay},
		{"postgres backoff ceiling", cfg.Postgres.BackoffCeiling},
		{"notifier receive timeout", cfg.Notifier.ReceiveTimeout},
		{"orion connect timeout", cfg.Orion.ConnectTimeout},
		{"orion request timeout", cfg.Orion.RequestTimeout},
		{"cache empty retry delay", cfg.Cache.EmptyRetryDelay},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	// Validate processing config
	if cfg.Processing.Workers < 1 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if cfg.Processing.QueueSize < 1 {
		return fmt.Errorf("queue size must be greater than 0")
	}

	// Validate logging config
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	// Validate metrics config
	if cfg.Metrics.Enabled {
		if _, err := time.ParseDuration(cfg.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
	}

	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(workers, queueSize int, metricsAddr string) {
	if workers > 0 {
		c.Processing.Workers = workers
	}
	if queueSize > 0 {
		c.Processing.QueueSize = queueSize
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
}

// Duration parses a validated duration string. Values reaching this helper
// have already passed validateConfig, so a parse failure yields zero.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// DSN renders the Postgres connection URL for pgx.
func (p PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	if p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	} else {
		u.User = url.User(p.User)
	}
	return u.String()
}
