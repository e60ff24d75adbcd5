package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime configuration.
//
// Precedence: built-in defaults, then the optional YAML file named by CHAT_CONFIG_FILE,
// then CHAT_* environment variables.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	DatabaseURL   string `yaml:"database_url"`
	DBMaxConns    int32  `yaml:"db_max_conns"`
	DBMinConns    int32  `yaml:"db_min_conns"`
	DBSchema      string `yaml:"db_schema"`
	DBAutoMigrate bool   `yaml:"db_auto_migrate"`

	// Pool lifetimes; zero keeps the pgxpool default.
	DBMaxConnLifetime   time.Duration `yaml:"db_max_conn_lifetime"`
	DBMaxConnIdleTime   time.Duration `yaml:"db_max_conn_idle_time"`
	DBHealthCheckPeriod time.Duration `yaml:"db_health_check_period"`
	// Bounds the startup ping and each /readyz check of the pool.
	DBPingTimeout time.Duration `yaml:"db_ping_timeout"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`

	PasetoPublicKeyHex string        `yaml:"paseto_public_key_hex"`
	PasetoIssuer       string        `yaml:"paseto_issuer"`
	TokenClockSkew     time.Duration `yaml:"token_clock_skew"`
	// DevAuth accepts the X-User-ID header (and raw user ids as WS tokens). Never enable in production.
	DevAuth bool `yaml:"dev_auth"`

	SendRateLimit  int           `yaml:"send_rate_limit"`
	SendRateWindow time.Duration `yaml:"send_rate_window"`
	DeleteWindow   time.Duration `yaml:"delete_window"`
	TypingTTL      time.Duration `yaml:"typing_ttl"`

	FanoutWorkers       int           `yaml:"fanout_workers"`
	FanoutQueueSize     int           `yaml:"fanout_queue_size"`
	FanoutNotifyTimeout time.Duration `yaml:"fanout_notify_timeout"`

	WSAllowedOrigins    []string      `yaml:"ws_allowed_origins"`
	WSOriginRequired    bool          `yaml:"ws_origin_required"`
	WSDevInsecure       bool          `yaml:"ws_dev_insecure"`
	WSSendQueue         int           `yaml:"ws_send_queue"`
	WSHeartbeatInterval time.Duration `yaml:"ws_heartbeat_interval"`
	WSReadIdleTimeout   time.Duration `yaml:"ws_read_idle_timeout"`
}

// DefaultConfig returns production-safe defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBMaxConns:    10,
		DBMinConns:    0,
		DBSchema:      "chat",
		DBAutoMigrate: true,

		DBMaxConnLifetime:   time.Hour,
		DBMaxConnIdleTime:   30 * time.Minute,
		DBHealthCheckPeriod: time.Minute,
		DBPingTimeout:       3 * time.Second,

		NATSSubject:  "chat.push",
		AMQPExchange: "chat.events",

		PasetoIssuer:   "identity",
		TokenClockSkew: 30 * time.Second,

		SendRateLimit:  30,
		SendRateWindow: time.Minute,
		DeleteWindow:   time.Hour,
		TypingTTL:      5 * time.Second,

		FanoutWorkers:       4,
		FanoutQueueSize:     1024,
		FanoutNotifyTimeout: 2 * time.Second,

		WSAllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WSOriginRequired:    true,
		WSSendQueue:         256,
		WSHeartbeatInterval: 25 * time.Second,
		WSReadIdleTimeout:   2 * time.Minute,
	}
}

// LoadConfig builds Config from defaults, the optional YAML file and the environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString("CHAT_CONFIG_FILE", ""); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.overlayEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	c.HTTPAddr = EnvString("CHAT_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = EnvString("CHAT_LOG_LEVEL", c.LogLevel)
	c.LogFormat = EnvString("CHAT_LOG_FORMAT", c.LogFormat)

	c.ReadHeaderTimeout = EnvDuration("CHAT_HTTP_READ_HEADER_TIMEOUT", c.ReadHeaderTimeout)
	c.ReadTimeout = EnvDuration("CHAT_HTTP_READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = EnvDuration("CHAT_HTTP_WRITE_TIMEOUT", c.WriteTimeout)
	c.IdleTimeout = EnvDuration("CHAT_HTTP_IDLE_TIMEOUT", c.IdleTimeout)
	c.ShutdownTimeout = EnvDuration("CHAT_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.MaxHeaderBytes = EnvInt("CHAT_HTTP_MAX_HEADER_BYTES", c.MaxHeaderBytes)

	c.DatabaseURL = EnvString("CHAT_DATABASE_URL", c.DatabaseURL)
	c.DBMaxConns = EnvInt32("CHAT_DB_MAX_CONNS", c.DBMaxConns)
	c.DBMinConns = EnvInt32("CHAT_DB_MIN_CONNS", c.DBMinConns)
	c.DBSchema = EnvString("CHAT_DB_SCHEMA", c.DBSchema)
	c.DBAutoMigrate = EnvBool("CHAT_DB_AUTO_MIGRATE", c.DBAutoMigrate)
	c.DBMaxConnLifetime = EnvDuration("CHAT_DB_MAX_CONN_LIFETIME", c.DBMaxConnLifetime)
	c.DBMaxConnIdleTime = EnvDuration("CHAT_DB_MAX_CONN_IDLE_TIME", c.DBMaxConnIdleTime)
	c.DBHealthCheckPeriod = EnvDuration("CHAT_DB_HEALTH_CHECK_PERIOD", c.DBHealthCheckPeriod)
	c.DBPingTimeout = EnvDuration("CHAT_DB_PING_TIMEOUT", c.DBPingTimeout)
	c.ReadinessRequireDB = EnvBool("CHAT_READINESS_REQUIRE_DB", c.ReadinessRequireDB)

	c.RedisAddr = EnvString("CHAT_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = EnvString("CHAT_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = EnvInt("CHAT_REDIS_DB", c.RedisDB)

	c.NATSURL = EnvString("CHAT_NATS_URL", c.NATSURL)
	c.NATSSubject = EnvString("CHAT_NATS_SUBJECT", c.NATSSubject)

	c.AMQPURL = EnvString("CHAT_AMQP_URL", c.AMQPURL)
	c.AMQPExchange = EnvString("CHAT_AMQP_EXCHANGE", c.AMQPExchange)

	c.PasetoPublicKeyHex = EnvString("CHAT_PASETO_PUBLIC_KEY_HEX", c.PasetoPublicKeyHex)
	c.PasetoIssuer = EnvString("CHAT_PASETO_ISSUER", c.PasetoIssuer)
	c.TokenClockSkew = EnvDuration("CHAT_TOKEN_CLOCK_SKEW", c.TokenClockSkew)
	c.DevAuth = EnvBool("CHAT_DEV_AUTH", c.DevAuth)

	c.SendRateLimit = EnvInt("CHAT_SEND_RATE_LIMIT", c.SendRateLimit)
	c.SendRateWindow = EnvDuration("CHAT_SEND_RATE_WINDOW", c.SendRateWindow)
	c.DeleteWindow = EnvDuration("CHAT_DELETE_WINDOW", c.DeleteWindow)
	c.TypingTTL = EnvDuration("CHAT_TYPING_TTL", c.TypingTTL)

	c.FanoutWorkers = EnvInt("CHAT_FANOUT_WORKERS", c.FanoutWorkers)
	c.FanoutQueueSize = EnvInt("CHAT_FANOUT_QUEUE_SIZE", c.FanoutQueueSize)
	c.FanoutNotifyTimeout = EnvDuration("CHAT_FANOUT_NOTIFY_TIMEOUT", c.FanoutNotifyTimeout)

	c.WSAllowedOrigins = EnvCSV("CHAT_WS_ALLOWED_ORIGINS", c.WSAllowedOrigins)
	c.WSOriginRequired = EnvBool("CHAT_WS_ORIGIN_REQUIRED", c.WSOriginRequired)
	c.WSDevInsecure = EnvBool("CHAT_WS_DEV_INSECURE", c.WSDevInsecure)
	c.WSSendQueue = EnvInt("CHAT_WS_SEND_QUEUE", c.WSSendQueue)
	c.WSHeartbeatInterval = EnvDuration("CHAT_WS_HEARTBEAT_INTERVAL", c.WSHeartbeatInterval)
	c.WSReadIdleTimeout = EnvDuration("CHAT_WS_READ_IDLE_TIMEOUT", c.WSReadIdleTimeout)
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if !c.DevAuth && strings.TrimSpace(c.PasetoPublicKeyHex) == "" {
		errs = append(errs, errors.New("paseto_public_key_hex is required unless dev_auth is enabled"))
	}
	if c.ReadinessRequireDB && strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("readiness_require_db needs database_url"))
	}
	if c.DBPingTimeout <= 0 {
		errs = append(errs, errors.New("db_ping_timeout must be positive"))
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("db_min_conns %d exceeds db_max_conns %d", c.DBMinConns, c.DBMaxConns))
	}
	if c.SendRateLimit <= 0 || c.SendRateWindow <= 0 {
		errs = append(errs, errors.New("send rate limit and window must be positive"))
	}
	if c.DeleteWindow <= 0 {
		errs = append(errs, errors.New("delete_window must be positive"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not one of json, pretty", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
