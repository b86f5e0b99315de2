package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Collab   CollabConfig   `yaml:"collab"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	TLSEnabled   bool          `yaml:"tls_enabled" env:"SERVER_TLS_ENABLED"`
	TLSCertFile  string        `yaml:"tls_cert_file" env:"SERVER_TLS_CERT_FILE"`
	TLSKeyFile   string        `yaml:"tls_key_file" env:"SERVER_TLS_KEY_FILE"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST"`
	Port     string `yaml:"port" env:"POSTGRES_PORT"`
	User     string `yaml:"user" env:"POSTGRES_USER"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD"`
	Database string `yaml:"database" env:"POSTGRES_DATABASE"`
	SSLMode  string `yaml:"sslmode" env:"POSTGRES_SSL_MODE"`
}

// ConnString returns a pgx-compatible connection string
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     string `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// Addr returns the host:port address for the Redis client
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// AuthConfig holds authentication configuration.
// Identity validation happens upstream at the API gateway; the engine only
// verifies the signature and expiry of the collab ticket the gateway issues.
type AuthConfig struct {
	TicketSecret    string        `yaml:"ticket_secret" env:"COLLAB_TICKET_SECRET"`
	TicketMaxAge    time.Duration `yaml:"ticket_max_age" env:"COLLAB_TICKET_MAX_AGE"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	AllowAllOrigins bool          `yaml:"allow_all_origins" env:"COLLAB_ALLOW_ALL_ORIGINS"`
}

// CollabConfig holds collaboration engine tuning knobs
type CollabConfig struct {
	// LockTTL is how long a field lock lives without renewal
	LockTTL time.Duration `yaml:"lock_ttl" env:"COLLAB_LOCK_TTL"`
	// LockSweepInterval is how often expired locks are swept
	LockSweepInterval time.Duration `yaml:"lock_sweep_interval" env:"COLLAB_LOCK_SWEEP_INTERVAL"`
	// SessionGraceWindow is how long a disconnected session may reconnect
	SessionGraceWindow time.Duration `yaml:"session_grace_window" env:"COLLAB_SESSION_GRACE_WINDOW"`
	// RoomEvictionDelay is how long an empty room lingers before eviction
	RoomEvictionDelay time.Duration `yaml:"room_eviction_delay" env:"COLLAB_ROOM_EVICTION_DELAY"`
	// ReplayCapacity is the per-room replay ring size
	ReplayCapacity int `yaml:"replay_capacity" env:"COLLAB_REPLAY_CAPACITY"`
	// PresenceThrottle is the per-session minimum interval between
	// outbound presence broadcasts
	PresenceThrottle time.Duration `yaml:"presence_throttle" env:"COLLAB_PRESENCE_THROTTLE"`
	// OpsPerMinute is the per-session operation submission ceiling
	OpsPerMinute int `yaml:"ops_per_minute" env:"COLLAB_OPS_PER_MINUTE"`
	// PresencePerMinute is the per-session presence update ceiling
	PresencePerMinute int `yaml:"presence_per_minute" env:"COLLAB_PRESENCE_PER_MINUTE"`
	// AbuseViolationLimit is the number of consecutive rate limit
	// violations before a session is disconnected
	AbuseViolationLimit int `yaml:"abuse_violation_limit" env:"COLLAB_ABUSE_VIOLATION_LIMIT"`
	// IdempotencyCacheSize is the per-session recent-operation result cache size
	IdempotencyCacheSize int `yaml:"idempotency_cache_size" env:"COLLAB_IDEMPOTENCY_CACHE_SIZE"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOGGING_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOGGING_IS_DEV"`
	LogDir           string `yaml:"log_dir" env:"LOGGING_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOGGING_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOGGING_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOGGING_CONSOLE"`
}

// Default returns a configuration with sensible defaults applied
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     "5432",
				User:     "postgres",
				Database: "formlab",
				SSLMode:  "disable",
			},
			Redis: RedisConfig{
				Host: "localhost",
				Port: "6379",
			},
		},
		Auth: AuthConfig{
			TicketMaxAge: 5 * time.Minute,
		},
		Collab: CollabConfig{
			LockTTL:              30 * time.Second,
			LockSweepInterval:    5 * time.Second,
			SessionGraceWindow:   60 * time.Second,
			RoomEvictionDelay:    5 * time.Minute,
			ReplayCapacity:       256,
			PresenceThrottle:     50 * time.Millisecond,
			OpsPerMinute:         300,
			PresencePerMinute:    1200,
			AbuseViolationLimit:  10,
			IdempotencyCacheSize: 128,
		},
		Logging: LoggingConfig{
			Level:            "info",
			AlsoLogToConsole: true,
		},
	}
}

// Load loads configuration from a YAML file with environment variable overrides.
// An empty configFile loads defaults plus environment overrides only.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		data, err := os.ReadFile(configFile) // #nosec G304 - path supplied by operator
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
		}
	}

	if err := applyEnvOverrides(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.TLSEnabled && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file are required when TLS is enabled")
	}
	if c.Auth.TicketSecret == "" {
		return fmt.Errorf("auth ticket_secret is required")
	}
	if c.Collab.LockTTL <= 0 {
		return fmt.Errorf("collab lock_ttl must be positive")
	}
	if c.Collab.SessionGraceWindow <= 0 {
		return fmt.Errorf("collab session_grace_window must be positive")
	}
	if c.Collab.ReplayCapacity <= 0 {
		return fmt.Errorf("collab replay_capacity must be positive")
	}
	return nil
}

// applyEnvOverrides walks the config struct and applies values from
// environment variables named in `env` tags
func applyEnvOverrides(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Recurse into nested structs
		if field.Kind() == reflect.Struct && fieldType.Type != reflect.TypeOf(time.Duration(0)) {
			if err := applyEnvOverrides(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldFromString sets a reflect.Value from its string representation
func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		// Durations accept Go duration syntax ("30s", "5m")
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
			return nil
		}
		return fmt.Errorf("unsupported slice type %s", field.Type())
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
