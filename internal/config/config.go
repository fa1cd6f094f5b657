package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix scopes every environment override, e.g. CLASSPULSE_HTTP_PORT
const EnvPrefix = "CLASSPULSE"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig  `mapstructure:"database" validate:"required"`
	HTTP      *HTTPConfig      `mapstructure:"http" validate:"required"`
	WebSocket *WebSocketConfig `mapstructure:"websocket" validate:"required"`
	Auth      *AuthConfig      `mapstructure:"auth" validate:"required"`
	Presence  *PresenceConfig  `mapstructure:"presence" validate:"required"`
	RateLimit *RateLimitConfig `mapstructure:"ratelimit" validate:"required"`
	Fanout    *FanoutConfig    `mapstructure:"fanout" validate:"required"`
	Log       *LogConfig       `mapstructure:"log" validate:"required"`
}

// DatabaseConfig points at the SQLite file and bounds the connection pool
type DatabaseConfig struct {
	Path           string        `mapstructure:"path" validate:"required"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxConnections int           `mapstructure:"max_connections" validate:"gt=0"`
}

// FUNCTIONAL DISCOVERY: HTTP configuration balances performance and reliability
type HTTPConfig struct {
	Host        string        `mapstructure:"host" validate:"required"`
	Port        int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	// no write timeout: it would cut long-lived websocket connections, which
	// bound each frame with websocket.write_timeout instead
	// APIKey guards the producer API when set
	APIKey         string   `mapstructure:"api_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// FUNCTIONAL DISCOVERY: 30s heartbeat and 60s read deadline keep idle
// browser tabs alive through proxies
type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gtfield=PingInterval"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	BufferSize   int           `mapstructure:"buffer_size" validate:"gt=0"`
}

// AuthConfig holds the shared secret of the external token issuer
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=16"`
	Issuer    string `mapstructure:"issuer"`
}

// PresenceConfig tunes the offline transition
type PresenceConfig struct {
	// GracePeriod delays offline after the last connection closes; 0 is immediate
	GracePeriod time.Duration `mapstructure:"grace_period" validate:"gte=0"`
}

// RateLimitConfig bounds acknowledged requests per user
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests" validate:"gt=0"`
	Window   time.Duration `mapstructure:"window" validate:"gt=0"`
}

// FanoutConfig selects how broadcasts reach connections on other nodes
type FanoutConfig struct {
	Backend  string `mapstructure:"backend" validate:"oneof=local redis"`
	RedisURL string `mapstructure:"redis_url" validate:"required_if=Backend redis"`
	Channel  string `mapstructure:"channel" validate:"required"`
}

// LogConfig selects the zap preset
type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// DefaultConfig returns production-ready defaults for a single node
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/classpulse.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			ReadTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Auth: &AuthConfig{},
		Presence: &PresenceConfig{
			GracePeriod: 5 * time.Second,
		},
		RateLimit: &RateLimitConfig{
			Requests: 100,
			Window:   time.Minute,
		},
		Fanout: &FanoutConfig{
			Backend: "local",
			Channel: "classpulse:fanout",
		},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

var validate = validator.New()

// Validate checks every section against its struct tags
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid configuration: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Load builds the configuration with precedence env > file > defaults.
// path may be empty; a .env file in the working directory is loaded first
// when present.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	config := DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadDotEnv loads path if it exists; existing environment wins
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// TECHNICAL DISCOVERY: viper only binds environment variables for keys it
// already knows, so every field is registered with its default
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("database.path", c.Database.Path)
	v.SetDefault("database.timeout", c.Database.Timeout)
	v.SetDefault("database.max_connections", c.Database.MaxConnections)

	v.SetDefault("http.host", c.HTTP.Host)
	v.SetDefault("http.port", c.HTTP.Port)
	v.SetDefault("http.read_timeout", c.HTTP.ReadTimeout)
	v.SetDefault("http.api_key", c.HTTP.APIKey)
	v.SetDefault("http.allowed_origins", c.HTTP.AllowedOrigins)

	v.SetDefault("websocket.ping_interval", c.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", c.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", c.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", c.WebSocket.BufferSize)

	v.SetDefault("auth.jwt_secret", c.Auth.JWTSecret)
	v.SetDefault("auth.issuer", c.Auth.Issuer)

	v.SetDefault("presence.grace_period", c.Presence.GracePeriod)

	v.SetDefault("ratelimit.requests", c.RateLimit.Requests)
	v.SetDefault("ratelimit.window", c.RateLimit.Window)

	v.SetDefault("fanout.backend", c.Fanout.Backend)
	v.SetDefault("fanout.redis_url", c.Fanout.RedisURL)
	v.SetDefault("fanout.channel", c.Fanout.Channel)

	v.SetDefault("log.development", c.Log.Development)
	v.SetDefault("log.level", c.Log.Level)
}
