package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Signal configures the rendezvous WebSocket endpoint.
	Signal struct {
		InstanceID   string        `yaml:"instance_id"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		PresenceTTL  time.Duration `yaml:"presence_ttl"`
	} `yaml:"signal"`

	Peer struct {
		ID          string `yaml:"id"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"peer"`

	Connectivity struct {
		ServiceType    string            `yaml:"service_type"`
		ConnectionType string            `yaml:"connection_type"`
		InviteTimeout  time.Duration     `yaml:"invite_timeout"`
		DiscoveryInfo  map[string]string `yaml:"discovery_info"`
	} `yaml:"connectivity"`

	// Rendezvous configures how a peer reaches the rendezvous server.
	Rendezvous struct {
		URL             string        `yaml:"url"`
		Token           string        `yaml:"token"`
		DialAttempts    int           `yaml:"dial_attempts"`
		DialRetryDelay  time.Duration `yaml:"dial_retry_delay"`
		MaxMessageBytes int64         `yaml:"max_message_bytes"`
	} `yaml:"rendezvous"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		// JWTSecret empty means peers join without a token.
		JWTSecret       string        `yaml:"jwt_secret"`
		TokenTTL        time.Duration `yaml:"token_ttl"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.PresenceTTL <= 0 {
		return fmt.Errorf("signal.presence_ttl must be > 0")
	}

	// Connectivity
	if c.Connectivity.ServiceType == "" {
		return fmt.Errorf("connectivity.service_type must not be empty")
	}
	switch c.Connectivity.ConnectionType {
	case "", "automatic", "auto", "invite_only", "invite-only", "custom":
	default:
		return fmt.Errorf("connectivity.connection_type %q is not one of automatic, invite_only, custom", c.Connectivity.ConnectionType)
	}
	if c.Connectivity.InviteTimeout <= 0 {
		return fmt.Errorf("connectivity.invite_timeout must be > 0")
	}

	// Rendezvous
	if c.Rendezvous.URL == "" {
		return fmt.Errorf("rendezvous.url must not be empty")
	}
	if c.Rendezvous.DialAttempts < 0 {
		return fmt.Errorf("rendezvous.dial_attempts must be >= 0")
	}
	if c.Rendezvous.MaxMessageBytes <= 0 {
		return fmt.Errorf("rendezvous.max_message_bytes must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret != "" && c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0 when auth.jwt_secret is set")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.PresenceTTL = 2 * time.Minute

	cfg.Connectivity.ServiceType = "peerconn"
	cfg.Connectivity.ConnectionType = "automatic"
	cfg.Connectivity.InviteTimeout = 30 * time.Second

	cfg.Rendezvous.URL = "ws://localhost:8080/ws"
	cfg.Rendezvous.DialAttempts = 5
	cfg.Rendezvous.DialRetryDelay = 500 * time.Millisecond
	cfg.Rendezvous.MaxMessageBytes = 8 << 20

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 8 << 20

	cfg.Tracing.ServiceName = "peerconnectivity"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("PEERCONN_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if id := os.Getenv("PEERCONN_INSTANCE_ID"); id != "" {
		c.Signal.InstanceID = id
	}
	if id := os.Getenv("PEERCONN_PEER_ID"); id != "" {
		c.Peer.ID = id
	}
	if name := os.Getenv("PEERCONN_DISPLAY_NAME"); name != "" {
		c.Peer.DisplayName = name
	}
	if serviceType := os.Getenv("PEERCONN_SERVICE_TYPE"); serviceType != "" {
		c.Connectivity.ServiceType = serviceType
	}
	if connectionType := os.Getenv("PEERCONN_CONNECTION_TYPE"); connectionType != "" {
		c.Connectivity.ConnectionType = connectionType
	}
	if url := os.Getenv("PEERCONN_RENDEZVOUS_URL"); url != "" {
		c.Rendezvous.URL = url
	}
	if token := os.Getenv("PEERCONN_RENDEZVOUS_TOKEN"); token != "" {
		c.Rendezvous.Token = token
	}
	if level := os.Getenv("PEERCONN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("PEERCONN_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("PEERCONN_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if enabled, err := strconv.ParseBool(os.Getenv("PEERCONN_TRACING_ENABLED")); err == nil {
		c.Tracing.Enabled = enabled
	}
}
