package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"peercall/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Signal struct {
		Address         string        `yaml:"address"`
		InstanceID      string        `yaml:"instance_id"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PresenceTTL     time.Duration `yaml:"presence_ttl"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		Audio bool `yaml:"audio"`
		Video bool `yaml:"video"`
	} `yaml:"webrtc"`

	Call struct {
		RingingTimeout time.Duration `yaml:"ringing_timeout"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		SendTimeout    time.Duration `yaml:"send_timeout"`
	} `yaml:"call"`

	Agent struct {
		Participant string `yaml:"participant"`
		CallerName  string `yaml:"caller_name"`
		// Transport is "ws" (relay), "redis" or "memory".
		Transport      string `yaml:"transport"`
		RelayURL       string `yaml:"relay_url"`
		Token          string `yaml:"token"`
		MetricsAddress string `yaml:"metrics_address"`
		Dial           struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"dial"`
		Breaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"breaker"`
	} `yaml:"agent"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Address  string        `yaml:"address"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		PoolSize int           `yaml:"pool_size"`
		LeaseTTL time.Duration `yaml:"lease_ttl"`
	} `yaml:"redis"`

	Auth struct {
		// An empty secret disables token checks; the relay then trusts the
		// participant_id query parameter.
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	// MaxMessageSizeBytes bounds a single relay frame whether or not rate
	// limiting is enabled.
	MaxMessageSizeBytes int64 `yaml:"max_message_size_bytes"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	// Presence is refreshed on each ping.
	if c.Signal.PresenceTTL <= c.Signal.PingInterval {
		return fmt.Errorf("signal.presence_ttl must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}

	// WebRTC
	for _, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers entries need at least one url")
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers: %w", err)
			}
		}
	}
	if err := validation.ValidatePortRange(c.WebRTC.PortRange.Min, c.WebRTC.PortRange.Max); err != nil {
		return fmt.Errorf("webrtc.port_range: %w", err)
	}

	// Call
	if c.Call.RingingTimeout < 0 || c.Call.ConnectTimeout < 0 {
		return fmt.Errorf("call timeouts must be >= 0")
	}
	if c.Call.SendTimeout <= 0 {
		return fmt.Errorf("call.send_timeout must be > 0")
	}

	// Agent
	switch c.Agent.Transport {
	case "ws":
		if err := validation.ValidateURL(c.Agent.RelayURL, "ws", "wss"); err != nil {
			return fmt.Errorf("agent.relay_url: %w", err)
		}
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("agent.transport=redis requires redis.enabled=true")
		}
	case "memory":
	default:
		return fmt.Errorf("agent.transport must be ws, redis or memory")
	}
	if c.Agent.Participant != "" {
		if err := validation.ValidateParticipantID(c.Agent.Participant); err != nil {
			return fmt.Errorf("agent.participant: %w", err)
		}
	}
	if c.Agent.Dial.MaxAttempts < 0 {
		return fmt.Errorf("agent.dial.max_attempts must be >= 0")
	}
	if c.Agent.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("agent.breaker.failure_threshold must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL, "http", "https"); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.LeaseTTL <= 0 {
			return fmt.Errorf("redis.lease_ttl must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret != "" && c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0 when auth.jwt_secret is set")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}
	if c.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("max_message_size_bytes must be > 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// Defaults plus environment.
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.PresenceTTL = 90 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.Audio = true
	cfg.WebRTC.Video = true

	cfg.Call.RingingTimeout = 45 * time.Second
	cfg.Call.ConnectTimeout = 20 * time.Second
	cfg.Call.SendTimeout = 5 * time.Second

	cfg.Agent.Transport = "ws"
	cfg.Agent.RelayURL = "ws://localhost:8081/ws"
	cfg.Agent.MetricsAddress = ":9091"
	cfg.Agent.Dial.MaxAttempts = 5
	cfg.Agent.Dial.InitialDelay = 500 * time.Millisecond
	cfg.Agent.Dial.MaxDelay = 10 * time.Second
	cfg.Agent.Breaker.FailureThreshold = 5
	cfg.Agent.Breaker.Timeout = 15 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.LeaseTTL = 30 * time.Second

	cfg.Auth.TokenTTL = 12 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	cfg.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("PEERCALL_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if id := os.Getenv("PEERCALL_INSTANCE_ID"); id != "" {
		c.Signal.InstanceID = id
	}
	if level := os.Getenv("PEERCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("PEERCALL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if id := os.Getenv("PEERCALL_PARTICIPANT"); id != "" {
		c.Agent.Participant = id
	}
	if t := os.Getenv("PEERCALL_TRANSPORT"); t != "" {
		c.Agent.Transport = t
	}
	if u := os.Getenv("PEERCALL_RELAY_URL"); u != "" {
		c.Agent.RelayURL = u
	}
	if tok := os.Getenv("PEERCALL_TOKEN"); tok != "" {
		c.Agent.Token = tok
	}
	if addr := os.Getenv("PEERCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if v := os.Getenv("PEERCALL_REDIS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PEERCALL_REDIS_ENABLED: %w", err)
		}
		c.Redis.Enabled = enabled
	}
	if v := os.Getenv("PEERCALL_RINGING_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PEERCALL_RINGING_TIMEOUT: %w", err)
		}
		c.Call.RingingTimeout = d
	}
	return nil
}
