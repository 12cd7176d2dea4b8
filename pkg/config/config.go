package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"voicechat/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// EngineConfig configures the media engine workers and routers.
type EngineConfig struct {
	// Workers is the pool size; 0 means one per CPU.
	Workers     int         `yaml:"workers"`
	ListenIP    string      `yaml:"listen_ip"`
	AnnouncedIP string      `yaml:"announced_ip"`
	ICEServers  []ICEServer `yaml:"ice_servers"`
	PortRange   struct {
		Min uint16 `yaml:"min"`
		Max uint16 `yaml:"max"`
	} `yaml:"port_range"`
	GatherTimeout  time.Duration `yaml:"gather_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Codec          struct {
		MimeType    string `yaml:"mime_type"`
		ClockRate   uint32 `yaml:"clock_rate"`
		Channels    uint16 `yaml:"channels"`
		PayloadType uint8  `yaml:"payload_type"`
	} `yaml:"codec"`
}

type RetryPolicy struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// ClientConfig drives cmd/client and the orchestrator.
type ClientConfig struct {
	ServerURL         string        `yaml:"server_url"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ConsumerRetry     RetryPolicy   `yaml:"consumer_retry"`
	ResumeRetry       RetryPolicy   `yaml:"resume_retry"`
	RequireGesture    bool          `yaml:"require_gesture"`
	VAD               struct {
		Threshold      float64       `yaml:"threshold"`
		Debounce       time.Duration `yaml:"debounce"`
		SampleInterval time.Duration `yaml:"sample_interval"`
	} `yaml:"vad"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		StaticPath      string        `yaml:"static_path"`
	} `yaml:"server"`

	Signal struct {
		Path           string        `yaml:"path"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendBuffer     int           `yaml:"send_buffer"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Engine EngineConfig `yaml:"engine"`

	Rooms []string `yaml:"rooms"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
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
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

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
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Client ClientConfig `yaml:"client"`
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
	if !strings.HasPrefix(c.Signal.Path, "/") {
		return fmt.Errorf("signal.path must start with /")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}

	// Engine
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must be >= 0")
	}
	if c.Engine.PortRange.Min > 0 || c.Engine.PortRange.Max > 0 {
		if err := validation.ValidatePortRange(c.Engine.PortRange.Min, c.Engine.PortRange.Max); err != nil {
			return fmt.Errorf("engine.port_range: %w", err)
		}
	}
	if c.Engine.GatherTimeout <= 0 {
		return fmt.Errorf("engine.gather_timeout must be > 0")
	}
	if c.Engine.ConnectTimeout <= 0 {
		return fmt.Errorf("engine.connect_timeout must be > 0")
	}
	if c.Engine.Codec.MimeType == "" || c.Engine.Codec.ClockRate == 0 {
		return fmt.Errorf("engine.codec mime_type and clock_rate must be set")
	}

	// Rooms
	if err := validation.ValidateCatalog(c.Rooms); err != nil {
		return fmt.Errorf("rooms: %w", err)
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
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
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

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
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
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be > 0")
	}

	return c.Client.Validate()
}

// Validate checks the client section on its own, so cmd/client can skip
// the server sections.
func (c *ClientConfig) Validate() error {
	if err := validation.ValidateURL(c.ServerURL); err != nil {
		return fmt.Errorf("client.server_url: %w", err)
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("client.response_timeout must be > 0")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("client.connect_timeout must be > 0")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("client.reconnect_attempts must be >= 0")
	}
	if c.ConsumerRetry.Attempts <= 0 || c.ResumeRetry.Attempts <= 0 {
		return fmt.Errorf("client retry attempts must be > 0")
	}
	if c.VAD.Threshold <= 0 || c.VAD.Threshold >= 1 {
		return fmt.Errorf("client.vad.threshold must be within (0, 1)")
	}
	if c.VAD.Debounce <= 0 {
		return fmt.Errorf("client.vad.debounce must be > 0")
	}
	if c.VAD.SampleInterval <= 0 {
		return fmt.Errorf("client.vad.sample_interval must be > 0")
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

	cfg.Server.Address = ":5000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 64
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Engine.Workers = 0
	cfg.Engine.ListenIP = "0.0.0.0"
	cfg.Engine.PortRange.Min = 40000
	cfg.Engine.PortRange.Max = 49999
	cfg.Engine.GatherTimeout = 5 * time.Second
	cfg.Engine.ConnectTimeout = 8 * time.Second
	cfg.Engine.Codec.MimeType = "audio/opus"
	cfg.Engine.Codec.ClockRate = 48000
	cfg.Engine.Codec.Channels = 2
	cfg.Engine.Codec.PayloadType = 111

	cfg.Rooms = []string{"General", "Games", "Music"}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 15 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "voicechat:events"

	cfg.Tracing.ServiceName = "voicechat"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Client = DefaultClientConfig()

	return cfg
}

// DefaultClientConfig returns the client defaults: 5 reconnect attempts one
// second apart, 3×1s consumer and resume retries, 0.02 RMS with 300ms debounce.
func DefaultClientConfig() ClientConfig {
	c := ClientConfig{
		ServerURL:         "ws://localhost:5000/ws",
		ResponseTimeout:   10 * time.Second,
		ConnectTimeout:    10 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		ConsumerRetry:     RetryPolicy{Attempts: 3, Delay: time.Second},
		ResumeRetry:       RetryPolicy{Attempts: 3, Delay: time.Second},
	}
	c.VAD.Threshold = 0.02
	c.VAD.Debounce = 300 * time.Millisecond
	c.VAD.SampleInterval = 20 * time.Millisecond
	return c
}

func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Address = ":" + port
	}
	if addr := os.Getenv("VOICECHAT_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if ip := os.Getenv("ANNOUNCED_IP"); ip != "" {
		c.Engine.AnnouncedIP = ip
	}
	if ip := os.Getenv("VOICECHAT_ANNOUNCED_IP"); ip != "" {
		c.Engine.AnnouncedIP = ip
	}
	if workers := os.Getenv("VOICECHAT_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			c.Engine.Workers = n
		}
	}
	if level := os.Getenv("VOICECHAT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("VOICECHAT_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if url := os.Getenv("VOICECHAT_SERVER_URL"); url != "" {
		c.Client.ServerURL = url
	}
}
