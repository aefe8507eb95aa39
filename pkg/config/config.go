package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"squadx/pkg/tracing"
)

// ICEServer is one STUN/TURN server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Config is shared by cmd/agent and cmd/signal; each binary reads the sections it needs.
type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		// Client side
		URL                   string        `yaml:"url"`
		Transport             string        `yaml:"transport"` // sse | ws
		ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
		ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
		ReadIdleTimeout       time.Duration `yaml:"read_idle_timeout"`
		DedupWindow           time.Duration `yaml:"dedup_window"`

		// Server side
		Address           string        `yaml:"address"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		SubscriberBuffer  int           `yaml:"subscriber_buffer"`
		MaxMessageBytes   int64         `yaml:"max_message_bytes"`
		LeaveGrace        time.Duration `yaml:"leave_grace"`
	} `yaml:"signal"`

	SessionAPI struct {
		BaseURL          string        `yaml:"base_url"`
		Timeout          time.Duration `yaml:"timeout"`
		RetryAttempts    int           `yaml:"retry_attempts"`
		BreakerThreshold int           `yaml:"breaker_threshold"`
		BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	} `yaml:"session_api"`

	Session struct {
		MaxViewers   int  `yaml:"max_viewers"`
		AllowControl bool `yaml:"allow_control"`
	} `yaml:"session"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
		FailedTimeout       time.Duration `yaml:"failed_timeout"`
		KeepAliveInterval   time.Duration `yaml:"keepalive_interval"`
		PLIInterval         time.Duration `yaml:"pli_interval"`
	} `yaml:"webrtc"`

	Supervisor struct {
		MaxRestartAttempts int           `yaml:"max_restart_attempts"`
		InitialBackoff     time.Duration `yaml:"initial_backoff"`
		MaxBackoff         time.Duration `yaml:"max_backoff"`
		AttemptTimeout     time.Duration `yaml:"attempt_timeout"`
	} `yaml:"supervisor"`

	Relay struct {
		DialTimeout           time.Duration `yaml:"dial_timeout"`
		ReconnectAttempts     int           `yaml:"reconnect_attempts"`
		ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
		ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
		QueueBytes            int           `yaml:"queue_bytes"`
		FFmpegPath            string        `yaml:"ffmpeg_path"`
		StatsWindow           time.Duration `yaml:"stats_window"`
		SecretsEnvPrefix      string        `yaml:"secrets_env_prefix"`
	} `yaml:"relay"`

	// Ingest is the agent's local capture surface.
	Ingest struct {
		VideoRTPAddress string `yaml:"video_rtp_address"`
		AudioRTPAddress string `yaml:"audio_rtp_address"`
		VideoCodec      string `yaml:"video_codec"` // vp8 | h264
		MaxChunkBytes   int    `yaml:"max_chunk_bytes"`
		EventBuffer     int    `yaml:"event_buffer"`

		// Surface is the shared screen size remote input is mapped onto.
		SurfaceWidth  int `yaml:"surface_width"`
		SurfaceHeight int `yaml:"surface_height"`
	} `yaml:"ingest"`

	SFU struct {
		URL      string        `yaml:"url"`
		TokenTTL time.Duration `yaml:"token_ttl"`
	} `yaml:"sfu"`

	Turn struct {
		Enabled bool          `yaml:"enabled"`
		Secret  string        `yaml:"secret"`
		URLs    []string      `yaml:"urls"`
		Realm   string        `yaml:"realm"`
		TTL     time.Duration `yaml:"ttl"`
	} `yaml:"turn"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsPath       string        `yaml:"metrics_path"`
		StatsInterval     time.Duration `yaml:"stats_interval"`
	} `yaml:"monitoring"`

	Usage struct {
		ReportInterval time.Duration `yaml:"report_interval"`
	} `yaml:"usage"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled       bool   `yaml:"enabled"`
		Address       string `yaml:"address"`
		Password      string `yaml:"password"`
		DB            int    `yaml:"db"`
		PoolSize      int    `yaml:"pool_size"`
		ChannelPrefix string `yaml:"channel_prefix"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		Issuer         string        `yaml:"issuer"`
		ParticipantTTL time.Duration `yaml:"participant_ttl"`
		// Agent side bearer credentials
		Token     string `yaml:"token"`
		TokenFile string `yaml:"token_file"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		Signal struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"signal"`

		CursorHz float64 `yaml:"cursor_hz"`
	} `yaml:"rate_limiting"`

	Tracing tracing.Config `yaml:"tracing"`
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
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout must be >= 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	switch c.Signal.Transport {
	case "sse", "ws":
	default:
		return fmt.Errorf("signal.transport must be sse or ws, got %q", c.Signal.Transport)
	}
	if c.Signal.ReconnectInitialDelay <= 0 {
		return fmt.Errorf("signal.reconnect_initial_delay must be > 0")
	}
	if c.Signal.ReconnectMaxDelay < c.Signal.ReconnectInitialDelay {
		return fmt.Errorf("signal.reconnect_max_delay must be >= reconnect_initial_delay")
	}
	if c.Signal.DedupWindow <= 0 {
		return fmt.Errorf("signal.dedup_window must be > 0")
	}
	if c.Signal.HeartbeatInterval <= 0 {
		return fmt.Errorf("signal.heartbeat_interval must be > 0")
	}
	if c.Signal.ReadIdleTimeout <= c.Signal.HeartbeatInterval {
		return fmt.Errorf("signal.read_idle_timeout must be > heartbeat_interval")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > ping_interval")
	}
	if c.Signal.LeaveGrace < 0 {
		return fmt.Errorf("signal.leave_grace must be >= 0")
	}
	if c.Signal.SubscriberBuffer <= 0 {
		return fmt.Errorf("signal.subscriber_buffer must be > 0")
	}

	// Session API
	if c.SessionAPI.Timeout <= 0 {
		return fmt.Errorf("session_api.timeout must be > 0")
	}
	if c.SessionAPI.RetryAttempts < 0 {
		return fmt.Errorf("session_api.retry_attempts must be >= 0")
	}
	if c.SessionAPI.BreakerThreshold <= 0 {
		return fmt.Errorf("session_api.breaker_threshold must be > 0")
	}

	// Session defaults
	if c.Session.MaxViewers <= 0 {
		return fmt.Errorf("session.max_viewers must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Supervisor
	if c.Supervisor.MaxRestartAttempts < 0 {
		return fmt.Errorf("supervisor.max_restart_attempts must be >= 0")
	}
	if c.Supervisor.InitialBackoff <= 0 {
		return fmt.Errorf("supervisor.initial_backoff must be > 0")
	}
	if c.Supervisor.MaxBackoff < c.Supervisor.InitialBackoff {
		return fmt.Errorf("supervisor.max_backoff must be >= initial_backoff")
	}
	if c.Supervisor.AttemptTimeout <= 0 {
		return fmt.Errorf("supervisor.attempt_timeout must be > 0")
	}

	// Relay
	if c.Relay.DialTimeout <= 0 {
		return fmt.Errorf("relay.dial_timeout must be > 0")
	}
	if c.Relay.ReconnectAttempts < 0 {
		return fmt.Errorf("relay.reconnect_attempts must be >= 0")
	}
	if c.Relay.QueueBytes <= 0 {
		return fmt.Errorf("relay.queue_bytes must be > 0")
	}
	if c.Relay.StatsWindow <= 0 {
		return fmt.Errorf("relay.stats_window must be > 0")
	}

	// Ingest
	switch c.Ingest.VideoCodec {
	case "vp8", "h264":
	default:
		return fmt.Errorf("ingest.video_codec must be vp8 or h264, got %q", c.Ingest.VideoCodec)
	}
	if c.Ingest.MaxChunkBytes <= 0 {
		return fmt.Errorf("ingest.max_chunk_bytes must be > 0")
	}
	if c.Ingest.SurfaceWidth <= 0 || c.Ingest.SurfaceHeight <= 0 {
		return fmt.Errorf("ingest.surface_width and surface_height must be > 0")
	}

	// TURN
	if c.Turn.Enabled {
		if c.Turn.Secret == "" {
			return fmt.Errorf("turn.secret must not be empty when turn.enabled=true")
		}
		if len(c.Turn.URLs) == 0 {
			return fmt.Errorf("turn.urls must not be empty when turn.enabled=true")
		}
		if c.Turn.TTL <= 0 {
			return fmt.Errorf("turn.ttl must be > 0 when turn.enabled=true")
		}
	}

	// Monitoring
	if c.Monitoring.StatsInterval <= 0 {
		return fmt.Errorf("monitoring.stats_interval must be > 0")
	}
	if c.Usage.ReportInterval <= 0 {
		return fmt.Errorf("usage.report_interval must be > 0")
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
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.ParticipantTTL <= 0 {
		return fmt.Errorf("auth.participant_ttl must be > 0")
	}
	if c.SFU.TokenTTL <= 0 {
		return fmt.Errorf("sfu.token_ttl must be > 0")
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
		if c.RateLimiting.Signal.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.signal.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Signal.Burst <= 0 {
			return fmt.Errorf("rate_limiting.signal.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.CursorHz <= 0 {
		return fmt.Errorf("rate_limiting.cursor_hz must be > 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
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

	cfg.Server.Address = "127.0.0.1:7420"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 0 // event streams are long lived
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.URL = "http://localhost:8081"
	cfg.Signal.Transport = "sse"
	cfg.Signal.ReconnectInitialDelay = 500 * time.Millisecond
	cfg.Signal.ReconnectMaxDelay = 15 * time.Second
	cfg.Signal.ReadIdleTimeout = 75 * time.Second
	cfg.Signal.DedupWindow = 2 * time.Minute
	cfg.Signal.Address = ":8081"
	cfg.Signal.HeartbeatInterval = 30 * time.Second
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.SubscriberBuffer = 256
	cfg.Signal.MaxMessageBytes = 256 * 1024
	cfg.Signal.LeaveGrace = 5 * time.Second

	cfg.SessionAPI.BaseURL = "http://localhost:8081"
	cfg.SessionAPI.Timeout = 10 * time.Second
	cfg.SessionAPI.RetryAttempts = 2
	cfg.SessionAPI.BreakerThreshold = 5
	cfg.SessionAPI.BreakerTimeout = 30 * time.Second

	cfg.Session.MaxViewers = 10
	cfg.Session.AllowControl = true

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.DisconnectedTimeout = 5 * time.Second
	cfg.WebRTC.FailedTimeout = 25 * time.Second
	cfg.WebRTC.KeepAliveInterval = 2 * time.Second
	cfg.WebRTC.PLIInterval = 3 * time.Second

	cfg.Supervisor.MaxRestartAttempts = 3
	cfg.Supervisor.InitialBackoff = time.Second
	cfg.Supervisor.MaxBackoff = 10 * time.Second
	cfg.Supervisor.AttemptTimeout = 15 * time.Second

	cfg.Relay.DialTimeout = 10 * time.Second
	cfg.Relay.ReconnectAttempts = 5
	cfg.Relay.ReconnectInitialDelay = time.Second
	cfg.Relay.ReconnectMaxDelay = 30 * time.Second
	cfg.Relay.QueueBytes = 8 * 1024 * 1024
	cfg.Relay.FFmpegPath = "ffmpeg"
	cfg.Relay.StatsWindow = time.Second
	cfg.Relay.SecretsEnvPrefix = "SQUADX_STREAM_KEY_"

	cfg.Ingest.VideoRTPAddress = "127.0.0.1:5004"
	cfg.Ingest.AudioRTPAddress = "127.0.0.1:5006"
	cfg.Ingest.VideoCodec = "vp8"
	cfg.Ingest.MaxChunkBytes = 1 << 20
	cfg.Ingest.SurfaceWidth = 1920
	cfg.Ingest.SurfaceHeight = 1080
	cfg.Ingest.EventBuffer = 128

	cfg.SFU.TokenTTL = time.Hour

	cfg.Turn.Enabled = false
	cfg.Turn.TTL = 12 * time.Hour
	cfg.Turn.Realm = "squadx"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"
	cfg.Monitoring.StatsInterval = 5 * time.Second

	cfg.Usage.ReportInterval = time.Minute

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.ChannelPrefix = "squadx"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.Issuer = "squadx"
	cfg.Auth.ParticipantTTL = 12 * time.Hour

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.Signal.MessagesPerSecond = 100
	cfg.RateLimiting.Signal.Burst = 200
	cfg.RateLimiting.CursorHz = 30

	cfg.Tracing = tracing.DefaultConfig()

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SQUADX_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("SQUADX_SIGNAL_ADDRESS"); v != "" {
		c.Signal.Address = v
	}
	if v := os.Getenv("SQUADX_SIGNAL_URL"); v != "" {
		c.Signal.URL = v
	}
	if v := os.Getenv("SQUADX_SESSION_API_URL"); v != "" {
		c.SessionAPI.BaseURL = v
	}
	if v := os.Getenv("SQUADX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SQUADX_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("SQUADX_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("SQUADX_TURN_SECRET"); v != "" {
		c.Turn.Secret = v
	}
	if v := os.Getenv("SQUADX_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("SQUADX_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
}
