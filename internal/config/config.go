package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

// SessionIDPlaceholder is substituted with the session id when building a
// tunnel endpoint from TunnelEndpointTemplate.
const SessionIDPlaceholder = "{session_id}"

type Config struct {
	Port                    int      `env:"PORT" envDefault:"8080"`
	DatabaseURL             string   `env:"DATABASE_URL,required"`
	RedisURL                string   `env:"REDIS_URL,required"`
	ServiceToken            string   `env:"SERVICE_TOKEN"`
	CodePepper              string   `env:"CODE_PEPPER"`
	TunnelEndpointTemplate  string   `env:"TUNNEL_ENDPOINT_TEMPLATE" envDefault:"ws://localhost:8080/v1/tunnel/remote?session_id={session_id}"`
	RequireChatSession      bool     `env:"REQUIRE_CHAT_SESSION" envDefault:"false"`
	CodeTTLSeconds          int      `env:"CODE_TTL_SECONDS" envDefault:"900"`
	HeartbeatTimeoutSeconds int      `env:"HEARTBEAT_TIMEOUT_SECONDS" envDefault:"60"`
	HandshakeTimeoutSeconds int      `env:"HANDSHAKE_TIMEOUT_SECONDS" envDefault:"10"`
	VerifyRateLimitPerMin   int      `env:"VERIFY_RATE_LIMIT_PER_MIN" envDefault:"10"`
	ClosedRetentionHours    int      `env:"CLOSED_RETENTION_HOURS" envDefault:"24"`
	AllowedOrigins          []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	LogLevel                string   `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.CodeTTLSeconds) * time.Second
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

func (c *Config) ClosedRetention() time.Duration {
	return time.Duration(c.ClosedRetentionHours) * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if !strings.Contains(c.TunnelEndpointTemplate, SessionIDPlaceholder) {
		return fmt.Errorf("TUNNEL_ENDPOINT_TEMPLATE must contain %s", SessionIDPlaceholder)
	}
	if c.CodeTTLSeconds <= 0 {
		return fmt.Errorf("CODE_TTL_SECONDS must be positive")
	}
	if c.HeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT_SECONDS must be positive")
	}

	if isProduction {
		if err := validateSecret("SERVICE_TOKEN", c.ServiceToken); err != nil {
			return err
		}
		if err := validateSecret("CODE_PEPPER", c.CodePepper); err != nil {
			return err
		}

		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if strings.HasPrefix(c.TunnelEndpointTemplate, "ws://") {
			log.Warn().Msg("TUNNEL_ENDPOINT_TEMPLATE uses ws:// in production: remote machines will tunnel without TLS")
		}
	} else if c.ServiceToken == "" {
		log.Warn().Msg("SERVICE_TOKEN is empty: issuance and console endpoints are unauthenticated")
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// AgentConfig configures the remote-machine client. Flags on cmd/agent
// override these values.
type AgentConfig struct {
	ServerURL                string        `env:"BRIDGE_SERVER_URL" envDefault:"http://localhost:8080"`
	UserID                   int64         `env:"BRIDGE_USER_ID"`
	DeviceID                 int64         `env:"BRIDGE_DEVICE_ID"`
	OrganizationID           int64         `env:"BRIDGE_ORGANIZATION_ID"`
	WorkDir                  string        `env:"BRIDGE_WORKDIR"`
	Shell                    string        `env:"BRIDGE_SHELL" envDefault:"sh"`
	PolicyFile               string        `env:"BRIDGE_POLICY_FILE"`
	HeartbeatIntervalSeconds int           `env:"BRIDGE_HEARTBEAT_INTERVAL_SECONDS" envDefault:"20"`
	HeartbeatTimeoutSeconds  int           `env:"BRIDGE_HEARTBEAT_TIMEOUT_SECONDS" envDefault:"60"`
	CommandTimeout           time.Duration `env:"BRIDGE_COMMAND_TIMEOUT" envDefault:"10m"`
	LogLevel                 string        `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *AgentConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func LoadAgent() (*AgentConfig, error) {
	var cfg AgentConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config: %w", err)
	}
	return &cfg, nil
}
