package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Escalation notification transports.
const (
	NotifyLog   = "log"
	NotifyRedis = "redis"
	NotifyAMQP  = "amqp"
	NotifyEmail = "email"

	NotifyWebsocket = "websocket"
	NotifyWebhook   = "webhook"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	NotifyTransport   []string      `mapstructure:"NOTIFY_TRANSPORT"`
	NotifyTimeout     time.Duration `mapstructure:"NOTIFY_TIMEOUT"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	RedisChannel      string        `mapstructure:"REDIS_CHANNEL"`
	AMQPURL           string        `mapstructure:"AMQP_URL"`
	AMQPExchange      string        `mapstructure:"AMQP_EXCHANGE"`
	AMQPRoutingKey    string        `mapstructure:"AMQP_ROUTING_KEY"`
	SMTPHost          string        `mapstructure:"SMTP_HOST"`
	SMTPPort          int           `mapstructure:"SMTP_PORT"`
	SMTPUsername      string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword      string        `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom          string        `mapstructure:"SMTP_FROM"`
	EscalationEmailTo []string      `mapstructure:"ESCALATION_EMAIL_TO"`

	// WebhookURL seeds one endpoint at startup; more are added through the
	// admin API.
	WebhookURL    string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`

	// HL7MLLPAddr enables forwarding of approved results and cancellations
	// to a laboratory system listening for MLLP.
	HL7MLLPAddr          string        `mapstructure:"HL7_MLLP_ADDR"`
	HL7Timeout           time.Duration `mapstructure:"HL7_TIMEOUT"`
	HL7SendingApp        string        `mapstructure:"HL7_SENDING_APP"`
	HL7SendingFacility   string        `mapstructure:"HL7_SENDING_FACILITY"`
	HL7ReceivingApp      string        `mapstructure:"HL7_RECEIVING_APP"`
	HL7ReceivingFacility string        `mapstructure:"HL7_RECEIVING_FACILITY"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"NOTIFY_TRANSPORT", "NOTIFY_TIMEOUT",
	"REDIS_URL", "REDIS_CHANNEL",
	"AMQP_URL", "AMQP_EXCHANGE", "AMQP_ROUTING_KEY",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"ESCALATION_EMAIL_TO",
	"WEBHOOK_URL", "WEBHOOK_SECRET",
	"HL7_MLLP_ADDR", "HL7_TIMEOUT", "HL7_SENDING_APP", "HL7_SENDING_FACILITY",
	"HL7_RECEIVING_APP", "HL7_RECEIVING_FACILITY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "orderflow.db")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("NOTIFY_TRANSPORT", NotifyLog)
	v.SetDefault("NOTIFY_TIMEOUT", "10s")
	v.SetDefault("REDIS_CHANNEL", "orderflow.escalations")
	v.SetDefault("AMQP_EXCHANGE", "orderflow")
	v.SetDefault("AMQP_ROUTING_KEY", "escalation.raised")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("HL7_TIMEOUT", "10s")
	v.SetDefault("HL7_SENDING_APP", "ORDERFLOW")
	v.SetDefault("HL7_RECEIVING_APP", "LIS")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.NotifyTransport = splitList(cfg.NotifyTransport, v.GetString("NOTIFY_TRANSPORT"))
	cfg.EscalationEmailTo = splitList(cfg.EscalationEmailTo, v.GetString("ESCALATION_EMAIL_TO"))
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)

	if cfg.StoreDriver == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList trims blanks and empty items out of comma separated values.
func splitList(decoded []string, raw string) []string {
	if len(decoded) > 1 {
		raw = strings.Join(decoded, ",")
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesTransport reports whether name is among the configured notification
// transports.
func (c *Config) UsesTransport(name string) bool {
	for _, t := range c.NotifyTransport {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// Validate checks that the configuration is safe to run. Outside development a
// token source is required so that real JWT authentication is enforced.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=%s", StorePostgres)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for STORE_DRIVER=%s", StoreSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreSQLite, c.StoreDriver)
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes in production")
	}

	if len(c.NotifyTransport) == 0 {
		return fmt.Errorf("NOTIFY_TRANSPORT must name at least one transport")
	}
	for _, t := range c.NotifyTransport {
		switch strings.ToLower(t) {
		case NotifyLog, NotifyWebsocket, NotifyWebhook:
		case NotifyRedis:
			if c.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required when NOTIFY_TRANSPORT includes %q", NotifyRedis)
			}
		case NotifyAMQP:
			if c.AMQPURL == "" {
				return fmt.Errorf("AMQP_URL is required when NOTIFY_TRANSPORT includes %q", NotifyAMQP)
			}
		case NotifyEmail:
			if c.SMTPHost == "" || c.SMTPFrom == "" {
				return fmt.Errorf("SMTP_HOST and SMTP_FROM are required when NOTIFY_TRANSPORT includes %q", NotifyEmail)
			}
			if len(c.EscalationEmailTo) == 0 {
				return fmt.Errorf("ESCALATION_EMAIL_TO is required when NOTIFY_TRANSPORT includes %q", NotifyEmail)
			}
		default:
			return fmt.Errorf("unknown notification transport %q", t)
		}
	}
	if c.WebhookURL != "" && !strings.HasPrefix(c.WebhookURL, "http://") && !strings.HasPrefix(c.WebhookURL, "https://") {
		return fmt.Errorf("WEBHOOK_URL must be an http or https URL")
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT must be positive")
	}
	if c.HL7MLLPAddr != "" {
		if _, _, err := net.SplitHostPort(c.HL7MLLPAddr); err != nil {
			return fmt.Errorf("HL7_MLLP_ADDR must be host:port: %w", err)
		}
		if c.HL7Timeout <= 0 {
			return fmt.Errorf("HL7_TIMEOUT must be positive")
		}
	}

	return nil
}
