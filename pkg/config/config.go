// Package config loads and validates the gateway's options from a yaml
// file plus MTGATE_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/traderlink/mtgate/pkg/ratelimit"
)

// Options is the recognized configuration shape.
type Options struct {
	App          AppOptions          `mapstructure:"app"`
	Connection   ConnectionOptions   `mapstructure:"connection"`
	Security     SecurityOptions     `mapstructure:"security"`
	RateLimiting RateLimitingOptions `mapstructure:"rateLimiting"`
	Performance  PerformanceOptions  `mapstructure:"performance"`
	Logging      LoggingOptions      `mapstructure:"logging"`
	Audit        AuditOptions        `mapstructure:"audit"`
	SessionStore SessionStoreOptions `mapstructure:"sessionStore"`
	Users        []UserOptions       `mapstructure:"users" validate:"dive"`
}

// UserOptions provisions one local account. Either Password or APIKey
// must be set; both may be.
type UserOptions struct {
	ID          string   `mapstructure:"id" validate:"required"`
	Password    string   `mapstructure:"password" validate:"required_without=APIKey"`
	APIKey      string   `mapstructure:"apiKey" validate:"required_without=Password"`
	Permissions []string `mapstructure:"permissions"`
}

// AppOptions names the deployment.
type AppOptions struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ConnectionOptions shapes the transport and supervisor.
type ConnectionOptions struct {
	Host                 string `mapstructure:"host" validate:"required"`
	Port                 int    `mapstructure:"port" validate:"required,gt=0,lte=65533"`
	TimeoutMs            int    `mapstructure:"timeoutMs" validate:"gte=0"`
	ReconnectIntervalMs  int    `mapstructure:"reconnectIntervalMs" validate:"gte=0"`
	MaxReconnectAttempts int    `mapstructure:"maxReconnectAttempts" validate:"gte=0"`
	HeartbeatIntervalMs  int    `mapstructure:"heartbeatIntervalMs" validate:"gte=0"`
	HeartbeatMaxMisses   int    `mapstructure:"heartbeatMaxMisses" validate:"gte=0"`
}

// SecurityOptions shapes encryption and the session layer.
type SecurityOptions struct {
	EncryptionEnabled bool   `mapstructure:"encryptionEnabled"`
	ServerKey         string `mapstructure:"serverKey" validate:"required_if=EncryptionEnabled true"`
	ClientKey         string `mapstructure:"clientKey" validate:"required_if=EncryptionEnabled true"`
	AuthEnabled       bool   `mapstructure:"authEnabled"`
	Method            string `mapstructure:"method" validate:"omitempty,oneof=password apiKey token"`
	SigningKey        string `mapstructure:"signingKey" validate:"required"`
	TokenExpirationMs int    `mapstructure:"tokenExpirationMs" validate:"gte=0"`
	SessionTimeoutMs  int    `mapstructure:"sessionTimeoutMs" validate:"gte=0"`
	MaxLoginAttempts  int    `mapstructure:"maxLoginAttempts" validate:"gte=0"`
	LockoutDurationMs int    `mapstructure:"lockoutDurationMs" validate:"gte=0"`
}

// RuleOptions is one rate-limit rule as configured.
type RuleOptions struct {
	ID           string  `mapstructure:"id" validate:"required"`
	Name         string  `mapstructure:"name"`
	Algorithm    string  `mapstructure:"algorithm" validate:"oneof=tokenBucket slidingWindow fixedWindow"`
	Resource     string  `mapstructure:"resource"`
	WindowMs     int     `mapstructure:"windowMs" validate:"gte=0"`
	MaxRequests  int     `mapstructure:"maxRequests" validate:"gt=0"`
	Burst        int     `mapstructure:"burst" validate:"gte=0"`
	RefillPerSec float64 `mapstructure:"refillPerSec" validate:"gte=0"`
	Priority     int     `mapstructure:"priority"`
	Enabled      bool    `mapstructure:"enabled"`
}

// ToRule converts the configured shape into a limiter rule.
func (r *RuleOptions) ToRule() *ratelimit.Rule {
	return &ratelimit.Rule{
		ID:           r.ID,
		Name:         r.Name,
		Algorithm:    ratelimit.Algorithm(r.Algorithm),
		Resource:     r.Resource,
		Window:       time.Duration(r.WindowMs) * time.Millisecond,
		MaxRequests:  r.MaxRequests,
		Burst:        r.Burst,
		RefillPerSec: r.RefillPerSec,
		Priority:     r.Priority,
		Enabled:      r.Enabled,
	}
}

// RateLimitingOptions enables the agent limiter.
type RateLimitingOptions struct {
	Enabled bool          `mapstructure:"enabled"`
	Rules   []RuleOptions `mapstructure:"rules" validate:"dive"`
}

// ToRules converts every configured rule, or nil when limiting is off.
func (o *RateLimitingOptions) ToRules() []*ratelimit.Rule {
	if !o.Enabled {
		return nil
	}
	out := make([]*ratelimit.Rule, 0, len(o.Rules))
	for i := range o.Rules {
		out = append(out, o.Rules[i].ToRule())
	}
	return out
}

// PerformanceOptions shapes timeouts and the event fabric.
type PerformanceOptions struct {
	RequestTimeoutMs          int  `mapstructure:"requestTimeoutMs" validate:"gte=0"`
	MaxConnections            int  `mapstructure:"maxConnections" validate:"gte=0"`
	EventBatchSize            int  `mapstructure:"eventBatchSize" validate:"gte=0"`
	EventProcessingIntervalMs int  `mapstructure:"eventProcessingIntervalMs" validate:"gte=0"`
	MaxEventQueueSize         int  `mapstructure:"maxEventQueueSize" validate:"gte=0"`
	CompressionEnabled        bool `mapstructure:"compressionEnabled"`
}

// LoggingOptions shapes the zap logger.
type LoggingOptions struct {
	Level   string   `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format  string   `mapstructure:"format" validate:"omitempty,oneof=json console"`
	Outputs []string `mapstructure:"outputs"`
}

// AuditOptions selects the audit sink.
type AuditOptions struct {
	Backend          string   `mapstructure:"backend" validate:"omitempty,oneof=memory sqlite kafka"`
	SQLitePath       string   `mapstructure:"sqlitePath" validate:"required_if=Backend sqlite"`
	KafkaBrokers     []string `mapstructure:"kafkaBrokers" validate:"required_if=Backend kafka"`
	KafkaTopic       string   `mapstructure:"kafkaTopic"`
	RetentionHours   int      `mapstructure:"retentionHours" validate:"gte=0"`
	MemoryMaxEntries int      `mapstructure:"memoryMaxEntries" validate:"gte=0"`
}

// SessionStoreOptions selects where sessions live.
type SessionStoreOptions struct {
	Backend   string `mapstructure:"backend" validate:"omitempty,oneof=memory redis"`
	RedisAddr string `mapstructure:"redisAddr" validate:"required_if=Backend redis"`
	RedisDB   int    `mapstructure:"redisDB" validate:"gte=0"`
	RedisPass string `mapstructure:"redisPassword"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads options from the given file (or ./config.yaml when empty),
// applies MTGATE_ environment overrides and validates the result.
func Load(path string) (*Options, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mtgate")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("MTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A config file is optional when env vars and defaults suffice.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(&opts); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	for i := range opts.RateLimiting.Rules {
		r := &opts.RateLimiting.Rules[i]
		switch r.Algorithm {
		case "slidingWindow", "fixedWindow":
			if r.WindowMs <= 0 {
				return nil, fmt.Errorf("invalid config: rule %s: windowMs must be positive for %s", r.ID, r.Algorithm)
			}
		}
	}
	return &opts, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mtgate")
	v.SetDefault("app.environment", "development")

	v.SetDefault("connection.host", "127.0.0.1")
	v.SetDefault("connection.port", 5555)
	v.SetDefault("connection.timeoutMs", 5000)
	v.SetDefault("connection.reconnectIntervalMs", 1000)
	v.SetDefault("connection.maxReconnectAttempts", 5)
	v.SetDefault("connection.heartbeatIntervalMs", 10000)
	v.SetDefault("connection.heartbeatMaxMisses", 3)

	v.SetDefault("security.method", "password")
	v.SetDefault("security.signingKey", "change-me")
	v.SetDefault("security.tokenExpirationMs", 1800000)
	v.SetDefault("security.sessionTimeoutMs", 1800000)
	v.SetDefault("security.maxLoginAttempts", 5)
	v.SetDefault("security.lockoutDurationMs", 900000)

	v.SetDefault("performance.requestTimeoutMs", 10000)
	v.SetDefault("performance.eventBatchSize", 64)
	v.SetDefault("performance.eventProcessingIntervalMs", 10)
	v.SetDefault("performance.maxEventQueueSize", 10000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("audit.backend", "memory")
	v.SetDefault("audit.kafkaTopic", "mtgate.audit")
	v.SetDefault("audit.retentionHours", 168)

	v.SetDefault("sessionStore.backend", "memory")
}
