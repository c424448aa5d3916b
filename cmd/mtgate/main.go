// Command mtgate runs the broker gateway: it connects the channel
// multiplexer to the configured server, supervises the connection, and
// serves sessions for local agents until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/traderlink/mtgate/pkg/config"
	"github.com/traderlink/mtgate/pkg/contracts"
	"github.com/traderlink/mtgate/pkg/events"
	"github.com/traderlink/mtgate/pkg/gateway"
	"github.com/traderlink/mtgate/pkg/logging"
	"github.com/traderlink/mtgate/pkg/session"
	"github.com/traderlink/mtgate/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (searches . and /etc/mtgate when empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "mtgate:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	opts, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(opts.Logging.Level, opts.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	deps, cleanup, err := buildDeps(opts, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	gw, err := gateway.New(buildGatewayConfig(opts), deps)
	if err != nil {
		return err
	}
	defer gw.Shutdown()

	if err := gw.Initialize(); err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(opts.Connection.TimeoutMs)*time.Millisecond+30*time.Second)
	err = gw.Connect(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s:%d: %w", opts.Connection.Host, opts.Connection.Port, err)
	}
	logger.Info("gateway connected",
		"host", opts.Connection.Host, "port", opts.Connection.Port,
		"environment", opts.App.Environment)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())
	return nil
}

// buildDeps assembles the pluggable stores from the configured backends.
func buildDeps(opts *config.Options, logger contracts.Logger) (gateway.Deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	users := session.NewMemoryUserStore(&session.MemoryUserStoreConfig{
		MaxLoginAttempts: opts.Security.MaxLoginAttempts,
		LockoutDuration:  time.Duration(opts.Security.LockoutDurationMs) * time.Millisecond,
	})
	for _, u := range opts.Users {
		if err := users.AddUser(u.ID, u.Password, u.APIKey, u.Permissions); err != nil {
			cleanup()
			return gateway.Deps{}, nil, fmt.Errorf("provision user %s: %w", u.ID, err)
		}
	}

	var sessions contracts.SessionStore
	switch opts.SessionStore.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     opts.SessionStore.RedisAddr,
			DB:       opts.SessionStore.RedisDB,
			Password: opts.SessionStore.RedisPass,
		})
		closers = append(closers, func() { client.Close() })
		sessions = session.NewRedisStore(client)
	default:
		sessions = session.NewMemoryStore()
	}

	var audit contracts.AuditStore
	switch opts.Audit.Backend {
	case "sqlite":
		store, err := session.NewGormAuditStore(opts.Audit.SQLitePath)
		if err != nil {
			cleanup()
			return gateway.Deps{}, nil, fmt.Errorf("open audit db: %w", err)
		}
		closers = append(closers, func() { store.Close() })
		audit = store
	case "kafka":
		store, err := session.NewKafkaAuditStore(opts.Audit.KafkaBrokers, opts.Audit.KafkaTopic)
		if err != nil {
			cleanup()
			return gateway.Deps{}, nil, fmt.Errorf("connect audit brokers: %w", err)
		}
		closers = append(closers, func() { store.Close() })
		audit = store
	default:
		audit = session.NewMemoryAuditStore(opts.Audit.MemoryMaxEntries)
	}

	return gateway.Deps{
		Users:    users,
		Sessions: sessions,
		Audit:    audit,
		Logger:   logger,
	}, cleanup, nil
}

// buildGatewayConfig maps the flat option sections onto per-layer configs.
// Zero values fall through to each layer's own defaults.
func buildGatewayConfig(opts *config.Options) *gateway.Config {
	cfg := &gateway.Config{
		Transport: &transport.MuxConfig{
			Host:           opts.Connection.Host,
			Port:           opts.Connection.Port,
			DialTimeout:    time.Duration(opts.Connection.TimeoutMs) * time.Millisecond,
			RequestTimeout: time.Duration(opts.Performance.RequestTimeoutMs) * time.Millisecond,
		},
		Supervisor: &gateway.SupervisorConfig{
			HeartbeatInterval:    time.Duration(opts.Connection.HeartbeatIntervalMs) * time.Millisecond,
			MaxMisses:            opts.Connection.HeartbeatMaxMisses,
			ReconnectInterval:    time.Duration(opts.Connection.ReconnectIntervalMs) * time.Millisecond,
			MaxReconnectAttempts: opts.Connection.MaxReconnectAttempts,
		},
		Router: &events.RouterConfig{
			MaxQueueSize:       opts.Performance.MaxEventQueueSize,
			BatchSize:          opts.Performance.EventBatchSize,
			ProcessingInterval: time.Duration(opts.Performance.EventProcessingIntervalMs) * time.Millisecond,
			DropHeartbeats:     true,
		},
		Session: &session.ManagerConfig{
			SecurityKey:     opts.Security.SigningKey,
			SessionTimeout:  time.Duration(opts.Security.SessionTimeoutMs) * time.Millisecond,
			TokenExpiration: time.Duration(opts.Security.TokenExpirationMs) * time.Millisecond,
			AuditRetention:  time.Duration(opts.Audit.RetentionHours) * time.Hour,
		},
		Compression: opts.Performance.CompressionEnabled,
		RateRules:   opts.RateLimiting.ToRules(),
	}
	if opts.Security.EncryptionEnabled {
		cfg.Encryption = &transport.AESEncryptorConfig{
			ServerKey: opts.Security.ServerKey,
			ClientKey: opts.Security.ClientKey,
		}
	}
	return cfg
}
