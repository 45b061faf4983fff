package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cipherpool/cmd/internal/passphrase"
	"cipherpool/config"
	"cipherpool/crypto"
	"cipherpool/observability/logging"
	telemetry "cipherpool/observability/otel"
	"cipherpool/rpc"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			log.Fatalf("cipherpoold: token: %v", err)
		}
		return
	}

	cfgPath := flag.String("config", "./config.toml", "path to the node configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("cipherpoold: load config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("cipherpoold: %v", err)
	}
}

func run(cfg *config.Config) error {
	logger, closer := logging.Setup(logging.Options{
		Service:    "cipherpoold",
		Env:        cfg.Env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer closer.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "cipherpoold",
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	secret := cfg.Secret()
	if cfg.Auth.Enabled && secret == "" {
		return fmt.Errorf("auth enabled but %s is empty", cfg.Auth.HMACSecretEnv)
	}

	admin, err := loadAuthority(cfg, passphrase.NewSource(cfg.PassphraseEnv, "authority keystore"), logger)
	if err != nil {
		return err
	}

	n, err := openNode(cfg, admin, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn("close node", "error", err)
		}
	}()
	if err := n.ensurePools(cfg, admin, logger); err != nil {
		return err
	}

	srv := rpc.NewServer(n.module, n.events, rpc.Config{
		Auth:      authConfig(cfg, secret),
		RateLimit: rpc.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		Admin:     admin,
		Stream:    n.hub,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("cipherpoold listening", "addr", cfg.RPCAddress, "admin", crypto.FormatAddress(admin))
	if err := srv.Serve(ctx, cfg.RPCAddress); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("cipherpoold stopped")
	return nil
}

type secretSource interface {
	Get() (string, error)
}

// loadAuthority unlocks the node's authority key, creating it on first start.
// Its address administers pool registration, pausing and custody funding.
func loadAuthority(cfg *config.Config, pass secretSource, logger *slog.Logger) ([20]byte, error) {
	phrase, err := pass.Get()
	if err != nil {
		return [20]byte{}, err
	}
	key, created, err := crypto.LoadOrCreate(cfg.KeystorePath, phrase)
	if err != nil {
		return [20]byte{}, fmt.Errorf("authority key: %w", err)
	}
	admin := key.Address()
	if created {
		logger.Info("authority key created", "path", cfg.KeystorePath, "address", admin.String())
	}
	return admin.Array(), nil
}

func authConfig(cfg *config.Config, secret string) rpc.AuthConfig {
	return rpc.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: secret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  time.Duration(cfg.Auth.ClockSkewSeconds) * time.Second,
	}
}

// issueToken prints a bearer token for a participant address, signed with the
// node's configured secret.
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	cfgPath := fs.String("config", "./config.toml", "path to the node configuration file")
	subject := fs.String("sub", "", "participant address the token authenticates")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	secret := cfg.Secret()
	if secret == "" {
		return fmt.Errorf("%s is empty", cfg.Auth.HMACSecretEnv)
	}
	if _, err := crypto.ParseParticipant(*subject); err != nil {
		return fmt.Errorf("-sub: %w", err)
	}
	token, err := rpc.IssueToken(secret, authConfig(cfg, secret), *subject, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
