// Command brokerd runs the A2A message broker: the routing loop, the agent
// registry sweeps, and an admin HTTP surface for operators.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-a2a/pkg/archive"
	"github.com/illmade-knight/go-a2a/pkg/broker"
	"github.com/illmade-knight/go-a2a/pkg/envelope"
	"github.com/illmade-knight/go-a2a/pkg/queuestore"
	"github.com/illmade-knight/go-a2a/pkg/registry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "brokerd",
	Short: "A2A message broker daemon",
	Long: `brokerd routes messages between agent queues: it drains outboxes,
delivers to online recipients, retries offline ones with backoff,
dead-letters exhausted messages, and cleans up old entries.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "broker.yaml", "path to the broker config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()
}

// runtime bundles everything a command needs after construction.
type runtime struct {
	cfg    *Config
	logger zerolog.Logger
	store  *queuestore.FileStore
	broker *broker.Broker
	closer func()
}

// buildRuntime wires the store, registry backend, signer, optional archiver,
// and broker from the config file. A positive pollOverride wins over the
// configured poll interval for ad-hoc runs.
func buildRuntime(ctx context.Context, pollOverride time.Duration) (*runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if pollOverride > 0 {
		cfg.PollInterval = Duration(pollOverride)
	}
	logger := newLogger(cfg.LogLevel)

	store, err := queuestore.NewFileStore(cfg.QueueRoot, logger)
	if err != nil {
		return nil, err
	}

	secret, err := envelope.LoadOrCreateSecret(cfg.SecretPath)
	if err != nil {
		return nil, err
	}
	signer, err := envelope.NewSigner(secret)
	if err != nil {
		return nil, err
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	closers := []func(){}
	closer := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var backend registry.Backend
	switch cfg.Registry.Backend {
	case "file":
		backend, err = registry.NewFileBackend(cfg.Registry.Path)
		if err != nil {
			return nil, err
		}
	case "redis":
		backend, err = registry.NewRedisBackend(ctx, &registry.RedisConfig{
			Addr:     cfg.Registry.RedisAddr,
			Password: cfg.Registry.RedisPassword,
			DB:       cfg.Registry.RedisDB,
		}, logger)
		if err != nil {
			return nil, err
		}
	case "firestore":
		fsClient, err := firestore.NewClient(ctx, cfg.Registry.FirestoreProject, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		closers = append(closers, func() { _ = fsClient.Close() })
		backend, err = registry.NewFirestoreBackend(fsClient, cfg.Registry.FirestoreCollection)
		if err != nil {
			closer()
			return nil, err
		}
	}

	reg, err := registry.New(registry.Config{
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout.Std(),
	}, backend, logger)
	if err != nil {
		closer()
		return nil, err
	}
	closers = append(closers, func() { _ = reg.Close() })

	var archiver archive.Archiver
	if cfg.Archive.Bucket != "" {
		gcsClient, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			closer()
			return nil, fmt.Errorf("failed to create GCS client: %w", err)
		}
		closers = append(closers, func() { _ = gcsClient.Close() })
		archiver, err = archive.NewGCSArchiver(archive.NewGCSClientAdapter(gcsClient), archive.GCSArchiverConfig{
			BucketName:   cfg.Archive.Bucket,
			ObjectPrefix: cfg.Archive.Prefix,
		}, logger)
		if err != nil {
			closer()
			return nil, err
		}
	}

	b, err := broker.New(broker.Config{
		BrokerID:         cfg.BrokerID,
		PollInterval:     cfg.PollInterval.Std(),
		BackoffCap:       cfg.BackoffCap.Std(),
		CleanupEvery:     cfg.CleanupEvery,
		MessageRetention: cfg.MessageRetention.Std(),
		AgentMaxAge:      cfg.AgentMaxAge.Std(),
	}, store, reg, signer, archiver, logger)
	if err != nil {
		closer()
		return nil, err
	}

	return &runtime{cfg: cfg, logger: logger, store: store, broker: b, closer: closer}, nil
}
