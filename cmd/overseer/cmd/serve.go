package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/media-overseer/internal/cgroups"
	"github.com/psantana5/media-overseer/pkg/api"
	"github.com/psantana5/media-overseer/pkg/auth"
	"github.com/psantana5/media-overseer/pkg/checkpoint"
	"github.com/psantana5/media-overseer/pkg/cleanup"
	"github.com/psantana5/media-overseer/pkg/jobs"
	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/metrics"
	"github.com/psantana5/media-overseer/pkg/notify"
	"github.com/psantana5/media-overseer/pkg/queue"
	"github.com/psantana5/media-overseer/pkg/retry"
	"github.com/psantana5/media-overseer/pkg/shutdown"
	"github.com/psantana5/media-overseer/pkg/store"
	"github.com/psantana5/media-overseer/pkg/tool"
	"github.com/psantana5/media-overseer/pkg/tracing"
	"github.com/psantana5/media-overseer/pkg/upload"
)

var serveShutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job API server",
	Long: `Starts the HTTP API and the job manager. Jobs are persisted in the configured
database; state changes are published to Redis and finished outputs uploaded to S3
when those are configured. With amqp.url set, job requests are also consumed from
RabbitMQ.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "listen address (overrides listen_addr)")
	serveCmd.Flags().Int("max-concurrent", 0, "maximum concurrent jobs (overrides max_concurrent_jobs)")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for running jobs to stop")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetInt("max-concurrent"); v > 0 {
		cfg.MaxConcurrent = v
	}

	logger, err := newLogger(cfg, "server")
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sm := shutdown.New(serveShutdownTimeout, logger)

	tp, err := tracing.InitTracer(cfg.TracingConfig(Version))
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	sm.Register("tracing", tp.Shutdown)

	m := metrics.New()

	var st store.Store
	err = retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		var err error
		st, err = store.NewStore(cfg.Store())
		if err == store.ErrUnsupportedDatabase {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	sm.Register("store", shutdown.CloseResource(st, "store"))

	opts := jobs.Options{Store: st, Metrics: m, Logger: logger}

	if nc, ok := cfg.Notify(); ok {
		n := notify.NewRedisNotifier(nc)
		sm.Register("redis", shutdown.CloseResource(n, "redis"))
		opts.Notifier = n
		logger.Info("publishing job events", logging.Fields{"addr": nc.Addr, "channel": n.Channel()})
	}

	if uc, ok := cfg.Upload(); ok {
		u, err := upload.NewS3Uploader(ctx, uc, logger)
		if err != nil {
			return err
		}
		opts.Uploader = u
		logger.Info("uploading outputs", logging.Fields{"bucket": uc.Bucket})
	}

	if priv, err := checkpoint.NewCRIU(cfg.CRIUPath, tool.NewExecRunner(logger, m), os.Geteuid); err == nil {
		cm := checkpoint.NewManager(cfg.StateDir, priv, logger)
		cm.LeaveStopped = cfg.LeaveStopped
		opts.Checkpointer = cm
	} else {
		logger.Info("checkpointing disabled", logging.Fields{"reason": err.Error()})
	}

	if limits := cfg.ResourceLimits(); !limits.Empty() {
		cg := cgroups.New()
		if err := cg.Available(); err != nil {
			logger.Warn("resource limits disabled", logging.Fields{"error": err})
		} else {
			opts.Cgroups = cg
		}
	}

	manager, err := jobs.NewManager(cfg.Jobs(), opts)
	if err != nil {
		return err
	}
	if n, err := manager.Recover(); err != nil {
		logger.Warn("failed to recover interrupted jobs", logging.Fields{"error": err})
	} else if n > 0 {
		logger.Warn("marked interrupted jobs as failed", logging.Fields{"count": n})
	}
	sm.Register("jobs", manager.Shutdown)

	if cp := cfg.CleanupPolicy(); cp.Enabled {
		cleaner := cleanup.NewManager(cp, st, logger)
		cleaner.Start(ctx)
		sm.Register("cleanup", func(context.Context) error {
			cleaner.Stop()
			return nil
		})
	}

	if cfg.AMQP.URL != "" {
		consumer, err := queue.Dial(cfg.AMQP.URL, cfg.AMQP.Queue, manager, logger)
		if err != nil {
			return err
		}
		sm.Register("amqp", shutdown.CloseResource(consumer, "amqp"))
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("queue consumer stopped", logging.Fields{"error": err})
			}
		}()
	}

	keys, err := apiKeys(cfg.APIKey, cfg.APIKeys)
	if err != nil {
		return err
	}
	if !keys.Enabled() {
		logger.Warn("API authentication disabled: no api_key configured")
	}

	handler := api.NewHandler(manager, logger, api.WithMetrics(m.Handler()))
	server, err := api.NewServer(cfg.Server(), handler, keys, tp, logger)
	if err != nil {
		return err
	}
	// registered last so it stops first
	sm.Register("http", shutdown.StopHTTPServer(server, "api"))

	go func() {
		if err := server.ListenAndServe(ctx); err != nil {
			logger.Error("API server failed", logging.Fields{"error": err})
			sm.Trigger()
		}
	}()

	if err := sm.WaitWithContext(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// apiKeys combines a plain key from the config with precomputed hashes
func apiKeys(plain string, hashes []string) (*auth.APIKeyAuth, error) {
	all := append([]string(nil), hashes...)
	if plain != "" {
		h, err := auth.HashKey(plain, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, h)
	}
	return auth.NewAPIKeyAuthFromHashes(all...)
}
