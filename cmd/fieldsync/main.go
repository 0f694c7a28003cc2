package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fieldops/fieldsync"
	"github.com/fieldops/fieldsync/middleware"
	"github.com/fieldops/fieldsync/pkg/config"
	"github.com/fieldops/fieldsync/pkg/metrics"
	"github.com/fieldops/fieldsync/pkg/tracing"
)

var (
	configPath     string
	baseURL        string
	dataDir        string
	token          string
	jaegerEndpoint string
	offline        bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Inspect and drive the fieldsync offline data layer",
	Long: "Command-line interface for the fieldsync data layer.\n" +
		"Reads through the cache, lists and retries queued mutations and runs a sync.",
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	flags.StringVar(&baseURL, "base-url", "", "API base URL (overrides config)")
	flags.StringVar(&dataDir, "data-dir", "", "directory holding the local store (overrides config)")
	flags.StringVar(&token, "token", os.Getenv(config.EnvPrefix+"TOKEN"), "bearer token sent to the API")
	flags.StringVar(&jaegerEndpoint, "jaeger-endpoint", "", "export traces to this Jaeger collector")
	flags.BoolVar(&offline, "offline", false, "start with the device offline")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// session is an open client plus what must be released with it
type session struct {
	client    *fieldsync.Client
	collector *metrics.PrometheusCollector
	logger    *zap.Logger
	cleanup   []func()
}

func (s *session) Close() {
	if err := s.client.Close(); err != nil {
		s.logger.Warn("failed to close client", zap.Error(err))
	}
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	_ = s.logger.Sync()
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if cfg.DataDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return cfg, fmt.Errorf("cannot determine cache directory: %w", err)
		}
		cfg.DataDir = filepath.Join(dir, "fieldsync")
	}
	if jaegerEndpoint != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = jaegerEndpoint
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create data directory: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	s := &session{logger: logger}

	tp, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else if tp != nil {
		s.cleanup = append(s.cleanup, func() {
			if err := tracing.Shutdown(context.Background(), tp); err != nil {
				logger.Warn("failed to flush traces", zap.Error(err))
			}
		})
	}

	collector, err := metrics.NewPrometheusCollector()
	if err != nil {
		return nil, err
	}
	s.collector = collector

	opts := []fieldsync.Option{
		fieldsync.WithLogger(logger),
		fieldsync.WithCollector(collector),
	}
	if token != "" {
		opts = append(opts, fieldsync.WithTokenSource(middleware.StaticToken(token)))
	}

	client, err := fieldsync.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if offline {
		client.Monitor().SetOnline(false)
	}
	s.client = client
	return s, nil
}

// withSession opens a client for the duration of a command
func withSession(fn func(cmd *cobra.Command, args []string, s *session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd, args, s)
	}
}
