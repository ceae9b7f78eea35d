package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kzinmr/askrelay/internal/adapter"
	"github.com/kzinmr/askrelay/internal/adapter/loopback"
	adapteropenai "github.com/kzinmr/askrelay/internal/adapter/openai"
	"github.com/kzinmr/askrelay/internal/adapter/retry"
	"github.com/kzinmr/askrelay/internal/bootstrap"
	"github.com/kzinmr/askrelay/internal/config"
	"github.com/kzinmr/askrelay/internal/health"
	"github.com/kzinmr/askrelay/internal/httpserver"
	"github.com/kzinmr/askrelay/internal/ledger"
	"github.com/kzinmr/askrelay/internal/ledger/async"
	ledgerpg "github.com/kzinmr/askrelay/internal/ledger/postgres"
	ledgersql "github.com/kzinmr/askrelay/internal/ledger/sqlite"
	"github.com/kzinmr/askrelay/internal/logging"
	"github.com/kzinmr/askrelay/internal/metrics"
	"github.com/kzinmr/askrelay/internal/ratelimit"
	"github.com/kzinmr/askrelay/internal/relay"
	"github.com/kzinmr/askrelay/internal/session"
	"github.com/kzinmr/askrelay/internal/version"
)

const (
	sweepInterval    = time.Minute
	defaultOpenAIURL = "https://api.openai.com/v1"
)

var configRoot string

var rootCmd = &cobra.Command{
	Use:           "askrelayd",
	Short:         "Relay streamed LLM answers to document clients",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(configRoot)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP relay (default command)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(configRoot)
	},
}

var initOpts bootstrap.InitOptions

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate config/setting.ini and environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		initOpts.Root = configRoot
		if err := bootstrap.Init(initOpts); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "askrelay config initialised")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.FullInfo())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configRoot, "root", ".", "directory holding config/")

	f := initCmd.Flags()
	f.StringVar(&initOpts.Environment, "env", "dev", "environment name")
	f.StringVar(&initOpts.HTTPAddress, "http-address", ":9000", "relay bind address")
	f.StringVar(&initOpts.AllowedOrigin, "allowed-origin", "https://localhost:3000", "origin allowed by CORS")
	f.StringVar(&initOpts.Provider, "provider", "openai", "upstream provider (openai|loopback)")
	f.StringVar(&initOpts.Model, "model", "", "model name")
	f.StringVar(&initOpts.LedgerPath, "ledger-path", "", "ledger sqlite path or postgres DSN")
	f.BoolVar(&initOpts.WritePrompts, "prompts", false, "also write config/prompts.yaml")
	f.BoolVar(&initOpts.Force, "force", false, "overwrite existing files")

	rootCmd.AddCommand(serveCmd, initCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("askrelayd: %v", err)
	}
}

func runServe(root string) error {
	cfg, err := config.Load(root)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	sink, err := logging.Open(cfg.LogFile, logging.DefaultMaxBytes)
	if err != nil {
		return fmt.Errorf("init log: %w", err)
	}
	defer sink.Close()
	logger := sink.Logger("askrelayd")
	debug := logging.IsDebug(cfg.LogLevel)
	logger.Printf("askrelayd %s env=%s provider=%s model=%s", version.Info(), cfg.Environment, cfg.Provider, cfg.Model)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	collector := metrics.NewCollector()

	upstream, upstreamErr := buildUpstream(cfg, sink.Logger("askrelayd/upstream"), collector)
	if upstreamErr != nil && !errors.Is(upstreamErr, adapter.ErrMissingCredential) {
		return upstreamErr
	}

	usage, err := openLedger(cfg, sink.Logger("askrelayd/ledger"))
	if err != nil {
		return err
	}
	var store ledger.Store
	if usage != nil {
		defer usage.Close()
		store = usage
	}

	sessions := session.NewStore()
	opts := []relay.Option{
		relay.WithLogger(sink.Logger("askrelayd/relay"), debug),
		relay.WithMetrics(collector),
	}
	if usage != nil {
		opts = append(opts, relay.WithRecorder(usage))
	}
	dispatcher := relay.NewDispatcher(sessions, upstream, relay.Config{
		Model:         cfg.Model,
		SystemPrompt:  cfg.SystemPrompt,
		PollInterval:  cfg.PollInterval,
		PingInterval:  cfg.PingInterval,
		StreamTimeout: cfg.StreamTimeout,
	}, opts...)

	httpSrv := httpserver.New(dispatcher, sessions, store)
	httpSrv.SetLogger(cfg.LogLevel, sink.Logger("askrelayd/http"))
	httpSrv.SetAllowedOrigin(cfg.AllowedOrigin)
	httpSrv.SetMetrics(collector)
	httpSrv.SetConfigError(upstreamErr)
	httpSrv.SetHealthChecker(health.New(health.Config{Probes: probes(cfg, usage)}))

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	})
	if limiter.Enabled() {
		httpSrv.SetRateLimiter(ratelimit.NewMiddleware(limiter, sink.Logger("askrelayd/ratelimit"), collector.RecordRateLimitHit))
		go limiter.Run(ctx, sweepInterval)
	}

	go sessions.Run(ctx, sweepInterval, cfg.SessionTTL, func(removed int) {
		collector.RecordSessionsSwept(removed)
		logger.Printf("swept %d sessions never opened within %v", removed, cfg.SessionTTL)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Blocking answers may take the whole upstream timeout; streams lift
		// the deadline per response.
		WriteTimeout: cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     sink.Logger("askrelayd/http"),
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSEnabled() {
			logger.Printf("relay listening on %s (https)", cfg.HTTPAddress)
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			logger.Printf("relay listening on %s", cfg.HTTPAddress)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	return nil
}

// buildUpstream returns the configured adapter wrapped in transport retries.
// A missing credential is returned alongside a nil adapter so the daemon can
// still start and report it per request.
func buildUpstream(cfg config.Config, logger *log.Logger, collector *metrics.Collector) (adapter.StreamingChatAdapter, error) {
	var base adapter.StreamingChatAdapter
	switch cfg.Provider {
	case "loopback":
		base = loopback.New(loopback.WithChunkDelay(50 * time.Millisecond))
	default:
		oa, err := adapteropenai.New(adapteropenai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Organization:   cfg.OpenAIOrg,
			RequestTimeout: cfg.RequestTimeout,
			OnMalformed: func(line string, err error) {
				collector.RecordUpstreamError("malformed")
				logger.Printf("skipping malformed stream record (%d bytes): %v", len(line), err)
			},
		})
		if err != nil {
			logger.Printf("openai adapter init failed: %v", err)
			return nil, err
		}
		base = oa
	}

	return retry.New(retry.Config{
		Adapter: base,
		Retries: cfg.UpstreamRetries,
		Jitter:  0.2,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			collector.RecordUpstreamRetry()
			logger.Printf("upstream attempt %d failed, retrying in %v: %v", attempt, delay, err)
		},
	})
}

func openLedger(cfg config.Config, logger *log.Logger) (*async.Store, error) {
	if !cfg.LedgerEnabled() {
		logger.Printf("usage ledger disabled")
		return nil, nil
	}
	var (
		store ledger.Store
		err   error
	)
	if ledger.IsPostgresDSN(cfg.LedgerPath) {
		store, err = ledgerpg.New(cfg.LedgerPath, ledgerpg.PoolConfig{
			MaxOpen:     10,
			MaxIdle:     5,
			MaxLifetime: time.Hour,
			MaxIdleTime: 10 * time.Minute,
		})
	} else {
		store, err = ledgersql.New(cfg.LedgerPath)
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return async.New(store, async.Config{Logger: logger}), nil
}

func probes(cfg config.Config, usage *async.Store) []health.Probe {
	var out []health.Probe
	if usage != nil {
		out = append(out, health.DatabaseProbe("ledger_db", usage))
	}
	if cfg.Provider == "openai" {
		base := strings.TrimSpace(cfg.OpenAIBaseURL)
		if base == "" {
			base = defaultOpenAIURL
		}
		out = append(out, health.HTTPProbe("openai_api", strings.TrimSuffix(base, "/")+"/models", &http.Client{Timeout: 5 * time.Second}))
	}
	return out
}
