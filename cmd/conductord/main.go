package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/conductor/pkg/agentproc"
	"github.com/cuemby/conductor/pkg/api"
	"github.com/cuemby/conductor/pkg/clock"
	"github.com/cuemby/conductor/pkg/config"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/orchestrator"
	"github.com/cuemby/conductor/pkg/ratelimit"
	"github.com/cuemby/conductor/pkg/recovery"
	"github.com/cuemby/conductor/pkg/security"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/cuemby/conductor/pkg/worker"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "conductord",
	Short:   "conductord runs the task orchestration core's supervisor daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("conductord version %s\nCommit: %s\n", Version, Commit))
	rootCmd.Flags().String("config", "", "path to a YAML config file (defaults are used if omitted)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("conductord")

	metrics.SetVersion(Version)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	collector := metrics.NewCollector(store, cfg.HealthCheckInterval())
	collector.Start()
	defer collector.Stop()

	clk := clock.New()
	broker := ratelimit.NewBroker()
	broker.Start()
	defer broker.Stop()
	runner := agentproc.NewRunner(cfg.ProbeTimeout())
	metrics.RegisterComponent("agentproc", true, "")

	arbiter := ratelimit.New(store, clk, rateLimitSignatures(cfg), broker, backoffConfig(cfg))
	arbiter.ProbeFunc = func(ctx context.Context) error {
		handle, err := runner.Spawn(ctx, "true", cfg.DataDir, nil, nil)
		if err != nil {
			return fmt.Errorf("rate-limit probe: spawning trial invocation: %w", err)
		}
		result := handle.Wait()
		if result.Err != nil {
			return fmt.Errorf("rate-limit probe: trial invocation failed: %w", result.Err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("rate-limit probe: trial invocation exited %d", result.ExitCode)
		}
		return nil
	}

	gate := security.NewGate(security.DefaultDestructivePatterns(), secretPatterns(cfg))

	poolCfg := worker.DefaultConfig()
	poolCfg.NumWorkers = cfg.NumWorkers
	poolCfg.HeartbeatInterval = cfg.HeartbeatInterval()
	poolCfg.ClassConcurrency = classConcurrency(cfg)
	poolCfg.ClassToolAllowlist = classToolAllowlist(cfg)
	poolCfg.MaxOutputBytes = cfg.MaxOutputSizeBytes
	pool := worker.NewPool(poolCfg, store, gate, arbiter, runner, clk)

	recCfg := recovery.DefaultConfig(cfg.DataDir)
	recCfg.HeartbeatInterval = cfg.HeartbeatInterval()
	recCfg.Period = cfg.HealthCheckInterval()
	recCfg.RetentionGracePeriod = cfg.RetentionGracePeriod()
	recCfg.MinDiskFreeBytes = cfg.MinDiskFreeBytes()
	recCfg.ProbeTimeout = cfg.ProbeTimeout()
	recoveryLoop := recovery.NewLoop(recCfg, store, arbiter, clk)

	orch := orchestrator.New(store, arbiter, pool, recoveryLoop, clk, cfg.AlertLogPath)
	if err := orch.Start(); err != nil {
		metrics.RegisterComponent("orchestrator", false, err.Error())
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	defer orch.Stop()
	metrics.RegisterComponent("orchestrator", true, "")

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(err error) {
			logger.Error().Err(err).Msg("config reload failed")
		})
		if err != nil {
			logger.Warn().Err(err).Msg("config hot-reload watcher unavailable, continuing with static config")
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	server := api.NewServer(orch)
	httpSrv := server.Start(fmt.Sprintf(":%d", cfg.MetricsPort))
	go func() {
		logger.Info().Int("port", cfg.MetricsPort).Msg("api server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api server stopped unexpectedly")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func backoffConfig(cfg config.Config) ratelimit.BackoffConfig {
	return ratelimit.BackoffConfig{
		Base:       time.Duration(cfg.DefaultUnbanWaitSeconds) * time.Second,
		Max:        time.Duration(cfg.SessionLimitSeconds) * time.Second,
		Multiplier: cfg.RateLimitBackoffMultiplier,
	}
}

func classConcurrency(cfg config.Config) map[types.TaskClass]int {
	out := make(map[types.TaskClass]int, len(cfg.ClassConcurrency))
	for class, n := range cfg.ClassConcurrency {
		out[types.TaskClass(class)] = n
	}
	return out
}

func classToolAllowlist(cfg config.Config) map[types.TaskClass][]string {
	out := make(map[types.TaskClass][]string, len(cfg.ClassToolAllowlist))
	for class, tools := range cfg.ClassToolAllowlist {
		out[types.TaskClass(class)] = tools
	}
	return out
}

func rateLimitSignatures(cfg config.Config) []ratelimit.Signature {
	sigs := ratelimit.DefaultSignatures()
	for i, expr := range cfg.RateLimitSignatures {
		re, err := regexp.Compile(expr)
		if err != nil {
			log.WithComponent("conductord").Warn().Err(err).Str("pattern", expr).Msg("skipping invalid rate_limit_signatures entry")
			continue
		}
		sigs = append(sigs, ratelimit.Signature{Name: fmt.Sprintf("configured_%d", i), Regexp: re})
	}
	return sigs
}

func secretPatterns(cfg config.Config) []security.Pattern {
	patterns := security.DefaultSecretPatterns()
	for _, expr := range cfg.SensitivePatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			log.WithComponent("conductord").Warn().Err(err).Str("pattern", expr).Msg("skipping invalid sensitive_patterns entry")
			continue
		}
		patterns = append(patterns, security.Pattern{Kind: "configured_sensitive", Severity: "info", Regexp: re})
	}
	return patterns
}
