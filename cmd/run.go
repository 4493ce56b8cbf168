package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"toolprobe/internal/cache"
	"toolprobe/internal/circuit"
	"toolprobe/internal/config"
	"toolprobe/internal/invoke"
	"toolprobe/internal/pool"
	"toolprobe/internal/registry"
	"toolprobe/internal/reporter"
	"toolprobe/internal/results"
	"toolprobe/internal/retry"
	"toolprobe/internal/scenario"
	"toolprobe/internal/scheduler"
	"toolprobe/pkg/logging"
)

var (
	runConfigPath   string
	runEndpoint     string
	runScenarioPath string
	runParallel     int
	runCategories   []string
	runTags         []string
	runTimeout      string
	runFailFast     bool
	runVerbose      bool
	runDebug        bool
	runQuiet        bool
	runNoCache      bool
	runCachePath    string
	runReportPath   string
)

// TestsFailedError signals that the run completed but tests failed, so the
// process can exit with a code distinct from infrastructure errors.
type TestsFailedError struct {
	Summary results.RunSummary
}

func (e *TestsFailedError) Error() string {
	return fmt.Sprintf("%d of %d tests did not pass",
		e.Summary.Failed+e.Summary.Errored+e.Summary.TimedOut, e.Summary.Total)
}

// accessTokenEnv is the environment variable consulted for the endpoint
// credential, both at startup and on credential refresh.
const accessTokenEnv = "TOOLPROBE_ACCESS_TOKEN"

// envTokenSource reads the access token from the environment. Refresh
// re-reads it, which is the narrow interface behind which an external
// credential flow (out of scope here) delivers a fresh token.
type envTokenSource struct {
	mu    sync.RWMutex
	token string
}

func newEnvTokenSource(initial string) *envTokenSource {
	if initial == "" {
		initial = os.Getenv(accessTokenEnv)
	}
	return &envTokenSource{token: initial}
}

func (s *envTokenSource) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *envTokenSource) Refresh(ctx context.Context) error {
	fresh := os.Getenv(accessTokenEnv)
	if fresh == "" {
		return fmt.Errorf("no refreshed credential available in %s", accessTokenEnv)
	}
	s.mu.Lock()
	s.token = fresh
	s.mu.Unlock()
	return nil
}

// runCmd executes test descriptors against the configured endpoint.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute test cases against a remote tool endpoint",
	Long: `The run command loads test descriptors, connects to the remote MCP
endpoint and executes the selected tests with bounded concurrency.

Unchanged tests whose last run passed are skipped via the result cache;
pass --no-cache to force re-execution. Exit code 2 means the run completed
but some tests failed.`,
	RunE: runTests,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "toolprobe.yaml", "Path to the configuration file")
	runCmd.Flags().StringVarP(&runEndpoint, "endpoint", "e", "", "MCP endpoint URL (overrides config)")
	runCmd.Flags().StringVarP(&runScenarioPath, "scenarios", "s", "scenarios", "Test descriptor file or directory")
	runCmd.Flags().IntVarP(&runParallel, "parallel", "p", 0, "Number of parallel workers (0 = detected CPU count)")
	runCmd.Flags().StringSliceVar(&runCategories, "category", nil, "Only run the listed categories, in order")
	runCmd.Flags().StringSliceVar(&runTags, "tag", nil, "Only run tests carrying every listed tag")
	runCmd.Flags().StringVar(&runTimeout, "timeout", "", "Per-test timeout (e.g. 90s)")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "Stop scheduling new tests after the first failure")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Detailed output")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "Debug logging")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only report failures and the final summary")
	runCmd.Flags().BoolVar(&runNoCache, "no-cache", false, "Disable the result cache for this run")
	runCmd.Flags().StringVar(&runCachePath, "cache-path", "", "Result cache file (overrides config)")
	runCmd.Flags().StringVar(&runReportPath, "report-path", "", "Write a detailed JSON report to this file")

	rootCmd.AddCommand(runCmd)
}

func runTests(cmd *cobra.Command, args []string) error {
	level := logging.LevelWarn
	if runVerbose {
		level = logging.LevelInfo
	}
	if runDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, &cfg)

	if cfg.Endpoint.URL == "" {
		return fmt.Errorf("no endpoint configured: pass --endpoint or set endpoint.url in %s", runConfigPath)
	}

	descs, err := scenario.LoadPath(runScenarioPath)
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return fmt.Errorf("no test descriptors found in %s", runScenarioPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens := newEnvTokenSource(cfg.Endpoint.AccessToken)
	connPool, err := pool.New(ctx, pool.Config{
		MinConnections: cfg.Pool.MinConnections,
		MaxConnections: cfg.Pool.MaxConnections,
	}, invoke.NewFactory(cfg.Endpoint.URL, tokens))
	if err != nil {
		return err
	}
	defer connPool.Close()

	breaker := circuit.New(circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		RecoveryTimeout:  cfg.Circuit.RecoveryTimeout.Std(),
	})
	policy := retry.NewPolicy(cfg.Retry.MaxRetries, cfg.Retry.InitialBackoff.Std(),
		cfg.Retry.BackoffFactor, cfg.Retry.MaxBackoff.Std(), cfg.Retry.RetryableStatuses)

	caller := invoke.NewAuthInvoker(invoke.New(connPool, breaker, policy), tokens)

	reg := registry.New()
	if err := scenario.Register(reg, caller, descs); err != nil {
		return err
	}

	var resultCache *cache.Cache
	var hashes scheduler.HashFunc
	if cfg.Cache.Enabled && !runNoCache {
		resultCache, err = cache.Load(cfg.Cache.Path, cfg.Cache.TTL.Std())
		if err != nil {
			logging.Warn("Run", "Result cache unavailable, running everything: %v", err)
		} else {
			hashes = scenario.HashFuncFor(descs, cfg.Endpoint.URL, GetVersion())
		}
	}

	var rep reporter.Reporter
	if runQuiet {
		rep = reporter.NewQuiet()
	} else {
		rep = reporter.NewConsole(runVerbose, runReportPath)
	}

	sched := scheduler.New(reg, resultCache, hashes, rep, scheduler.Config{
		Parallel:          cfg.Execution.Parallel,
		TestTimeout:       cfg.Execution.TestTimeout.Std(),
		SlowTestThreshold: cfg.Execution.SlowTestThreshold.Std(),
		FailFast:          cfg.Execution.FailFast,
		CategoryOrder:     cfg.Execution.CategoryOrder,
	})

	summary, err := sched.Run(ctx, scheduler.Filter{
		Categories: runCategories,
		Tags:       runTags,
	})
	if err != nil {
		return err
	}
	if !summary.Succeeded() {
		return &TestsFailedError{Summary: summary}
	}
	return nil
}

// applyFlagOverrides layers explicitly set flags over the file config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if runEndpoint != "" {
		cfg.Endpoint.URL = runEndpoint
	}
	if cmd.Flags().Changed("parallel") {
		cfg.Execution.Parallel = runParallel
	}
	if cmd.Flags().Changed("fail-fast") {
		cfg.Execution.FailFast = runFailFast
	}
	if runTimeout != "" {
		if d, err := time.ParseDuration(runTimeout); err == nil {
			cfg.Execution.TestTimeout = config.Duration(d)
		} else {
			logging.Warn("Run", "Ignoring invalid --timeout %q: %v", runTimeout, err)
		}
	}
	if runCachePath != "" {
		cfg.Cache.Path = runCachePath
	}
}
