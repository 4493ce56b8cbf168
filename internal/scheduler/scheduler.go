// Package scheduler executes registered test cases with bounded
// concurrency. Each test runs under its own deadline behind a panic
// boundary, so one misbehaving test can neither stall nor crash its
// siblings. The semaphore permit is held for the full duration of one
// test, including any retries the test performs internally, which is what
// bounds overall fan-out.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"toolprobe/internal/cache"
	"toolprobe/internal/registry"
	"toolprobe/internal/reporter"
	"toolprobe/internal/results"
	"toolprobe/pkg/logging"
)

// Default scheduler parameters.
const (
	DefaultTestTimeout       = 60 * time.Second
	DefaultSlowTestThreshold = 10 * time.Second
)

// Config holds the scheduler parameters.
type Config struct {
	// Parallel is the number of concurrent workers. Defaults to the
	// detected CPU count, minimum 1.
	Parallel int
	// TestTimeout is the per-test deadline unless the case overrides it.
	TestTimeout time.Duration
	// SlowTestThreshold is when the background slow-test warning fires.
	SlowTestThreshold time.Duration
	// FailFast stops scheduling new tests after the first failure.
	FailFast bool
	// CategoryOrder is the execution order for categories. Unlisted
	// categories run after the listed ones in name order.
	CategoryOrder []string
}

// DefaultConfig returns the zero-configuration scheduler parameters.
func DefaultConfig() Config {
	parallel := runtime.NumCPU()
	if parallel < 1 {
		parallel = 1
	}
	return Config{
		Parallel:          parallel,
		TestTimeout:       DefaultTestTimeout,
		SlowTestThreshold: DefaultSlowTestThreshold,
	}
}

// Filter selects which registered tests to run.
type Filter struct {
	// Categories restricts the run to the listed categories, executed in
	// the given order. Empty means all categories.
	Categories []string
	// Tags requires every listed tag on each selected test.
	Tags []string
}

// HashFunc supplies the current content hashes for a test case. Returning
// false means no hashes are available and the cache is bypassed for that
// test.
type HashFunc func(tc registry.TestCase) (cache.Hashes, bool)

// Scheduler runs test cases from a registry through a bounded worker pool.
type Scheduler struct {
	registry *registry.Registry
	cache    *cache.Cache // nil disables caching
	hashes   HashFunc
	reporter reporter.Reporter
	config   Config
}

// New creates a scheduler. The cache may be nil to disable result caching;
// the hash function may be nil for the same effect.
func New(reg *registry.Registry, resultCache *cache.Cache, hashes HashFunc, rep reporter.Reporter, config Config) *Scheduler {
	if config.Parallel < 1 {
		config.Parallel = DefaultConfig().Parallel
	}
	if config.TestTimeout <= 0 {
		config.TestTimeout = DefaultTestTimeout
	}
	if config.SlowTestThreshold <= 0 {
		config.SlowTestThreshold = DefaultSlowTestThreshold
	}
	return &Scheduler{
		registry: reg,
		cache:    resultCache,
		hashes:   hashes,
		reporter: rep,
		config:   config,
	}
}

// Run executes the selected tests and returns the run summary. Result
// order in the summary is completion order; within a category tests may
// run concurrently and finish in any order.
func (s *Scheduler) Run(ctx context.Context, filter Filter) (results.RunSummary, error) {
	tests := s.collect(filter)

	parallel := s.config.Parallel
	agg := results.NewAggregator(parallel > 1)
	s.reporter.ReportRunStart(len(tests), parallel)

	if len(tests) == 0 {
		summary := agg.Summarize()
		s.reporter.ReportSummary(summary)
		return summary, nil
	}

	runDir, err := os.MkdirTemp("", "toolprobe-run-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return results.RunSummary{}, fmt.Errorf("failed to create run scratch directory: %w", err)
	}
	defer os.RemoveAll(runDir)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(parallel))
	workerIDs := make(chan int, parallel)
	for i := 0; i < parallel; i++ {
		workerIDs <- i
	}

	var wg sync.WaitGroup
	for _, tc := range tests {
		// Cache consult happens in submission order so cached results are
		// deterministic even under concurrency.
		if res, hit := s.cachedResult(tc); hit {
			agg.Append(res)
			s.reporter.ReportResult(res)
			continue
		}

		wg.Add(1)
		go func(tc registry.TestCase) {
			defer wg.Done()

			if err := sem.Acquire(runCtx, 1); err != nil {
				// Run aborted before this test got a worker.
				res := results.TestResult{
					Name:      tc.Name,
					Tool:      tc.Tool,
					Outcome:   results.OutcomeSkipped,
					Error:     "run aborted before execution",
					WorkerID:  -1,
					Timestamp: time.Now(),
				}
				agg.Append(res)
				s.reporter.ReportResult(res)
				return
			}
			workerID := <-workerIDs
			defer func() {
				workerIDs <- workerID
				sem.Release(1)
			}()

			s.reporter.ReportTestStart(tc)
			res := s.runTest(runCtx, tc, workerID, runDir)
			agg.Append(res)
			s.recordInCache(tc, res)
			s.reporter.ReportResult(res)

			if s.config.FailFast && isFailure(res.Outcome) {
				logging.Debug("Scheduler", "Fail-fast triggered by %s", tc.Name)
				cancel()
			}
		}(tc)
	}

	wg.Wait()

	summary := agg.Summarize()
	s.reporter.ReportSummary(summary)
	return summary, ctx.Err()
}

// collect gathers the tests to run in category execution order.
func (s *Scheduler) collect(filter Filter) []registry.TestCase {
	categories := filter.Categories
	if len(categories) == 0 {
		categories = orderCategories(s.registry.Categories(), s.config.CategoryOrder)
	}

	var tests []registry.TestCase
	for _, category := range categories {
		tests = append(tests, s.registry.Tests(category, filter.Tags)...)
	}
	return tests
}

// orderCategories puts the configured categories first, in configured
// order, followed by the rest in their existing (name) order.
func orderCategories(all []string, configured []string) []string {
	present := make(map[string]bool, len(all))
	for _, c := range all {
		present[c] = true
	}

	var out []string
	listed := make(map[string]bool, len(configured))
	for _, c := range configured {
		if present[c] && !listed[c] {
			out = append(out, c)
			listed[c] = true
		}
	}
	for _, c := range all {
		if !listed[c] {
			out = append(out, c)
		}
	}
	return out
}

// cachedResult checks whether the test can be skipped from the cache.
func (s *Scheduler) cachedResult(tc registry.TestCase) (results.TestResult, bool) {
	if s.cache == nil || s.hashes == nil {
		return results.TestResult{}, false
	}
	hashes, ok := s.hashes(tc)
	if !ok {
		return results.TestResult{}, false
	}
	if reason := s.cache.InvalidationReason(tc.Name, hashes); reason != "" {
		logging.Debug("Scheduler", "Cache miss for %s: %s", tc.Name, reason)
		return results.TestResult{}, false
	}

	rec, _ := s.cache.Get(tc.Name)
	return results.TestResult{
		Name:      tc.Name,
		Tool:      tc.Tool,
		Outcome:   results.OutcomeCached,
		Duration:  rec.Duration,
		WorkerID:  -1,
		Timestamp: time.Now(),
	}, true
}

// recordInCache overwrites the cache record after a completed execution.
// Skipped tests are not recorded: a skip says nothing about the tool.
func (s *Scheduler) recordInCache(tc registry.TestCase, res results.TestResult) {
	if s.cache == nil || s.hashes == nil {
		return
	}
	if res.Outcome == results.OutcomeSkipped || res.Outcome == results.OutcomeCached {
		return
	}
	hashes, ok := s.hashes(tc)
	if !ok {
		return
	}
	s.cache.Record(tc.Name, tc.Tool, string(res.Outcome), res.Duration, hashes, res.Error)
}

func isFailure(o results.Outcome) bool {
	return o == results.OutcomeFailed || o == results.OutcomeError || o == results.OutcomeTimeout
}

// panicError carries a recovered panic across the worker boundary.
type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("test panicked: %v\n%s", e.value, e.stack)
}

// runTest executes one test body under its deadline, with the slow-test
// warning armed and the panic boundary in place.
func (s *Scheduler) runTest(ctx context.Context, tc registry.TestCase, workerID int, runDir string) results.TestResult {
	timeout := s.config.TestTimeout
	if tc.Timeout > 0 {
		timeout = tc.Timeout
	}

	scratch := filepath.Join(runDir, fmt.Sprintf("worker-%d", workerID))
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		logging.Warn("Scheduler", "Failed to create worker scratch dir: %v", err)
		scratch = runDir
	}

	res := results.TestResult{
		Name:     tc.Name,
		Tool:     tc.Tool,
		WorkerID: workerID,
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slowWarning := time.AfterFunc(s.config.SlowTestThreshold, func() {
		logging.Warn("Scheduler", "Test %s still running after %s (worker %d)",
			tc.Name, s.config.SlowTestThreshold, workerID)
	})
	defer slowWarning.Stop()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &panicError{value: r, stack: debug.Stack()}
			}
		}()
		done <- tc.Run(tctx, registry.RunContext{
			WorkerID:   workerID,
			ScratchDir: scratch,
		})
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-tctx.Done():
		res.Duration = time.Since(start)
		res.Timestamp = time.Now()
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			res.Outcome = results.OutcomeTimeout
			res.Error = fmt.Sprintf("test exceeded its %s deadline", timeout)
		} else {
			// Parent context canceled, e.g. fail-fast or shutdown.
			res.Outcome = results.OutcomeSkipped
			res.Error = "run canceled during execution"
		}
		return res
	}

	res.Duration = time.Since(start)
	res.Timestamp = time.Now()

	var skip *registry.SkipError
	var panicked *panicError
	switch {
	case runErr == nil:
		res.Outcome = results.OutcomePassed
	case errors.As(runErr, &skip):
		res.Outcome = results.OutcomeSkipped
		res.Error = skip.Reason
	case errors.As(runErr, &panicked):
		res.Outcome = results.OutcomeError
		res.Error = panicked.Error()
	case errors.Is(runErr, context.DeadlineExceeded):
		res.Outcome = results.OutcomeTimeout
		res.Error = fmt.Sprintf("test exceeded its %s deadline", timeout)
	default:
		res.Outcome = results.OutcomeFailed
		res.Error = runErr.Error()
	}
	return res
}
