package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolprobe/internal/cache"
	"toolprobe/internal/registry"
	"toolprobe/internal/results"
	"toolprobe/pkg/logging"
)

// nopReporter satisfies reporter.Reporter without output.
type nopReporter struct{}

func (nopReporter) ReportRunStart(total, parallel int)   {}
func (nopReporter) ReportTestStart(tc registry.TestCase) {}
func (nopReporter) ReportResult(r results.TestResult)    {}
func (nopReporter) ReportSummary(s results.RunSummary)   {}

func newTestScheduler(t *testing.T, reg *registry.Registry, config Config) *Scheduler {
	t.Helper()
	return New(reg, nil, nil, nopReporter{}, config)
}

func mustRegister(t *testing.T, reg *registry.Registry, tc registry.TestCase) {
	t.Helper()
	require.NoError(t, reg.Register(tc))
}

func TestRun_ConcurrencyBound(t *testing.T) {
	const parallel = 4
	const total = 12

	var current, peak atomic.Int32
	reg := registry.New()
	for i := 0; i < total; i++ {
		mustRegister(t, reg, registry.TestCase{
			Name:     fmt.Sprintf("bounded-%02d", i),
			Category: "load",
			Run: func(ctx context.Context, rc registry.RunContext) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(100 * time.Millisecond)
				current.Add(-1)
				return nil
			},
		})
	}

	s := newTestScheduler(t, reg, Config{Parallel: parallel, TestTimeout: 5 * time.Second})
	start := time.Now()
	summary, err := s.Run(context.Background(), Filter{})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, total, summary.Passed)
	assert.LessOrEqual(t, peak.Load(), int32(parallel),
		"no more than %d tests may execute at once", parallel)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond,
		"12 tests of 100ms at parallelism 4 cannot finish in under two batches")
}

func TestRun_PanicIsolation(t *testing.T) {
	reg := registry.New()
	for i := 0; i < 5; i++ {
		i := i
		mustRegister(t, reg, registry.TestCase{
			Name:     fmt.Sprintf("isolated-%d", i),
			Category: "core",
			Run: func(ctx context.Context, rc registry.RunContext) error {
				if i == 2 {
					panic("boom")
				}
				return nil
			},
		})
	}

	s := newTestScheduler(t, reg, Config{Parallel: 2, TestTimeout: 5 * time.Second})
	summary, err := s.Run(context.Background(), Filter{})

	require.NoError(t, err)
	assert.Equal(t, 4, summary.Passed, "a panicking test must not take its siblings down")
	assert.Equal(t, 1, summary.Errored)
	for _, r := range summary.Results {
		if r.Outcome == results.OutcomeError {
			assert.Contains(t, r.Error, "test panicked: boom")
			assert.Contains(t, r.Error, "goroutine", "the recovered stack should be attached")
		}
	}
}

func TestRun_PerTestTimeout(t *testing.T) {
	reg := registry.New()
	mustRegister(t, reg, registry.TestCase{
		Name:     "deadline",
		Category: "core",
		Timeout:  50 * time.Millisecond,
		Run: func(ctx context.Context, rc registry.RunContext) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	mustRegister(t, reg, registry.TestCase{
		Name:     "quick",
		Category: "core",
		Run:      func(ctx context.Context, rc registry.RunContext) error { return nil },
	})

	s := newTestScheduler(t, reg, Config{Parallel: 2, TestTimeout: 5 * time.Second})
	summary, err := s.Run(context.Background(), Filter{})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.TimedOut)
	assert.Equal(t, 1, summary.Passed)
	for _, r := range summary.Results {
		if r.Name == "deadline" {
			assert.Equal(t, results.OutcomeTimeout, r.Outcome)
			assert.Contains(t, r.Error, "50ms deadline")
		}
	}
}

// syncWriter is a log sink safe to read while the timer goroutine writes.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestRun_SlowTestWarning(t *testing.T) {
	out := &syncWriter{}
	logging.Init(logging.LevelWarn, out)

	reg := registry.New()
	mustRegister(t, reg, registry.TestCase{
		Name:     "sluggish",
		Category: "core",
		Run: func(ctx context.Context, rc registry.RunContext) error {
			time.Sleep(120 * time.Millisecond)
			return nil
		},
	})

	s := newTestScheduler(t, reg, Config{
		Parallel:          1,
		TestTimeout:       5 * time.Second,
		SlowTestThreshold: 20 * time.Millisecond,
	})
	summary, err := s.Run(context.Background(), Filter{})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Passed, "a slow test still passes")
	assert.Contains(t, out.String(), "Test sluggish still running after 20ms")
}

func TestRun_SlowTestWarningCanceledOnFinish(t *testing.T) {
	out := &syncWriter{}
	logging.Init(logging.LevelWarn, out)

	reg := registry.New()
	mustRegister(t, reg, registry.TestCase{
		Name:     "brisk",
		Category: "core",
		Run:      func(ctx context.Context, rc registry.RunContext) error { return nil },
	})

	s := newTestScheduler(t, reg, Config{
		Parallel:          1,
		TestTimeout:       5 * time.Second,
		SlowTestThreshold: 50 * time.Millisecond,
	})
	_, err := s.Run(context.Background(), Filter{})
	require.NoError(t, err)

	// Wait past the threshold: a timer the scheduler failed to stop would
	// fire in this window.
	time.Sleep(100 * time.Millisecond)
	assert.NotContains(t, out.String(), "still running")
}

func TestRun_SkipSignal(t *testing.T) {
	reg := registry.New()
	mustRegister(t, reg, registry.TestCase{
		Name:     "conditional",
		Category: "core",
		Run: func(ctx context.Context, rc registry.RunContext) error {
			return registry.Skip("endpoint does not expose this tool")
		},
	})

	s := newTestScheduler(t, reg, Config{Parallel: 1, TestTimeout: 5 * time.Second})
	summary, err := s.Run(context.Background(), Filter{})

	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, results.OutcomeSkipped, summary.Results[0].Outcome)
	assert.Equal(t, "endpoint does not expose this tool", summary.Results[0].Error)
	assert.True(t, summary.Succeeded(), "skips do not fail a run")
}

func TestRun_WorkerScratchDir(t *testing.T) {
	var scratch string
	reg := registry.New()
	mustRegister(t, reg, registry.TestCase{
		Name:     "scratch",
		Category: "core",
		Run: func(ctx context.Context, rc registry.RunContext) error {
			scratch = rc.ScratchDir
			if rc.WorkerID < 0 {
				return errors.New("missing worker id")
			}
			return nil
		},
	})

	s := newTestScheduler(t, reg, Config{Parallel: 1, TestTimeout: 5 * time.Second})
	summary, err := s.Run(context.Background(), Filter{})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Passed)
	assert.Contains(t, filepath.Base(scratch), "worker-0")
}

func TestRun_CachedResultSkipsExecution(t *testing.T) {
	hashes := cache.Hashes{Tool: "t1", Deps: "d1", Framework: "f1"}
	hashFunc := func(tc registry.TestCase) (cache.Hashes, bool) { return hashes, true }

	resultCache, err := cache.Load(filepath.Join(t.TempDir(), "results.json"), cache.DefaultTTL)
	require.NoError(t, err)
	resultCache.Record("warm", "echo", cache.StatusPassed, 42*time.Millisecond, hashes, "")

	var executions atomic.Int32
	reg := registry.New()
	mustRegister(t, reg, registry.TestCase{
		Name:     "warm",
		Tool:     "echo",
		Category: "core",
		Run: func(ctx context.Context, rc registry.RunContext) error {
			executions.Add(1)
			return nil
		},
	})
	mustRegister(t, reg, registry.TestCase{
		Name:     "cold",
		Tool:     "echo",
		Category: "core",
		Run: func(ctx context.Context, rc registry.RunContext) error {
			executions.Add(1)
			return nil
		},
	})

	s := New(reg, resultCache, hashFunc, nopReporter{}, Config{Parallel: 1, TestTimeout: 5 * time.Second})
	summary, err := s.Run(context.Background(), Filter{})

	require.NoError(t, err)
	assert.Equal(t, int32(1), executions.Load(), "only the uncached test may execute")
	assert.Equal(t, 1, summary.Cached)
	assert.Equal(t, 1, summary.Passed)
	for _, r := range summary.Results {
		if r.Outcome == results.OutcomeCached {
			assert.Equal(t, "warm", r.Name)
			assert.Equal(t, -1, r.WorkerID)
			assert.Equal(t, 42*time.Millisecond, r.Duration)
		}
	}

	// The fresh execution lands in the cache for the next run.
	assert.True(t, resultCache.ShouldSkip("cold", hashes))
}

func TestRun_SkippedTestNotCached(t *testing.T) {
	hashes := cache.Hashes{Tool: "t1", Deps: "d1", Framework: "f1"}
	resultCache, err := cache.Load(filepath.Join(t.TempDir(), "results.json"), cache.DefaultTTL)
	require.NoError(t, err)

	reg := registry.New()
	mustRegister(t, reg, registry.TestCase{
		Name:     "skipper",
		Category: "core",
		Run: func(ctx context.Context, rc registry.RunContext) error {
			return registry.Skip("not applicable")
		},
	})

	s := New(reg, resultCache,
		func(tc registry.TestCase) (cache.Hashes, bool) { return hashes, true },
		nopReporter{}, Config{Parallel: 1, TestTimeout: 5 * time.Second})
	_, err = s.Run(context.Background(), Filter{})
	require.NoError(t, err)

	_, ok := resultCache.Get("skipper")
	assert.False(t, ok, "a skip says nothing about the tool and must not be cached")
}

func TestRun_CategoryFilter(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	record := func(name string) registry.RunFunc {
		return func(ctx context.Context, rc registry.RunContext) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		}
	}

	reg := registry.New()
	mustRegister(t, reg, registry.TestCase{Name: "A", Category: "core", Priority: 10, Run: record("A")})
	mustRegister(t, reg, registry.TestCase{Name: "B", Category: "core", Priority: 5, Run: record("B")})
	mustRegister(t, reg, registry.TestCase{Name: "C", Category: "extra", Priority: 1, Run: record("C")})

	s := newTestScheduler(t, reg, Config{Parallel: 2, TestTimeout: 5 * time.Second})
	summary, err := s.Run(context.Background(), Filter{Categories: []string{"core"}})

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.ElementsMatch(t, []string{"A", "B"}, ran, "only the selected category may run")
}

func TestCollect_Ordering(t *testing.T) {
	reg := registry.New()
	mustRegister(t, reg, registry.TestCase{Name: "A", Category: "core", Priority: 10, Run: noop})
	mustRegister(t, reg, registry.TestCase{Name: "B", Category: "core", Priority: 5, Run: noop})
	mustRegister(t, reg, registry.TestCase{Name: "C", Category: "extra", Priority: 99, Run: noop})
	mustRegister(t, reg, registry.TestCase{Name: "D", Category: "auth", Priority: 1, Run: noop})

	s := newTestScheduler(t, reg, Config{
		Parallel:      1,
		TestTimeout:   time.Second,
		CategoryOrder: []string{"extra", "core"},
	})

	var names []string
	for _, tc := range s.collect(Filter{}) {
		names = append(names, tc.Name)
	}
	assert.Equal(t, []string{"C", "A", "B", "D"}, names,
		"configured categories first, then the rest by name, priority within each")

	names = names[:0]
	for _, tc := range s.collect(Filter{Categories: []string{"core"}}) {
		names = append(names, tc.Name)
	}
	assert.Equal(t, []string{"A", "B"}, names)
}

func noop(ctx context.Context, rc registry.RunContext) error { return nil }

func TestOrderCategories(t *testing.T) {
	got := orderCategories([]string{"auth", "core", "extra"}, []string{"core", "missing", "core"})
	assert.Equal(t, []string{"core", "auth", "extra"}, got)
}

func TestRun_FailFast(t *testing.T) {
	var mu sync.Mutex
	var ran []string

	reg := registry.New()
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("fail-%d", i)
		mustRegister(t, reg, registry.TestCase{
			Name:     name,
			Category: "core",
			Run: func(ctx context.Context, rc registry.RunContext) error {
				mu.Lock()
				ran = append(ran, name)
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				return errors.New("assertion failed")
			},
		})
	}

	s := newTestScheduler(t, reg, Config{
		Parallel:    1,
		TestTimeout: 5 * time.Second,
		FailFast:    true,
	})
	summary, _ := s.Run(context.Background(), Filter{})

	assert.Equal(t, 5, summary.Total, "every selected test gets a result, run or not")
	assert.GreaterOrEqual(t, summary.Failed, 1)
	assert.GreaterOrEqual(t, summary.Skipped, 1, "fail-fast must stop scheduling further tests")
	mu.Lock()
	executed := len(ran)
	mu.Unlock()
	assert.Less(t, executed, 5)
	for _, r := range summary.Results {
		if r.Outcome == results.OutcomeSkipped {
			assert.True(t, strings.Contains(r.Error, "aborted") || strings.Contains(r.Error, "canceled"))
		}
	}
}

func TestRun_EmptySelection(t *testing.T) {
	s := newTestScheduler(t, registry.New(), Config{Parallel: 2, TestTimeout: time.Second})
	summary, err := s.Run(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.True(t, summary.Succeeded())
}

func TestNew_ConfigDefaults(t *testing.T) {
	s := newTestScheduler(t, registry.New(), Config{})
	assert.GreaterOrEqual(t, s.config.Parallel, 1)
	assert.Equal(t, DefaultTestTimeout, s.config.TestTimeout)
	assert.Equal(t, DefaultSlowTestThreshold, s.config.SlowTestThreshold)
}
