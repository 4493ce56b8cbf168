// Package results collects test results from concurrent workers and derives
// the run summary consumed by reporters.
package results

import (
	"sort"
	"sync"
	"time"
)

// Outcome represents the result of one test execution attempt.
type Outcome string

const (
	// OutcomePassed indicates the test passed.
	OutcomePassed Outcome = "passed"
	// OutcomeFailed indicates an assertion failure.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped indicates the test body raised an intentional skip.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeCached indicates execution was skipped because an unchanged
	// passing result was found in the cache.
	OutcomeCached Outcome = "cached"
	// OutcomeTimeout indicates the per-test deadline fired.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeError indicates an unexpected failure caught at the worker
	// boundary.
	OutcomeError Outcome = "error"
)

// TestResult is the immutable record of one execution attempt. It is
// created exactly once and never mutated after being appended.
type TestResult struct {
	// Name is the test case name.
	Name string `json:"name"`
	// Tool is the target operation the test exercises.
	Tool string `json:"tool"`
	// Outcome is the execution outcome.
	Outcome Outcome `json:"outcome"`
	// Duration of the execution attempt.
	Duration time.Duration `json:"duration"`
	// Error holds the failure text, if any.
	Error string `json:"error,omitempty"`
	// WorkerID identifies the worker slot that ran the test. Negative when
	// the test never reached a worker (e.g. cached).
	WorkerID int `json:"worker_id"`
	// Timestamp is when the result was produced.
	Timestamp time.Time `json:"timestamp"`
}

// RunSummary is a read-only view over the full result collection.
type RunSummary struct {
	// Total is the number of recorded results.
	Total int `json:"total"`
	// Counts partitioned by outcome.
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	Cached   int `json:"cached"`
	TimedOut int `json:"timed_out"`
	Errored  int `json:"errored"`
	// Duration is the wall-clock duration of the run.
	Duration time.Duration `json:"duration"`
	// Results is the full list of results in completion order. Consumers
	// needing a stable order must sort, e.g. with SortedByName.
	Results []TestResult `json:"results"`
	// WorkerErrors counts failures and errors per worker. Only populated
	// when the run executed in parallel mode.
	WorkerErrors map[int]int `json:"worker_errors,omitempty"`
}

// Succeeded reports whether the run had no failures, timeouts or errors.
func (s RunSummary) Succeeded() bool {
	return s.Failed == 0 && s.TimedOut == 0 && s.Errored == 0
}

// SortedByName returns the results sorted by test name. Completion order is
// nondeterministic under concurrency; this gives consumers a stable view.
func (s RunSummary) SortedByName() []TestResult {
	sorted := make([]TestResult, len(s.Results))
	copy(sorted, s.Results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return sorted
}

// Aggregator is a thread-safe, append-only collector of test results with
// O(1) running counters. A single mutex serializes appends; appends are
// cheap relative to test execution so coarse locking is fine.
type Aggregator struct {
	mu           sync.Mutex
	results      []TestResult
	counts       map[Outcome]int
	workerErrors map[int]int
	startTime    time.Time
	parallel     bool
}

// NewAggregator creates an aggregator. The wall-clock duration of the run
// is measured from this call. parallel controls whether per-worker error
// tallies are included in the summary.
func NewAggregator(parallel bool) *Aggregator {
	return &Aggregator{
		counts:       make(map[Outcome]int),
		workerErrors: make(map[int]int),
		startTime:    time.Now(),
		parallel:     parallel,
	}
}

// Append records one result. Safe for concurrent use by all workers.
func (a *Aggregator) Append(r TestResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.results = append(a.results, r)
	a.counts[r.Outcome]++
	if r.WorkerID >= 0 && (r.Outcome == OutcomeFailed || r.Outcome == OutcomeError || r.Outcome == OutcomeTimeout) {
		a.workerErrors[r.WorkerID]++
	}
}

// Count returns the running count for one outcome.
func (a *Aggregator) Count(o Outcome) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[o]
}

// Len returns the number of recorded results.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results)
}

// Summarize computes the run summary from the results recorded so far.
func (a *Aggregator) Summarize() RunSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	summary := RunSummary{
		Total:    len(a.results),
		Passed:   a.counts[OutcomePassed],
		Failed:   a.counts[OutcomeFailed],
		Skipped:  a.counts[OutcomeSkipped],
		Cached:   a.counts[OutcomeCached],
		TimedOut: a.counts[OutcomeTimeout],
		Errored:  a.counts[OutcomeError],
		Duration: time.Since(a.startTime),
		Results:  make([]TestResult, len(a.results)),
	}
	copy(summary.Results, a.results)

	if a.parallel && len(a.workerErrors) > 0 {
		summary.WorkerErrors = make(map[int]int, len(a.workerErrors))
		for id, n := range a.workerErrors {
			summary.WorkerErrors[id] = n
		}
	}
	return summary
}
