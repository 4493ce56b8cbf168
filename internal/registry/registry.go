// Package registry holds the in-memory catalogue of registered test cases.
// The registry owns its TestCase records: cases are registered during an
// explicit initialization phase and are immutable afterwards.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RunContext carries per-execution worker state into a test body. Worker
// isolation is advisory: the scratch directory gives each worker its own
// namespace for diagnostics, not a security sandbox.
type RunContext struct {
	// WorkerID is the worker slot executing the test.
	WorkerID int
	// ScratchDir is a per-worker temporary directory.
	ScratchDir string
}

// RunFunc is the body of a test case. Returning nil means the test passed.
// Returning an error created by Skip records the test as skipped rather
// than failed; any other error records it as failed.
type RunFunc func(ctx context.Context, rc RunContext) error

// SkipError is the structured skip signal a test body may return to mark
// itself intentionally skipped.
type SkipError struct {
	// Reason explains why the test was skipped.
	Reason string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("test skipped: %s", e.Reason)
}

// Skip returns the skip signal for test bodies.
func Skip(reason string) error {
	return &SkipError{Reason: reason}
}

// TestCase describes one registered test. Cases are immutable after
// registration.
type TestCase struct {
	// Name uniquely identifies the test case.
	Name string
	// Tool is the target operation the test exercises.
	Tool string
	// Category groups related tests for filtering and execution ordering.
	Category string
	// Priority orders tests within a category query, higher first.
	Priority int
	// RequiresAuth marks tests that need an authenticated endpoint.
	RequiresAuth bool
	// Timeout overrides the scheduler's per-test deadline when positive.
	Timeout time.Duration
	// Tags provide additional categorization for filtering.
	Tags []string
	// Run is the test body.
	Run RunFunc
}

// HasTags reports whether the case carries every requested tag.
func (tc TestCase) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range tc.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Registry is the in-memory test catalogue.
type Registry struct {
	mu    sync.RWMutex
	tests map[string]TestCase
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tests: make(map[string]TestCase),
	}
}

// Register adds a test case. Registering an unnamed case, a case without a
// body, or a duplicate name is an error.
func (r *Registry) Register(tc TestCase) error {
	if tc.Name == "" {
		return fmt.Errorf("test case must have a name")
	}
	if tc.Run == nil {
		return fmt.Errorf("test case %q must have a run function", tc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tests[tc.Name]; exists {
		return fmt.Errorf("test case %q is already registered", tc.Name)
	}
	r.tests[tc.Name] = tc
	return nil
}

// Get returns a registered test case by name.
func (r *Registry) Get(name string) (TestCase, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tc, ok := r.tests[name]
	return tc, ok
}

// Len returns the number of registered test cases.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tests)
}

// Tests returns all cases whose category matches (when category is
// non-empty) and whose tag set contains every requested tag. Results are
// ordered by priority descending, then name ascending for a stable order
// between equal priorities.
func (r *Registry) Tests(category string, tags []string) []TestCase {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []TestCase
	for _, tc := range r.tests {
		if category != "" && tc.Category != category {
			continue
		}
		if !tc.HasTags(tags) {
			continue
		}
		out = append(out, tc)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Categories returns the distinct categories present in the registry,
// sorted by name.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, tc := range r.tests {
		if !seen[tc.Category] {
			seen[tc.Category] = true
			out = append(out, tc.Category)
		}
	}
	sort.Strings(out)
	return out
}
