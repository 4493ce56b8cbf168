// Package cache persists test outcomes keyed by content hashes so that
// unchanged passing tests can be skipped on later runs. The on-disk store is
// a single JSON document mapping test name to record, with one reserved key
// holding the environment fingerprint. A fingerprint mismatch discards the
// whole cache: everything re-runs once per environment change.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"toolprobe/pkg/logging"
)

// DefaultTTL is how long a passing record stays usable for skipping.
const DefaultTTL = 7 * 24 * time.Hour

// StatusPassed is the only stored status that permits skipping.
const StatusPassed = "passed"

// fingerprintKey is the reserved key in the JSON document holding the
// environment fingerprint instead of a test record.
const fingerprintKey = "__environment__"

// Hashes are the content hashes that must all match for a record to be
// usable. TestFile is optional; it is only compared when the current run
// supplies one.
type Hashes struct {
	// Tool is the hash of the tool implementation under test.
	Tool string `json:"tool_hash"`
	// Deps is the hash of the dependency set.
	Deps string `json:"deps_hash"`
	// Framework is the hash of the test framework itself.
	Framework string `json:"framework_hash"`
	// TestFile is the hash of the test definition, when available.
	TestFile string `json:"test_file_hash,omitempty"`
}

// Record is the cached outcome of one test.
type Record struct {
	Hashes
	// Status is the last recorded outcome.
	Status string `json:"status"`
	// Duration of the last execution.
	Duration time.Duration `json:"duration"`
	// Timestamp is when the record was written.
	Timestamp time.Time `json:"timestamp"`
	// LastError holds the failure text of the last execution, if any.
	LastError string `json:"last_error,omitempty"`
	// Tool is the target operation name.
	Tool string `json:"tool"`
}

// Fingerprint identifies the process environment the cache was written in.
type Fingerprint struct {
	// Runtime is the Go runtime version.
	Runtime string `json:"runtime"`
	// Platform is the operating system and architecture.
	Platform string `json:"platform"`
}

// CurrentFingerprint returns the fingerprint of the running process.
func CurrentFingerprint() Fingerprint {
	return Fingerprint{
		Runtime:  runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Cache is the mutex-protected result cache. Writes are infrequent relative
// to test execution, so a single lock serializes both the in-memory map and
// persistence.
type Cache struct {
	mu          sync.Mutex
	path        string
	ttl         time.Duration
	records     map[string]Record
	fingerprint Fingerprint

	// now is replaceable for tests.
	now func() time.Time
}

// Load reads the cache document at path. A missing file yields an empty
// cache. A document written under a different environment fingerprint is
// discarded entirely. A TTL of zero or below falls back to DefaultTTL.
func Load(path string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		path:        path,
		ttl:         ttl,
		records:     make(map[string]Record),
		fingerprint: CurrentFingerprint(),
		now:         time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to read cache file %s: %w", path, err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		// A corrupt cache is equivalent to no cache.
		logging.Warn("Cache", "Discarding unreadable cache file %s: %v", path, err)
		return c, nil
	}

	var stored Fingerprint
	if raw, ok := doc[fingerprintKey]; ok {
		if err := json.Unmarshal(raw, &stored); err != nil {
			logging.Warn("Cache", "Discarding cache with unreadable fingerprint: %v", err)
			return c, nil
		}
	}
	if stored != c.fingerprint {
		logging.Info("Cache", "Environment changed (%s %s -> %s %s), invalidating cache",
			stored.Runtime, stored.Platform, c.fingerprint.Runtime, c.fingerprint.Platform)
		return c, nil
	}

	for name, raw := range doc {
		if name == fingerprintKey {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			logging.Warn("Cache", "Skipping unreadable cache record %q: %v", name, err)
			continue
		}
		c.records[name] = rec
	}

	logging.Debug("Cache", "Loaded %d cached results from %s", len(c.records), path)
	return c, nil
}

// ShouldSkip reports whether the named test can be skipped: a record must
// exist with status exactly "passed", be younger than the TTL, and every
// supplied hash must match.
func (c *Cache) ShouldSkip(name string, current Hashes) bool {
	return c.InvalidationReason(name, current) == ""
}

// InvalidationReason returns the first failing skip check as operator
// diagnostics, or the empty string when the record is usable. It performs
// no writes.
func (c *Cache) InvalidationReason(name string, current Hashes) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[name]
	if !ok {
		return "no cached result"
	}
	if rec.Status != StatusPassed {
		return fmt.Sprintf("last status was %q, not %q", rec.Status, StatusPassed)
	}
	if age := c.now().Sub(rec.Timestamp); age >= c.ttl {
		return fmt.Sprintf("cached result is %s old (TTL %s)", age.Round(time.Second), c.ttl)
	}
	if rec.Hashes.Tool != current.Tool {
		return "tool implementation changed"
	}
	if rec.Hashes.Deps != current.Deps {
		return "dependency set changed"
	}
	if rec.Hashes.Framework != current.Framework {
		return "framework changed"
	}
	if current.TestFile != "" && rec.Hashes.TestFile != current.TestFile {
		return "test definition changed"
	}
	return ""
}

// Get returns the stored record for a test.
func (c *Cache) Get(name string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[name]
	return rec, ok
}

// Len returns the number of stored records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Record overwrites the record for a test and persists the whole cache
// synchronously. Persistence is best-effort: a write failure is logged and
// swallowed so it can never abort a test run.
func (c *Cache) Record(name, tool, status string, duration time.Duration, hashes Hashes, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records[name] = Record{
		Hashes:    hashes,
		Status:    status,
		Duration:  duration,
		Timestamp: c.now(),
		LastError: errMsg,
		Tool:      tool,
	}

	if err := c.persistLocked(); err != nil {
		logging.Warn("Cache", "Failed to persist result cache: %v", err)
	}
}

// persistLocked writes the whole document. Caller holds c.mu.
func (c *Cache) persistLocked() error {
	doc := make(map[string]interface{}, len(c.records)+1)
	doc[fingerprintKey] = c.fingerprint
	for name, rec := range c.records {
		doc[name] = rec
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	return nil
}
