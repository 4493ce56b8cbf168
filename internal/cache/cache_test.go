package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHashes() Hashes {
	return Hashes{
		Tool:      "aaa111",
		Deps:      "bbb222",
		Framework: "ccc333",
		TestFile:  "ddd444",
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Load(filepath.Join(t.TempDir(), "results.json"), DefaultTTL)
	require.NoError(t, err)
	return c
}

func TestCache_ShouldSkip_Invariant(t *testing.T) {
	base := testHashes()

	changed := func(mutate func(*Hashes)) Hashes {
		h := base
		mutate(&h)
		return h
	}

	tests := []struct {
		name    string
		status  string
		age     time.Duration
		current Hashes
		want    bool
	}{
		{"passed and fresh with matching hashes", StatusPassed, time.Hour, base, true},
		{"failed status", "failed", time.Hour, base, false},
		{"error status", "error", time.Hour, base, false},
		{"timeout status", "timeout", time.Hour, base, false},
		{"age exactly at TTL", StatusPassed, 7 * 24 * time.Hour, base, false},
		{"age just under TTL", StatusPassed, 7*24*time.Hour - time.Second, base, true},
		{"tool hash changed", StatusPassed, time.Hour, changed(func(h *Hashes) { h.Tool = "x" }), false},
		{"deps hash changed", StatusPassed, time.Hour, changed(func(h *Hashes) { h.Deps = "x" }), false},
		{"framework hash changed", StatusPassed, time.Hour, changed(func(h *Hashes) { h.Framework = "x" }), false},
		{"test file hash changed", StatusPassed, time.Hour, changed(func(h *Hashes) { h.TestFile = "x" }), false},
		{"test file hash not supplied", StatusPassed, time.Hour, changed(func(h *Hashes) { h.TestFile = "" }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCache(t)
			c.Record("case", "some_tool", tt.status, 100*time.Millisecond, base, "")

			// Age the record by moving the cache's clock forward.
			written := c.records["case"].Timestamp
			c.now = func() time.Time { return written.Add(tt.age) }

			got := c.ShouldSkip("case", tt.current)
			assert.Equal(t, tt.want, got)
			if tt.want {
				assert.Empty(t, c.InvalidationReason("case", tt.current))
			} else {
				assert.NotEmpty(t, c.InvalidationReason("case", tt.current))
			}
		})
	}
}

func TestCache_ShouldSkip_NoRecord(t *testing.T) {
	c := newTestCache(t)
	assert.False(t, c.ShouldSkip("unknown", testHashes()))
	assert.Equal(t, "no cached result", c.InvalidationReason("unknown", testHashes()))
}

func TestCache_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	hashes := testHashes()

	c, err := Load(path, DefaultTTL)
	require.NoError(t, err)
	c.Record("round-trip", "some_tool", StatusPassed, 1234*time.Millisecond, hashes, "")

	reloaded, err := Load(path, DefaultTTL)
	require.NoError(t, err)

	rec, ok := reloaded.Get("round-trip")
	require.True(t, ok, "record must survive a reload in the same environment")
	assert.Equal(t, hashes, rec.Hashes)
	assert.Equal(t, StatusPassed, rec.Status)
	assert.Equal(t, 1234*time.Millisecond, rec.Duration)
	assert.Equal(t, "some_tool", rec.Tool)
	assert.True(t, reloaded.ShouldSkip("round-trip", hashes))
}

func TestCache_FingerprintMismatchInvalidatesAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")

	c, err := Load(path, DefaultTTL)
	require.NoError(t, err)
	c.Record("one", "tool_a", StatusPassed, time.Second, testHashes(), "")
	c.Record("two", "tool_b", StatusPassed, time.Second, testHashes(), "")

	// Rewrite the stored fingerprint as if the cache came from another
	// environment.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	alien, err := json.Marshal(Fingerprint{Runtime: "go0.0.0", Platform: "plan9/mips"})
	require.NoError(t, err)
	doc[fingerprintKey] = alien
	data, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	reloaded, err := Load(path, DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.Len(), "a fingerprint mismatch must discard the entire cache")
}

func TestCache_MissingFileYieldsEmptyCache(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does", "not", "exist.json"), DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCache_CorruptFileYieldsEmptyCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	c, err := Load(path, DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCache_PersistFailureDoesNotAbort(t *testing.T) {
	// Pointing the cache file at a directory makes every persist fail.
	dir := t.TempDir()
	c, err := Load(filepath.Join(dir, "sub"), DefaultTTL)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))

	// Must not panic or error; the record still lands in memory.
	c.Record("case", "tool", StatusPassed, time.Second, testHashes(), "")
	assert.True(t, c.ShouldSkip("case", testHashes()))
}

func TestCache_RecordOverwrites(t *testing.T) {
	c := newTestCache(t)
	hashes := testHashes()

	c.Record("case", "tool", StatusPassed, time.Second, hashes, "")
	require.True(t, c.ShouldSkip("case", hashes))

	c.Record("case", "tool", "failed", 2*time.Second, hashes, "assertion failed")
	assert.False(t, c.ShouldSkip("case", hashes))

	rec, _ := c.Get("case")
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "assertion failed", rec.LastError)
}

func TestCurrentFingerprint(t *testing.T) {
	fp := CurrentFingerprint()
	assert.NotEmpty(t, fp.Runtime)
	assert.Contains(t, fp.Platform, "/")
}
