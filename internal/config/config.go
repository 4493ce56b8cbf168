// Package config defines the engine configuration and its defaults. Every
// value has a documented default so the engine is usable with zero
// configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from either a duration
// string ("90s", "5m") or a plain integer number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full engine configuration.
type Config struct {
	// Endpoint is the remote tool endpoint configuration.
	Endpoint EndpointConfig `yaml:"endpoint"`
	// Execution configures the worker scheduler.
	Execution ExecutionConfig `yaml:"execution"`
	// Retry configures the backoff policy.
	Retry RetryConfig `yaml:"retry"`
	// Circuit configures the circuit breaker.
	Circuit CircuitConfig `yaml:"circuit"`
	// Pool configures the connection pool.
	Pool PoolConfig `yaml:"pool"`
	// Cache configures the result cache.
	Cache CacheConfig `yaml:"cache"`
}

// EndpointConfig describes the endpoint under test.
type EndpointConfig struct {
	// URL is the MCP endpoint URL.
	URL string `yaml:"url"`
	// AccessToken authenticates the connection when non-empty.
	AccessToken string `yaml:"access_token,omitempty"`
}

// ExecutionConfig configures the scheduler.
type ExecutionConfig struct {
	// Parallel is the worker count. Zero means detected CPU count.
	Parallel int `yaml:"parallel"`
	// TestTimeout is the per-test deadline.
	TestTimeout Duration `yaml:"test_timeout"`
	// SlowTestThreshold is when the slow-test warning fires.
	SlowTestThreshold Duration `yaml:"slow_test_threshold"`
	// FailFast stops the run on the first failure.
	FailFast bool `yaml:"fail_fast"`
	// CategoryOrder is the category execution order.
	CategoryOrder []string `yaml:"category_order,omitempty"`
}

// RetryConfig configures the backoff policy.
type RetryConfig struct {
	// MaxRetries bounds total attempts per call.
	MaxRetries int `yaml:"max_retries"`
	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff Duration `yaml:"initial_backoff"`
	// BackoffFactor is the per-attempt multiplier.
	BackoffFactor float64 `yaml:"backoff_factor"`
	// MaxBackoff caps the delay.
	MaxBackoff Duration `yaml:"max_backoff"`
	// RetryableStatuses is the set of retryable endpoint status codes.
	RetryableStatuses []int `yaml:"retryable_statuses,omitempty"`
}

// CircuitConfig configures the breaker.
type CircuitConfig struct {
	// FailureThreshold opens the breaker after this many consecutive
	// failures.
	FailureThreshold int `yaml:"failure_threshold"`
	// RecoveryTimeout is how long the breaker stays open before a probe.
	RecoveryTimeout Duration `yaml:"recovery_timeout"`
}

// PoolConfig configures the connection pool.
type PoolConfig struct {
	// MinConnections is the pre-warmed pool size.
	MinConnections int `yaml:"min_connections"`
	// MaxConnections bounds concurrent connections.
	MaxConnections int `yaml:"max_connections"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	// Enabled turns result caching on.
	Enabled bool `yaml:"enabled"`
	// Path is the cache file location.
	Path string `yaml:"path"`
	// TTL is how long a passing record stays usable.
	TTL Duration `yaml:"ttl"`
}

// Default returns the zero-configuration defaults.
func Default() Config {
	return Config{
		Execution: ExecutionConfig{
			TestTimeout:       Duration(60 * time.Second),
			SlowTestThreshold: Duration(10 * time.Second),
		},
		Retry: RetryConfig{
			MaxRetries:     5,
			InitialBackoff: Duration(1 * time.Second),
			BackoffFactor:  2.0,
			MaxBackoff:     Duration(60 * time.Second),
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration(30 * time.Second),
		},
		Pool: PoolConfig{
			MinConnections: 1,
			MaxConnections: 8,
		},
		Cache: CacheConfig{
			Enabled: true,
			Path:    DefaultCachePath(),
			TTL:     Duration(7 * 24 * time.Hour),
		},
	}
}

// DefaultCachePath returns the cache file location under the user cache
// directory, falling back to the working directory when the user cache
// directory cannot be determined.
func DefaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".toolprobe-cache.json"
	}
	return filepath.Join(dir, "toolprobe", "results.json")
}
