// Package testutils provides fakes and fixtures for the control plane tests.
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/kadirpekel/warder/pkg/config"
)

// TestConfig returns a valid configuration for tests: hash embedder,
// process substrate, short timeouts and a small port range.
func TestConfig() *config.Config {
	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", Database: ":memory:"},
		Runtime: config.RuntimeConfig{
			Substrate:         config.SubstrateProcess,
			PortRangeStart:    19000,
			PortRangeEnd:      19099,
			DeploymentTimeout: 2 * time.Second,
			StopGracePeriod:   100 * time.Millisecond,
			Health: config.HealthConfig{
				InitialInterval: 5 * time.Millisecond,
				MaxInterval:     20 * time.Millisecond,
				Multiplier:      2,
				CheckTimeout:    500 * time.Millisecond,
			},
			Retry: config.RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   time.Millisecond,
				MaxDelay:    5 * time.Millisecond,
			},
		},
		Embedder: config.EmbedderConfig{Provider: config.EmbedderHash, Dimension: 64},
		RAG:      config.RAGConfig{Window: 64, Overlap: 8, EmbedRetries: 2, EmbedRetryDelay: time.Millisecond},
		Cache:    config.CacheConfig{DisableIdleEviction: true},
	}
	cfg.SetDefaults()
	return cfg
}

// TestContext returns a context cancelled after timeout or at test end.
func TestContext(t testing.TB, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
