package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/fanoutgw/internal/observability"
)

const watchedConfigYAML = `
routes:
  - name: users
    patterns: ["/{Endpoint_IDs}/"]
    endpoints:
      "1": "http://1.example.com/"
`

const reloadedConfigYAML = `
routes:
  - name: users
    patterns: ["/{Endpoint_IDs}/"]
    endpoints:
      "1": "http://1.example.com/"
  - name: orders
    patterns: ["/orders/{Endpoint_IDs}/"]
    endpoints:
      "a": "http://a.example.com/"
`

const invalidWatchedYAML = `
routes:
  - name: users
    patterns: ["/users/"]
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestNewWatcher_Options(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	logger := observability.NopLogger()

	w, err := NewWatcher(path, func(*GatewayConfig) {},
		WithDebounceDelay(20*time.Millisecond),
		WithLogger(logger),
		WithErrorCallback(func(error) {}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	assert.Equal(t, path, w.path)
	assert.Equal(t, 20*time.Millisecond, w.debounceDelay)
	assert.Equal(t, logger, w.logger)
	assert.NotNil(t, w.errorCallback)
}

func TestWatcher_Start_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	missing, err := NewWatcher(filepath.Join(dir, "missing.yaml"), nil)
	require.NoError(t, err)
	assert.Error(t, missing.Start(context.Background()))
	assert.NoError(t, missing.Stop())

	invalidPath := filepath.Join(dir, "invalid.yaml")
	writeConfig(t, invalidPath, invalidWatchedYAML)
	invalid, err := NewWatcher(invalidPath, nil)
	require.NoError(t, err)
	assert.Error(t, invalid.Start(context.Background()))
	assert.NoError(t, invalid.Stop())
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	// Not parallel: relies on filesystem notifications.
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, watchedConfigYAML)

	var reloaded atomic.Pointer[GatewayConfig]
	var failures atomic.Int32

	w, err := NewWatcher(path,
		func(cfg *GatewayConfig) { reloaded.Store(cfg) },
		WithDebounceDelay(10*time.Millisecond),
		WithErrorCallback(func(error) { failures.Add(1) }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx))
	require.Len(t, w.LastConfig().Routes, 1)

	writeConfig(t, path, reloadedConfigYAML)
	assert.Eventually(t, func() bool {
		cfg := reloaded.Load()
		return cfg != nil && len(cfg.Routes) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, w.LastConfig().Routes, 2)

	writeConfig(t, path, invalidWatchedYAML)
	assert.Eventually(t, func() bool {
		return failures.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, w.LastConfig().Routes, 2)

	require.NoError(t, w.Stop())
}

func TestWatcher_ForceReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, watchedConfigYAML)

	var calls atomic.Int32
	w, err := NewWatcher(path, func(*GatewayConfig) { calls.Add(1) })
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, w.ForceReload())
	assert.Equal(t, int32(1), calls.Load())
	require.NotNil(t, w.LastConfig())

	writeConfig(t, path, invalidWatchedYAML)
	assert.Error(t, w.ForceReload())
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, w.LastConfig().Routes, 1)
}
