package offlinecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/strategy"
)

const exampleConfig = `
origin: https://app.example.com
host: app.example.com
listen: :9090
adminListen: 127.0.0.1:9091
versions: {static: static-v2, dynamic: dynamic-v2}
precache: ["./", "./index.html", "./manifest.json"]
externalHosts: [fonts.googleapis.com, fonts.gstatic.com]
policy: {navigation: cache-first, precacheMisses: dynamic, range: network, skipWaiting: false}
storage: {provider: leveldb, path: /var/lib/offline-cache}
timeouts: {network: 5s}
refresh: 10m
`

func TestLoadConfig(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(filename, []byte(exampleConfig), 0644))

	config, err := LoadConfig(filename)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com", config.Origin)
	assert.Equal(t, "https://app.example.com", config.Scope)
	assert.Equal(t, ":9090", config.Listen)
	assert.Equal(t, "127.0.0.1:9091", config.AdminListen)
	assert.Equal(t, []string{"./", "./index.html", "./manifest.json"}, config.Precache)
	assert.Equal(t, "leveldb", config.Storage.Provider)
	assert.Equal(t, 5*time.Second, config.Timeouts.Network)
	assert.Equal(t, 5*time.Minute, config.Timeouts.ClientIdle)
	assert.Equal(t, 10*time.Minute, config.Refresh)

	policy := config.policy()
	assert.Equal(t, strategy.CacheFirst, policy.Navigation)
	assert.Equal(t, strategy.CacheFirst, policy.Precache)
	assert.Equal(t, MissDynamic, policy.PrecacheMisses)
	assert.Equal(t, RangeNetwork, policy.Range)
	assert.False(t, policy.SkipWaiting)
}

func TestParseConfigDefaults(t *testing.T) {
	config, err := ParseConfig([]byte(`
origin: http://localhost:3000
versions: {static: static-v1, dynamic: dynamic-v1}
`))
	require.NoError(t, err)
	assert.Equal(t, ":8080", config.Listen)
	assert.Equal(t, "sqlite", config.Storage.Provider)
	assert.Equal(t, "cache.db", config.Storage.Path)
	assert.Equal(t, 30*time.Second, config.Timeouts.Network)
	assert.Equal(t, 4, config.InstallConcurrency)

	policy := config.policy()
	assert.Equal(t, strategy.NetworkFirst, policy.Navigation)
	assert.Equal(t, MissStatic, policy.PrecacheMisses)
	assert.Equal(t, RangeBypass, policy.Range)
	assert.True(t, policy.SkipWaiting)
	assert.Empty(t, config.AdminListen)
}

func TestParseConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"missing origin":     `versions: {static: s1, dynamic: d1}`,
		"relative origin":    "origin: /app\nversions: {static: s1, dynamic: d1}",
		"same versions":      "origin: http://localhost\nversions: {static: v1, dynamic: v1}",
		"missing versions":   "origin: http://localhost",
		"unknown strategy":   "origin: http://localhost\nversions: {static: s1, dynamic: d1}\npolicy: {navigation: cache-only}",
		"unknown range":      "origin: http://localhost\nversions: {static: s1, dynamic: d1}\npolicy: {range: cache}",
		"unknown miss cache": "origin: http://localhost\nversions: {static: s1, dynamic: d1}\npolicy: {precacheMisses: shared}",
		"swr misses dynamic": "origin: http://localhost\nversions: {static: s1, dynamic: d1}\npolicy: {precache: stale-while-revalidate, precacheMisses: dynamic}",
		"unknown provider":   "origin: http://localhost\nversions: {static: s1, dynamic: d1}\nstorage: {provider: redis}",
		"negative duration":  "origin: http://localhost\nversions: {static: s1, dynamic: d1}\nrefresh: -1m",
		"not yaml":           "origin: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(data))
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
		})
	}
}

func TestWorkerConfig(t *testing.T) {
	config, err := ParseConfig([]byte(exampleConfig))
	require.NoError(t, err)

	wc, err := config.WorkerConfig(cache.NewMemStorage(), newTestOrigin(), nil)
	require.NoError(t, err)
	assert.Equal(t, "static-v2", wc.Versions.Static())
	assert.Equal(t, "app.example.com", wc.Scope.Host)
	assert.Equal(t, 10*time.Minute, wc.RefreshEvery)

	w, err := NewWorker(wc)
	require.NoError(t, err)
	assert.Equal(t, Parsed, w.State())
}
