package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, BackendMemory, cfg.RateLimit.Backend)
	assert.Equal(t, 60, cfg.RateLimit.Propose.Limit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Propose.Window)
	assert.Equal(t, 50, cfg.Admission.MaxBatch)
	assert.True(t, cfg.Admission.ValidateTransitions)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Empty(t, cfg.Webhooks)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
storage:
  backend: badger
rate_limit:
  propose:
    limit: 5
    window: 10s
webhooks:
  - url: http://hooks.local/sb
    kinds: [deliver_ball]
`))
	require.NoError(t, err)
	assert.Equal(t, BackendBadger, cfg.Storage.Backend)
	assert.Equal(t, 5000, cfg.Storage.BusyTimeoutMS)
	assert.Equal(t, 5, cfg.RateLimit.Propose.Limit)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Propose.Window)
	assert.Equal(t, 30, cfg.RateLimit.PublicExport.Limit)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"deliver_ball"}, cfg.Webhooks[0].Kinds)
	assert.Nil(t, cfg.Webhooks[0].Enabled)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"storage backend":    "storage:\n  backend: postgres\n",
		"limits need sqlite": "storage:\n  backend: badger\nrate_limit:\n  backend: sqlite\n",
		"negative limit":     "rate_limit:\n  propose:\n    limit: -1\n",
		"missing window":     "rate_limit:\n  public_export:\n    limit: 3\n    window: 0s\n",
		"batch":              "admission:\n  max_batch: 0\n",
		"base path":          "server:\n  base_path: v0\n",
		"webhook url":        "webhooks:\n  - kinds: [deliver_ball]\n",
		"webhook timeout":    "webhooks:\n  - url: http://x\n    timeout_seconds: -2\n",
		"yaml":               "storage: [\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "sb init")

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("replay:\n  recent_window: 12\n"), 0o644))
	cfg, err = LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Replay.RecentWindow)

	require.NoError(t, os.WriteFile(Path(dir), []byte("replay:\n  recent_window: 0\n"), 0o644))
	_, err = LoadOrDefault(dir)
	assert.Error(t, err)
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
