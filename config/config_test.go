package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsWhenOmitted(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: 8080
`))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Browser.MaxRetries)
	assert.Equal(t, 10.0, cfg.Diff.Tolerance)
	assert.Equal(t, 8, cfg.Diff.MergeDistance)
	assert.Equal(t, 30*time.Second, cfg.Browser.CaptureTimeout)
	assert.Equal(t, "mysql", cfg.Database.Driver)
}

func TestLoad_ExplicitZeroIsKept(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
browser:
  max_retries: 0
diff:
  tolerance: 0
  merge_distance: 0
`))
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Browser.MaxRetries)
	assert.Equal(t, 0.0, cfg.Diff.Tolerance)
	assert.Equal(t, 0, cfg.Diff.MergeDistance)
	// 其他未配置的字段照常填充
	assert.Equal(t, 4, cfg.Diff.MinRegionPixels)
}

func TestLoad_ExplicitValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
browser:
  max_retries: 5
  capture_timeout: 45s
diff:
  tolerance: 2.5
  merge_distance: 12
batch:
  concurrency: 40
`))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Browser.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Browser.CaptureTimeout)
	assert.Equal(t, 2.5, cfg.Diff.Tolerance)
	assert.Equal(t, 12, cfg.Diff.MergeDistance)
	assert.Equal(t, 16, cfg.Batch.Concurrency)
}

func TestLoad_PrefersLocalConfig(t *testing.T) {
	path := writeConfig(t, `
diff:
  tolerance: 3
`)
	local := filepath.Join(filepath.Dir(path), "config.local.yaml")
	require.NoError(t, os.WriteFile(local, []byte("diff:\n  tolerance: 7\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7.0, cfg.Diff.Tolerance)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplyDefaults_ZeroMeansUnset(t *testing.T) {
	cfg := &Config{Browser: BrowserConfig{MaxRetries: -1}, Diff: DiffConfig{Tolerance: -5}}
	ApplyDefaults(cfg)

	assert.Equal(t, 0, cfg.Browser.MaxRetries)
	assert.Equal(t, 10.0, cfg.Diff.Tolerance)
	assert.Equal(t, 8, cfg.Diff.MergeDistance)
	assert.Equal(t, 3, cfg.Batch.Concurrency)

	cfg = &Config{}
	ApplyDefaults(cfg)
	assert.Equal(t, 2, cfg.Browser.MaxRetries)
}
