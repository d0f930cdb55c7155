package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/candlekeep/internal/domain"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 5, cfg.Backfill.MaxAttempts)
	assert.Equal(t, []string{"alpaca"}, cfg.ProviderPreference)

	detector := cfg.Detector()
	assert.Equal(t, 90*time.Minute, detector.MaxGap[domain.TimeframeH1])
	require.NotNil(t, detector.Session)
	assert.Equal(t, 13*time.Hour+30*time.Minute, detector.Session.OpenUTC)
	assert.Equal(t, 20*time.Hour, detector.Session.CloseUTC)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candlekeep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  host: 0.0.0.0
  port: 9090
backfill:
  max_attempts: 3
  concurrency: 4
coverage:
  session:
    enabled: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 3, cfg.Backfill.MaxAttempts)
	assert.Nil(t, cfg.Detector().Session)

	pipeline := cfg.BackfillPipeline()
	assert.Equal(t, 4, pipeline.Concurrency)
	assert.Equal(t, 30*time.Second, pipeline.FetchTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CANDLEKEEP_PG_DSN", "postgres://env-host/candlekeep")
	t.Setenv("ALPACA_API_KEY", "key-from-env")
	t.Setenv("ALPACA_API_SECRET", "secret-from-env")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://env-host/candlekeep", cfg.DB().DSN)
	adapter := cfg.AlpacaAdapter()
	assert.Equal(t, "key-from-env", adapter.APIKey)
	assert.Equal(t, "secret-from-env", adapter.APISecret)
}

func TestValidate_Rejections(t *testing.T) {
	badPort := Default()
	badPort.HTTP.Port = -1
	assert.Error(t, badPort.Validate())

	badTF := Default()
	badTF.Coverage.MaxGapMinutes["h4"] = 60
	assert.Error(t, badTF.Validate())

	badSession := Default()
	badSession.Coverage.Session.Open = "half past nine"
	assert.Error(t, badSession.Validate())

	inverted := Default()
	inverted.Coverage.Session.Open = "20:00"
	inverted.Coverage.Session.Close = "13:30"
	assert.Error(t, inverted.Validate())
}
