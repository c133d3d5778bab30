package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
server:
  port: "9090"
  env: production
ca:
  issuer: custom-root
  default_validity_days: 180
tacp:
  challenge_ttl_seconds: 30
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.Equal(t, "custom-root", cfg.CA.Issuer)
	assert.Equal(t, 180, cfg.CA.DefaultValidityDays)
	assert.Equal(t, 30*time.Second, cfg.ChallengeTTL())

	// Defaults fill everything unset
	assert.Equal(t, 5, cfg.Evaluation.Parallel)
	assert.Equal(t, 60, cfg.Evaluation.TaskTimeoutSeconds)
	assert.Equal(t, "1.0", cfg.CA.CertVersion)
	assert.Equal(t, 256, cfg.Traces.SubscriberBuffer)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("does/not/exist.yaml")
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.ChallengeTTL())
	assert.Equal(t, 10*time.Minute, cfg.SessionIdleTimeout())
}
