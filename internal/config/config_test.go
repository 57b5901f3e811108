package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 90*time.Second, cfg.PresenceTTL)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.True(t, cfg.Voice.StrictClaim)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
	assert.Equal(t, "silence", cfg.Client.Audio)
	assert.Equal(t, "ws://localhost:8080/api/store/ws", cfg.Client.ServerURL)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: debug
port: 9000
presence_ttl: 5s
public_url: https://huddle.example
voice:
  strict_claim: false
client:
  display_name: Ada
  audio: ogg:/tmp/a.ogg
`), 0o600))
	t.Setenv("HUDDLE_PORT", "9100")
	t.Setenv("HUDDLE_CLIENT_USER_ID", "ada")

	v := New()
	v.SetConfigFile(path)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.PresenceTTL)
	assert.Equal(t, "https://huddle.example", cfg.PublicURL)
	assert.False(t, cfg.Voice.StrictClaim)
	assert.Equal(t, "Ada", cfg.Client.DisplayName)
	assert.Equal(t, "ada", cfg.Client.UserID)
	assert.Equal(t, "ogg:/tmp/a.ogg", cfg.Client.Audio)
}

func TestLoad_RejectsInvertedPortRange(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	v := New()
	v.Set("udp_port_min", 6000)
	v.Set("udp_port_max", 5000)
	_, err := Load(v)
	assert.Error(t, err)
}
