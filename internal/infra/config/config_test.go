package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  admin_token: secret\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "badger", cfg.Storage.Driver)
	assert.Equal(t, "data", cfg.Storage.Path)
	assert.Equal(t, 5*time.Second, cfg.Storage.OpTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Storage.GCInterval)
	assert.Equal(t, 5, cfg.Tracking.CrossingThreshold)
	assert.Equal(t, 5, cfg.Tracking.FrequentThreshold)
	assert.Equal(t, 3, cfg.Tracking.WindowDays)
	assert.Equal(t, 10, cfg.Tracking.TopN)
	assert.Equal(t, 30*time.Minute, cfg.Poller.Interval())
	assert.Equal(t, 50, cfg.Poller.PageSize)
	assert.Equal(t, "token.json", cfg.Spotify.TokenFile)
	assert.False(t, cfg.Poller.Autostart)
}

func TestParse_Values(t *testing.T) {
	yml := `
server:
  addr: ":9090"
  hooks:
    on_started: ["echo started"]
spotify:
  client_id: id
  client_secret: secret
  market: JP
storage:
  driver: sqlite
  path: plays.db
  op_timeout: 250ms
tracking:
  crossing_threshold: 3
poller:
  autostart: true
  interval_minutes: 15
  page_size: 20
promotion:
  sinks:
    - type: log
    - type: playlist
      display_name: On Repeat
      settings:
        playlist_url: https://open.spotify.com/playlist/abc
`
	cfg, err := Parse([]byte(yml))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"echo started"}, cfg.Server.Hooks.OnStarted)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Storage.OpTimeout)
	assert.Equal(t, 3, cfg.Tracking.CrossingThreshold)
	assert.True(t, cfg.Poller.Autostart)
	assert.Equal(t, 15*time.Minute, cfg.Poller.Interval())
	require.Len(t, cfg.Promotion.Sinks, 2)
	assert.Equal(t, "https://open.spotify.com/playlist/abc", cfg.Promotion.Sinks[1].Settings["playlist_url"])
	assert.NoError(t, cfg.RequireSpotify())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		yml    string
		errMsg string
	}{
		{name: "unknown driver", yml: "storage:\n  driver: postgres\n", errMsg: "Driver"},
		{name: "zero crossing threshold", yml: "tracking:\n  crossing_threshold: -1\n", errMsg: "CrossingThreshold"},
		{name: "page size above api limit", yml: "poller:\n  page_size: 100\n", errMsg: "PageSize"},
		{name: "bad market", yml: "spotify:\n  market: JPN\n", errMsg: "Market"},
		{name: "sink without type", yml: "promotion:\n  sinks:\n    - display_name: x\n", errMsg: "Type"},
		{name: "not yaml", yml: "server: [", errMsg: "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	yml := `
spotify:
  client_id: file-id
promotion:
  sinks:
    - type: nats
      settings:
        subject: plays.promoted
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("SPOTIFY_CLIENT_ID", "env-id")
	t.Setenv("SPOTIFY_CLIENT_SECRET", "env-secret")
	t.Setenv("ADMIN_TOKEN", "env-admin")
	t.Setenv("NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-id", cfg.Spotify.ClientID)
	assert.Equal(t, "env-secret", cfg.Spotify.ClientSecret)
	assert.Equal(t, "env-admin", cfg.Server.AdminToken)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Promotion.Sinks[0].Settings["url"])
	assert.Equal(t, "plays.promoted", cfg.Promotion.Sinks[0].Settings["subject"])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestRequireSpotify(t *testing.T) {
	t.Setenv("SPOTIFY_CLIENT_ID", "")
	t.Setenv("SPOTIFY_CLIENT_SECRET", "")

	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)
	assert.Error(t, cfg.RequireSpotify())
}
