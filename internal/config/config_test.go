package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFieldsKeepDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"identity": {"user_id": "alice"},
		"relay": {"url": "wss://relay.example.com/ws", "credential": "tok"}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Identity.UserID)
	assert.Equal(t, "wss://relay.example.com/ws", cfg.Relay.URL)
	assert.Equal(t, 200, cfg.Inbox.BufferSize, "unset fields fall back to defaults")
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{
		"identity": {"user_id": "alice"},
		"relay": {"url": "ws://localhost:8443/ws"}
	}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Identity.UserID)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Identity.UserID = "alice"
	valid.Relay.URL = "wss://relay.example.com/ws"
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing user id", func(c *Config) { c.Identity.UserID = "  " }},
		{"http relay url", func(c *Config) { c.Relay.URL = "http://relay.example.com" }},
		{"empty relay url", func(c *Config) { c.Relay.URL = "" }},
		{"negative retry interval", func(c *Config) { c.Reconnect.FixedSeconds = -1 }},
		{"negative inbox size", func(c *Config) { c.Inbox.BufferSize = -1 }},
		{"bogus log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessiond.json")

	cfg := Default()
	cfg.Identity.UserID = "alice"
	cfg.Relay.URL = "ws://localhost:9000/ws"
	cfg.Relay.Credential = "tok"
	cfg.Reconnect.FixedSeconds = 5
	cfg.Media.ICEServers = []string{"stun:stun.example.com:3478"}

	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.json")
	cfg := Default() // no user_id
	require.Error(t, Save(path, cfg))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "invalid config must not be written")
}

func TestEnsureCreatesDefaultOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, cfg.Identity.UserID)

	// The created file exists but does not yet validate; a second Ensure
	// reads it back and reports the missing identity.
	_, created, err = Ensure(path)
	assert.False(t, created)
	require.Error(t, err)
}
