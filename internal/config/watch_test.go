package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchReloadsValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessiond.json")

	cfg := Default()
	cfg.Identity.UserID = "alice"
	cfg.Relay.URL = "ws://localhost:9000/ws"
	require.NoError(t, Save(path, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Config, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, path, func(c Config) { reloaded <- c })
	}()

	// Give the watcher time to establish before mutating the file.
	time.Sleep(100 * time.Millisecond)

	// An invalid intermediate write is skipped, not surfaced.
	require.NoError(t, os.WriteFile(path, []byte(`{"identity":`), 0o644))
	time.Sleep(300 * time.Millisecond)
	select {
	case <-reloaded:
		t.Fatal("invalid config must not be delivered")
	default:
	}

	cfg.Log.Level = "debug"
	require.NoError(t, Save(path, cfg))

	select {
	case got := <-reloaded:
		require.Equal(t, "debug", got.Log.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("reload never delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
