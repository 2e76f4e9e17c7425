package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/hl037/nvim-dap-ghidra-sync/pkg/testutil"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "127.0.0.1:18888", cfg.Endpoint())
	require.Equal(t, "http://127.0.0.1:18888/goto", cfg.GotoURL())
	require.Equal(t, []string{"rip", "eip", "pc"}, cfg.Registers)
	require.Equal(t, 5*time.Second, cfg.RetryInterval)
	require.True(t, cfg.AutoEnable)
}

func TestParseAppliesDefaultsForAbsentFields(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`{"viewerPort": 9999}`))
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.ViewerPort)
	require.Equal(t, DefaultViewerHost, cfg.ViewerHost)
	require.Equal(t, DefaultRetryInterval, cfg.RetryInterval)
}

func TestParseRetryIntervalMillisecondGranularity(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`{"retryIntervalMs": 250}`))
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, cfg.RetryInterval)
	require.Equal(t, int64(250), cfg.RetryIntervalMs)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"viewerPort": -1}`))
	require.Error(t, err)

	_, err = Parse([]byte(`{"registers": []}`))
	require.Error(t, err)

	_, err = Parse([]byte(`not json`))
	require.Error(t, err)
}

func TestResolveFlagOverridesFile(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"viewerPort": 9999, "autoEnable": false}`), 0o600))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var flags Flags
	flags.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--viewer-port=7777"}))

	cfg, err := flags.Resolve(configPath)
	require.NoError(t, err)

	// Explicitly set flag wins over the file.
	require.Equal(t, 7777, cfg.ViewerPort)
	// File wins over the flag default.
	require.False(t, cfg.AutoEnable)
	// Neither set: defaults apply.
	require.Equal(t, DefaultViewerHost, cfg.ViewerHost)
}

func TestResolveWithoutFile(t *testing.T) {
	t.Parallel()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var flags Flags
	flags.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--pc-registers=pc,npc", "--retry-interval-ms=100"}))

	cfg, err := flags.Resolve("")
	require.NoError(t, err)
	require.Equal(t, []string{"pc", "npc"}, cfg.Registers)
	require.Equal(t, 100*time.Millisecond, cfg.RetryInterval)
}

func TestWatchDeliversChangedConfig(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"viewerPort": 1111}`), 0o600))

	changes := make(chan Config, 4)
	watchErr := Watch(ctx, configPath, testutil.NewLogForTesting(t.Name()), func(cfg Config) {
		changes <- cfg
	})
	require.NoError(t, watchErr)

	// Rewrite the file; the watcher should deliver the new config.
	require.NoError(t, os.WriteFile(configPath, []byte(`{"viewerPort": 2222}`), 0o600))

	select {
	case cfg := <-changes:
		require.Equal(t, 2222, cfg.ViewerPort)
	case <-ctx.Done():
		t.Fatal("Timed out waiting for configuration change")
	}
}

func TestWatchSkipsInvalidContents(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"viewerPort": 1111}`), 0o600))

	changes := make(chan Config, 4)
	watchErr := Watch(ctx, configPath, testutil.NewLogForTesting(t.Name()), func(cfg Config) {
		changes <- cfg
	})
	require.NoError(t, watchErr)

	require.NoError(t, os.WriteFile(configPath, []byte(`garbage`), 0o600))
	require.NoError(t, os.WriteFile(configPath, []byte(`{"viewerPort": 3333}`), 0o600))

	// Only the valid rewrite is delivered.
	select {
	case cfg := <-changes:
		require.Equal(t, 3333, cfg.ViewerPort)
	case <-ctx.Done():
		t.Fatal("Timed out waiting for configuration change")
	}
}
