package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendctl.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, "http://127.0.0.1:8545", cfg.RPCEndpoint)
	require.Equal(t, "seconds", cfg.DurationUnit)
	require.Equal(t, uint64(30), cfg.PollIntervalSeconds)
	require.Equal(t, uint64(1000), cfg.EventWindowBlocks)
	require.Equal(t, "LENDCTL_PASSPHRASE", cfg.PassphraseEnv)

	// Reloading the generated file round-trips the same values.
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
RPCEndpoint = "http://10.0.0.5:8545"
DurationUnit = "days"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.5:8545", cfg.RPCEndpoint)
	require.Equal(t, "days", cfg.DurationUnit)
	require.Equal(t, uint64(30), cfg.PollIntervalSeconds)
	require.Equal(t, filepath.Join(filepath.Dir(path), "addresses.json"), cfg.DescriptorPath)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendctl.toml")
	require.NoError(t, os.WriteFile(path, []byte("RPCEndpoint = [broken"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadDurationUnit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(`DurationUnit = "fortnights"`), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := &Config{
		RPCEndpoint:         "http://127.0.0.1:8545",
		DurationUnit:        "seconds",
		PollIntervalSeconds: 30,
		EventWindowBlocks:   1000,
	}
	require.NoError(t, Validate(valid))

	missingRPC := *valid
	missingRPC.RPCEndpoint = " "
	require.Error(t, Validate(&missingRPC))

	zeroPoll := *valid
	zeroPoll.PollIntervalSeconds = 0
	require.Error(t, Validate(&zeroPoll))

	zeroWindow := *valid
	zeroWindow.EventWindowBlocks = 0
	require.Error(t, Validate(&zeroWindow))
}
