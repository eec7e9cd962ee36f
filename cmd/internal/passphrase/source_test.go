package passphrase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetFromEnvironment(t *testing.T) {
	t.Setenv("TEST_WALLET_PASSPHRASE", "hunter2")
	source := NewSource("TEST_WALLET_PASSPHRASE")

	value, err := source.Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", value)

	// Cached after the first resolution.
	t.Setenv("TEST_WALLET_PASSPHRASE", "changed")
	value, err = source.Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", value)
}

func TestGetRejectsEmptyEnvironmentValue(t *testing.T) {
	t.Setenv("TEST_WALLET_PASSPHRASE", "   ")
	source := NewSource("TEST_WALLET_PASSPHRASE")
	_, err := source.Get()
	require.Error(t, err)
}

func TestGetWithoutTerminalOrEnvFails(t *testing.T) {
	// The variable is unset and tests run without a terminal on stdin.
	source := NewSource("TEST_WALLET_PASSPHRASE_UNSET")
	_, err := source.Get()
	require.Error(t, err)
	require.Contains(t, err.Error(), "TEST_WALLET_PASSPHRASE_UNSET")
}

func TestGetConfirmedUsesEnvWithoutPrompt(t *testing.T) {
	t.Setenv("TEST_WALLET_PASSPHRASE", "hunter2")
	source := NewSource("TEST_WALLET_PASSPHRASE")

	value, err := source.GetConfirmed()
	require.NoError(t, err)
	require.Equal(t, "hunter2", value)
}
