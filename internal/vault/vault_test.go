package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Ducheved/catsolle/internal/apperr"
)

// fileOnlyVault builds a Vault with no usable keyring backend so every
// operation exercises the encrypted-file fallback path deterministically.
func fileOnlyVault(t *testing.T) (*Vault, string) {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "secrets.enc")
	v := &Vault{
		service:        "catsolle-test",
		fallbackFile:   file,
		fallbackEnable: true,
		keyring:        nil,
	}
	return v, file
}

func TestVaultFallbackRoundTrip(t *testing.T) {
	v, file := fileOnlyVault(t)

	err := v.Store("conn:1:password", "s3cr3t!", "hunter2")
	require.NoError(t, err)

	got, ok, err := v.Get("conn:1:password", "hunter2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "s3cr3t!", got)

	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	require.True(t, len(raw) >= 6)
	require.Equal(t, []byte{0x43, 0x41, 0x54, 0x53, 0x4B, 0x31}, raw[:6])
}

func TestVaultDeleteThenGetMisses(t *testing.T) {
	v, _ := fileOnlyVault(t)

	require.NoError(t, v.Store("id", "secret", "m"))
	require.NoError(t, v.Delete("id", "m"))

	_, ok, err := v.Get("id", "m")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVaultOverwrite(t *testing.T) {
	v, _ := fileOnlyVault(t)

	require.NoError(t, v.Store("id", "first", "m"))
	require.NoError(t, v.Store("id", "second", "m"))

	got, ok, err := v.Get("id", "m")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", got)
}

func TestVaultMasterRequiredWhenFallbackExercised(t *testing.T) {
	v, _ := fileOnlyVault(t)

	err := v.Store("id", "secret", "")
	require.ErrorIs(t, err, apperr.ErrMasterRequired)
}
