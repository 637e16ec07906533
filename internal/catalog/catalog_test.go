package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	c := &Connection{
		ID:         uuid.New(),
		Name:       "prod-web",
		Host:       "10.0.0.1",
		Port:       22,
		Username:   "ops",
		AuthMethod: AuthMethod{Kind: AuthAgent},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.Create(c))

	got, err := s.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, c.Name, got.Name)
	require.Equal(t, c.Host, got.Host)
	require.Equal(t, c.Port, got.Port)
	require.Equal(t, c.Username, got.Username)
	require.Equal(t, c.AuthMethod.Kind, got.AuthMethod.Kind)
}

func TestImportFromSSHConfigDedup(t *testing.T) {
	s := openTestStore(t)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(cfgPath, []byte("Host prod\n  HostName 10.0.0.1\n  User ops\n  Port 2222\n"), 0o600))

	first, err := s.ImportFromSSHConfig(cfgPath)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, "10.0.0.1", first[0].Host)
	require.Equal(t, 2222, first[0].Port)
	require.Equal(t, "ops", first[0].Username)

	second, err := s.ImportFromSSHConfig(cfgPath)
	require.NoError(t, err)
	require.Len(t, second, 0)
}
