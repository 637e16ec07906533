package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Ducheved/catsolle/internal/sshcore"
)

func TestExpandRemoteDirectory(t *testing.T) {
	server := startStubSFTPServer(t)
	host, port := splitAddr(t, server.addr)

	remoteRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(remoteRoot, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(remoteRoot, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(remoteRoot, "sub", "b.txt"), []byte("bb"), 0o644))

	sess, err := sshcore.Connect(context.Background(), sshcore.ConnectConfig{
		Host:           host,
		Port:           port,
		Username:       "test",
		AuthMethod:     sshcore.AuthMethod{Kind: sshcore.AuthPassword, Password: "anything"},
		HostKeyPolicy:  sshcore.PolicyInsecureAcceptAny,
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer sess.Disconnect()

	localRoot := t.TempDir()
	files, err := ExpandRemoteDirectory(sess, remoteRoot, localRoot)
	require.NoError(t, err)
	require.Len(t, files, 3)

	sort.Slice(files, func(i, j int) bool { return files[i].DestPath < files[j].DestPath })
	require.Equal(t, filepath.Join(localRoot, "a.txt"), files[0].DestPath)
	require.False(t, files[0].IsDir)
	require.Equal(t, filepath.Join(localRoot, "sub"), files[1].DestPath)
	require.True(t, files[1].IsDir)
	require.Equal(t, filepath.Join(localRoot, "sub", "b.txt"), files[2].DestPath)
	require.False(t, files[2].IsDir)
}

func TestSafeJoinDestRejectsEscape(t *testing.T) {
	base := t.TempDir()

	_, err := SafeJoinDest(base, "../../etc/passwd")
	require.Error(t, err)

	_, err = SafeJoinDest(base, "/etc/passwd")
	require.Error(t, err)

	ok, err := SafeJoinDest(base, "nested/file.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(base, "nested", "file.txt"), ok)
}
