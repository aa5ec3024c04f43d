package singleton

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquire_LeaderThenClient(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "tunnel-stable.lock")

	res1, err := Acquire(lockPath)
	require.NoError(t, err)
	require.NotNil(t, res1.Server)
	require.Nil(t, res1.Client)
	defer res1.Server.Close()

	res2, err := Acquire(lockPath)
	require.NoError(t, err)
	require.Nil(t, res2.Server)
	require.NotNil(t, res2.Client)
	res2.Client.Conn.Close()
}

func TestAcquire_ReacquireAfterLeaderDrops(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "tunnel-stable.lock")

	res1, err := Acquire(lockPath)
	require.NoError(t, err)
	require.NotNil(t, res1.Server)
	require.NoError(t, res1.Server.Close())

	_, err = os.Stat(lockPath)
	require.True(t, os.IsNotExist(err), "lock file should be removed on leader close")

	res2, err := Acquire(lockPath)
	require.NoError(t, err)
	require.NotNil(t, res2.Server)
	defer res2.Server.Close()
}
