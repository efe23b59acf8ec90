package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteJSONAtomic_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	in := sample{Name: "btc", Count: 3}
	require.NoError(t, WriteJSONAtomic(path, in))

	var out sample
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, in, out)
}

func TestWriteJSONAtomic_NoPartialFileOnRepeatedWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	for i := 0; i < 5; i++ {
		require.NoError(t, WriteJSONAtomic(path, sample{Name: "x", Count: i}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the final renamed file should remain, no leftover temp files")
}

func TestReadJSON_MissingFile(t *testing.T) {
	var out sample
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &out)
	assert.True(t, os.IsNotExist(err))
}

func TestFileLock_AcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.lock")
	lock := NewFileLock(path)

	ok, err := lock.TryAcquire("agent-a")
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := lock.Inspect()
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, os.Getpid(), info.PID)

	require.NoError(t, lock.Release())
	info, err = lock.Inspect()
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestFileLock_StaleLockReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.lock")

	// Write a lock file claiming an implausible PID.
	require.NoError(t, WriteJSONAtomic(path, LockInfo{PID: 999999999, Owner: "dead"}))

	lock := NewFileLock(path)
	ok, err := lock.TryAcquire("agent-b")
	require.NoError(t, err)
	assert.True(t, ok, "a lock held by a dead PID must be reclaimable")
}

func TestFileLock_LiveOwnerBlocksAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.lock")
	lock := NewFileLock(path)

	ok, err := lock.TryAcquire("owner-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Our own PID is alive, so a second acquirer must be refused.
	ok, err = lock.TryAcquire("owner-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	km.Lock("BTC-USD")
	defer km.Unlock("BTC-USD")

	// A different key must not block.
	done := make(chan struct{})
	go func() {
		km.Lock("AAPL")
		km.Unlock("AAPL")
		close(done)
	}()
	<-done
}
