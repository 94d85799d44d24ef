package downloader

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelfetch/internal"
)

func TestWorkspaceManager_AcquireCreatesUniqueDirectories(t *testing.T) {
	root := filepath.Join(t.TempDir(), "work")
	manager := NewWorkspaceManager(root)
	manager.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC) }

	first, err := manager.Acquire("chat 42/../x")
	require.NoError(t, err)
	second, err := manager.Acquire("chat 42/../x")
	require.NoError(t, err)

	assert.NotEqual(t, first.Dir, second.Dir)
	assert.Equal(t, root, filepath.Dir(first.Dir), "names cannot escape the root")
	assert.True(t, strings.HasPrefix(filepath.Base(first.Dir), "chat_42_.._x_20240309_140506_"), first.Dir)
	assert.Equal(t, "chat 42/../x", first.CorrelationID)
	assert.Regexp(t, workspaceName, filepath.Base(first.Dir), "sweeping must recognise its own workspaces")

	info, err := os.Stat(first.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, 2, manager.Active())
}

func TestWorkspaceManager_ReleaseRemovesEverything(t *testing.T) {
	manager := NewWorkspaceManager(t.TempDir())
	ws, err := manager.Acquire("req-1")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(ws.Path("nested"), 0755))
	require.NoError(t, os.WriteFile(ws.Path("nested/clip.mp4.part"), []byte("partial"), 0644))

	manager.Release(ws)
	assert.True(t, ws.Released())
	_, err = os.Stat(ws.Dir)
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, manager.Active())

	// a second release is a no-op
	manager.Release(ws)
	manager.Release(nil)
}

func TestWorkspaceManager_ReleaseFailureIsOnlyLogged(t *testing.T) {
	var buf bytes.Buffer
	previous := internal.GetLogger()
	internal.SetLogger(internal.NewSecureLogger(&buf, internal.LogLevelDebug, false, false))
	defer internal.SetLogger(previous)

	manager := NewWorkspaceManager(t.TempDir())
	calls := 0
	manager.removeAll = func(string) error {
		calls++
		return errors.New("device busy")
	}

	ws, err := manager.Acquire("req-2")
	require.NoError(t, err)

	assert.NotPanics(t, func() { manager.Release(ws) })
	manager.Release(ws)

	assert.Equal(t, 1, calls, "release is attempted once")
	assert.True(t, ws.Released())
	assert.Zero(t, manager.Active())
	assert.Contains(t, buf.String(), "device busy")
	assert.Contains(t, buf.String(), "[req-2]")
}

func TestWorkspaceManager_ConcurrentAcquireRelease(t *testing.T) {
	manager := NewWorkspaceManager(t.TempDir())

	var wg sync.WaitGroup
	dirs := make(chan string, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, err := manager.Acquire("same-user")
			if !assert.NoError(t, err) {
				return
			}
			dirs <- ws.Dir
			manager.Release(ws)
		}()
	}
	wg.Wait()
	close(dirs)

	seen := make(map[string]bool)
	for dir := range dirs {
		assert.False(t, seen[dir], "directory %s handed out twice", dir)
		seen[dir] = true
	}
	assert.Len(t, seen, 32)
	assert.Zero(t, manager.Active())

	entries, err := os.ReadDir(manager.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWorkspaceManager_SweepStale(t *testing.T) {
	root := t.TempDir()
	manager := NewWorkspaceManager(root)

	live, err := manager.Acquire("live")
	require.NoError(t, err)

	stale := filepath.Join(root, "old_20200101_000000_abcdef12")
	require.NoError(t, os.Mkdir(stale, 0700))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(live.Dir, old, old))

	fresh := filepath.Join(root, "fresh_20200101_000000_abcdef12")
	require.NoError(t, os.Mkdir(fresh, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0644))

	removed, err := manager.SweepStale(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	assert.DirExists(t, live.Dir, "live workspaces are never swept")
	assert.DirExists(t, fresh)
	assert.FileExists(t, filepath.Join(root, "stray.txt"))
}

func TestWorkspaceManager_SweepLeavesForeignDirectories(t *testing.T) {
	root := t.TempDir()
	manager := NewWorkspaceManager(root)

	old := time.Now().Add(-7 * 24 * time.Hour)
	foreign := []string{
		"Photos",
		"old_20200101_000000",
		"old_20200101_000000_ABCDEF12",
		"old_20200101_000000_abcdef12_copy",
		"_20200101_000000_abcdef12",
	}
	for _, name := range foreign {
		dir := filepath.Join(root, name)
		require.NoError(t, os.Mkdir(dir, 0700))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.jpg"), []byte("x"), 0644))
		require.NoError(t, os.Chtimes(dir, old, old))
	}

	removed, err := manager.SweepStale(6 * time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
	for _, name := range foreign {
		assert.FileExists(t, filepath.Join(root, name, "keep.jpg"))
	}
}

func TestWorkspaceManager_SweepMissingRoot(t *testing.T) {
	manager := NewWorkspaceManager(filepath.Join(t.TempDir(), "missing"))
	removed, err := manager.SweepStale(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
