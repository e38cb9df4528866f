package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployctl/internal/failfast"
)

var fixedNow = time.Date(2026, 10, 19, 14, 30, 5, 0, time.Local)

func newManager(opts ...Option) *Manager {
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithFreeSpace(func(string) (uint64, error) { return 1 << 40, nil }),
	}
	return New(os.Getuid(), os.Getgid(), append(base, opts...)...)
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func readFiles(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if info.Mode().IsRegular() {
			rel, _ := filepath.Rel(root, path)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			out[rel] = string(data)
		}
		return nil
	}))
	return out
}

func TestSnapshot_EmptyOrMissingReturnsNothing(t *testing.T) {
	m := newManager()
	parent := t.TempDir()

	path, err := m.Snapshot(context.Background(), filepath.Join(parent, "missing"))
	require.NoError(t, err)
	assert.Empty(t, path)

	empty := filepath.Join(parent, "app")
	require.NoError(t, os.Mkdir(empty, 0o755))
	path, err = m.Snapshot(context.Background(), empty)
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestSnapshot_CopiesLiveDirectory(t *testing.T) {
	m := newManager()
	live := filepath.Join(t.TempDir(), "app")
	files := map[string]string{"server.js": "v1", "package.json": "{}", "node_modules/a/index.js": "a"}
	writeFiles(t, live, files)

	path, err := m.Snapshot(context.Background(), live)
	require.NoError(t, err)
	assert.Equal(t, live+".backup.20261019_143005", path)
	assert.Equal(t, files, readFiles(t, path))
	assert.NoDirExists(t, path+partialSuffix)

	// a second snapshot within the same second gets a distinct name
	second, err := m.Snapshot(context.Background(), live)
	require.NoError(t, err)
	assert.Equal(t, live+".backup.20261019_143005_2", second)
}

func TestSnapshot_InsufficientSpace(t *testing.T) {
	m := newManager(WithFreeSpace(func(string) (uint64, error) { return 1, nil }))
	live := filepath.Join(t.TempDir(), "app")
	writeFiles(t, live, map[string]string{"server.js": "0123456789"})

	path, err := m.Snapshot(context.Background(), live)
	require.Error(t, err)
	assert.Empty(t, path)
	assert.Equal(t, failfast.BackupFailed, failfast.KindOf(err))

	list, err := m.List(live)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSnapshot_UnknownFreeSpaceStillCopies(t *testing.T) {
	m := newManager(WithFreeSpace(func(string) (uint64, error) { return 0, errors.New("unsupported") }))
	live := filepath.Join(t.TempDir(), "app")
	writeFiles(t, live, map[string]string{"server.js": "v1"})

	path, err := m.Snapshot(context.Background(), live)
	require.NoError(t, err)
	assert.DirExists(t, path)
}

func TestRestore_RoundTrip(t *testing.T) {
	m := newManager()
	live := filepath.Join(t.TempDir(), "app")
	before := map[string]string{"server.js": "v1", "package.json": `{"version":"1"}`}
	writeFiles(t, live, before)

	snap, err := m.Snapshot(context.Background(), live)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(live))
	writeFiles(t, live, map[string]string{"server.js": "v2", "extra.js": "new"})

	require.NoError(t, m.Restore(context.Background(), snap, live))
	assert.Equal(t, before, readFiles(t, live))
	assert.NoDirExists(t, snap, "restore consumes the snapshot")
}

func TestRestore_MissingBackup(t *testing.T) {
	m := newManager()
	live := filepath.Join(t.TempDir(), "app")
	writeFiles(t, live, map[string]string{"server.js": "v2"})

	assert.Error(t, m.Restore(context.Background(), live+".backup.nope", live))
	assert.FileExists(t, filepath.Join(live, "server.js"), "live path untouched when backup is missing")
}

func TestRestore_FailedMoveKeepsLiveDirectory(t *testing.T) {
	m := newManager()
	live := filepath.Join(t.TempDir(), "app")
	writeFiles(t, live, map[string]string{"server.js": "v1"})
	snap, err := m.Snapshot(context.Background(), live)
	require.NoError(t, err)
	writeFiles(t, live, map[string]string{"server.js": "v2"})

	m.rename = func(oldpath, newpath string) error {
		if oldpath == snap {
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EACCES}
		}
		return os.Rename(oldpath, newpath)
	}

	require.Error(t, m.Restore(context.Background(), snap, live))
	assert.Equal(t, map[string]string{"server.js": "v2"}, readFiles(t, live))
	assert.DirExists(t, snap)
	assert.NoDirExists(t, live+replacedSuffix)
}

func TestRestore_AcrossFilesystems(t *testing.T) {
	m := newManager()
	live := filepath.Join(t.TempDir(), "app")
	writeFiles(t, live, map[string]string{"server.js": "v1", "lib/util.js": "u"})
	snap, err := m.Snapshot(context.Background(), live)
	require.NoError(t, err)
	writeFiles(t, live, map[string]string{"server.js": "v2"})

	m.rename = func(oldpath, newpath string) error {
		if oldpath == snap {
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
		}
		return os.Rename(oldpath, newpath)
	}

	require.NoError(t, m.Restore(context.Background(), snap, live))
	assert.Equal(t, map[string]string{"server.js": "v1", "lib/util.js": "u"}, readFiles(t, live))
	assert.NoDirExists(t, snap)
	assert.NoDirExists(t, live+replacedSuffix)
}

func TestListAndSweep(t *testing.T) {
	m := newManager()
	parent := t.TempDir()
	live := filepath.Join(parent, "app")
	writeFiles(t, live, map[string]string{"server.js": "v"})

	mk := func(age time.Duration) string {
		p := live + marker + fixedNow.Add(-age).Format(TimestampLayout)
		require.NoError(t, os.Mkdir(p, 0o755))
		return p
	}
	fresh := mk(time.Hour)
	edge := mk(7 * 24 * time.Hour)
	old := mk(8 * 24 * time.Hour)
	ancient := mk(30 * 24 * time.Hour)
	require.NoError(t, os.Mkdir(live+marker+"20200101_000000"+partialSuffix, 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(parent, "other.backup.20200101_000000"), 0o755))

	list, err := m.List(live)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, fresh, list[0].Path)
	assert.Equal(t, ancient, list[3].Path)

	latest, ok, err := m.Latest(live)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fresh, latest.Path)

	removed, err := m.Sweep(live, 7*24*time.Hour, ancient)
	require.NoError(t, err)
	assert.Equal(t, []string{old}, removed)
	assert.DirExists(t, fresh)
	assert.DirExists(t, edge, "a backup exactly at the window edge is kept")
	assert.DirExists(t, ancient, "the kept backup survives regardless of age")
	assert.NoDirExists(t, old)
	assert.DirExists(t, filepath.Join(parent, "other.backup.20200101_000000"))
}

func TestParseTimestamp(t *testing.T) {
	ts, ok := parseTimestamp("20261019_143005_3")
	require.True(t, ok)
	assert.Equal(t, fixedNow, ts)

	_, ok = parseTimestamp("yesterday")
	assert.False(t, ok)
}
