package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_LoadMissing(t *testing.T) {
	rec, err := New(t.TempDir(), "node-app").Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestJournal_SaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	j := New(dir, "node-app")
	started := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	in := &Record{
		ID:         "7c1d",
		Name:       "node-app",
		DeployPath: "/var/www/app",
		Phase:      "Installed",
		BackupPath: "/var/www/app.backup.20261019_090000",
		TempPath:   "/tmp/deployctl-1792400000-123",
		StartedAt:  started,
		UpdatedAt:  started.Add(time.Minute),
	}
	require.NoError(t, j.Save(in))
	assert.Equal(t, filepath.Join(dir, "node-app.yml"), j.Path())
	assert.NoFileExists(t, j.Path()+".tmp")

	out, err := j.Load()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestJournal_Corrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.yml"), []byte("id: [unclosed"), 0o644))
	_, err := New(dir, "x").Load()
	assert.Error(t, err)
}
