// Package backup snapshots the live deployment directory before it is
// mutated, restores snapshots on rollback and sweeps expired ones.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"deployctl/internal/failfast"
	"deployctl/internal/fsutil"
	"deployctl/internal/logger"
)

const (
	// TimestampLayout is the YYYYMMDD_HHMMSS suffix of backup directories.
	TimestampLayout = "20060102_150405"
	marker          = ".backup."
	partialSuffix   = ".partial"
	replacedSuffix  = ".replaced"
)

var log = logger.PackageLogger("backup", "")

// Snapshot is one backup directory next to the live path.
type Snapshot struct {
	Path      string
	CreatedAt time.Time
}

// Age is how old the snapshot is at now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

type Manager struct {
	uid, gid  int
	now       func() time.Time
	freeSpace func(path string) (uint64, error)
	rename    func(oldpath, newpath string) error
}

type Option func(*Manager)

// WithClock replaces time.Now, used for names and retention ages.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithFreeSpace replaces the disk usage probe.
func WithFreeSpace(fn func(path string) (uint64, error)) Option {
	return func(m *Manager) { m.freeSpace = fn }
}

// New returns a Manager that chowns snapshots to uid:gid.
func New(uid, gid int, opts ...Option) *Manager {
	m := &Manager{
		uid:       uid,
		gid:       gid,
		now:       time.Now,
		freeSpace: diskFree,
		rename:    os.Rename,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Snapshot copies deployPath to <deployPath>.backup.<timestamp>. It returns
// "" without error when there is nothing to back up.
func (m *Manager) Snapshot(ctx context.Context, deployPath string) (string, error) {
	empty, err := fsutil.IsEmptyDir(deployPath)
	if err != nil {
		return "", failfast.New(failfast.BackupFailed, "inspecting "+deployPath, err)
	}
	if empty {
		log.Info("%s is empty or missing, nothing to back up", deployPath)
		return "", nil
	}

	if err := m.checkSpace(deployPath); err != nil {
		return "", err
	}

	dest := m.nextName(deployPath)
	partial := dest + partialSuffix
	_ = os.RemoveAll(partial)

	log.Info("backing up %s to %s", deployPath, dest)
	if err := fsutil.CopyTree(ctx, deployPath, partial); err != nil {
		_ = os.RemoveAll(partial)
		return "", failfast.New(failfast.BackupFailed, "copying "+deployPath, err)
	}
	if err := fsutil.ChownTree(partial, m.uid, m.gid); err != nil {
		_ = os.RemoveAll(partial)
		return "", failfast.New(failfast.BackupFailed, "fixing ownership", err)
	}
	if err := os.Rename(partial, dest); err != nil {
		_ = os.RemoveAll(partial)
		return "", failfast.New(failfast.BackupFailed, "finalizing backup", err)
	}

	return dest, nil
}

func (m *Manager) checkSpace(deployPath string) error {
	need, err := fsutil.DirSize(deployPath)
	if err != nil {
		return failfast.New(failfast.BackupFailed, "measuring "+deployPath, err)
	}
	parent := filepath.Dir(deployPath)
	free, err := m.freeSpace(parent)
	if err != nil {
		// not every filesystem reports usage; let the copy itself fail instead
		log.Warn("could not read free space on %s: %v", parent, err)
		return nil
	}
	if uint64(need) > free {
		return failfast.New(failfast.BackupFailed, "preflight",
			fmt.Errorf("backup needs %d bytes but only %d are free on %s", need, free, parent))
	}
	log.Debug("backup size %d bytes, %d free on %s", need, free, parent)
	return nil
}

func (m *Manager) nextName(deployPath string) string {
	base := deployPath + marker + m.now().Format(TimestampLayout)
	name := base
	for i := 2; fsutil.Exists(name); i++ {
		name = base + "_" + strconv.Itoa(i)
	}
	return name
}

// Restore replaces deployPath with the contents of backupPath. The snapshot
// is consumed.
func (m *Manager) Restore(ctx context.Context, backupPath, deployPath string) error {
	st, err := os.Stat(backupPath)
	if err != nil {
		return fmt.Errorf("backup %s: %w", backupPath, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("backup %s is not a directory", backupPath)
	}

	log.Info("restoring %s from %s", deployPath, backupPath)
	aside := deployPath + replacedSuffix
	_ = os.RemoveAll(aside)
	moved := false
	switch err := m.rename(deployPath, aside); {
	case err == nil:
		moved = true
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("moving %s aside: %w", deployPath, err)
	}

	if err := m.place(ctx, backupPath, deployPath); err != nil {
		_ = os.RemoveAll(deployPath)
		if moved {
			if rerr := m.rename(aside, deployPath); rerr != nil {
				return fmt.Errorf("restoring %s: %w (previous contents left in %s)", backupPath, err, aside)
			}
		}
		return fmt.Errorf("restoring %s: %w", backupPath, err)
	}

	if moved {
		if err := os.RemoveAll(aside); err != nil {
			log.Warn("could not remove %s: %v", aside, err)
		}
	}
	return nil
}

// place moves the snapshot to deployPath, copying when they live on
// different filesystems.
func (m *Manager) place(ctx context.Context, backupPath, deployPath string) error {
	err := m.rename(backupPath, deployPath)
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := fsutil.CopyTree(ctx, backupPath, deployPath); err != nil {
		return err
	}
	if err := os.RemoveAll(backupPath); err != nil {
		log.Warn("restored from %s but could not remove it: %v", backupPath, err)
	}
	return nil
}

// List returns the backups of deployPath, newest first.
func (m *Manager) List(deployPath string) ([]Snapshot, error) {
	parent := filepath.Dir(deployPath)
	prefix := filepath.Base(deployPath) + marker

	entries, err := os.ReadDir(parent)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Snapshot
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, partialSuffix) {
			continue
		}
		path := filepath.Join(parent, name)
		created, ok := parseTimestamp(strings.TrimPrefix(name, prefix))
		if !ok {
			info, err := e.Info()
			if err != nil {
				continue
			}
			created = info.ModTime()
		}
		out = append(out, Snapshot{Path: path, CreatedAt: created})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Path > out[j].Path
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Latest returns the newest backup, or false when there is none.
func (m *Manager) Latest(deployPath string) (Snapshot, bool, error) {
	list, err := m.List(deployPath)
	if err != nil || len(list) == 0 {
		return Snapshot{}, false, err
	}
	return list[0], true, nil
}

// Sweep removes backups older than retention. keep is never removed, no
// matter its age. It returns the removed paths.
func (m *Manager) Sweep(deployPath string, retention time.Duration, keep string) ([]string, error) {
	list, err := m.List(deployPath)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var removed []string
	var errs []error
	for _, snap := range list {
		if snap.Path == keep || snap.Age(now) <= retention {
			continue
		}
		if err := os.RemoveAll(snap.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info("removed expired backup %s (age %s)", snap.Path, snap.Age(now).Round(time.Minute))
		removed = append(removed, snap.Path)
	}
	return removed, errors.Join(errs...)
}

func parseTimestamp(suffix string) (time.Time, bool) {
	if len(suffix) < len(TimestampLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(TimestampLayout, suffix[:len(TimestampLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
