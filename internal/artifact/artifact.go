// Package artifact locates, unpacks and validates release archives.
package artifact

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deployctl/internal/failfast"
	"deployctl/internal/fsutil"
	"deployctl/internal/logger"
)

var log = logger.PackageLogger("artifact", "")

// Layout names the files a release must contain.
type Layout struct {
	EntryFile    string
	ManifestFile string
}

// Release is an archive unpacked into a private temp directory.
type Release struct {
	Source string
	// TempDir is the staging root owned by this release; Root lies inside it.
	TempDir string
	Root    string
	Layout  Layout
}

// EntryPath is the absolute path of the entry file inside the release.
func (r *Release) EntryPath() string {
	return filepath.Join(r.Root, r.Layout.EntryFile)
}

// Cleanup removes the temp directory. Safe to call on a nil Release.
func (r *Release) Cleanup() error {
	if r == nil || r.TempDir == "" {
		return nil
	}
	return os.RemoveAll(r.TempDir)
}

// Store turns an archive source into a validated Release.
type Store struct {
	layout  Layout
	tempDir string
	prefix  string
	now     func() time.Time
	remote  func(ctx context.Context) (ObjectGetter, error)
}

type Option func(*Store)

// WithTempDir overrides the parent of staging directories (default os.TempDir).
func WithTempDir(dir string) Option {
	return func(s *Store) { s.tempDir = dir }
}

// WithObjectGetter injects the client used for s3:// sources.
func WithObjectGetter(g ObjectGetter) Option {
	return func(s *Store) {
		s.remote = func(context.Context) (ObjectGetter, error) { return g, nil }
	}
}

func NewStore(layout Layout, opts ...Option) *Store {
	s := &Store{
		layout:  layout,
		tempDir: os.TempDir(),
		prefix:  "deployctl",
		now:     time.Now,
		remote:  defaultS3Client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate fetches source when remote, unpacks it into a fresh temp
// directory and checks that the entry and manifest files are present.
// The live deployment directory is never touched. On error no temp
// directory is left behind.
func (s *Store) Validate(ctx context.Context, source string) (rel *Release, err error) {
	tmp, err := os.MkdirTemp(s.tempDir, fmt.Sprintf("%s-%d-", s.prefix, s.now().Unix()))
	if err != nil {
		return nil, failfast.New(failfast.ExtractionFailed, "creating staging directory", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmp)
		}
	}()

	archivePath := source
	if isRemote(source) {
		archivePath, err = s.download(ctx, source, tmp)
		if err != nil {
			return nil, err
		}
	}

	if err := checkReadable(archivePath); err != nil {
		return nil, failfast.New(failfast.ArtifactInvalid, source, err)
	}

	dest := filepath.Join(tmp, "release")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, failfast.New(failfast.ExtractionFailed, "creating extraction directory", err)
	}
	log.Debug("extracting %s into %s", archivePath, dest)
	if err := extract(ctx, archivePath, dest); err != nil {
		return nil, failfast.New(failfast.ExtractionFailed, source, err)
	}

	root, err := s.findRoot(dest)
	if err != nil {
		return nil, failfast.New(failfast.ArtifactInvalid, source, err)
	}

	log.Info("artifact %s validated (%s, %s present)", filepath.Base(source), s.layout.EntryFile, s.layout.ManifestFile)
	return &Release{Source: source, TempDir: tmp, Root: root, Layout: s.layout}, nil
}

func checkReadable(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// findRoot accepts the files at the top level or inside a single wrapping
// directory, as produced by most "zip the build folder" CI steps.
func (s *Store) findRoot(dest string) (string, error) {
	if missing := s.missing(dest); len(missing) == 0 {
		return dest, nil
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		inner := filepath.Join(dest, entries[0].Name())
		if len(s.missing(inner)) == 0 {
			return inner, nil
		}
	}

	return "", fmt.Errorf("archive is missing %s", strings.Join(s.missing(dest), " and "))
}

func (s *Store) missing(dir string) []string {
	var out []string
	for _, name := range []string{s.layout.EntryFile, s.layout.ManifestFile} {
		if !fsutil.IsRegular(filepath.Join(dir, name)) {
			out = append(out, name)
		}
	}
	return out
}

type format int

const (
	formatUnknown format = iota
	formatZip
	formatTarGz
)

func sniff(path string) (format, error) {
	f, err := os.Open(path)
	if err != nil {
		return formatUnknown, err
	}
	defer f.Close()

	head, err := bufio.NewReader(f).Peek(4)
	if err != nil && !errors.Is(err, bufio.ErrBufferFull) && len(head) < 2 {
		return formatUnknown, fmt.Errorf("reading archive header: %w", err)
	}
	switch {
	case len(head) >= 4 && string(head[:4]) == "PK\x03\x04":
		return formatZip, nil
	case len(head) >= 4 && string(head[:4]) == "PK\x05\x06":
		// empty zip
		return formatZip, nil
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		return formatTarGz, nil
	}
	return formatUnknown, nil
}

func extract(ctx context.Context, archive, dest string) error {
	kind, err := sniff(archive)
	if err != nil {
		return err
	}
	switch kind {
	case formatZip:
		err = extractZip(ctx, archive, dest)
	case formatTarGz:
		err = extractTarGz(ctx, archive, dest)
	default:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(archive))
	}
	if err != nil {
		return err
	}
	return verifyLinks(dest)
}

// safeJoin resolves name under root and rejects entries escaping it,
// either lexically or through a symlink extracted earlier.
func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	if !within(root, target) {
		return "", fmt.Errorf("archive entry %q escapes the extraction directory", name)
	}
	rel, _ := filepath.Rel(root, target)
	if rel == "." {
		return target, nil
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		st, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return "", err
		}
		if st.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("archive entry %q passes through symlink %s", name, cur)
		}
	}
	return target, nil
}

// checkLink walks link from the directory holding target one part at a
// time. It must stay under root and may not pass through another symlink.
func checkLink(root, target, link string) error {
	if filepath.IsAbs(link) {
		return fmt.Errorf("symlink %s points to absolute path %s", target, link)
	}
	if target == root || !within(root, target) {
		return fmt.Errorf("symlink %s escapes the extraction directory", target)
	}
	cur := filepath.Dir(target)
	for _, part := range strings.Split(filepath.FromSlash(link), string(filepath.Separator)) {
		switch part {
		case "", ".":
			continue
		case "..":
			if cur == root {
				return fmt.Errorf("symlink %s escapes the extraction directory", target)
			}
			cur = filepath.Dir(cur)
			continue
		}
		cur = filepath.Join(cur, part)
		if st, err := os.Lstat(cur); err == nil && st.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("symlink %s resolves through symlink %s", target, cur)
		}
	}
	return nil
}

// verifyLinks rechecks every symlink once the whole tree is on disk; a link
// may be written before the links its target passes through.
func verifyLinks(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		link, err := os.Readlink(path)
		if err != nil {
			return err
		}
		return checkLink(root, path, link)
	})
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func filePerm(mode fs.FileMode) fs.FileMode {
	perm := mode.Perm()
	if perm == 0 {
		return 0o644
	}
	return perm | 0o600
}
