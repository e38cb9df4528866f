// Package installer stages a validated release next to the live path,
// installs its production dependencies and swaps it into place.
package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"deployctl/internal/artifact"
	"deployctl/internal/failfast"
	"deployctl/internal/fsutil"
	"deployctl/internal/logger"
	"deployctl/internal/shell"
)

var log = logger.PackageLogger("installer", "")

const stagingSuffix = ".staging"

type Options struct {
	EntryFile string
	// InstallCmd is the clean, production-only dependency install.
	InstallCmd string
	// DependencyDir is deleted before each install so nothing stale survives.
	DependencyDir string
	UID, GID      int
}

type Installer struct {
	opts    Options
	install shell.Command
	runner  shell.Runner
}

func New(opts Options, runner shell.Runner) (*Installer, error) {
	cmd, err := shell.Split(opts.InstallCmd)
	if err != nil {
		return nil, fmt.Errorf("install command: %w", err)
	}
	if runner == nil {
		runner = shell.Exec{}
	}
	return &Installer{opts: opts, install: cmd, runner: runner}, nil
}

// StagingPath is the sibling directory a release is prepared in.
func StagingPath(deployPath string) string {
	return deployPath + stagingSuffix
}

// Prepare copies the release into the staging directory and installs its
// dependencies there. The live directory is not touched.
func (i *Installer) Prepare(ctx context.Context, rel *artifact.Release, deployPath string) (string, error) {
	stage := StagingPath(deployPath)
	if err := os.RemoveAll(stage); err != nil {
		return "", failfast.New(failfast.DeployVerificationFailed, "clearing stale staging directory", err)
	}

	log.Info("staging release in %s", stage)
	if err := fsutil.CopyTree(ctx, rel.Root, stage); err != nil {
		return stage, failfast.New(failfast.DeployVerificationFailed, "copying release", err)
	}
	if err := i.verifyEntry(stage); err != nil {
		return stage, err
	}
	if err := i.InstallDependencies(ctx, stage); err != nil {
		return stage, err
	}
	return stage, nil
}

// Activate clears deployPath and moves the staged release into it. The
// directory itself is kept so its mode and mount survive. The caller must
// have taken a backup first.
func (i *Installer) Activate(stage, deployPath string) error {
	if err := os.MkdirAll(deployPath, 0o755); err != nil {
		return failfast.New(failfast.DeployVerificationFailed, "creating "+deployPath, err)
	}
	if err := os.Lchown(deployPath, i.opts.UID, i.opts.GID); err != nil {
		return failfast.New(failfast.DeployVerificationFailed, "chown "+deployPath, err)
	}
	if err := fsutil.ClearDir(deployPath); err != nil {
		return failfast.New(failfast.DeployVerificationFailed, "clearing "+deployPath, err)
	}

	entries, err := os.ReadDir(stage)
	if err != nil {
		return failfast.New(failfast.DeployVerificationFailed, "reading staging directory", err)
	}
	for _, e := range entries {
		if err := os.Rename(filepath.Join(stage, e.Name()), filepath.Join(deployPath, e.Name())); err != nil {
			return failfast.New(failfast.DeployVerificationFailed, "moving "+e.Name(), err)
		}
	}
	_ = os.RemoveAll(stage)

	if err := fsutil.ChownTree(deployPath, i.opts.UID, i.opts.GID); err != nil {
		return failfast.New(failfast.DeployVerificationFailed, "fixing ownership", err)
	}
	if err := i.verifyEntry(deployPath); err != nil {
		return err
	}
	log.Info("release activated in %s", deployPath)
	return nil
}

// InstallDependencies removes the dependency tree under dir and runs the
// install command there. A failure is never retried.
func (i *Installer) InstallDependencies(ctx context.Context, dir string) error {
	if i.opts.DependencyDir != "" {
		if err := os.RemoveAll(filepath.Join(dir, i.opts.DependencyDir)); err != nil {
			return failfast.New(failfast.DependencyInstallFailed, "removing stale dependencies", err)
		}
	}

	cmd := i.install
	cmd.Dir = dir
	log.Info("installing dependencies: %s", cmd)
	out, err := i.runner.Run(ctx, cmd)
	if err != nil {
		return failfast.New(failfast.DependencyInstallFailed, cmd.String(), err)
	}
	log.Debug("%s", out)
	return nil
}

func (i *Installer) verifyEntry(dir string) error {
	entry := filepath.Join(dir, i.opts.EntryFile)
	if !fsutil.IsRegular(entry) {
		return failfast.New(failfast.DeployVerificationFailed, "verify",
			fmt.Errorf("entry file %s missing after copy", entry))
	}
	return nil
}
