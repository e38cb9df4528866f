package cmd

import (
	"path/filepath"

	"deployctl/internal/artifact"
	"deployctl/internal/backup"
	"deployctl/internal/config"
	"deployctl/internal/health"
	"deployctl/internal/installer"
	"deployctl/internal/journal"
	"deployctl/internal/lock"
	"deployctl/internal/orchestrator"
	"deployctl/internal/shell"
	"deployctl/internal/supervisor"
)

func (a *app) orchestrator() (*orchestrator.Orchestrator, error) {
	cfg := a.cfg

	owner, err := config.ResolveOwner(cfg.Release.Owner)
	if err != nil {
		return nil, err
	}
	env, err := config.LoadEnvFile(cfg.Release.EnvFile)
	if err != nil {
		return nil, err
	}

	runner := shell.Exec{}
	sup, err := supervisor.New(cfg.Supervisor, runner)
	if err != nil {
		return nil, err
	}
	inst, err := installer.New(installer.Options{
		EntryFile:     cfg.Release.EntryFile,
		InstallCmd:    cfg.Release.InstallCmd,
		DependencyDir: cfg.Release.DependencyDir,
		UID:           owner.UID,
		GID:           owner.GID,
	}, runner)
	if err != nil {
		return nil, err
	}

	return orchestrator.New(cfg, orchestrator.Deps{
		Store: artifact.NewStore(artifact.Layout{
			EntryFile:    cfg.Release.EntryFile,
			ManifestFile: cfg.Release.ManifestFile,
		}),
		Backups:    a.backups(owner),
		Installer:  inst,
		Supervisor: sup,
		Health:     health.NewChecker(),
		Journal:    journal.New(cfg.StateDir, cfg.Name),
		ProcessEnv: env,
	}), nil
}

func (a *app) backups(owner config.Ownership) *backup.Manager {
	return backup.New(owner.UID, owner.GID)
}

func (a *app) lockPath() string {
	return filepath.Join(a.cfg.StateDir, a.cfg.Name+".lock")
}

// lock takes the per-process deployment lock unless --no-lock is set.
func (a *app) lock() (func(), error) {
	if a.cfg.NoLock {
		return func() {}, nil
	}
	l, err := lock.Acquire(a.lockPath())
	if err != nil {
		return nil, err
	}
	return func() {
		if err := l.Release(); err != nil {
			log.Warn("could not release %s: %v", a.lockPath(), err)
		}
	}, nil
}
