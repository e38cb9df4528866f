// Package orchestrator runs one deployment attempt end to end and decides,
// in a single place, whether a failure is cleaned up, rolled back or left
// for the operator.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"deployctl/internal/artifact"
	"deployctl/internal/backup"
	"deployctl/internal/config"
	"deployctl/internal/failfast"
	"deployctl/internal/health"
	"deployctl/internal/installer"
	"deployctl/internal/journal"
	"deployctl/internal/logger"
	"deployctl/internal/metrics"
	"deployctl/internal/supervisor"
)

var log = logger.PackageLogger("deploy", "")

type ArtifactStore interface {
	Validate(ctx context.Context, source string) (*artifact.Release, error)
}

type BackupManager interface {
	Snapshot(ctx context.Context, deployPath string) (string, error)
	Restore(ctx context.Context, backupPath, deployPath string) error
	Latest(deployPath string) (backup.Snapshot, bool, error)
	Sweep(deployPath string, retention time.Duration, keep string) ([]string, error)
}

type ReleaseInstaller interface {
	Prepare(ctx context.Context, rel *artifact.Release, deployPath string) (string, error)
	Activate(stage, deployPath string) error
	InstallDependencies(ctx context.Context, dir string) error
}

type HealthChecker interface {
	Check(ctx context.Context, p health.Probe) health.Result
}

// Deps are the collaborators of one Orchestrator.
type Deps struct {
	Store      ArtifactStore
	Backups    BackupManager
	Installer  ReleaseInstaller
	Supervisor supervisor.Supervisor
	Health     HealthChecker
	Journal    *journal.Journal
	Metrics    *metrics.Recorder
	// ProcessEnv is passed to the managed process on every start.
	ProcessEnv map[string]string
	Sleep      func(ctx context.Context, d time.Duration) error
	Now        func() time.Time
}

type Orchestrator struct {
	cfg *config.Config
	Deps
}

func New(cfg *config.Config, deps Deps) *Orchestrator {
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRecorder(cfg.Name)
		if cfg.StateDir != "" {
			if err := deps.Metrics.Load(metricsStatePath(cfg)); err != nil {
				log.Warn("could not read metrics state: %v", err)
			}
		}
	}
	return &Orchestrator{cfg: cfg, Deps: deps}
}

func (o *Orchestrator) now() time.Time { return o.Now() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Deploy runs one attempt for source. The returned Attempt is always
// non-nil; the error is non-nil for every outcome except success.
func (o *Orchestrator) Deploy(ctx context.Context, source string) (*Attempt, error) {
	a := &Attempt{
		ID:        uuid.NewString(),
		Source:    source,
		Phase:     Fresh,
		StartedAt: o.now(),
	}
	o.recover()

	log.Info("attempt %s: deploying %s to %s as %s", short(a.ID), source, o.cfg.DeployPath, o.cfg.Name)
	o.save(a)

	err := o.run(ctx, a)
	if err != nil {
		err = o.fail(ctx, a, err)
	}
	o.finish(a, err)
	return a, err
}

func (o *Orchestrator) run(ctx context.Context, a *Attempt) error {
	cfg := o.cfg

	if err := o.step("validate", func() error {
		rel, err := o.Store.Validate(ctx, a.Source)
		a.Release = rel
		return err
	}); err != nil {
		return err
	}
	o.save(a)

	if err := o.step("backup", func() error {
		path, err := o.Backups.Snapshot(ctx, cfg.DeployPath)
		a.BackupPath = path
		return err
	}); err != nil {
		return err
	}
	if a.BackupPath == "" {
		log.Info("first deployment to %s, no backup taken", cfg.DeployPath)
	}
	o.transition(a, BackedUp)

	if err := o.step("install", func() error {
		stage, err := o.Installer.Prepare(ctx, a.Release, cfg.DeployPath)
		a.StagingPath = stage
		return err
	}); err != nil {
		return err
	}
	o.save(a)

	if err := o.Supervisor.Stop(ctx, cfg.Name); err != nil {
		return err
	}
	if err := o.step("activate", func() error {
		return o.Installer.Activate(a.StagingPath, cfg.DeployPath)
	}); err != nil {
		return err
	}
	a.StagingPath = ""
	o.transition(a, Installed)

	if err := o.step("start", func() error {
		return o.Supervisor.Start(ctx, o.process())
	}); err != nil {
		return err
	}
	o.transition(a, ProcessStarted)

	if cfg.Health.Settle > 0 {
		log.Debug("waiting %s for %s to warm up", cfg.Health.Settle, cfg.Name)
		if err := o.Sleep(ctx, cfg.Health.Settle); err != nil {
			return err
		}
	}

	var res health.Result
	_ = o.step("health", func() error {
		res = o.Health.Check(ctx, health.Probe{
			Port:        cfg.Port,
			Path:        cfg.Health.Path,
			MaxAttempts: cfg.Health.Retries,
			Interval:    cfg.Health.Interval,
		})
		return nil
	})
	if res.Status != health.Healthy {
		return failfast.New(failfast.HealthCheckTimeout,
			fmt.Sprintf("no 2xx from http://localhost:%d%s after %d attempts", cfg.Port, cfg.Health.Path, res.Attempts),
			res.LastErr)
	}
	o.transition(a, HealthVerified)

	removed, err := o.Backups.Sweep(cfg.DeployPath, cfg.Retention, a.BackupPath)
	if err != nil {
		log.Warn("retention sweep incomplete: %v", err)
	} else if len(removed) > 0 {
		log.Info("retention sweep removed %d backup(s) older than %s", len(removed), cfg.Retention)
	}
	return nil
}

// fail is the single failure handler: it decides between aborting,
// leaving the broken state in place and rolling back.
func (o *Orchestrator) fail(ctx context.Context, a *Attempt, cause error) error {
	log.Error("attempt %s failed in phase %s: %v", short(a.ID), a.Phase, cause)
	// a cancelled run must still be able to restore the previous release
	ctx = context.WithoutCancel(ctx)

	if a.Phase == Fresh {
		// nothing was backed up, so nothing was changed
		o.transition(a, Aborted)
		return cause
	}
	if !o.cfg.Rollback {
		log.Warn("rollback disabled, leaving %s as is; manual intervention required", o.cfg.DeployPath)
		o.transition(a, RollbackUnavailable)
		return failfast.New(failfast.RollbackUnavailable, "rollback disabled", cause)
	}
	if a.BackupPath == "" {
		log.Warn("no backup exists for %s, cannot roll back", o.cfg.DeployPath)
		o.transition(a, RollbackUnavailable)
		return failfast.New(failfast.RollbackUnavailable, "no backup", cause)
	}

	o.transition(a, RollingBack)
	if err := o.rollback(ctx, a.BackupPath); err != nil {
		o.Metrics.Rollback(false)
		o.transition(a, RollbackFailed)
		return failfast.New(failfast.RollbackFailed, err.Error(), cause)
	}
	o.Metrics.Rollback(true)
	a.BackupPath = ""
	o.transition(a, RolledBack)
	return cause
}

// rollback stops the process, restores the snapshot, reinstalls its
// dependencies and restarts it under the same name. Health is not checked
// again afterwards.
func (o *Orchestrator) rollback(ctx context.Context, backupPath string) error {
	cfg := o.cfg
	log.Warn("rolling back %s to %s", cfg.DeployPath, filepath.Base(backupPath))

	if err := o.Supervisor.Stop(ctx, cfg.Name); err != nil {
		return fmt.Errorf("stopping %s: %w", cfg.Name, err)
	}
	if err := o.step("restore", func() error {
		return o.Backups.Restore(ctx, backupPath, cfg.DeployPath)
	}); err != nil {
		return err
	}
	if err := o.step("reinstall", func() error {
		return o.Installer.InstallDependencies(ctx, cfg.DeployPath)
	}); err != nil {
		return err
	}
	if err := o.Supervisor.Start(ctx, o.process()); err != nil {
		return err
	}
	log.Success("rolled back %s; previous release restarted", cfg.Name)
	return nil
}

// RollbackLatest restores the newest backup outside of a deployment.
func (o *Orchestrator) RollbackLatest(ctx context.Context) error {
	snap, ok, err := o.Backups.Latest(o.cfg.DeployPath)
	if err != nil {
		return err
	}
	if !ok {
		return failfast.New(failfast.RollbackUnavailable, "no backup of "+o.cfg.DeployPath, nil)
	}
	err = o.rollback(ctx, snap.Path)
	o.Metrics.Rollback(err == nil)
	o.flushMetrics()
	if err != nil {
		return failfast.New(failfast.RollbackFailed, snap.Path, err)
	}
	return nil
}

// Prune runs the retention sweep on its own.
func (o *Orchestrator) Prune() ([]string, error) {
	return o.Backups.Sweep(o.cfg.DeployPath, o.cfg.Retention, "")
}

func (o *Orchestrator) process() supervisor.Process {
	return supervisor.Process{
		Name:      o.cfg.Name,
		EntryFile: filepath.Join(o.cfg.DeployPath, o.cfg.Release.EntryFile),
		Dir:       o.cfg.DeployPath,
		Port:      o.cfg.Port,
		Env:       o.ProcessEnv,
	}
}

func (o *Orchestrator) step(name string, fn func() error) error {
	start := o.now()
	err := log.Timed(name, fn)
	o.Metrics.ObservePhase(name, o.now().Sub(start))
	return err
}

func (o *Orchestrator) transition(a *Attempt, to Phase) {
	log.Debug("attempt %s: %s -> %s", short(a.ID), a.Phase, to)
	a.Phase = to
	o.save(a)
}

func (o *Orchestrator) save(a *Attempt) {
	if o.Journal == nil {
		return
	}
	if err := o.Journal.Save(a.record(o)); err != nil {
		log.Warn("could not write journal %s: %v", o.Journal.Path(), err)
	}
}

// metricsStatePath holds the counters carried between runs.
func metricsStatePath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir, cfg.Name+".metrics.yml")
}

func (o *Orchestrator) flushMetrics() {
	if o.cfg.StateDir != "" {
		if err := o.Metrics.Save(metricsStatePath(o.cfg)); err != nil {
			log.Warn("could not save metrics state: %v", err)
		}
	}
	if err := o.Metrics.WriteTextfile(o.cfg.MetricsFile); err != nil {
		log.Warn("could not write metrics to %s: %v", o.cfg.MetricsFile, err)
	}
}

// finish cleans up unconditionally and records the outcome.
func (o *Orchestrator) finish(a *Attempt, err error) {
	if cerr := a.Release.Cleanup(); cerr != nil {
		log.Warn("could not remove %s: %v", a.Release.TempDir, cerr)
	}
	if a.StagingPath != "" {
		_ = os.RemoveAll(a.StagingPath)
		a.StagingPath = ""
	}

	a.Err = err
	a.FinishedAt = o.now()
	o.save(a)

	o.Metrics.Outcome(string(a.Outcome()), a.FinishedAt)
	o.flushMetrics()

	took := a.FinishedAt.Sub(a.StartedAt).Round(time.Millisecond)
	switch a.Outcome() {
	case OutcomeSuccess:
		log.Success("deployed %s in %s", o.cfg.Name, took)
	case OutcomeRolledBack:
		log.Warn("deployment failed and was rolled back (%s)", took)
	default:
		log.Error("deployment failed in %s: %s", took, a.Phase)
	}
}

// recover removes leftovers of an attempt that never reached a terminal
// phase, such as a run killed by CI cancellation.
func (o *Orchestrator) recover() {
	if o.Journal == nil {
		return
	}
	prev, err := o.Journal.Load()
	if err != nil {
		log.Warn("ignoring unreadable journal: %v", err)
		return
	}
	if prev == nil || prev.Terminal {
		return
	}

	log.Warn("previous attempt %s was interrupted in phase %s", short(prev.ID), prev.Phase)
	for _, p := range []string{prev.TempPath, prev.StagingPath} {
		if p == "" || !ownedPath(p, o.cfg.DeployPath) {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			log.Warn("could not remove stale %s: %v", p, err)
			continue
		}
		log.Info("removed stale %s", p)
	}
	if prev.Phase == string(Installed) || prev.Phase == string(BackedUp) {
		log.Warn("%s may have been left stopped by the interrupted attempt", o.cfg.Name)
	}
}

// ownedPath guards against a tampered journal pointing at arbitrary paths.
func ownedPath(p, deployPath string) bool {
	if p == installer.StagingPath(deployPath) {
		return true
	}
	base := filepath.Base(p)
	return strings.HasPrefix(base, "deployctl-") && filepath.IsAbs(p)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
