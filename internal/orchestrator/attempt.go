package orchestrator

import (
	"time"

	"deployctl/internal/artifact"
	"deployctl/internal/journal"
)

// Phase is the state of one deployment attempt.
type Phase string

const (
	Fresh          Phase = "Fresh"
	BackedUp       Phase = "BackedUp"
	Installed      Phase = "Installed"
	ProcessStarted Phase = "ProcessStarted"
	HealthVerified Phase = "HealthVerified"

	RollingBack         Phase = "RollingBack"
	RolledBack          Phase = "RolledBack"
	RollbackUnavailable Phase = "RollbackUnavailable"
	RollbackFailed      Phase = "RollbackFailed"
	// Aborted ends attempts that failed before anything could be backed up.
	Aborted Phase = "Aborted"
)

// Terminal reports whether no further transition can happen.
func (p Phase) Terminal() bool {
	switch p {
	case HealthVerified, RolledBack, RollbackUnavailable, RollbackFailed, Aborted:
		return true
	}
	return false
}

// Outcome summarizes a finished attempt for logs and metrics.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeFailed     Outcome = "failed"
)

func (p Phase) outcome() Outcome {
	switch p {
	case HealthVerified:
		return OutcomeSuccess
	case RolledBack:
		return OutcomeRolledBack
	}
	return OutcomeFailed
}

// Attempt carries the run state from step to step. It replaces the marker
// files a shell pipeline would use to find the temp and backup paths from
// its failure handler.
type Attempt struct {
	ID     string
	Source string
	Phase  Phase
	Err    error

	Release     *artifact.Release
	BackupPath  string
	StagingPath string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Outcome is only meaningful once the phase is terminal.
func (a *Attempt) Outcome() Outcome {
	return a.Phase.outcome()
}

func (a *Attempt) record(o *Orchestrator) *journal.Record {
	rec := &journal.Record{
		ID:          a.ID,
		Name:        o.cfg.Name,
		DeployPath:  o.cfg.DeployPath,
		Source:      a.Source,
		Rollback:    o.cfg.Rollback,
		Phase:       string(a.Phase),
		Terminal:    a.Phase.Terminal(),
		BackupPath:  a.BackupPath,
		StagingPath: a.StagingPath,
		StartedAt:   a.StartedAt,
		UpdatedAt:   o.now(),
		FinishedAt:  a.FinishedAt,
	}
	if a.Release != nil {
		rec.TempPath = a.Release.TempDir
	}
	if a.Phase.Terminal() {
		rec.Outcome = string(a.Outcome())
	}
	if a.Err != nil {
		rec.Error = a.Err.Error()
	}
	return rec
}
