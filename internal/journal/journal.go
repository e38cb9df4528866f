// Package journal keeps a small YAML record of the current or last
// deployment attempt, so an interrupted run can be cleaned up and an
// operator can see what happened.
package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Record mirrors one deployment attempt.
type Record struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	DeployPath  string    `yaml:"deploy_path"`
	Source      string    `yaml:"source"`
	Rollback    bool      `yaml:"rollback_enabled"`
	Phase       string    `yaml:"phase"`
	Terminal    bool      `yaml:"terminal"`
	Outcome     string    `yaml:"outcome,omitempty"`
	Error       string    `yaml:"error,omitempty"`
	BackupPath  string    `yaml:"backup_path,omitempty"`
	TempPath    string    `yaml:"temp_path,omitempty"`
	StagingPath string    `yaml:"staging_path,omitempty"`
	StartedAt   time.Time `yaml:"started_at"`
	UpdatedAt   time.Time `yaml:"updated_at"`
	FinishedAt  time.Time `yaml:"finished_at,omitempty"`
}

type Journal struct {
	path string
}

// New returns the journal for the process name under stateDir.
func New(stateDir, name string) *Journal {
	return &Journal{path: filepath.Join(stateDir, name+".yml")}
}

func (j *Journal) Path() string { return j.path }

// Load returns the stored record, or nil when none exists.
func (j *Journal) Load() (*Record, error) {
	data, err := os.ReadFile(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", j.path, err)
	}
	return &rec, nil
}

// Save replaces the stored record atomically.
func (j *Journal) Save(rec *Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return err
	}

	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}
