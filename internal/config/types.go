package config

import "time"

// Config is the full configuration of one deployctl invocation.
type Config struct {
	ZipFile     string        `mapstructure:"zip_file" yaml:"zip_file"`
	DeployPath  string        `mapstructure:"path" yaml:"path"`
	Name        string        `mapstructure:"name" yaml:"name"`
	Port        int           `mapstructure:"port" yaml:"port"`
	Rollback    bool          `mapstructure:"rollback" yaml:"rollback"`
	Verbose     bool          `mapstructure:"verbose" yaml:"verbose"`
	Supervisor  string        `mapstructure:"supervisor" yaml:"supervisor"`
	Retention   time.Duration `mapstructure:"retention" yaml:"retention"`
	StateDir    string        `mapstructure:"state_dir" yaml:"state_dir"`
	MetricsFile string        `mapstructure:"metrics_file" yaml:"metrics_file,omitempty"`
	NoLock      bool          `mapstructure:"no_lock" yaml:"no_lock"`

	Release ReleaseConfig `mapstructure:"release" yaml:"release"`
	Health  HealthConfig  `mapstructure:"health" yaml:"health"`
}

// ReleaseConfig describes what a release archive must contain and how its
// dependencies are installed.
type ReleaseConfig struct {
	EntryFile    string `mapstructure:"entry_file" yaml:"entry_file"`
	ManifestFile string `mapstructure:"manifest_file" yaml:"manifest_file"`
	InstallCmd   string `mapstructure:"install_cmd" yaml:"install_cmd"`
	// DependencyDir is removed before every clean install.
	DependencyDir string `mapstructure:"dependency_dir" yaml:"dependency_dir"`
	Owner         string `mapstructure:"owner" yaml:"owner,omitempty"`
	EnvFile       string `mapstructure:"env_file" yaml:"env_file,omitempty"`
}

// HealthConfig controls the post-start probe.
type HealthConfig struct {
	Path     string        `mapstructure:"path" yaml:"path"`
	Retries  int           `mapstructure:"retries" yaml:"retries"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Settle   time.Duration `mapstructure:"settle" yaml:"settle"`
}
