package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"deployctl/internal/failfast"
)

const (
	EnvPrefix = "DEPLOYCTL"

	DefaultDeployPath    = "/var/www/app"
	DefaultName          = "node-app"
	DefaultPort          = 4000
	DefaultSupervisor    = "pm2"
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultStateDir      = "/var/lib/deployctl"
	DefaultEntryFile     = "server.js"
	DefaultManifestFile  = "package.json"
	DefaultInstallCmd    = "npm ci --omit=dev"
	DefaultDependencyDir = "node_modules"
	DefaultHealthPath    = "/health"
	DefaultHealthRetries = 10
	DefaultHealthEvery   = 3 * time.Second
	DefaultSettle        = 5 * time.Second
)

// Default returns a Config holding every default value.
func Default() *Config {
	return &Config{
		DeployPath: DefaultDeployPath,
		Name:       DefaultName,
		Port:       DefaultPort,
		Supervisor: DefaultSupervisor,
		Retention:  DefaultRetention,
		StateDir:   DefaultStateDir,
		Release: ReleaseConfig{
			EntryFile:     DefaultEntryFile,
			ManifestFile:  DefaultManifestFile,
			InstallCmd:    DefaultInstallCmd,
			DependencyDir: DefaultDependencyDir,
		},
		Health: HealthConfig{
			Path:     DefaultHealthPath,
			Retries:  DefaultHealthRetries,
			Interval: DefaultHealthEvery,
			Settle:   DefaultSettle,
		},
	}
}

// SetDefaults registers the defaults on v so that env and config file
// values can override them key by key.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("path", d.DeployPath)
	v.SetDefault("name", d.Name)
	v.SetDefault("port", d.Port)
	v.SetDefault("supervisor", d.Supervisor)
	v.SetDefault("retention", d.Retention)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("release.entry_file", d.Release.EntryFile)
	v.SetDefault("release.manifest_file", d.Release.ManifestFile)
	v.SetDefault("release.install_cmd", d.Release.InstallCmd)
	v.SetDefault("release.dependency_dir", d.Release.DependencyDir)
	v.SetDefault("health.path", d.Health.Path)
	v.SetDefault("health.retries", d.Health.Retries)
	v.SetDefault("health.interval", d.Health.Interval)
	v.SetDefault("health.settle", d.Health.Settle)
}

// Load resolves the configuration from v: bound flags first, then
// DEPLOYCTL_* environment variables, then the optional yaml file, then
// defaults.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, failfast.New(failfast.InvalidConfig, "reading "+file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, failfast.New(failfast.InvalidConfig, "decoding configuration", err)
	}
	return cfg, nil
}

// Validate checks the fields every mutating command relies on.
func (c *Config) Validate() error {
	var problems []string

	if c.Name == "" || strings.ContainsAny(c.Name, "/ \t") {
		problems = append(problems, fmt.Sprintf("invalid process name %q", c.Name))
	}
	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	clean := filepath.Clean(c.DeployPath)
	if !filepath.IsAbs(clean) || clean == string(filepath.Separator) {
		problems = append(problems, fmt.Sprintf("deploy path %q must be an absolute directory other than /", c.DeployPath))
	}
	if c.Supervisor != "pm2" && c.Supervisor != "systemd" {
		problems = append(problems, fmt.Sprintf("unknown supervisor %q", c.Supervisor))
	}
	if c.Health.Retries < 1 {
		problems = append(problems, "health retries must be at least 1")
	}
	if c.Health.Interval <= 0 {
		problems = append(problems, "health interval must be positive")
	}
	if !strings.HasPrefix(c.Health.Path, "/") {
		problems = append(problems, fmt.Sprintf("health path %q must start with /", c.Health.Path))
	}
	if c.Release.EntryFile == "" || c.Release.ManifestFile == "" {
		problems = append(problems, "entry and manifest file names are required")
	}
	if strings.TrimSpace(c.Release.InstallCmd) == "" {
		problems = append(problems, "install command is required")
	}
	if c.Retention < 0 {
		problems = append(problems, "retention must not be negative")
	}

	if len(problems) > 0 {
		return failfast.Newf(failfast.InvalidConfig, "%s", strings.Join(problems, "; "))
	}
	c.DeployPath = clean
	return nil
}

// ValidateDeploy additionally requires a release archive.
func (c *Config) ValidateDeploy() error {
	if c.ZipFile == "" {
		return failfast.Newf(failfast.InvalidConfig, "--zip-file is required")
	}
	return c.Validate()
}

// Ownership is the uid/gid every installed file is chowned to.
type Ownership struct {
	UID int
	GID int
}

// ResolveOwner turns "user", "user:group" or "" (the operating user) into
// numeric ids.
func ResolveOwner(owner string) (Ownership, error) {
	if owner == "" {
		return Ownership{UID: os.Getuid(), GID: os.Getgid()}, nil
	}

	name, group, hasGroup := strings.Cut(owner, ":")
	u, err := user.Lookup(name)
	if err != nil {
		return Ownership{}, failfast.New(failfast.InvalidConfig, "owner "+owner, err)
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	if hasGroup && group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return Ownership{}, failfast.New(failfast.InvalidConfig, "group "+group, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	return Ownership{UID: uid, GID: gid}, nil
}

// LoadEnvFile reads KEY=VALUE pairs for the managed process. An empty path
// yields no variables.
func LoadEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, failfast.New(failfast.InvalidConfig, "env file "+path, err)
	}
	return env, nil
}
