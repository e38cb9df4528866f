package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"deployctl/internal/config"
	"deployctl/internal/failfast"
	"deployctl/internal/logger"
)

var (
	log = logger.PackageLogger("deployctl", "")

	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow, color.Bold)
	infoColor    = color.New(color.FgCyan, color.Bold)
)

// app holds what every subcommand shares: the viper instance flags are
// bound to and the configuration resolved from it.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	root, _ := newCommand()
	return root
}

func newCommand() (*cobra.Command, *app) {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "deployctl",
		Short: "Deploy a packaged Node.js release to this host",
		Long: `deployctl replaces the running release of a Node.js service with a new
archive: it validates the archive, backs up the live directory, installs the
release and its production dependencies, restarts the process under PM2 or
systemd and polls its health endpoint.

With --rollback, a failed deployment restores the backup and restarts the
previous release. Without it the failed release is left in place.`,
		Example: `  deployctl --zip-file release.zip --path /var/www/app --name api --port 4000 --rollback
  deployctl --zip-file s3://releases/api/1.4.2.zip --name api --rollback
  deployctl rollback --name api
  deployctl prune --schedule "@daily"`,
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(*cobra.Command, []string) error { return a.load() },
		RunE:              a.runDeploy,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "YAML configuration file")
	pf.String("path", config.DefaultDeployPath, "deployment directory")
	pf.String("name", config.DefaultName, "process name in the supervisor")
	pf.Int("port", config.DefaultPort, "port the application listens on")
	pf.BoolP("verbose", "v", false, "enable debug logging")
	pf.String("supervisor", config.DefaultSupervisor, "process supervisor: pm2 or systemd")
	pf.String("owner", "", "user[:group] owning installed files (default: current user)")
	pf.String("env-file", "", "dotenv file passed to the managed process")
	pf.String("entry-file", config.DefaultEntryFile, "entry file every release must contain")
	pf.String("manifest-file", config.DefaultManifestFile, "dependency manifest every release must contain")
	pf.String("install-cmd", config.DefaultInstallCmd, "clean production dependency install command")
	pf.Duration("retention", config.DefaultRetention, "delete backups older than this")
	pf.String("state-dir", config.DefaultStateDir, "directory for the journal and lock files")
	pf.String("metrics-file", "", "write Prometheus metrics to this textfile after each run")
	pf.Bool("no-lock", false, "do not take the per-process deployment lock")

	f := root.Flags()
	f.String("zip-file", "", "release archive: local path or s3://bucket/key (required)")
	f.Bool("rollback", false, "restore the previous release if the deployment fails")
	f.String("health-path", config.DefaultHealthPath, "health endpoint path")
	f.Int("health-retries", config.DefaultHealthRetries, "health check attempts before giving up")
	f.Duration("health-interval", config.DefaultHealthEvery, "delay between health check attempts")
	f.Duration("settle", config.DefaultSettle, "delay between process start and the first health check")

	a.bind(pf, map[string]string{
		"path":                  "path",
		"name":                  "name",
		"port":                  "port",
		"verbose":               "verbose",
		"supervisor":            "supervisor",
		"release.owner":         "owner",
		"release.env_file":      "env-file",
		"release.entry_file":    "entry-file",
		"release.manifest_file": "manifest-file",
		"release.install_cmd":   "install-cmd",
		"retention":             "retention",
		"state_dir":             "state-dir",
		"metrics_file":          "metrics-file",
		"no_lock":               "no-lock",
	})
	a.bind(f, map[string]string{
		"zip_file":        "zip-file",
		"rollback":        "rollback",
		"health.path":     "health-path",
		"health.retries":  "health-retries",
		"health.interval": "health-interval",
		"health.settle":   "settle",
	})

	root.AddCommand(
		newRollbackCmd(a),
		newPruneCmd(a),
		newStatusCmd(a),
		newPushCmd(a),
		newProxyCmd(a),
	)
	return root, a
}

func (a *app) bind(fs *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		if err := a.v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("binding --%s: %v", flag, err))
		}
	}
}

// load resolves and validates the configuration before any command runs.
func (a *app) load() error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	if cfg.Verbose {
		logger.SetGlobalLevel(logger.LevelDebug)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	log.Debug("configuration: path=%s name=%s port=%d supervisor=%s rollback=%t",
		cfg.DeployPath, cfg.Name, cfg.Port, cfg.Supervisor, cfg.Rollback)
	return nil
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// Execute runs deployctl and exits with 0 on success and 1 on any failure.
func Execute() {
	err := execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		errorColor.Fprint(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		if kind := failfast.KindOf(err); kind != "" {
			log.Debug("failure kind %s", kind)
		}
	}
	os.Exit(failfast.ExitCode(err))
}
