package cmd

import (
	"context"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"deployctl/internal/remote"
)

type pushOptions struct {
	zipFile    string
	rollback   bool
	host       string
	user       string
	key        string
	knownHosts string
	remoteDir  string
	remoteBin  string
	sudo       bool
	timeout    time.Duration
}

func newPushCmd(a *app) *cobra.Command {
	o := &pushOptions{}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload a release archive to a remote host and deploy it there",
		Long: `Copies the archive to the remote host over SSH and runs deployctl there with
the same path, name, port, health and rollback settings. The remote host key
must already be in the known_hosts file.`,
		Example: `  deployctl push --host app1.example.com --user deploy --zip-file release.zip --name api --rollback`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := remote.Dial(ctx, remote.Target{
				Addr:       o.host,
				User:       o.user,
				KeyFile:    o.key,
				KnownHosts: o.knownHosts,
				Timeout:    o.timeout,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			archive := path.Join(o.remoteDir, "deployctl-"+uuid.NewString()+filepath.Ext(o.zipFile))
			if err := client.Upload(ctx, o.zipFile, archive); err != nil {
				return err
			}
			defer func() {
				cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
				defer cancel()
				if err := client.Run(cleanupCtx, remote.Command("rm", "-f", archive), nil, nil, nil); err != nil {
					log.Warn("could not remove %s on %s: %v", archive, o.host, err)
				}
			}()

			argv := a.remoteArgs(o, archive)
			infoColor.Fprintf(cmd.ErrOrStderr(), "Deploying %s on %s\n", a.cfg.Name, o.host)
			return client.Run(ctx, remote.Command(argv...), nil, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	home, _ := os.UserHomeDir()
	f := cmd.Flags()
	f.StringVar(&o.zipFile, "zip-file", "", "local release archive (required)")
	f.BoolVar(&o.rollback, "rollback", false, "roll back on the remote host if the deployment fails")
	f.StringVar(&o.host, "host", "", "remote host[:port] (required)")
	f.StringVar(&o.user, "user", "deploy", "remote user")
	f.StringVar(&o.key, "key", filepath.Join(home, ".ssh", "id_ed25519"), "private key file")
	f.StringVar(&o.knownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	f.StringVar(&o.remoteDir, "remote-dir", "/tmp", "directory the archive is uploaded to")
	f.StringVar(&o.remoteBin, "remote-bin", "deployctl", "deployctl binary on the remote host")
	f.BoolVar(&o.sudo, "sudo", false, "run the remote deployctl with sudo")
	f.DurationVar(&o.timeout, "timeout", 30*time.Second, "SSH connect timeout")
	_ = cmd.MarkFlagRequired("zip-file")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

// remoteArgs forwards the settings of this invocation to the remote run.
func (a *app) remoteArgs(o *pushOptions, archive string) []string {
	cfg := a.cfg
	var argv []string
	if o.sudo {
		argv = append(argv, "sudo", "-n")
	}
	argv = append(argv, o.remoteBin,
		"--zip-file", archive,
		"--path", cfg.DeployPath,
		"--name", cfg.Name,
		"--port", strconv.Itoa(cfg.Port),
		"--supervisor", cfg.Supervisor,
		"--health-path", cfg.Health.Path,
		"--health-retries", strconv.Itoa(cfg.Health.Retries),
		"--health-interval", cfg.Health.Interval.String(),
		"--settle", cfg.Health.Settle.String(),
		"--retention", cfg.Retention.String(),
		"--entry-file", cfg.Release.EntryFile,
		"--manifest-file", cfg.Release.ManifestFile,
		"--install-cmd", cfg.Release.InstallCmd,
	)
	// paths and users are those of the remote host
	if cfg.Release.Owner != "" {
		argv = append(argv, "--owner", cfg.Release.Owner)
	}
	if cfg.Release.EnvFile != "" {
		argv = append(argv, "--env-file", cfg.Release.EnvFile)
	}
	if o.rollback {
		argv = append(argv, "--rollback")
	}
	if cfg.Verbose {
		argv = append(argv, "--verbose")
	}
	return argv
}
