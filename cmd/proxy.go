package cmd

import (
	"github.com/spf13/cobra"

	"deployctl/internal/proxy"
	"deployctl/internal/shell"
)

func newProxyCmd(a *app) *cobra.Command {
	site := proxy.Site{}
	var availableDir, enabledDir string

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Configure Nginx to reverse-proxy to the managed process",
		Long: `Writes an Nginx server block forwarding to 127.0.0.1:<port>, validates the
configuration with nginx -t and reloads Nginx. A configuration nginx rejects
is reverted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			unlock, err := a.lock()
			if err != nil {
				return err
			}
			defer unlock()

			site.Name = a.cfg.Name
			site.Port = a.cfg.Port
			site.HealthPath = a.cfg.Health.Path

			n := proxy.New(shell.Exec{})
			n.AvailableDir = availableDir
			n.EnabledDir = enabledDir
			return n.Apply(cmd.Context(), site)
		},
	}

	f := cmd.Flags()
	f.StringVar(&site.ServerName, "server-name", "_", "nginx server_name")
	f.IntVar(&site.Listen, "listen", 80, "port nginx listens on")
	f.StringVar(&site.MaxBodySize, "max-body-size", "10m", "client_max_body_size")
	f.StringVar(&availableDir, "sites-available", "/etc/nginx/sites-available", "directory site files are written to")
	f.StringVar(&enabledDir, "sites-enabled", "/etc/nginx/sites-enabled", "directory site files are linked from")
	return cmd
}
