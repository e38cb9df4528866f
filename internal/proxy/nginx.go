// Package proxy writes the Nginx server block that fronts the managed
// process and reloads Nginx.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"deployctl/internal/logger"
	"deployctl/internal/shell"
)

var log = logger.PackageLogger("proxy", "")

var siteTemplate = template.Must(template.New("site").Parse(`# managed by deployctl for {{.Name}}
upstream {{.Upstream}} {
    server 127.0.0.1:{{.Port}};
    keepalive 16;
}

server {
    listen {{.Listen}};
    server_name {{.ServerName}};
    client_max_body_size {{.MaxBodySize}};

    location / {
        proxy_pass http://{{.Upstream}};
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_read_timeout 60s;
    }
{{- if .HealthPath}}

    location = {{.HealthPath}} {
        proxy_pass http://{{.Upstream}};
        access_log off;
    }
{{- end}}
}
`))

// Site describes one reverse-proxied process.
type Site struct {
	Name        string
	Port        int
	ServerName  string
	Listen      int
	MaxBodySize string
	HealthPath  string
}

// Upstream is the nginx upstream name for the site.
func (s Site) Upstream() string {
	return "deployctl_" + s.Name
}

func (s Site) withDefaults() Site {
	if s.ServerName == "" {
		s.ServerName = "_"
	}
	if s.Listen == 0 {
		s.Listen = 80
	}
	if s.MaxBodySize == "" {
		s.MaxBodySize = "10m"
	}
	return s
}

// Render returns the server block for s.
func Render(s Site) ([]byte, error) {
	if s.Name == "" || s.Port <= 0 {
		return nil, fmt.Errorf("site needs a name and a port")
	}
	var buf bytes.Buffer
	if err := siteTemplate.Execute(&buf, s.withDefaults()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Nginx installs sites into an sites-available/sites-enabled layout.
type Nginx struct {
	AvailableDir string
	EnabledDir   string
	runner       shell.Runner
}

func New(runner shell.Runner) *Nginx {
	if runner == nil {
		runner = shell.Exec{}
	}
	return &Nginx{
		AvailableDir: "/etc/nginx/sites-available",
		EnabledDir:   "/etc/nginx/sites-enabled",
		runner:       runner,
	}
}

func (n *Nginx) fileName(s Site) string {
	return "deployctl-" + s.Name + ".conf"
}

// Apply writes and enables the site, validates the whole configuration and
// reloads Nginx. A configuration nginx rejects is reverted before returning.
func (n *Nginx) Apply(ctx context.Context, s Site) error {
	conf, err := Render(s)
	if err != nil {
		return err
	}

	path := filepath.Join(n.AvailableDir, n.fileName(s))
	link := filepath.Join(n.EnabledDir, n.fileName(s))

	previous, err := os.ReadFile(path)
	hadPrevious := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if hadPrevious && bytes.Equal(previous, conf) && linked(link, path) {
		log.Info("nginx site %s is up to date", path)
		return nil
	}

	if err := os.MkdirAll(n.AvailableDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(n.EnabledDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, conf, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if !linked(link, path) {
		_ = os.Remove(link)
		if err := os.Symlink(path, link); err != nil {
			return fmt.Errorf("enabling %s: %w", path, err)
		}
	}

	if out, err := n.runner.Run(ctx, shell.Command{Name: "nginx", Args: []string{"-t"}}); err != nil {
		log.Error("nginx rejected the configuration, reverting %s", path)
		if hadPrevious {
			_ = os.WriteFile(path, previous, 0o644)
		} else {
			_ = os.Remove(link)
			_ = os.Remove(path)
		}
		return fmt.Errorf("nginx -t: %w\n%s", err, out)
	}

	if _, err := n.runner.Run(ctx, shell.Command{Name: "systemctl", Args: []string{"reload", "nginx"}}); err != nil {
		return fmt.Errorf("reloading nginx: %w", err)
	}
	log.Success("nginx now proxies %s to 127.0.0.1:%d", s.withDefaults().ServerName, s.Port)
	return nil
}

func linked(link, target string) bool {
	dest, err := os.Readlink(link)
	return err == nil && dest == target
}
