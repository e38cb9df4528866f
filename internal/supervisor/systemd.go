package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"deployctl/internal/failfast"
	"deployctl/internal/shell"
)

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=deployctl managed service ({{.Name}})
After=network.target

[Service]
Type=simple
WorkingDirectory={{.Dir}}
ExecStart={{.Interpreter}} {{.EntryFile}}
Restart=on-failure
Environment=NODE_ENV=production
{{- range .EnvLines}}
Environment={{.}}
{{- end}}

[Install]
WantedBy=multi-user.target
`))

// Systemd manages the process as a systemd unit.
type Systemd struct {
	unitDir     string
	interpreter string
	runner      shell.Runner
}

func NewSystemd(runner shell.Runner) *Systemd {
	return &Systemd{
		unitDir:     "/etc/systemd/system",
		interpreter: "/usr/bin/env node",
		runner:      runner,
	}
}

// WithUnitDir overrides where unit files are written.
func (s *Systemd) WithUnitDir(dir string) *Systemd {
	s.unitDir = dir
	return s
}

func unitName(name string) string {
	return fmt.Sprintf("deployctl-%s.service", name)
}

func (s *Systemd) systemctl(ctx context.Context, args ...string) (string, error) {
	return s.runner.Run(ctx, shell.Command{Name: "systemctl", Args: args})
}

func (s *Systemd) Stop(ctx context.Context, name string) error {
	unit := unitName(name)
	for _, verb := range []string{"stop", "disable"} {
		out, err := s.systemctl(ctx, verb, unit)
		switch {
		case err == nil:
			log.Info("systemctl %s %s", verb, unit)
		case gone(out, err):
			log.Info("systemctl %s: %s not loaded", verb, unit)
		default:
			return fmt.Errorf("systemctl %s %s: %w", verb, unit, err)
		}
	}
	return nil
}

func (s *Systemd) Start(ctx context.Context, proc Process) error {
	unit := unitName(proc.Name)
	path := filepath.Join(s.unitDir, unit)

	var buf bytes.Buffer
	err := unitTemplate.Execute(&buf, struct {
		Process
		Interpreter string
		EnvLines    []string
	}{proc, s.interpreter, shell.EnvList(proc.env())})
	if err != nil {
		return failfast.New(failfast.ProcessStartFailed, "rendering "+unit, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return failfast.New(failfast.ProcessStartFailed, "writing "+path, err)
	}

	if _, err := s.systemctl(ctx, "daemon-reload"); err != nil {
		return failfast.New(failfast.ProcessStartFailed, "daemon-reload", err)
	}
	// enabling persists the unit across reboots
	if _, err := s.systemctl(ctx, "enable", unit); err != nil {
		log.Warn("failed to enable %s: %v", unit, err)
	}
	if _, err := s.systemctl(ctx, "start", unit); err != nil {
		return failfast.New(failfast.ProcessStartFailed, "systemctl start "+unit, err)
	}

	log.Info("started %s on port %d", unit, proc.Port)
	return nil
}
