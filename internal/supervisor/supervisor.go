// Package supervisor drives the process manager that keeps the deployed
// service running.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"deployctl/internal/logger"
	"deployctl/internal/shell"
)

var log = logger.PackageLogger("supervisor", "")

// Process is the managed service instance, found by Name.
type Process struct {
	Name      string
	EntryFile string
	Dir       string
	Port      int
	Env       map[string]string
}

func (p Process) env() map[string]string {
	env := make(map[string]string, len(p.Env)+1)
	for k, v := range p.Env {
		env[k] = v
	}
	env["PORT"] = strconv.Itoa(p.Port)
	return env
}

// Supervisor stops and starts the managed process. Stop is idempotent: a
// process that does not exist is not an error.
type Supervisor interface {
	Stop(ctx context.Context, name string) error
	Start(ctx context.Context, p Process) error
}

// New returns the adapter for kind ("pm2" or "systemd").
func New(kind string, runner shell.Runner) (Supervisor, error) {
	if runner == nil {
		runner = shell.Exec{}
	}
	switch kind {
	case "pm2":
		return NewPM2(runner), nil
	case "systemd":
		return NewSystemd(runner), nil
	}
	return nil, fmt.Errorf("unknown supervisor %q", kind)
}

// gone reports whether a failed stop step only means the process does not
// exist. A missing supervisor binary is a real failure.
func gone(output string, err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return false
	}
	return notFound(output)
}

func notFound(output string) bool {
	out := strings.ToLower(output)
	for _, s := range []string{"not found", "not loaded", "does not exist", "no such"} {
		if strings.Contains(out, s) {
			return true
		}
	}
	return false
}
