// Package shell runs external commands (npm, pm2, systemctl, nginx) on
// behalf of the deployment steps.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"deployctl/internal/logger"
)

var log = logger.PackageLogger("shell", "")

// Command describes one invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is added on top of the current environment.
	Env map[string]string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes commands and returns their combined output.
type Runner interface {
	Run(ctx context.Context, cmd Command) (string, error)
}

// Exec runs commands with os/exec.
type Exec struct{}

func (Exec) Run(ctx context.Context, c Command) (string, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), EnvList(c.Env)...)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log.Debug("$ %s", c)
	err := cmd.Run()
	output := out.String()
	if err != nil {
		return output, fmt.Errorf("%s: %w: %s", c, err, lastLines(output, 5))
	}
	return output, nil
}

// Split turns a configured command line such as "npm ci --omit=dev" into a
// Command. Quoting is not supported; configure a script for anything more.
func Split(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	return Command{Name: fields[0], Args: fields[1:]}, nil
}

// EnvList renders env as sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
