package supervisor

import (
	"context"
	"fmt"

	"deployctl/internal/failfast"
	"deployctl/internal/shell"
)

// PM2 manages the process with the pm2 CLI.
type PM2 struct {
	bin    string
	runner shell.Runner
}

func NewPM2(runner shell.Runner) *PM2 {
	return &PM2{bin: "pm2", runner: runner}
}

func (p *PM2) Stop(ctx context.Context, name string) error {
	for _, verb := range []string{"stop", "delete"} {
		out, err := p.runner.Run(ctx, shell.Command{Name: p.bin, Args: []string{verb, name}})
		switch {
		case err == nil:
			log.Info("pm2 %s %s", verb, name)
		case gone(out, err):
			log.Info("pm2 %s: process %s not found", verb, name)
		default:
			return fmt.Errorf("pm2 %s %s: %w", verb, name, err)
		}
	}
	return nil
}

func (p *PM2) Start(ctx context.Context, proc Process) error {
	cmd := shell.Command{
		Name: p.bin,
		Args: []string{"start", proc.EntryFile, "--name", proc.Name, "--cwd", proc.Dir, "--update-env"},
		Dir:  proc.Dir,
		Env:  proc.env(),
	}
	if _, err := p.runner.Run(ctx, cmd); err != nil {
		return failfast.New(failfast.ProcessStartFailed, "pm2 start "+proc.Name, err)
	}
	log.Info("started %s on port %d", proc.Name, proc.Port)

	// persist the process list so a pm2 resurrect brings it back
	if _, err := p.runner.Run(ctx, shell.Command{Name: p.bin, Args: []string{"save"}}); err != nil {
		log.Warn("pm2 save failed: %v", err)
	}
	return nil
}
