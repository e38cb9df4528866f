package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) runDeploy(cmd *cobra.Command, _ []string) error {
	if err := a.cfg.ValidateDeploy(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	unlock, err := a.lock()
	if err != nil {
		return err
	}
	defer unlock()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}

	infoColor.Fprintf(cmd.ErrOrStderr(), "Starting deployment of %s at %s\n", a.cfg.Name, time.Now().Format(time.RFC1123))
	if !a.cfg.Rollback {
		warnColor.Fprintln(cmd.ErrOrStderr(), "Rollback is disabled: a failed deployment will be left in place")
	}

	attempt, err := orch.Deploy(ctx, a.cfg.ZipFile)
	if err != nil {
		return err
	}
	successColor.Fprintf(cmd.ErrOrStderr(), "%s is live on port %d (attempt %s)\n", a.cfg.Name, a.cfg.Port, attempt.ID)
	return nil
}
