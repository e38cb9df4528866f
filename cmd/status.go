package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"deployctl/internal/config"
	"deployctl/internal/journal"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last deployment attempt and the available backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.status(cmd.OutOrStdout(), time.Now())
		},
	}
}

func (a *app) status(out io.Writer, now time.Time) error {
	cfg := a.cfg
	rec, err := journal.New(cfg.StateDir, cfg.Name).Load()
	if err != nil {
		return err
	}
	snaps, err := a.backups(config.Ownership{}).List(cfg.DeployPath)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "process\t%s\n", cfg.Name)
	fmt.Fprintf(w, "path\t%s\n", cfg.DeployPath)

	if rec == nil {
		fmt.Fprintf(w, "last attempt\tnone recorded\n")
	} else {
		fmt.Fprintf(w, "last attempt\t%s\n", rec.ID)
		fmt.Fprintf(w, "source\t%s\n", rec.Source)
		fmt.Fprintf(w, "phase\t%s\n", rec.Phase)
		fmt.Fprintf(w, "outcome\t%s\n", outcomeLabel(rec))
		fmt.Fprintf(w, "started\t%s\n", rec.StartedAt.Local().Format(time.DateTime))
		if !rec.FinishedAt.IsZero() {
			fmt.Fprintf(w, "took\t%s\n", rec.FinishedAt.Sub(rec.StartedAt).Round(time.Second))
		}
		if rec.Error != "" {
			fmt.Fprintf(w, "error\t%s\n", rec.Error)
		}
	}

	fmt.Fprintf(w, "backups\t%d (retention %s)\n", len(snaps), cfg.Retention)
	for _, s := range snaps {
		age := s.Age(now)
		marker := ""
		if age > cfg.Retention {
			marker = " expired"
		}
		fmt.Fprintf(w, "\t%s\t%s ago%s\n", s.Path, age.Round(time.Minute), marker)
	}
	return w.Flush()
}

func outcomeLabel(rec *journal.Record) string {
	switch {
	case !rec.Terminal:
		return warnColor.Sprint("in progress or interrupted")
	case rec.Outcome == "success":
		return successColor.Sprint(rec.Outcome)
	case rec.Outcome == "rolled_back":
		return color.New(color.FgYellow).Sprint(rec.Outcome)
	}
	return errorColor.Sprint(rec.Outcome)
}
