package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pepperpark/mailshift/internal/jobs"
)

const defaultStore = "mailshift-jobs.json"

func newJobsCmd() *cobra.Command {
	var storePath string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled migration jobs",
	}
	cmd.PersistentFlags().StringVar(&storePath, "store", defaultStore, "Job store (.json, or .db/.sqlite for SQLite)")

	withStore := func(fn func(ctx context.Context, st jobs.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			st, err := jobs.OpenStore(storePath)
			if err != nil {
				return err
			}
			defer st.Close()
			return fn(cmd.Context(), st, args)
		}
	}

	var (
		jobType  string
		cfgFile  string
		cronExpr string
		every    string
		disabled bool
	)
	addCmd := &cobra.Command{
		Use:   "add ID",
		Short: "Add or replace a job",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, st jobs.Store, args []string) error {
			reg := jobs.DefaultRegistry()
			h, err := reg.Lookup(jobType)
			if err != nil {
				return err
			}
			abs, err := filepath.Abs(cfgFile)
			if err != nil {
				return err
			}
			if _, err := h.LoadConfig(abs); err != nil {
				return err
			}
			rec := jobs.Record{
				ID:         args[0],
				Type:       jobType,
				ConfigFile: abs,
				Cron:       cronExpr,
				Interval:   every,
				Enabled:    !disabled,
				Created:    time.Now().UTC(),
				Status:     jobs.StatusIdle,
			}
			if err := jobs.ValidateSchedule(rec); err != nil {
				return err
			}
			if err := st.Put(ctx, rec); err != nil {
				return err
			}
			fmt.Printf("Added %s (%s, %s)\n", rec.ID, rec.Type, rec.Schedule())
			return nil
		}),
	}
	addCmd.Flags().StringVar(&jobType, "type", "", "Job type, e.g. imap_to_gmail")
	addCmd.Flags().StringVar(&cfgFile, "config", "", "Job config YAML")
	addCmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression")
	addCmd.Flags().StringVar(&every, "every", "", "Interval, e.g. 30m")
	addCmd.Flags().BoolVar(&disabled, "disabled", false, "Add the job disabled")
	_ = addCmd.MarkFlagRequired("type")
	_ = addCmd.MarkFlagRequired("config")
	addCmd.MarkFlagsMutuallyExclusive("cron", "every")
	addCmd.MarkFlagsOneRequired("cron", "every")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, st jobs.Store, _ []string) error {
			recs, err := st.List(ctx)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSCHEDULE\tENABLED\tSTATUS\tLAST RUN\tLAST ERROR")
			for _, r := range recs {
				last := "-"
				if r.LastRun != nil {
					last = r.LastRun.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\t%s\n", r.ID, r.Type, r.Schedule(), r.Enabled, r.Status, last, r.LastError)
			}
			return w.Flush()
		}),
	}

	removeCmd := &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, st jobs.Store, args []string) error {
			return st.Delete(ctx, args[0])
		}),
	}

	setEnabled := func(enabled bool) func(context.Context, jobs.Store, []string) error {
		return func(ctx context.Context, st jobs.Store, args []string) error {
			return jobs.Update(ctx, st, args[0], func(r *jobs.Record) error {
				r.Enabled = enabled
				return nil
			})
		}
	}
	enableCmd := &cobra.Command{
		Use:   "enable ID",
		Short: "Enable a job",
		Args:  cobra.ExactArgs(1),
		RunE:  withStore(setEnabled(true)),
	}
	disableCmd := &cobra.Command{
		Use:   "disable ID",
		Short: "Disable a job",
		Args:  cobra.ExactArgs(1),
		RunE:  withStore(setEnabled(false)),
	}

	runCmd := &cobra.Command{
		Use:   "run ID",
		Short: "Run a job now and record the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, st jobs.Store, args []string) error {
			s := jobs.NewScheduler(st, jobs.DefaultRegistry())
			sum, err := s.RunNow(ctx, args[0])
			if errors.Is(err, jobs.ErrNotFound) {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			fmt.Print(sum.String())
			return err
		}),
	}

	for _, c := range []*cobra.Command{addCmd, listCmd, removeCmd, enableCmd, disableCmd, runCmd} {
		c.SilenceUsage = true
		cmd.AddCommand(c)
	}
	return cmd
}

func newServeCmd() *cobra.Command {
	var storePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run enabled jobs on their schedules until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := jobs.OpenStore(storePath)
			if err != nil {
				return err
			}
			defer st.Close()

			s := jobs.NewScheduler(st, jobs.DefaultRegistry())
			if err := s.Reload(ctx); err != nil {
				log.Printf("[serve] %v", err)
			}
			s.Start(ctx)
			defer s.Stop()
			log.Printf("[serve] watching %s", storePath)

			err = jobs.WatchStore(ctx, storePath, 500*time.Millisecond, func() {
				if err := s.Reload(ctx); err != nil {
					log.Printf("[serve] reload: %v", err)
				}
			})
			log.Printf("[serve] stopping")
			return err
		},
	}
	cmd.SilenceUsage = true
	cmd.Flags().StringVar(&storePath, "store", defaultStore, "Job store (.json, or .db/.sqlite for SQLite)")
	return cmd
}
