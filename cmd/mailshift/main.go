package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/term"

	"github.com/pepperpark/mailshift/internal/auth"
	"github.com/pepperpark/mailshift/internal/config"
	"github.com/pepperpark/mailshift/internal/imapmail"
	"github.com/pepperpark/mailshift/internal/imaputil"
	"github.com/pepperpark/mailshift/internal/jobs"
	"github.com/pepperpark/mailshift/internal/migrate"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mailshift",
		Short: "mailshift - move mail between IMAP, MBOX and Gmail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var showVersion bool
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Printf("mailshift %s", version)
			if commit != "" {
				fmt.Printf(" (%s)", commit)
			}
			if date != "" {
				fmt.Printf(" built %s", date)
			}
			fmt.Println()
			os.Exit(0)
		}
	}

	rootCmd.AddCommand(newMigrateCmd(), newMailboxesCmd(), newJobsCmd(), newServeCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// migrate command options
type migrateOptions struct {
	job           string
	dryRun        bool
	noTUI         bool
	yes           bool
	verbose       bool
	jsonOut       bool
	srcPassPrompt bool
	dstPassPrompt bool
}

func newMigrateCmd() *cobra.Command {
	o := &migrateOptions{}
	cmd := &cobra.Command{
		Use:   "migrate CONFIG",
		Short: "Run one migration described by a YAML config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), args[0], o)
		},
	}
	cmd.SilenceUsage = true
	cmd.Flags().StringVar(&o.job, "job", "", "Job type (default: inferred from the config)")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Don't transfer or delete, just report what would happen")
	cmd.Flags().BoolVar(&o.noTUI, "no-tui", false, "Print logs instead of the progress UI")
	cmd.Flags().BoolVar(&o.yes, "yes", false, "Don't ask before deleting without verification")
	cmd.Flags().BoolVar(&o.verbose, "verbose", false, "Enable per-message logs")
	cmd.Flags().BoolVar(&o.jsonOut, "json", false, "Print the run summary as JSON")
	cmd.Flags().BoolVar(&o.srcPassPrompt, "src-pass-prompt", false, "Prompt for source IMAP password (no echo)")
	cmd.Flags().BoolVar(&o.dstPassPrompt, "dst-pass-prompt", false, "Prompt for destination IMAP password (no echo)")
	return cmd
}

func runMigrate(ctx context.Context, path string, o *migrateOptions) error {
	reg := jobs.DefaultRegistry()
	name := o.job
	if name == "" {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		name = cfg.Job
	}
	h, err := reg.Lookup(name)
	if err != nil {
		return err
	}
	cfg, err := h.LoadConfig(path)
	if err != nil {
		return err
	}
	if o.dryRun {
		cfg.Options.DryRun = true
	}
	if err := promptPasswords(cfg, o); err != nil {
		return err
	}

	useTUI := !o.noTUI && term.IsTerminal(int(os.Stdout.Fd()))
	opts := cfg.Options
	if opts.DeleteAfterTransfer && !opts.SafetyMode && !opts.DryRun && !o.yes {
		if !useTUI {
			return errors.New("deleting without verification needs --yes when the progress UI is off")
		}
		ok, err := runConfirmTUI("Delete without verification?", deleteSummary(cfg))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg.Options.Quiet = !o.verbose
	if useTUI && !o.verbose {
		log.SetOutput(io.Discard)
		defer log.SetOutput(os.Stderr)
	}

	sess, err := h.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	var sum migrate.Summary
	if useTUI {
		sum, err = runTUI(ctx, sess)
	} else {
		go func() {
			for range sess.Migrator.Events() {
			}
		}()
		sum, err = sess.Run(ctx)
	}
	printSummary(sum, o.jsonOut)
	return err
}

func promptPasswords(cfg *config.Config, o *migrateOptions) error {
	if o.srcPassPrompt && cfg.Source.Kind == config.KindIMAP && cfg.Source.Password == "" {
		p, err := readPassword("Source password: ")
		if err != nil {
			return fmt.Errorf("read source password: %w", err)
		}
		cfg.Source.Password = p
	}
	if o.dstPassPrompt && cfg.Destination.Kind == config.KindIMAP && cfg.Destination.Password == "" {
		p, err := readPassword("Destination password: ")
		if err != nil {
			return fmt.Errorf("read destination password: %w", err)
		}
		cfg.Destination.Password = p
	}
	return nil
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func deleteSummary(cfg *config.Config) string {
	return fmt.Sprintf("Source:       %s\nDestination:  %s\nQuery:        %s\n\n"+
		"Messages are deleted from the source right after each batch,\n"+
		"without checking that they arrived at the destination.",
		cfg.Source, cfg.Destination, cfg.Options.SearchQuery)
}

func printSummary(sum migrate.Summary, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
		return
	}
	fmt.Print(sum.String())
}

func newMailboxesCmd() *cobra.Command {
	var passPrompt bool
	cmd := &cobra.Command{
		Use:   "mailboxes CONFIG",
		Short: "List the mailboxes of an IMAP source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if cfg.Source.Kind != config.KindIMAP {
				return fmt.Errorf("source %s is not an IMAP account", cfg.Source)
			}
			if err := promptPasswords(cfg, &migrateOptions{srcPassPrompt: passPrompt}); err != nil {
				return err
			}
			var tokens oauth2.TokenSource
			if cfg.Source.Auth == config.AuthXOAuth2 {
				tokens, err = auth.TokenSource(cmd.Context(), cfg.Source.String(), cfg.Source.CredentialsFile, cfg.Source.TokenFile, auth.GmailIMAPScope)
				if err != nil {
					return err
				}
			}
			c, err := imapmail.Connect(cmd.Context(), cfg.Source, tokens)
			if err != nil {
				return err
			}
			defer c.Logout()
			boxes, err := imaputil.ListMailboxes(cmd.Context(), c)
			if err != nil {
				return fmt.Errorf("list mailboxes: %w", err)
			}
			for _, b := range boxes {
				fmt.Println(b)
			}
			return nil
		},
	}
	cmd.SilenceUsage = true
	cmd.Flags().BoolVar(&passPrompt, "src-pass-prompt", false, "Prompt for source IMAP password (no echo)")
	return cmd
}
