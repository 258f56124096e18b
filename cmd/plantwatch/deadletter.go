package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/spf13/cobra"
)

func newDeadLetterCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and reprocess evaluation records that exhausted delivery",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered evaluation records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			store, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			letters, err := store.ListDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writePretty(cmd.OutOrStdout(), letters)
			}
			printDeadLetters(cmd.OutOrStdout(), letters)
			return nil
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print full records as JSON")

	var timeout time.Duration
	requeue := &cobra.Command{
		Use:   "requeue <request-id>...",
		Short: "Redeliver dead-lettered records with a fresh attempt budget",
		Long: `Pushes each record back through the evaluation queue with its attempt
counter reset. The dead-letter entry is removed once the record is scored and
stored; a record that fails again is dead-lettered again.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequeue(cmd.Context(), flags, args, timeout, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	requeue.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for redelivery")

	cmd.AddCommand(list, requeue)
	return cmd
}

func runRequeue(ctx context.Context, flags *globalFlags, ids []string, timeout time.Duration, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, stderr)

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.close(ctx) }()

	q, err := a.newQueue()
	if err != nil {
		return err
	}
	q.Start()

	for _, id := range ids {
		dl, err := a.store.GetDeadLetter(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				fmt.Fprintf(stdout, "%s: not dead-lettered\n", id)
				continue
			}
			return err
		}
		q.Requeue(ctx, dl.Record)
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := q.Stop(stopCtx); err != nil {
		logger.Warn("requeue timed out", "error", err)
	}

	var failed int
	for _, id := range ids {
		dl, err := a.store.GetDeadLetter(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			fmt.Fprintf(stdout, "%s: delivered\n", id)
		case err != nil:
			return err
		default:
			failed++
			fmt.Fprintf(stdout, "%s: still dead-lettered after %d attempts: %s\n", id, dl.Attempts, dl.LastError)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d record(s) could not be redelivered", failed)
	}
	return nil
}

func printDeadLetters(w io.Writer, letters []domain.DeadLetter) {
	if len(letters) == 0 {
		fmt.Fprintln(w, "No dead-lettered records")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST ID\tPLANT\tATTEMPTS\tDEAD AT\tLAST ERROR")
	for _, dl := range letters {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			dl.Record.RequestID,
			dl.Record.PlantType,
			dl.Attempts,
			dl.DeadAt.Format(time.RFC3339),
			dl.LastError,
		)
	}
	_ = tw.Flush()
}
