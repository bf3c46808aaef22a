package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacentio/rowsaga/reconcile"
)

// InconsistenciesOptions holds flags for the inconsistencies commands.
type InconsistenciesOptions struct {
	*RootOptions
	Day string
}

// InconsistencyResult is one entry of the JSON output of inconsistencies list.
type InconsistencyResult struct {
	ID    string    `json:"id"`
	Saga  string    `json:"saga"`
	Step  string    `json:"step"`
	Cause string    `json:"cause,omitempty"`
	At    time.Time `json:"at"`
}

// NewInconsistenciesCommand creates the inconsistencies command group.
func NewInconsistenciesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InconsistenciesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inconsistencies",
		Short: "List or resolve compensations that could not be applied",
	}
	cmd.PersistentFlags().StringVar(&opts.Day, "day", "", "UTC day as YYYY-MM-DD (default today)")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List the inconsistencies recorded on a day",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListInconsistencies(opts, cmd)
		},
	}
	resolve := &cobra.Command{
		Use:           "resolve ID",
		Short:         "Remove a repaired inconsistency from the log",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolveInconsistency(opts, cmd, args[0])
		},
	}
	cmd.AddCommand(list, resolve)
	return cmd
}

func (o *InconsistenciesOptions) day() (time.Time, error) {
	if o.Day == "" {
		return time.Now().UTC(), nil
	}
	d, err := time.Parse(reconcile.DayLayout, o.Day)
	if err != nil {
		return time.Time{}, WrapExitError(ExitCommandError, "invalid --day", err)
	}
	return d, nil
}

func runListInconsistencies(opts *InconsistenciesOptions, cmd *cobra.Command) error {
	day, err := opts.day()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := reconcile.NewTableRecorder(s.rows, s.cfg.StoreConfig()).List(ctx, day)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list inconsistencies", err)
	}

	results := make([]InconsistencyResult, 0, len(entries))
	for _, e := range entries {
		r := InconsistencyResult{ID: e.ID, Saga: e.Saga, Step: e.Step, At: e.At}
		if e.Cause != nil {
			r.Cause = e.Cause.Error()
		}
		results = append(results, r)
	}
	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(results, func(w io.Writer) {
		if len(results) == 0 {
			fmt.Fprintf(w, "no inconsistencies on %s\n", day.Format(reconcile.DayLayout))
			return
		}
		for _, r := range results {
			fmt.Fprintf(w, "%s  %s  %s / %s: %s\n", r.At.Format(time.RFC3339), r.ID, r.Saga, r.Step, r.Cause)
		}
	})
}

func runResolveInconsistency(opts *InconsistenciesOptions, cmd *cobra.Command, id string) error {
	day, err := opts.day()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := reconcile.NewTableRecorder(s.rows, s.cfg.StoreConfig()).Resolve(ctx, day, id); err != nil {
		return WrapExitError(ExitFailure, "failed to resolve "+id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "resolved %s\n", id)
	return nil
}
