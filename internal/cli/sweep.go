package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jacentio/rowsaga/reconcile"
	"github.com/jacentio/rowsaga/repo"
)

// SweepResult is the JSON output of the sweep command.
type SweepResult struct {
	Purged int `json:"purged"`
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired rows and release what they held",
		Long: `Purge the rows whose TTL has passed and release their uniqueness
claims, parent links and lookup entries. Only the memory and sqlite
backends need this; DynamoDB removes expired rows itself and the
stream-handler releases them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(rootOpts, cmd)
		},
	}
}

func runSweep(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	s, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	storeCfg := s.cfg.StoreConfig()
	svc := repo.NewServices(s.rows, storeCfg,
		repo.WithLogger(s.logger),
		repo.WithRecorder(reconcile.NewTableRecorder(s.rows, storeCfg)),
	)
	n, err := repo.NewJanitor(svc).Sweep(ctx)
	if errors.Is(err, repo.ErrNoSweeper) {
		return WrapExitError(ExitCommandError, "backend "+s.cfg.Backend+" purges expired rows itself", err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("purged %d rows before failing", n), err)
	}

	return newPrinter(opts, cmd.OutOrStdout()).print(SweepResult{Purged: n}, func(w io.Writer) {
		fmt.Fprintf(w, "purged %d expired rows\n", n)
	})
}
