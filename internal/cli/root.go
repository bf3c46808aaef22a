// Package cli implements the rowsaga operator commands.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jacentio/rowsaga/internal/config"
	"github.com/jacentio/rowsaga/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the rowsaga CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rowsaga",
		Short: "Inspect and maintain the rows kept by rowsaga",
		Long: `Inspect lookup rows, uniqueness claims and the log of failed
compensations kept beside your entity tables, and purge expired rows.

Configuration is read from --config and ROWSAGA_* environment variables.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewLookupCommand(opts))
	cmd.AddCommand(NewClaimOwnerCommand(opts))
	cmd.AddCommand(NewInconsistenciesCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}

// session is an opened store with its configuration.
type session struct {
	cfg    config.Config
	rows   store.RowStore
	logger *zap.Logger
	close  func() error
}

func (o *RootOptions) open(ctx context.Context) (*session, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	rows, closeFn, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return &session{cfg: cfg, rows: rows, logger: logger, close: closeFn}, nil
}

func (s *session) Close() {
	if err := s.close(); err != nil {
		s.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = s.logger.Sync()
}
