package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jacentio/rowsaga/store"
	"github.com/jacentio/rowsaga/unique"
)

// ClaimOwnerOptions holds flags for the claim-owner command.
type ClaimOwnerOptions struct {
	*RootOptions
	Attribute   string
	Scope       string
	Values      []string
	ScopeValues []string
	Hash        string
}

// ClaimOwnerResult is the JSON output of the claim-owner command.
type ClaimOwnerResult struct {
	Hash      string `json:"hash"`
	Table     string `json:"table"`
	Partition string `json:"pk"`
	Row       string `json:"rk"`
}

// NewClaimOwnerCommand creates the claim-owner command.
func NewClaimOwnerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClaimOwnerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "claim-owner",
		Short: "Show which row holds a uniqueness claim",
		Long: `Show which row holds a uniqueness claim, either by its constraint
or by its hash as recorded in a row footprint.

Examples:
  rowsaga claim-owner --attribute email --scope user --value ann@x.io
  rowsaga claim-owner --attribute login --scope credential --value github --value ann
  rowsaga claim-owner --hash 5f0c...`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClaimOwner(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Attribute, "attribute", "", "constrained attribute")
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "constraint scope, usually the entity type")
	cmd.Flags().StringArrayVar(&opts.Values, "value", nil, "constrained value, repeat for composite constraints")
	cmd.Flags().StringArrayVar(&opts.ScopeValues, "scope-value", nil, "value narrowing the scope, e.g. a tenant id")
	cmd.Flags().StringVar(&opts.Hash, "hash", "", "claim hash instead of a constraint")
	cmd.MarkFlagsMutuallyExclusive("hash", "attribute")
	cmd.MarkFlagsOneRequired("hash", "attribute")

	return cmd
}

func runClaimOwner(opts *ClaimOwnerOptions, cmd *cobra.Command) error {
	hash := opts.Hash
	if hash == "" {
		if len(opts.Values) == 0 {
			return NewExitError(ExitCommandError, "--value is required with --attribute")
		}
		hash = unique.Constraint{
			Attribute:   opts.Attribute,
			Scope:       opts.Scope,
			Values:      opts.Values,
			ScopeValues: opts.ScopeValues,
		}.Hash()
	}

	ctx := cmd.Context()
	s, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	owner, err := unique.NewEnforcer(s.rows, s.cfg.StoreConfig(), s.logger).OwnerOfHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return WrapExitError(ExitFailure, "claim "+hash+" is free", err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read claim", err)
	}

	result := ClaimOwnerResult{Hash: hash, Table: owner.Table, Partition: owner.Partition, Row: owner.Row}
	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(result, func(w io.Writer) {
		fmt.Fprintf(w, "%s is held by %s\n", hash, owner)
	})
}
