package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jacentio/rowsaga/index"
	"github.com/jacentio/rowsaga/store"
)

// LookupOptions holds flags for the lookup command.
type LookupOptions struct {
	*RootOptions
	Scope  string
	Key    string
	Digest bool
}

// LookupResult is the JSON output of the lookup command.
type LookupResult struct {
	Table     string      `json:"table"`
	Partition string      `json:"pk"`
	Row       string      `json:"rk"`
	Members   []store.Ref `json:"members"`
}

// NewLookupCommand creates the lookup command.
func NewLookupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LookupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Show the members of a lookup row",
		Long: `Show the rows a lookup key currently points at.

Examples:
  rowsaga lookup --scope user.name --key Ann
  rowsaga lookup --scope credential.subject --key ann --digest --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Scope, "scope", "", "lookup scope, usually <type>.<index> (required)")
	_ = cmd.MarkFlagRequired("scope")
	cmd.Flags().StringVar(&opts.Key, "key", "", "indexed value (required)")
	_ = cmd.MarkFlagRequired("key")
	cmd.Flags().BoolVar(&opts.Digest, "digest", false, "hash the value as a digest index does")

	return cmd
}

func runLookup(opts *LookupOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	s, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	keys := index.Keys{Lookup: opts.Key, Scope: opts.Scope}
	if opts.Digest {
		digested, _ := index.Digest().Keys(opts.Key)
		keys.Lookup = digested.Lookup
	}

	m := index.NewMaintainer(s.rows, s.cfg.StoreConfig(), s.logger)
	members, err := m.Lookup(ctx, keys)
	if err != nil {
		return WrapExitError(ExitFailure, "lookup failed", err)
	}

	key := m.KeyFor(keys)
	result := LookupResult{
		Table:     key.Table,
		Partition: key.Partition,
		Row:       key.Row,
		Members:   slices.Collect(members),
	}
	if result.Members == nil {
		result.Members = []store.Ref{}
	}
	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(result, func(w io.Writer) {
		fmt.Fprintf(w, "%s (%d members)\n", key, len(result.Members))
		for _, ref := range result.Members {
			fmt.Fprintf(w, "  %s\n", ref)
		}
	})
}
