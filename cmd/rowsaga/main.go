// Command rowsaga inspects the lookup rows, claims and inconsistency log
// maintained by rowsaga.
package main

import (
	"fmt"
	"os"

	"github.com/jacentio/rowsaga/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
