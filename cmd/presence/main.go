// Command presence runs the proximity attendance engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/presence/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
