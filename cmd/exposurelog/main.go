// Command exposurelog runs and administers the exposure log service.
package main

import (
	"fmt"
	"os"

	"github.com/lsst-sqre/exposurelog/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
