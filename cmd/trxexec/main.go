// trxexec applies blocks of transactions to a ledger and prints transaction traces.
package main

import (
	"fmt"
	"os"
)

var (
	version string
	commit  string
	branch  string
)

func main() {
	root := newRootCmd()
	root.Version = fmt.Sprintf("%s+%s+%s", version, commit, branch)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
