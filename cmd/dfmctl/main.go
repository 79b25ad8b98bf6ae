// Command dfmctl is a thin CLI wrapping pkg/client for the Process
// ingress: version, discover, process, responses and cancel.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
