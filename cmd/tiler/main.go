// Command tiler is the proxy-balancer's entrypoint. It dispatches to one of
// three subcommands (§6 "CLI"): init (bootstrap directories and databases),
// serve (full proxy, optionally master mode), serve-cache (read-only cache
// + static file server). CLI parsing is explicitly out of scope for the
// request-routing core (§1), so this stays on os.Args/flag rather than a
// CLI framework — no pack example pulls one in for a three-subcommand tool.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "serve-cache":
		err = runServeCache(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "tiler:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tiler <init|serve|serve-cache> [flags]")
}
