// Command syncharbor runs the multi-cloud file sync engine: a daemon that
// watches a local directory and one or more enrolled cloud accounts, and
// keeps them converged.
package main

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}
