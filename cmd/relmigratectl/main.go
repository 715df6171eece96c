// Command relmigratectl is the standalone operator/test tool for the
// migration engine: it drives an Engine against a recorded or
// live wire stream and maps the engine's typed errors onto the exit
// codes external tooling expects.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/relmigrate/relmigrate/engine"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an engine error onto the exit codes a standalone
// testing tool is expected to use: 0 success, 1 protocol mismatch, 2
// resource exhaustion, 3 transport error. Anything else (flag parsing,
// file-not-found) falls back to 1.
func exitCodeFor(err error) int {
	var protoErr *engine.ProtocolError
	if errors.As(err, &protoErr) {
		return 1
	}

	var resErr *engine.ResourceExhaustedError
	if errors.As(err, &resErr) {
		return 2
	}

	var transErr *engine.TransportError
	if errors.As(err, &transErr) {
		return 3
	}

	return 1
}
