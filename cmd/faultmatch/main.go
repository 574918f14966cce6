// faultmatch is a fault-case retrieval service for automotive diagnostics.
// It fuses keyword, semantic, and remote retrieval over a case knowledge
// base and routes each query to a direct answer, a gray-zone adjudication,
// or a rejection.
package main

import (
	"os"

	"github.com/autokb/faultmatch/cmd/faultmatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
