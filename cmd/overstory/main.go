// overstory is the CLI for orchestrating multi-agent coding sessions.
package main

import (
	"os"

	"github.com/obra/overstory/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
