package cmd

import (
	"github.com/obra/overstory/internal/oserr"
)

// exitCode maps an error to the process exit code: 1 for input problems,
// 2 for everything else.
func exitCode(err error) int {
	if oserr.IsValidation(err) {
		return 1
	}
	return 2
}
