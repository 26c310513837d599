//go:build windows

package watchdog

import "os"

// processAlive is best-effort on Windows: FindProcess only fails for
// processes that are already gone.
func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
