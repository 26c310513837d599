package util

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// RunOutput runs a command in workDir and returns trimmed stdout.
// On failure the error message carries stderr when present, which is
// almost always more useful than "exit status 1".
func RunOutput(workDir, name string, args ...string) (string, error) {
	c := exec.Command(name, args...) //nolint:gosec // G204: callers validate args
	c.Dir = workDir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %s", name, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Run runs a command in workDir, discarding stdout.
func Run(workDir, name string, args ...string) error {
	_, err := RunOutput(workDir, name, args...)
	return err
}

// RunInput runs a command in workDir feeding input on stdin and returns
// trimmed stdout. Used for the merge resolver helper, which takes its
// prompt on stdin and writes the resolved file to stdout.
func RunInput(workDir, input, name string, args ...string) (string, error) {
	c := exec.Command(name, args...) //nolint:gosec // G204: callers validate args
	c.Dir = workDir
	c.Stdin = strings.NewReader(input)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %s", name, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return stdout.String(), nil
}
