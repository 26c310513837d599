package util

import (
	"runtime"
	"strings"
	"testing"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("relies on POSIX shell utilities")
	}
}

func TestRunOutputTrims(t *testing.T) {
	skipOnWindows(t)
	out, err := RunOutput("", "echo", "hello")
	if err != nil {
		t.Fatalf("RunOutput: %v", err)
	}
	if out != "hello" {
		t.Errorf("got %q, want hello", out)
	}
}

func TestRunOutputSurfacesStderr(t *testing.T) {
	skipOnWindows(t)
	_, err := RunOutput("", "sh", "-c", "echo broken pipe >&2; exit 1")
	if err == nil {
		t.Fatal("want error")
	}
	if !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("error %q should carry stderr", err)
	}
}

func TestRunOutputWorkDir(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	out, err := RunOutput(dir, "sh", "-c", "basename \"$PWD\"")
	if err != nil {
		t.Fatalf("RunOutput: %v", err)
	}
	if !strings.Contains(dir, out) {
		t.Errorf("command ran in %q, want inside %q", out, dir)
	}
}

func TestRunFailure(t *testing.T) {
	skipOnWindows(t)
	if err := Run("", "false"); err == nil {
		t.Fatal("want error from failing command")
	}
}

func TestRunInput(t *testing.T) {
	skipOnWindows(t)
	out, err := RunInput("", "a\nb\n", "cat")
	if err != nil {
		t.Fatalf("RunInput: %v", err)
	}
	if out != "a\nb\n" {
		t.Errorf("RunInput should not trim: got %q", out)
	}
}
