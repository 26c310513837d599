package guard

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obra/overstory/internal/session"
)

// runGuard executes a guard snippet the way the hook host would: tool-call
// JSON on stdin, worker identity in the environment. Returns stdout.
func runGuard(t *testing.T, snippet, input string, env map[string]string) string {
	t.Helper()
	cmd := exec.Command("sh", "-c", snippet)
	cmd.Stdin = strings.NewReader(input)
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	out, err := cmd.Output()
	require.NoError(t, err, "guard must always exit zero")
	return string(out)
}

func workerEnv(worktree string) map[string]string {
	return map[string]string{EnvAgent: "builder-1", EnvWorktree: worktree}
}

func bashInput(command string) string {
	b, _ := json.Marshal(map[string]any{
		"tool_name":  "Bash",
		"tool_input": map[string]string{"command": command},
	})
	return string(b)
}

func writeInput(path string) string {
	b, _ := json.Marshal(map[string]any{
		"tool_name":  "Write",
		"tool_input": map[string]string{"file_path": path, "content": "x"},
	})
	return string(b)
}

func TestEnvironmentGate(t *testing.T) {
	// Without the worker variable every guard is a no-op, even on input it
	// would otherwise block.
	out := runGuard(t, editBlockGuard(), writeInput("/etc/passwd"), nil)
	assert.Empty(t, out)

	out = runGuard(t, shellDangerGuard("main"), bashInput("git reset --hard"), nil)
	assert.Empty(t, out)
}

func TestPathBoundaryGuard(t *testing.T) {
	wt := t.TempDir()
	env := workerEnv(wt)

	out := runGuard(t, pathBoundaryGuard(), writeInput(filepath.Join(wt, "main.go")), env)
	assert.Empty(t, out, "path inside worktree allowed")

	out = runGuard(t, pathBoundaryGuard(), writeInput(wt), env)
	assert.Empty(t, out, "the worktree root itself is allowed")

	out = runGuard(t, pathBoundaryGuard(), writeInput("/etc/passwd"), env)
	assert.Contains(t, out, `"decision":"block"`)

	// A sibling directory sharing the prefix must not slip through.
	out = runGuard(t, pathBoundaryGuard(), writeInput(wt+"-evil/main.go"), env)
	assert.Contains(t, out, `"decision":"block"`)
}

func TestShellDangerGuard(t *testing.T) {
	snippet := strings.ReplaceAll(shellDangerGuard("main"), AgentNamePlaceholder, "builder-1")
	env := workerEnv("/wt")

	assert.Contains(t, runGuard(t, snippet, bashInput("git push origin main"), env), "canonical")
	assert.Empty(t, runGuard(t, snippet, bashInput("git push origin overstory/builder-1/os-1"), env))

	assert.Contains(t, runGuard(t, snippet, bashInput("git reset --hard HEAD~1"), env), "block")

	assert.Empty(t, runGuard(t, snippet, bashInput("git checkout -b overstory/builder-1/os-7"), env))
	assert.Contains(t, runGuard(t, snippet, bashInput("git checkout -b quickfix"), env), "overstory/")
	assert.Contains(t, runGuard(t, snippet, bashInput("git checkout -b overstory/other-agent/os-7"), env), "overstory/")
}

func TestWhitelistBeatsDangerPatterns(t *testing.T) {
	snippet := shellWhitelistGuard(false)
	env := workerEnv("/wt")

	// Allowed prefixes pass even when a later token looks dangerous.
	assert.Empty(t, runGuard(t, snippet, bashInput("git log --all -- rm"), env))
	assert.Empty(t, runGuard(t, snippet, bashInput("go test ./..."), env))
	assert.Empty(t, runGuard(t, snippet, bashInput("ls -la"), env))

	assert.Contains(t, runGuard(t, snippet, bashInput("rm -rf build"), env), "block")
	assert.Contains(t, runGuard(t, snippet, bashInput("sed -i s/a/b/ main.go"), env), "block")
	assert.Contains(t, runGuard(t, snippet, bashInput("git commit -m wip"), env), "block")
	assert.Contains(t, runGuard(t, snippet, bashInput("python -e 'print(1)'"), env), "block")

	// Neither whitelisted nor dangerous: allowed.
	assert.Empty(t, runGuard(t, snippet, bashInput("date"), env))
}

func TestCoordinationRolesMayCommit(t *testing.T) {
	snippet := shellWhitelistGuard(true)
	env := workerEnv("/wt")

	assert.Empty(t, runGuard(t, snippet, bashInput("git add -A"), env))
	assert.Empty(t, runGuard(t, snippet, bashInput("git commit -m checkpoint"), env))
	assert.Contains(t, runGuard(t, snippet, bashInput("git push origin main"), env), "block")
}

func TestShellPathBoundaryGuard(t *testing.T) {
	wt := t.TempDir()
	env := workerEnv(wt)
	snippet := shellPathBoundaryGuard()

	assert.Empty(t, runGuard(t, snippet, bashInput("cat "+filepath.Join(wt, "go.mod")), env))
	assert.Empty(t, runGuard(t, snippet, bashInput("cp notes.txt /tmp/scratch"), env))
	assert.Empty(t, runGuard(t, snippet, bashInput("cat /dev/null"), env))
	assert.Empty(t, runGuard(t, snippet, bashInput("go test ./..."), env))

	assert.Contains(t, runGuard(t, snippet, bashInput("cat /etc/passwd"), env), "block")
	assert.Contains(t, runGuard(t, snippet, bashInput("cp secrets /home/user/out"), env), "block")
}

func TestBundleOverlaysByCapability(t *testing.T) {
	readOnly := Bundle(session.CapScout, "main")
	impl := Bundle(session.CapBuilder, "main")

	flat := func(s *Settings) string {
		var b strings.Builder
		for _, m := range s.Hooks["PreToolUse"] {
			for _, h := range m.Hooks {
				b.WriteString(m.Matcher + "\n" + h.Command + "\n")
			}
		}
		return b.String()
	}

	assert.Contains(t, flat(readOnly), "read-only")
	assert.NotContains(t, flat(impl), "read-only")
	assert.Contains(t, flat(impl), "file_path")
	assert.Contains(t, flat(readOnly), "Task", "team tools blocked for every role")
	assert.Contains(t, flat(impl), "Task")
}

func TestRenderExpandsAgentName(t *testing.T) {
	s := Render(Bundle(session.CapBuilder, "main"), "builder-7")
	for _, m := range s.Hooks["PreToolUse"] {
		for _, h := range m.Hooks {
			assert.NotContains(t, h.Command, AgentNamePlaceholder)
		}
	}
	// The original bundle keeps its placeholder.
	raw := Bundle(session.CapBuilder, "main")
	found := false
	for _, m := range raw.Hooks["PreToolUse"] {
		for _, h := range m.Hooks {
			if strings.Contains(h.Command, AgentNamePlaceholder) {
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestDeployWritesOverlay(t *testing.T) {
	wt := t.TempDir()
	path, err := Deploy(wt, "builder-1", session.CapBuilder, "main")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wt, ".claude", "settings.local.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var s Settings
	require.NoError(t, json.Unmarshal(data, &s))
	assert.NotEmpty(t, s.Hooks["PreToolUse"])
	assert.NotContains(t, string(data), AgentNamePlaceholder)
}
