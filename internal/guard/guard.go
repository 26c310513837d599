// Package guard generates the PreToolUse hook bundle deployed into each
// worker's worktree as a settings overlay.
//
// Guards are small POSIX shell snippets. Each reads the tool-call JSON on
// standard input and prints {"decision":"block","reason":...} to reject the
// call; printing nothing allows it. The snippets are deliberately jq-free,
// extracting fields with line-oriented tools only, so they run on any box
// with a stock shell.
//
// Every guard opens with the same environment gate: when the worker
// environment variable is unset the guard exits zero immediately, so the
// overlay is inert in the user's own assistant session.
package guard

import (
	"path/filepath"
	"strings"

	"github.com/obra/overstory/internal/session"
	"github.com/obra/overstory/internal/util"
)

// Environment variables every spawned worker carries. The guards key off
// these, so the spawner must set both in the worker's session.
const (
	EnvAgent    = "OVERSTORY_AGENT"
	EnvWorktree = "OVERSTORY_WORKTREE"
)

// AgentNamePlaceholder is expanded at deploy time.
const AgentNamePlaceholder = "{{AGENT_NAME}}"

// Hook is one hook registration in the settings overlay.
type Hook struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// Matcher binds hooks to the tools they fire on.
type Matcher struct {
	Matcher string `json:"matcher"`
	Hooks   []Hook `json:"hooks"`
}

// Settings is the overlay file shape the host assistant reads.
type Settings struct {
	Hooks map[string][]Matcher `json:"hooks"`
}

// gatePrelude short-circuits guards outside a worker session and slurps
// the tool-call JSON.
const gatePrelude = `if [ -z "$` + EnvAgent + `" ]; then exit 0; fi
input=$(cat)
`

// extractField pulls a string field's value out of the tool-call JSON.
// Values containing escaped quotes are truncated at the escape; that is a
// documented limitation of staying jq-free.
func extractField(field string) string {
	return `printf '%s\n' "$input" | grep -o '"` + field + `"[[:space:]]*:[[:space:]]*"[^"]*"' | head -1 | sed 's/.*:[[:space:]]*"//; s/"$//'`
}

func block(reason string) string {
	return `printf '{"decision":"block","reason":"` + reason + `"}'`
}

// teamToolGuard rejects the host's native delegation tools outright so
// all sub-agent creation goes through the dispatch command.
func teamToolGuard() string {
	return gatePrelude + block("use the overstory CLI to dispatch sub-agents") + `
exit 0
`
}

// pathBoundaryGuard confines file-editing tools to the worker's worktree.
func pathBoundaryGuard() string {
	return gatePrelude + `path=$(` + extractField("file_path") + `)
if [ -z "$path" ]; then exit 0; fi
case "$path" in
  /*) ;;
  *) path="$PWD/$path" ;;
esac
case "$path" in
  "$` + EnvWorktree + `"|"$` + EnvWorktree + `"/*) exit 0 ;;
esac
` + block("path outside worktree") + `
exit 0
`
}

// editBlockGuard rejects file-editing tools outright, for read-only roles.
func editBlockGuard() string {
	return gatePrelude + block("this role is read-only; file edits are blocked") + `
exit 0
`
}

// shellDangerGuard blocks shell commands that would corrupt shared git
// state: pushes to the canonical branch, hard resets, and branch creation
// outside the worker's own namespace.
func shellDangerGuard(canonicalBranch string) string {
	return gatePrelude + `cmd=$(` + extractField("command") + `)
if [ -z "$cmd" ]; then exit 0; fi
if printf '%s' "$cmd" | grep -qE 'git[[:space:]]+push.*[[:space:]]` + canonicalBranch + `([[:space:]]|$)'; then
  ` + block("pushing to the canonical branch is blocked") + `
  exit 0
fi
if printf '%s' "$cmd" | grep -qE 'git[[:space:]]+reset[[:space:]]+--hard'; then
  ` + block("git reset --hard is blocked") + `
  exit 0
fi
branch=$(printf '%s' "$cmd" | sed -n 's/.*checkout[[:space:]]*-b[[:space:]]*\([^ ;&|]*\).*/\1/p')
if [ -n "$branch" ]; then
  case "$branch" in
    overstory/` + AgentNamePlaceholder + `/*) ;;
    *) ` + block("branches must be named overstory/<agent>/<bead>") + `; exit 0 ;;
  esac
fi
exit 0
`
}

// shellWhitelistGuard is the whitelist-first command filter for read-only
// roles. A command whose prefix is on the allowed list passes untouched;
// otherwise any dangerous token blocks it; anything left over is allowed.
func shellWhitelistGuard(allowGitCommit bool) string {
	allowed := []string{
		`git\ status*`, `git\ log*`, `git\ diff*`, `git\ show*`, `git\ branch*`,
		`git\ fetch*`, `git\ ls-files*`, `git\ blame*`,
		`overstory\ *`,
		`go\ test*`, `go\ vet*`, `go\ build*`, `npm\ test*`, `npm\ run\ lint*`,
		`make\ test*`, `make\ lint*`, `pytest*`, `golangci-lint\ *`,
		`ls*`, `cat\ *`, `grep\ *`, `rg\ *`, `find\ *`, `head\ *`, `tail\ *`,
		`wc\ *`, `pwd*`, `which\ *`, `tree*`,
	}
	if allowGitCommit {
		allowed = append(allowed, `git\ add*`, `git\ commit*`)
	}
	danger := `(sed[[:space:]]+-i|echo[[:space:]][^|]*>|mv[[:space:]]|rm[[:space:]]|chmod[[:space:]]|chown[[:space:]]|git[[:space:]]+(add|commit|push|merge|reset|checkout|rebase|stash)|(npm|pip|pip3|cargo|gem)[[:space:]]+install|apt(-get)?[[:space:]]+install|(perl|ruby|node|python[0-9.]*)[[:space:]]+-e)`
	if allowGitCommit {
		danger = `(sed[[:space:]]+-i|echo[[:space:]][^|]*>|mv[[:space:]]|rm[[:space:]]|chmod[[:space:]]|chown[[:space:]]|git[[:space:]]+(push|merge|reset|checkout|rebase|stash)|(npm|pip|pip3|cargo|gem)[[:space:]]+install|apt(-get)?[[:space:]]+install|(perl|ruby|node|python[0-9.]*)[[:space:]]+-e)`
	}

	return gatePrelude + `cmd=$(` + extractField("command") + `)
if [ -z "$cmd" ]; then exit 0; fi
case "$cmd" in
  ` + strings.Join(allowed, `|`) + `) exit 0 ;;
esac
if printf '%s' "$cmd" | grep -qE '` + danger + `'; then
  ` + block("command blocked for read-only role") + `
  exit 0
fi
exit 0
`
}

// shellPathBoundaryGuard confines shell commands of implementation roles
// to their worktree: any absolute-looking token outside the worktree,
// /dev, or /tmp blocks the call. Tokens produced by variable expansion,
// subshells, or cd-plus-relative paths are not checked.
func shellPathBoundaryGuard() string {
	return gatePrelude + `cmd=$(` + extractField("command") + `)
if [ -z "$cmd" ]; then exit 0; fi
for tok in $(printf '%s\n' "$cmd" | grep -oE '(^| |=)/[^ ]+' | sed 's/^[ =]*//'); do
  case "$tok" in
    "$` + EnvWorktree + `"*|/dev/*|/dev|/tmp/*|/tmp) ;;
    *) ` + block("path outside worktree") + `; exit 0 ;;
  esac
done
exit 0
`
}

func cmdHook(command string) []Hook {
	return []Hook{{Type: "command", Command: command}}
}

// Bundle builds the guard overlay for a capability. The returned settings
// still carry the agent-name placeholder; Render or Deploy expands it.
func Bundle(cap session.Capability, canonicalBranch string) *Settings {
	pre := []Matcher{
		{Matcher: "Task", Hooks: cmdHook(teamToolGuard())},
		{Matcher: "Bash", Hooks: cmdHook(shellDangerGuard(canonicalBranch))},
	}

	if cap.CanImplement() {
		pre = append(pre,
			Matcher{Matcher: "Write|Edit|NotebookEdit", Hooks: cmdHook(pathBoundaryGuard())},
			Matcher{Matcher: "Bash", Hooks: cmdHook(shellPathBoundaryGuard())},
		)
	} else {
		allowGitCommit := cap == session.CapLead || cap == session.CapCoordinator || cap == session.CapSupervisor
		pre = append(pre,
			Matcher{Matcher: "Write|Edit|NotebookEdit", Hooks: cmdHook(editBlockGuard())},
			Matcher{Matcher: "Bash", Hooks: cmdHook(shellWhitelistGuard(allowGitCommit))},
		)
	}

	return &Settings{Hooks: map[string][]Matcher{"PreToolUse": pre}}
}

// Render expands the agent-name placeholder throughout the bundle.
func Render(s *Settings, agentName string) *Settings {
	out := &Settings{Hooks: make(map[string][]Matcher, len(s.Hooks))}
	for event, matchers := range s.Hooks {
		ms := make([]Matcher, len(matchers))
		for i, m := range matchers {
			hs := make([]Hook, len(m.Hooks))
			for j, h := range m.Hooks {
				hs[j] = Hook{Type: h.Type, Command: strings.ReplaceAll(h.Command, AgentNamePlaceholder, agentName)}
			}
			ms[i] = Matcher{Matcher: m.Matcher, Hooks: hs}
		}
		out.Hooks[event] = ms
	}
	return out
}

// Deploy writes the rendered bundle to <worktree>/.claude/settings.local.json.
func Deploy(worktree, agentName string, cap session.Capability, canonicalBranch string) (string, error) {
	rendered := Render(Bundle(cap, canonicalBranch), agentName)
	dir := filepath.Join(worktree, ".claude")
	path := filepath.Join(dir, "settings.local.json")
	if err := util.EnsureDir(dir); err != nil {
		return "", err
	}
	if err := util.AtomicWriteJSON(path, rendered); err != nil {
		return "", err
	}
	return path, nil
}
