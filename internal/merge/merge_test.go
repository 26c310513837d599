package merge

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obra/overstory/internal/git"
	"github.com/obra/overstory/internal/mergeq"
)

type fixture struct {
	t    *testing.T
	repo *git.Repo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	f := &fixture{t: t, repo: &git.Repo{Root: dir}}
	f.git("init", "-b", "main")
	f.git("config", "user.email", "test@example.com")
	f.git("config", "user.name", "test")
	f.commitFile("base.txt", "base\n", "initial")
	return f
}

func (f *fixture) git(args ...string) string {
	f.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = f.repo.Root
	out, err := cmd.CombinedOutput()
	require.NoError(f.t, err, "git %v: %s", args, out)
	return string(out)
}

func (f *fixture) commitFile(name, content, msg string) {
	f.t.Helper()
	path := filepath.Join(f.repo.Root, name)
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
	f.git("add", name)
	f.git("commit", "-m", msg)
}

func (f *fixture) read(name string) string {
	f.t.Helper()
	data, err := os.ReadFile(filepath.Join(f.repo.Root, name))
	require.NoError(f.t, err)
	return string(data)
}

func (f *fixture) assertClean() {
	f.t.Helper()
	clean, err := f.repo.IsClean()
	require.NoError(f.t, err)
	assert.True(f.t, clean, "working tree must be clean after resolve")
}

// divergeFile commits different content for name on a new branch and on
// main, producing a marker conflict on merge.
func (f *fixture) divergeFile(branch, name, branchContent, mainContent string) {
	f.t.Helper()
	f.commitFile(name, "original\n", "add "+name)
	f.git("checkout", "-b", branch)
	f.commitFile(name, branchContent, "branch side")
	f.git("checkout", "main")
	f.commitFile(name, mainContent, "main side")
}

// deleteModifyConflict commits a modification on a branch and a deletion on
// main, producing an unmerged path with no textual markers.
func (f *fixture) deleteModifyConflict(branch, name string) {
	f.t.Helper()
	f.commitFile(name, "original\n", "add "+name)
	f.git("checkout", "-b", branch)
	f.commitFile(name, "modified on branch\n", "branch side")
	f.git("checkout", "main")
	f.git("rm", name)
	f.git("commit", "-m", "delete "+name)
}

func entry(branch string, files ...string) *mergeq.Entry {
	return &mergeq.Entry{ID: "mq-test", Branch: branch, AgentName: "w", BeadID: "os-1", FilesModified: files}
}

func TestCleanMerge(t *testing.T) {
	f := newFixture(t)
	f.git("checkout", "-b", "overstory/w/os-1")
	f.commitFile("feature.txt", "new\n", "feature")
	f.git("checkout", "main")

	r := &Resolver{Repo: f.repo, Canonical: "main"}
	res := r.Resolve(entry("overstory/w/os-1"))

	assert.True(t, res.Success)
	assert.Equal(t, TierClean, res.Tier)
	assert.Equal(t, "new\n", f.read("feature.txt"))
	f.assertClean()
}

func TestAutoResolveKeepsIncoming(t *testing.T) {
	f := newFixture(t)
	f.divergeFile("overstory/w/os-1", "code.txt", "incoming change\n", "canonical change\n")

	r := &Resolver{Repo: f.repo, Canonical: "main"}
	res := r.Resolve(entry("overstory/w/os-1"))

	assert.True(t, res.Success)
	assert.Equal(t, TierAuto, res.Tier)
	assert.Equal(t, []string{"code.txt"}, res.ResolvedFiles)
	assert.Equal(t, "incoming change\n", f.read("code.txt"))
	f.assertClean()
}

func TestResolveStartsFromOtherBranch(t *testing.T) {
	f := newFixture(t)
	f.git("checkout", "-b", "overstory/w/os-1")
	f.commitFile("feature.txt", "new\n", "feature")
	// Stay on the worker branch; the resolver must check out main itself.

	r := &Resolver{Repo: f.repo, Canonical: "main"}
	res := r.Resolve(entry("overstory/w/os-1"))
	assert.True(t, res.Success)

	cur, err := f.repo.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, "main", cur)
}

func TestAllTiersDisabledFailsClean(t *testing.T) {
	f := newFixture(t)
	f.deleteModifyConflict("overstory/w/os-1", "gone.txt")

	r := &Resolver{Repo: f.repo, Canonical: "main"}
	res := r.Resolve(entry("overstory/w/os-1"))

	assert.False(t, res.Success)
	assert.True(t, res.Conflict)
	assert.Equal(t, TierAuto, res.Tier)
	assert.NotEmpty(t, res.ErrorMessage)
	f.assertClean()
}

func TestMissingBranchFailsWithoutConflict(t *testing.T) {
	f := newFixture(t)

	r := &Resolver{Repo: f.repo, Canonical: "main"}
	res := r.Resolve(entry("overstory/w/no-such-branch"))

	assert.False(t, res.Success)
	assert.False(t, res.Conflict, "an infrastructure failure is not a conflict")
	assert.Equal(t, TierClean, res.Tier)
	assert.NotEmpty(t, res.ErrorMessage)
	f.assertClean()
}

func TestAIResolve(t *testing.T) {
	f := newFixture(t)
	f.deleteModifyConflict("overstory/w/os-1", "gone.txt")

	var prompts []string
	r := &Resolver{
		Repo: f.repo, Canonical: "main", AIEnabled: true,
		RunHelper: func(prompt string) (string, error) {
			prompts = append(prompts, prompt)
			return "merged content\n", nil
		},
	}
	res := r.Resolve(entry("overstory/w/os-1"))

	assert.True(t, res.Success)
	assert.Equal(t, TierAI, res.Tier)
	assert.Equal(t, "merged content\n", f.read("gone.txt"))
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "gone.txt")
	f.assertClean()
}

func TestAIRejectsProseFailsClean(t *testing.T) {
	f := newFixture(t)
	f.deleteModifyConflict("overstory/w/os-1", "gone.txt")

	r := &Resolver{
		Repo: f.repo, Canonical: "main", AIEnabled: true,
		RunHelper: func(string) (string, error) {
			return "Here's the resolved file:\n...", nil
		},
	}
	res := r.Resolve(entry("overstory/w/os-1"))

	assert.False(t, res.Success)
	assert.True(t, res.Conflict)
	assert.Equal(t, TierAI, res.Tier)
	assert.Contains(t, res.ErrorMessage, "rejected")
	f.assertClean()
}

func TestAIHelperErrorFallsThroughToReimagine(t *testing.T) {
	f := newFixture(t)
	f.deleteModifyConflict("overstory/w/os-1", "gone.txt")

	calls := 0
	r := &Resolver{
		Repo: f.repo, Canonical: "main",
		AIEnabled: true, ReimagineEnabled: true,
		RunHelper: func(prompt string) (string, error) {
			calls++
			if calls == 1 {
				return "", errors.New("helper crashed")
			}
			return "reimagined content\n", nil
		},
	}
	res := r.Resolve(entry("overstory/w/os-1", "gone.txt"))

	assert.True(t, res.Success)
	assert.Equal(t, TierReimagine, res.Tier)
	assert.Equal(t, "reimagined content\n", f.read("gone.txt"))
	f.assertClean()

	log := f.git("log", "-1", "--format=%s")
	assert.Contains(t, log, "Reimagine merge of overstory/w/os-1")
}

func TestReimagineUsesBothVersions(t *testing.T) {
	f := newFixture(t)
	f.deleteModifyConflict("overstory/w/os-1", "gone.txt")

	var prompt string
	r := &Resolver{
		Repo: f.repo, Canonical: "main", ReimagineEnabled: true,
		RunHelper: func(p string) (string, error) {
			prompt = p
			return "reimagined\n", nil
		},
	}
	res := r.Resolve(entry("overstory/w/os-1", "gone.txt"))

	assert.True(t, res.Success)
	assert.Equal(t, TierReimagine, res.Tier)
	assert.Contains(t, prompt, "modified on branch")
	f.assertClean()
}

func TestValidateResolverOutput(t *testing.T) {
	good := []string{
		"package main\n",
		"func foo() {}\n",
		"# heading\ncontent\n",
		"{\n  \"key\": 1\n}\n",
	}
	for _, s := range good {
		assert.NoError(t, ValidateResolverOutput(s), "%q", s)
	}

	bad := []string{
		"",
		"   \n",
		"I resolved the conflict for you.",
		"Here is the file:",
		"Here's what I did",
		"The file should look like this",
		"This is the resolved version",
		"Let me resolve that",
		"Sure, here you go",
		"Unfortunately I cannot",
		"Apologies, but",
		"Sorry, I can't",
		"```go\npackage main\n```",
		"x\n<<<<<<< HEAD\ny\n",
	}
	for _, s := range bad {
		assert.Error(t, ValidateResolverOutput(s), "%q", s)
	}
}

func TestConflictBlockRegex(t *testing.T) {
	in := strings.Join([]string{
		"before",
		"<<<<<<< HEAD",
		"ours line",
		"=======",
		"theirs line",
		">>>>>>> overstory/w/os-1",
		"after",
		"",
	}, "\n")

	out := conflictBlock.ReplaceAllString(in, "$2")
	assert.Equal(t, "before\ntheirs line\nafter\n", out)
}
