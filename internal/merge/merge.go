// Package merge implements the tiered merge pipeline.
//
// A branch coming off the queue is merged into the canonical branch
// through up to four escalating tiers: a plain git merge, a mechanical
// keep-incoming conflict resolution, an AI-assisted per-file resolution,
// and finally a full reimagine that regenerates the touched files from
// both versions. The upper two tiers are gated by configuration.
//
// Resolve never panics or returns early with the repo mid-merge: every
// failure path aborts the merge first, so the working tree is clean when
// the result comes back.
package merge

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/obra/overstory/internal/git"
	"github.com/obra/overstory/internal/mergeq"
	"github.com/obra/overstory/internal/util"
)

// Tier identifies which resolution strategy settled a merge.
type Tier string

const (
	TierClean     Tier = "clean-merge"
	TierAuto      Tier = "auto-resolve"
	TierAI        Tier = "ai-resolve"
	TierReimagine Tier = "reimagine"
)

// Number maps a tier to its queue-side ordinal.
func (t Tier) Number() int {
	switch t {
	case TierClean:
		return 0
	case TierAuto:
		return 1
	case TierAI:
		return 2
	case TierReimagine:
		return 3
	}
	return 0
}

// Result is the outcome of one merge attempt. Conflict distinguishes a
// branch no enabled tier could resolve from infrastructure failures like
// a checkout or commit going wrong; the queue maps the former to the
// conflict status and the latter to failed.
type Result struct {
	Tier          Tier
	Success       bool
	Conflict      bool
	ErrorMessage  string
	ResolvedFiles []string
}

// Resolver drives the tiered merge for one repository.
type Resolver struct {
	Repo      *git.Repo
	Canonical string

	// AIEnabled and ReimagineEnabled gate tiers 3 and 4.
	AIEnabled        bool
	ReimagineEnabled bool

	// Command is the resolver helper binary, fed a prompt on stdin and
	// expected to print the raw resolved file on stdout.
	Command string

	// RunHelper overrides the helper subprocess in tests.
	RunHelper func(prompt string) (string, error)
}

// conflictBlock matches one standard conflict hunk. Group 1 is the current
// (canonical) side, group 2 the incoming branch side.
var conflictBlock = regexp.MustCompile(`(?ms)^<<<<<<<[^\n]*\n(.*?)^=======\n(.*?)^>>>>>>>[^\n]*\n?`)

// Resolve merges entry's branch into the canonical branch.
func (r *Resolver) Resolve(entry *mergeq.Entry) Result {
	if cur, err := r.Repo.CurrentBranch(); err != nil || cur != r.Canonical {
		if err := r.Repo.Checkout(r.Canonical); err != nil {
			return Result{Tier: TierClean, Success: false,
				ErrorMessage: fmt.Sprintf("checking out %s: %v", r.Canonical, err)}
		}
	}

	// Tier 1: clean merge.
	if err := r.Repo.Merge(entry.Branch); err == nil {
		return Result{Tier: TierClean, Success: true}
	}

	conflicted, err := r.Repo.ConflictedFiles()
	if err != nil || len(conflicted) == 0 {
		return r.fail(TierClean, fmt.Sprintf("merge of %s failed without conflict markers: %v", entry.Branch, err))
	}

	// Tier 2: mechanical keep-incoming.
	unresolved, resolved := r.autoResolve(conflicted)
	if len(unresolved) == 0 {
		if err := r.Repo.CommitStagedNoEdit(); err != nil {
			return r.fail(TierAuto, fmt.Sprintf("committing auto-resolution: %v", err))
		}
		return Result{Tier: TierAuto, Success: true, ResolvedFiles: resolved}
	}

	// Tier 3: per-file AI resolution of whatever tier 2 left behind.
	if r.AIEnabled {
		aiResolved, err := r.aiResolve(unresolved)
		if err == nil {
			if err := r.Repo.CommitStagedNoEdit(); err != nil {
				return r.fail(TierAI, fmt.Sprintf("committing AI resolution: %v", err))
			}
			return Result{Tier: TierAI, Success: true, ResolvedFiles: append(resolved, aiResolved...)}
		}
		if !r.ReimagineEnabled {
			return r.failConflict(TierAI, err.Error())
		}
	} else if !r.ReimagineEnabled {
		return r.failConflict(TierAuto, fmt.Sprintf("%d files with unresolvable conflicts", len(unresolved)))
	}

	// Tier 4: abort and regenerate the touched files from both versions.
	if err := r.Repo.MergeAbort(); err != nil {
		return r.fail(TierReimagine, fmt.Sprintf("aborting before reimagine: %v", err))
	}
	files := entry.FilesModified
	if len(files) == 0 {
		files = conflicted
	}
	regenerated, err := r.reimagine(entry.Branch, files)
	if err != nil {
		return r.failConflict(TierReimagine, err.Error())
	}
	msg := fmt.Sprintf("Reimagine merge of %s", entry.Branch)
	if err := r.Repo.Commit(msg); err != nil {
		return r.fail(TierReimagine, fmt.Sprintf("committing reimagine: %v", err))
	}
	return Result{Tier: TierReimagine, Success: true, ResolvedFiles: regenerated}
}

// fail aborts any in-progress merge and reports an infrastructure
// failure. The abort tolerates "no merge in progress"; the tree must be
// clean either way.
func (r *Resolver) fail(tier Tier, msg string) Result {
	_ = r.Repo.MergeAbort()
	return Result{Tier: tier, Success: false, ErrorMessage: msg}
}

// failConflict is fail for branches whose conflicts no enabled tier
// could settle.
func (r *Resolver) failConflict(tier Tier, msg string) Result {
	res := r.fail(tier, msg)
	res.Conflict = true
	return res
}

// autoResolve rewrites each conflicted file keeping only the incoming side
// of every conflict hunk, staging the ones that fully resolve. Returns the
// files it could not settle and the ones it did.
func (r *Resolver) autoResolve(conflicted []string) (unresolved, resolved []string) {
	for _, rel := range conflicted {
		path := filepath.Join(r.Repo.Root, rel)
		data, err := os.ReadFile(path) //nolint:gosec // G304: paths come from git itself
		if err != nil {
			unresolved = append(unresolved, rel)
			continue
		}
		content := string(data)
		if !conflictBlock.MatchString(content) {
			// Conflicted per git but no textual markers (binary, or a
			// delete/modify conflict). Mechanical resolution cannot help.
			unresolved = append(unresolved, rel)
			continue
		}
		out := conflictBlock.ReplaceAllString(content, "$2")
		if strings.Contains(out, "<<<<<<<") || strings.Contains(out, ">>>>>>>") {
			unresolved = append(unresolved, rel)
			continue
		}
		if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
			unresolved = append(unresolved, rel)
			continue
		}
		if err := r.Repo.Add(rel); err != nil {
			unresolved = append(unresolved, rel)
			continue
		}
		resolved = append(resolved, rel)
	}
	return unresolved, resolved
}

// aiResolve hands each file, conflict markers and all, to the helper and
// applies its output when it passes the prose filter. One rejected file
// fails the whole tier.
func (r *Resolver) aiResolve(files []string) ([]string, error) {
	var done []string
	for _, rel := range files {
		path := filepath.Join(r.Repo.Root, rel)
		data, err := os.ReadFile(path) //nolint:gosec // G304: paths come from git itself
		if err != nil {
			return done, fmt.Errorf("reading %s: %w", rel, err)
		}
		prompt := fmt.Sprintf(
			"Resolve the merge conflicts in this file. Output only the raw resolved file, no commentary.\n\nFile: %s\n\n%s",
			rel, data)
		out, err := r.runHelper(prompt)
		if err != nil {
			return done, fmt.Errorf("resolver helper on %s: %w", rel, err)
		}
		if err := ValidateResolverOutput(out); err != nil {
			return done, fmt.Errorf("resolver output for %s rejected: %w", rel, err)
		}
		if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
			return done, fmt.Errorf("writing %s: %w", rel, err)
		}
		if err := r.Repo.Add(rel); err != nil {
			return done, err
		}
		done = append(done, rel)
	}
	return done, nil
}

// reimagine regenerates each file from its canonical and branch versions.
func (r *Resolver) reimagine(branch string, files []string) ([]string, error) {
	var done []string
	for _, rel := range files {
		canonical, _ := r.Repo.Show(r.Canonical, rel)
		incoming, err := r.Repo.Show(branch, rel)
		if err != nil {
			return done, fmt.Errorf("reading %s from %s: %w", rel, branch, err)
		}
		prompt := fmt.Sprintf(
			"Two versions of %s diverged. Merge the intent of both into one file. Output only the raw resolved file, no commentary.\n\n--- version on %s ---\n%s\n\n--- version on %s ---\n%s",
			rel, r.Canonical, canonical, branch, incoming)
		out, err := r.runHelper(prompt)
		if err != nil {
			return done, fmt.Errorf("resolver helper on %s: %w", rel, err)
		}
		if err := ValidateResolverOutput(out); err != nil {
			return done, fmt.Errorf("resolver output for %s rejected: %w", rel, err)
		}
		path := filepath.Join(r.Repo.Root, rel)
		if err := util.EnsureDir(filepath.Dir(path)); err != nil {
			return done, err
		}
		if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
			return done, fmt.Errorf("writing %s: %w", rel, err)
		}
		if err := r.Repo.Add(rel); err != nil {
			return done, err
		}
		done = append(done, rel)
	}
	return done, nil
}

func (r *Resolver) runHelper(prompt string) (string, error) {
	if r.RunHelper != nil {
		return r.RunHelper(prompt)
	}
	cmd := r.Command
	if cmd == "" {
		cmd = "claude"
	}
	return util.RunInput(r.Repo.Root, prompt, cmd, "-p")
}

// proseOpeners are the leads of a conversational reply instead of file
// content. A model that starts this way did not follow the instruction.
var proseOpeners = []string{
	"I ", "Here ", "Here's", "The", "This", "Let me", "Sure",
	"Unfortunately", "Apologies", "Sorry",
}

// ValidateResolverOutput rejects helper output that is empty, fenced
// markdown, or conversational prose rather than raw file content.
func ValidateResolverOutput(out string) error {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return fmt.Errorf("empty output")
	}
	if strings.HasPrefix(trimmed, "```") {
		return fmt.Errorf("output wrapped in a markdown fence")
	}
	for _, p := range proseOpeners {
		if strings.HasPrefix(trimmed, p) {
			return fmt.Errorf("output begins with conversational prose (%q)", p)
		}
	}
	if strings.Contains(trimmed, "<<<<<<<") {
		return fmt.Errorf("output still contains conflict markers")
	}
	return nil
}
