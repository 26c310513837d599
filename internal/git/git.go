// Package git wraps the git subcommands Overstory drives: worktree
// management for the spawner and branch surgery for the merge pipeline.
//
// Everything shells out to the git binary; stderr is folded into the
// returned error so failures read like git itself complaining.
package git

import (
	"fmt"
	"strings"

	"github.com/obra/overstory/internal/util"
)

// Repo is a handle on one repository working directory.
type Repo struct {
	// Root is the directory git commands run in.
	Root string
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch() (string, error) {
	return util.RunOutput(r.Root, "git", "rev-parse", "--abbrev-ref", "HEAD")
}

// Checkout switches the working tree to branch.
func (r *Repo) Checkout(branch string) error {
	return util.Run(r.Root, "git", "checkout", branch)
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(branch string) bool {
	err := util.Run(r.Root, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// WorktreeAdd creates a worktree at path on a new branch cut from base.
func (r *Repo) WorktreeAdd(path, branch, base string) error {
	if err := util.Run(r.Root, "git", "worktree", "add", "-b", branch, path, base); err != nil {
		return fmt.Errorf("adding worktree %s: %w", path, err)
	}
	return nil
}

// WorktreeRemove removes a worktree. force discards uncommitted changes.
func (r *Repo) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if err := util.Run(r.Root, "git", args...); err != nil {
		return fmt.Errorf("removing worktree %s: %w", path, err)
	}
	return nil
}

// WorktreeList returns the worktree paths git knows about, the main
// working tree first.
func (r *Repo) WorktreeList() ([]string, error) {
	out, err := util.RunOutput(r.Root, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, rest)
		}
	}
	return paths, nil
}

// WorktreePrune drops stale worktree bookkeeping for paths that no longer
// exist on disk.
func (r *Repo) WorktreePrune() error {
	return util.Run(r.Root, "git", "worktree", "prune")
}

// DeleteBranch force-deletes a local branch.
func (r *Repo) DeleteBranch(branch string) error {
	return util.Run(r.Root, "git", "branch", "-D", branch)
}

// Merge merges branch into the current branch without opening an editor.
func (r *Repo) Merge(branch string) error {
	return util.Run(r.Root, "git", "merge", "--no-edit", branch)
}

// MergeAbort aborts an in-progress merge. The "no merge to abort" case is
// swallowed: callers use this to guarantee a clean tree, and a tree with
// no merge in progress already is one.
func (r *Repo) MergeAbort() error {
	err := util.Run(r.Root, "git", "merge", "--abort")
	if err != nil && strings.Contains(err.Error(), "MERGE_HEAD") {
		return nil
	}
	return err
}

// ConflictedFiles returns paths with unresolved conflicts.
func (r *Repo) ConflictedFiles() ([]string, error) {
	out, err := util.RunOutput(r.Root, "git", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Show returns the content of path as committed on ref.
func (r *Repo) Show(ref, path string) (string, error) {
	out, err := util.RunOutput(r.Root, "git", "show", ref+":"+path)
	if err != nil {
		return "", fmt.Errorf("reading %s from %s: %w", path, ref, err)
	}
	return out, nil
}

// Add stages paths.
func (r *Repo) Add(paths ...string) error {
	return util.Run(r.Root, "git", append([]string{"add", "--"}, paths...)...)
}

// Commit commits staged changes with message.
func (r *Repo) Commit(message string) error {
	return util.Run(r.Root, "git", "commit", "--no-edit", "-m", message)
}

// CommitStagedNoEdit concludes a conflicted merge using the prepared
// merge commit message.
func (r *Repo) CommitStagedNoEdit() error {
	return util.Run(r.Root, "git", "commit", "--no-edit")
}

// IsClean reports whether the working tree has no pending changes.
func (r *Repo) IsClean() (bool, error) {
	out, err := util.RunOutput(r.Root, "git", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// DiffNameOnly returns the files that differ between two refs.
func (r *Repo) DiffNameOnly(from, to string) ([]string, error) {
	out, err := util.RunOutput(r.Root, "git", "diff", "--name-only", from, to)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
