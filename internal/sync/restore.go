package sync

import (
	"context"
	"fmt"

	"github.com/schaermu/wipsync/internal/bundle"
	"github.com/schaermu/wipsync/internal/git"
	"github.com/schaermu/wipsync/internal/repo"
	"github.com/schaermu/wipsync/internal/tree"
)

const stashMessage = "wipsync backup"

// restore brings every repository of the tree to the head recorded in heads.
// The walk is lazy, so the submodules of a node are read after the node was
// moved to its recorded commit. The first failure stops the restore; nodes
// already restored stay restored.
func (e *Engine) restore(ctx context.Context, root string, heads map[string]bundle.HeadDescriptor) ([]NodeRestore, error) {
	var reports []NodeRestore
	for n, err := range e.walker(root).Walk(ctx) {
		if err != nil {
			return reports, err
		}

		rep, err := e.restoreNode(ctx, n, heads)
		if err != nil {
			return reports, fmt.Errorf("%s: %w", n.ChainID, err)
		}
		e.logRestore(rep)
		reports = append(reports, rep)
	}
	return reports, nil
}

func (e *Engine) restoreNode(ctx context.Context, n *tree.Node, heads map[string]bundle.HeadDescriptor) (NodeRestore, error) {
	rep := NodeRestore{ChainID: n.ChainID, RelPath: n.RelPath}

	// Back up local work
	stashed, err := e.git.Stash(ctx, n.Dir, e.identity, stashMessage)
	if err != nil {
		return rep, fmt.Errorf("failed to back up local changes: %w", err)
	}
	rep.Stashed = stashed

	// Fetch the single refspec of the remote
	remote, err := n.Repo.Remote(e.cfg.Git.Remote)
	if err != nil {
		return rep, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	if len(remote.Fetch) != 1 {
		return rep, fmt.Errorf("%w: remote %s has %d fetch refspecs, expected 1", ErrUnsupportedRemoteLayout, remote.Name, len(remote.Fetch))
	}
	gitRemote := git.Remote{Name: remote.Name, URL: remote.URL, RefSpec: remote.Fetch[0]}
	if err := e.git.Fetch(ctx, n.Dir, gitRemote); err != nil {
		return rep, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	head, ok := heads[n.ChainID]
	if !ok {
		rep.Skipped = true
		return rep, nil
	}

	// Refs and objects changed on disk
	r, err := repo.Open(n.Dir)
	if err != nil {
		return rep, err
	}

	if head.Detached() {
		rep.Detached = true
		rep.Target = head.CommitID
		if !r.HasCommit(head.CommitID) {
			return rep, fmt.Errorf("%w: commit %s not found", ErrCheckoutFailed, head.CommitID)
		}
		if err := e.git.Checkout(ctx, n.Dir, head.CommitID, true); err != nil {
			return rep, fmt.Errorf("%w: %w", ErrCheckoutFailed, err)
		}
		return rep, nil
	}

	local, err := e.checkoutBranch(ctx, n, r, gitRemote, head.RemoteBranch)
	if err != nil {
		return rep, err
	}
	rep.Target = local

	pulled, err := e.git.PullFastForward(ctx, n.Dir, gitRemote)
	if err != nil {
		if git.IsNotFastForward(err) {
			return rep, fmt.Errorf("%w: %w", ErrPullConflict, err)
		}
		return rep, fmt.Errorf("%w: pull: %w", ErrFetchFailed, err)
	}
	rep.Pull = PullUpToDate
	if pulled {
		rep.Pull = PullUpdated
	}

	tip, err := e.git.RevParse(ctx, n.Dir, "HEAD")
	if err != nil {
		return rep, fmt.Errorf("%w: %w", ErrResetFailed, err)
	}
	if tip != head.CommitID {
		if !r.HasCommit(head.CommitID) {
			return rep, fmt.Errorf("%w: commit %s not found", ErrResetFailed, head.CommitID)
		}
		if err := e.git.ResetHard(ctx, n.Dir, head.CommitID); err != nil {
			return rep, fmt.Errorf("%w: %w", ErrResetFailed, err)
		}
		rep.Reset = true
	}
	return rep, nil
}

// checkoutBranch checks out the local branch tracking remoteBranch, creating
// it when no local branch does, and returns its name.
func (e *Engine) checkoutBranch(ctx context.Context, n *tree.Node, r *repo.Repository, remote git.Remote, remoteBranch string) (string, error) {
	trackingRef, ok := repo.RemoteTrackingRef(remote.RefSpec, remoteBranch)
	if !ok {
		return "", fmt.Errorf("%w: branch %s is not fetched by %s", ErrUnsupportedRemoteLayout, remoteBranch, remote.RefSpec)
	}
	if _, exists, err := r.ResolveRef(trackingRef); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCheckoutFailed, err)
	} else if !exists {
		return "", fmt.Errorf("%w: remote branch %s not found", ErrCheckoutFailed, trackingRef)
	}

	local, found, err := r.LocalBranchTracking(trackingRef)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCheckoutFailed, err)
	}
	if !found {
		local = remoteBranch
		e.logger.Debug("creating tracking branch", "chain", n.ChainID, "branch", local, "upstream", trackingRef)
		if err := e.git.CreateTrackingBranch(ctx, n.Dir, local, trackingRef); err != nil {
			return "", fmt.Errorf("%w: %w", ErrCheckoutFailed, err)
		}
	}

	if err := e.git.Checkout(ctx, n.Dir, local, false); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCheckoutFailed, err)
	}
	return local, nil
}

func (e *Engine) logRestore(rep NodeRestore) {
	stash := "no local changes"
	if rep.Stashed {
		stash = "stashed"
	}

	switch {
	case rep.Skipped:
		e.logger.Info("not in bundle, head left as is", "chain", rep.ChainID, "path", rep.RelPath, "backup", stash)
	case rep.Detached:
		e.logger.Info("restored detached head", "chain", rep.ChainID, "path", rep.RelPath, "commit", rep.Target, "backup", stash)
	default:
		e.logger.Info("restored branch", "chain", rep.ChainID, "path", rep.RelPath, "branch", rep.Target,
			"state", string(rep.Pull), "reset", rep.Reset, "backup", stash)
	}
}
