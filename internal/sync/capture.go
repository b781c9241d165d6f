package sync

import (
	"fmt"
	"strings"

	"github.com/schaermu/wipsync/internal/bundle"
	"github.com/schaermu/wipsync/internal/tree"
)

const remotesPrefix = "refs/remotes/"

// captureHead records where HEAD of n is. Only states another machine can
// reproduce from the remote are accepted: a detached commit, or a branch that
// tracks a remote branch and has nothing unpushed.
func captureHead(n *tree.Node) (bundle.HeadDescriptor, error) {
	head, err := n.Repo.Head()
	if err != nil {
		return bundle.HeadDescriptor{}, err
	}

	if head.Detached {
		return bundle.HeadDescriptor{CommitID: head.Commit}, nil
	}

	up := head.Upstream
	if up == nil || up.Remote == "." {
		return bundle.HeadDescriptor{}, fmt.Errorf("%w: branch %s does not track a remote branch", ErrUnknownHeadState, head.Branch)
	}
	if up.TrackingRef == "" {
		return bundle.HeadDescriptor{}, fmt.Errorf("%w: branch %s tracks %s, which the fetch refspecs of remote %s do not fetch", ErrUnknownHeadState, head.Branch, up.Merge, up.Remote)
	}
	if !strings.HasPrefix(up.TrackingRef, remotesPrefix) {
		return bundle.HeadDescriptor{}, fmt.Errorf("%w: branch %s tracks %s through %s, which is not a remote branch", ErrUnknownHeadState, head.Branch, up.Merge, up.TrackingRef)
	}

	ahead, err := n.Repo.AheadOfUpstream(head)
	if err != nil {
		return bundle.HeadDescriptor{}, err
	}
	if ahead {
		return bundle.HeadDescriptor{}, fmt.Errorf("%w: branch %s is ahead of %s", ErrUnpushedCommits, head.Branch, up.TrackingRef)
	}

	name, ok := strings.CutPrefix(up.TrackingRef, remotesPrefix+up.Remote+"/")
	if !ok || name == "" {
		return bundle.HeadDescriptor{}, fmt.Errorf("%w: %s", ErrMalformedRemoteRef, up.TrackingRef)
	}

	return bundle.HeadDescriptor{CommitID: head.Commit, RemoteBranch: name}, nil
}
