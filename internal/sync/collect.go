package sync

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/wipsync/internal/tree"
)

// diffOutcome is the result of one (node, mode) diff task
type diffOutcome struct {
	node   *tree.Node
	staged bool
	text   string
	err    error
}

func (o *diffOutcome) mode() string {
	if o.staged {
		return "staged"
	}
	return "unstaged"
}

// collect produces the staged and unstaged diff of the whole tree. Per node
// diffs are concatenated in walk order whatever order the tasks finish in,
// and the reported error is the first one in that order. Bundles store diffs
// as JSON strings, so text that is not valid UTF-8 is refused.
func (e *Engine) collect(ctx context.Context, nodes []*tree.Node) (staged, unstaged string, err error) {
	dirty, err := e.prepare(ctx, nodes)
	if err != nil {
		return "", "", err
	}

	// Two tasks per node: index 2i is staged, 2i+1 unstaged.
	outcomes := make([]diffOutcome, 2*len(nodes))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Collect.Parallel)
	for i, n := range nodes {
		for mode := range 2 {
			idx := 2*i + mode
			outcomes[idx] = diffOutcome{node: n, staged: mode == 0}
			if !dirty[i] {
				continue
			}
			g.Go(func() error {
				out := &outcomes[idx]
				out.text, out.err = e.git.Diff(gCtx, n.Dir, n.Prefix(), out.staged)
				return nil
			})
		}
	}
	_ = g.Wait()

	var stagedBuf, unstagedBuf strings.Builder
	for _, out := range outcomes {
		if out.err != nil {
			return "", "", fmt.Errorf("%s: %w: %w", out.node.ChainID, ErrDiffFailed, out.err)
		}
		if !utf8.ValidString(out.text) {
			return "", "", fmt.Errorf("%s: %w: %s diff is not valid UTF-8", out.node.ChainID, ErrDiffFailed, out.mode())
		}
		if out.staged {
			stagedBuf.WriteString(out.text)
		} else {
			unstagedBuf.WriteString(out.text)
		}
	}
	return stagedBuf.String(), unstagedBuf.String(), nil
}

// prepare finds the nodes with changes and registers their untracked files as
// intent-to-add so the unstaged diff shows them. Clean nodes are skipped.
func (e *Engine) prepare(ctx context.Context, nodes []*tree.Node) ([]bool, error) {
	dirty := make([]bool, len(nodes))
	errs := make([]error, len(nodes))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Collect.Parallel)
	for i, n := range nodes {
		g.Go(func() error {
			dirty[i], errs[i] = e.prepareNode(gCtx, n)
			return nil
		})
	}
	_ = g.Wait()

	for i, n := range nodes {
		if errs[i] != nil {
			return nil, fmt.Errorf("%s: %w: %w", n.ChainID, ErrDiffFailed, errs[i])
		}
		if !dirty[i] {
			e.logger.Info("no changes detected", "chain", n.ChainID, "path", n.RelPath)
		}
	}
	return dirty, nil
}

func (e *Engine) prepareNode(ctx context.Context, n *tree.Node) (bool, error) {
	dirty, err := e.git.IsDirty(ctx, n.Dir)
	if err != nil || !dirty {
		return false, err
	}

	untracked, err := e.git.UntrackedFiles(ctx, n.Dir)
	if err != nil {
		return false, err
	}
	if err := e.git.AddIntentToAdd(ctx, n.Dir, untracked); err != nil {
		return false, err
	}
	return true, nil
}
