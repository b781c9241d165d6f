// Package tree walks a repository and its nested submodules in pre-order.
package tree

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path"
	"path/filepath"
	"slices"

	"github.com/schaermu/wipsync/internal/repo"
)

// ErrNoIdentifier is returned when a repository identifier cannot be derived
// from the configured remote.
var ErrNoIdentifier = errors.New("cannot derive repository identifier")

// Node is one repository of the tree
type Node struct {
	// ChainID joins the repository identifiers from the root down to this
	// node with "/", e.g. "app/libs-core".
	ChainID string
	// RelPath is the slash separated path from the root working tree, empty for the root
	RelPath string
	Dir     string
	Repo    *repo.Repository
}

// Prefix returns the path prefix diffs of this node carry: "" for the root
// and "<rel>/" below it.
func (n *Node) Prefix() string {
	if n.RelPath == "" {
		return ""
	}
	return n.RelPath + "/"
}

// Walker enumerates a root repository and every valid submodule below it
type Walker struct {
	root   string
	remote string
	logger *slog.Logger
}

// NewWalker creates a walker rooted at dir that derives identifiers from remote
func NewWalker(root, remote string, logger *slog.Logger) *Walker {
	return &Walker{
		root:   root,
		remote: remote,
		logger: logger.With("component", "tree"),
	}
}

// Walk returns a lazy pre-order sequence of nodes. A node's submodules are
// read only after the consumer is done with the node, so changes the consumer
// makes to the node (such as checking out another commit) decide which
// submodules follow. An error ends the sequence.
func (w *Walker) Walk(ctx context.Context) iter.Seq2[*Node, error] {
	return func(yield func(*Node, error) bool) {
		root, err := repo.Open(w.root)
		if err != nil {
			yield(nil, err)
			return
		}
		id, err := w.identifier(root)
		if err != nil {
			yield(nil, err)
			return
		}

		node := &Node{ChainID: id, Dir: root.Dir(), Repo: root}
		w.visit(ctx, node, []string{id}, map[string]bool{id: true}, yield)
	}
}

// visit yields n and then its submodules. ancestry holds the identifiers from
// the root to n; seen holds every chain id yielded so far.
func (w *Walker) visit(ctx context.Context, n *Node, ancestry []string, seen map[string]bool, yield func(*Node, error) bool) bool {
	if err := ctx.Err(); err != nil {
		yield(nil, err)
		return false
	}
	if !yield(n, nil) {
		return false
	}

	subs, err := n.Repo.Submodules()
	if err != nil {
		yield(nil, fmt.Errorf("%s: %w", n.ChainID, err))
		return false
	}

	for _, sub := range subs {
		rel := path.Join(n.RelPath, sub.Path)
		dir := filepath.Join(n.Dir, filepath.FromSlash(sub.Path))

		child, err := repo.Open(dir)
		if err != nil {
			w.logger.Warn("skipping invalid submodule", "chain", n.ChainID, "path", rel, "error", err)
			continue
		}

		id, err := w.identifier(child)
		if err != nil {
			yield(nil, fmt.Errorf("%s: %w", n.ChainID, err))
			return false
		}

		if slices.Contains(ancestry, id) {
			w.logger.Warn("skipping submodule cycle", "chain", n.ChainID, "path", rel, "repository", id)
			continue
		}

		chain := n.ChainID + "/" + id
		if seen[chain] {
			w.logger.Warn("skipping duplicate submodule", "chain", chain, "path", rel)
			continue
		}
		seen[chain] = true

		node := &Node{ChainID: chain, RelPath: rel, Dir: child.Dir(), Repo: child}
		if !w.visit(ctx, node, append(slices.Clip(ancestry), id), seen, yield) {
			return false
		}
	}
	return true
}

func (w *Walker) identifier(r *repo.Repository) (string, error) {
	url, err := r.RemoteURL(w.remote)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNoIdentifier, r.Dir(), err)
	}
	id, ok := repo.IdentifierFromURL(url)
	if !ok {
		return "", fmt.Errorf("%w: %s: remote url %q", ErrNoIdentifier, r.Dir(), url)
	}
	return id, nil
}

// Collect drains seq into a slice in visiting order, stopping at the first error
func Collect(seq iter.Seq2[*Node, error]) ([]*Node, error) {
	var nodes []*Node
	ids := make(map[string]bool)
	for n, err := range seq {
		if err != nil {
			return nil, err
		}
		if ids[n.ChainID] {
			return nil, fmt.Errorf("duplicate chain id %q", n.ChainID)
		}
		ids[n.ChainID] = true
		nodes = append(nodes, n)
	}
	return nodes, nil
}
