package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/schaermu/wipsync/internal/bundle"
	"github.com/schaermu/wipsync/internal/config"
	"github.com/schaermu/wipsync/internal/git"
	"github.com/schaermu/wipsync/internal/tree"
)

// Engine captures and restores the state of a repository tree
type Engine struct {
	cfg      *config.Config
	git      git.Client
	identity git.Identity
	logger   *slog.Logger
	// base is handed to collaborators that scope their own component
	base *slog.Logger
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gitClient git.Client, logger *slog.Logger) *Engine {
	return &Engine{
		cfg: cfg,
		git: gitClient,
		identity: git.Identity{
			Name:  cfg.Identity.Name,
			Email: cfg.Identity.Email,
		},
		logger: logger.With("component", "sync"),
		base:   logger,
	}
}

func (e *Engine) walker(root string) *tree.Walker {
	return tree.NewWalker(root, e.cfg.Git.Remote, e.base)
}

// Save captures the state of the tree at root into a new bundle
func (e *Engine) Save(ctx context.Context, root string) (*SaveReport, error) {
	nodes, err := e.preflight(ctx, root)
	if err != nil {
		return nil, err
	}
	identity := nodes[0].ChainID
	e.logger.Info("capturing tree", "repository", identity, "repositories", len(nodes))

	// Capture heads
	heads := make(map[string]bundle.HeadDescriptor, len(nodes))
	for _, n := range nodes {
		head, err := captureHead(n)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.ChainID, err)
		}
		if head.StagedSubmodules, err = e.stagedSubmodules(ctx, n); err != nil {
			return nil, err
		}
		heads[n.ChainID] = head
		e.logger.Debug("captured head", "chain", n.ChainID, "commit", head.CommitID, "branch", head.RemoteBranch)
	}

	// Collect diffs
	staged, unstaged, err := e.collect(ctx, nodes)
	if err != nil {
		return nil, err
	}

	// Persist bundle
	path, err := bundle.New(heads, staged, unstaged).Persist(identity, e.cfg.SyncDir)
	if err != nil {
		return nil, err
	}
	e.logger.Info("bundle saved", "path", path)

	report := &SaveReport{Path: path, Nodes: len(nodes)}
	if e.cfg.Bundles.Keep > 0 {
		pruned, err := bundle.Prune(identity, e.cfg.SyncDir, e.cfg.Bundles.Keep)
		if err != nil {
			// The new bundle is in place; housekeeping can wait for the next save
			e.logger.Warn("failed to prune old bundles", "error", err)
		}
		report.Pruned = pruned
	}
	return report, nil
}

// Apply restores the tree at root to the latest bundle: local work is
// stashed, heads are moved to the recorded commits, and the recorded staged
// and unstaged diffs are replayed.
func (e *Engine) Apply(ctx context.Context, root string) (*ApplyReport, error) {
	return e.ApplyEntry(ctx, root, nil)
}

// ApplyEntry is Apply for one given bundle of the tree, typically the one the
// user confirmed. A nil entry means the latest bundle.
func (e *Engine) ApplyEntry(ctx context.Context, root string, entry *bundle.Entry) (*ApplyReport, error) {
	nodes, err := e.preflight(ctx, root)
	if err != nil {
		return nil, err
	}

	b, loaded, err := e.load(nodes[0].ChainID, entry)
	if err != nil {
		return nil, err
	}
	e.logger.Info("applying bundle", "path", loaded.Path, "created", loaded.Time())

	report := &ApplyReport{Bundle: loaded}
	report.Nodes, err = e.restore(ctx, root, b.Heads)
	if err != nil {
		return report, err
	}

	if err := e.applyDiff(ctx, root, b.DiffStaged, true); err != nil {
		return report, fmt.Errorf("staged: %w", err)
	}
	if err := e.stageSubmodules(ctx, root, b.Heads); err != nil {
		return report, fmt.Errorf("staged: %w", err)
	}
	if err := e.applyDiff(ctx, root, b.DiffUnstaged, false); err != nil {
		return report, fmt.Errorf("unstaged: %w", err)
	}
	e.logger.Info("bundle applied", "path", loaded.Path)
	return report, nil
}

// load reads entry, or the latest bundle of identity when entry is nil
func (e *Engine) load(identity string, entry *bundle.Entry) (*bundle.Bundle, bundle.Entry, error) {
	if entry == nil {
		return bundle.LoadLatest(identity, e.cfg.SyncDir)
	}
	if _, ok := bundle.ParseFileName(identity, entry.Name); !ok {
		return nil, bundle.Entry{}, fmt.Errorf("%w: %s is not a bundle of %s", bundle.ErrNotFound, entry.Name, identity)
	}
	b, err := bundle.LoadFile(entry.Path)
	if err != nil {
		return nil, bundle.Entry{}, err
	}
	return b, *entry, nil
}

// stagedSubmodules records the staged submodule pointer changes of n
func (e *Engine) stagedSubmodules(ctx context.Context, n *tree.Node) (map[string]string, error) {
	moved, err := e.git.StagedSubmodules(ctx, n.Dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", n.ChainID, ErrDiffFailed, err)
	}
	if len(moved) == 0 {
		return nil, nil
	}
	return moved, nil
}

// Compare checks whether the tree at root carries exactly the diffs of the
// latest bundle. Apart from registering untracked files as intent-to-add it
// changes nothing.
func (e *Engine) Compare(ctx context.Context, root string) (*Comparison, error) {
	if err := e.checkGit(ctx); err != nil {
		return nil, err
	}
	nodes, err := tree.Collect(e.walker(root).Walk(ctx))
	if err != nil {
		return nil, err
	}

	b, entry, err := bundle.LoadLatest(nodes[0].ChainID, e.cfg.SyncDir)
	if err != nil {
		return nil, err
	}

	staged, unstaged, err := e.collect(ctx, nodes)
	if err != nil {
		return nil, err
	}

	c := &Comparison{Bundle: entry}
	c.StagedInSync, c.StagedDetail = compareDiffs(b.DiffStaged, staged)
	c.UnstagedInSync, c.UnstagedDetail = compareDiffs(b.DiffUnstaged, unstaged)
	e.logger.Info("compared with bundle", "path", entry.Path,
		"staged_in_sync", c.StagedInSync, "unstaged_in_sync", c.UnstagedInSync)
	return c, nil
}

// List returns the bundles of the tree at root, newest first
func (e *Engine) List(ctx context.Context, root string) ([]bundle.Entry, error) {
	identity, err := e.rootID(ctx, root)
	if err != nil {
		return nil, err
	}
	return bundle.List(identity, e.cfg.SyncDir)
}

// Prune removes all but the newest keep bundles of the tree at root
func (e *Engine) Prune(ctx context.Context, root string, keep int) ([]string, error) {
	identity, err := e.rootID(ctx, root)
	if err != nil {
		return nil, err
	}
	removed, err := bundle.Prune(identity, e.cfg.SyncDir, keep)
	for _, path := range removed {
		e.logger.Info("removed bundle", "path", path)
	}
	return removed, err
}

// rootID returns the chain id of the root repository without visiting submodules
func (e *Engine) rootID(ctx context.Context, root string) (string, error) {
	for n, err := range e.walker(root).Walk(ctx) {
		if err != nil {
			return "", err
		}
		return n.ChainID, nil
	}
	return "", fmt.Errorf("no repository at %s", root)
}

// preflight checks git is usable and that no repository of the tree is in
// the middle of another operation, and returns the nodes of the tree.
func (e *Engine) preflight(ctx context.Context, root string) ([]*tree.Node, error) {
	if err := e.checkGit(ctx); err != nil {
		return nil, err
	}

	nodes, err := tree.Collect(e.walker(root).Walk(ctx))
	if err != nil {
		return nil, err
	}

	for _, n := range nodes {
		if op := n.Repo.InProgressOperation(); op != "" {
			return nil, fmt.Errorf("%s: %w: %s", n.ChainID, ErrOperationInProgress, op)
		}
	}
	return nodes, nil
}

func (e *Engine) checkGit(ctx context.Context) error {
	version, err := e.git.Version(ctx)
	if err != nil {
		return err
	}
	e.logger.Debug("git available", "version", version)
	return nil
}
