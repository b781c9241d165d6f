package sync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/schaermu/wipsync/internal/bundle"
	"github.com/schaermu/wipsync/internal/git"
)

// applyDiff applies a recorded diff at the root working tree and, when stage
// is set, stages the result in every repository of the tree. Submodule
// pointers are left out of that staging.
func (e *Engine) applyDiff(ctx context.Context, root, diff string, stage bool) error {
	if diff == "" {
		return nil
	}

	tmpFile, err := os.CreateTemp("", "wipsync-*.patch")
	if err != nil {
		return fmt.Errorf("failed to create patch file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.WriteString(diff); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write patch file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to write patch file: %w", err)
	}

	if err := e.git.Apply(ctx, root, tmpPath); err != nil {
		var cmdErr *git.CommandError
		if errors.As(err, &cmdErr) {
			return fmt.Errorf("%w:\n%s", ErrApply, strings.TrimRight(cmdErr.Stderr, "\n"))
		}
		return fmt.Errorf("%w: %w", ErrApply, err)
	}

	if !stage {
		return nil
	}

	for n, err := range e.walker(root).Walk(ctx) {
		if err != nil {
			return err
		}
		subs, err := n.Repo.Submodules()
		if err != nil {
			return fmt.Errorf("%s: %w", n.ChainID, err)
		}
		exclude := make([]string, 0, len(subs))
		for _, sub := range subs {
			exclude = append(exclude, sub.Path)
		}
		if err := e.git.AddAll(ctx, n.Dir, exclude); err != nil {
			return fmt.Errorf("%s: failed to stage applied changes: %w", n.ChainID, err)
		}
	}
	return nil
}

// stageSubmodules restores the submodule pointer changes that were staged
// when the bundle was captured. Pointer changes that were not staged stay
// out of the index.
func (e *Engine) stageSubmodules(ctx context.Context, root string, heads map[string]bundle.HeadDescriptor) error {
	for n, err := range e.walker(root).Walk(ctx) {
		if err != nil {
			return err
		}
		for _, path := range slices.Sorted(maps.Keys(heads[n.ChainID].StagedSubmodules)) {
			commit := heads[n.ChainID].StagedSubmodules[path]
			if err := e.git.StageSubmodule(ctx, n.Dir, path, commit); err != nil {
				return fmt.Errorf("%s: failed to stage submodule %s: %w", n.ChainID, path, err)
			}
			e.logger.Debug("staged submodule pointer", "chain", n.ChainID, "path", path, "commit", commit)
		}
	}
	return nil
}
