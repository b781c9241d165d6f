package tree

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/wipsync/internal/repo"
	"github.com/schaermu/wipsync/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// nestedTree builds app -> [libs/b -> [vendor/c], libs/a] and returns a
// recursive clone of app.
func nestedTree(t *testing.T) string {
	t.Helper()
	c := testutil.NewRemote(t, "c")
	b := testutil.NewRemote(t, "b")
	a := testutil.NewRemote(t, "a")
	app := testutil.NewRemote(t, "app")

	seedB := testutil.Clone(t, b, false)
	testutil.AddSubmodule(t, seedB, c, "vendor/c")

	seedApp := testutil.Clone(t, app, false)
	testutil.AddSubmodule(t, seedApp, b, "libs/b")
	testutil.AddSubmodule(t, seedApp, a, "libs/a")

	return testutil.Clone(t, app, true)
}

func TestWalk_PreOrder(t *testing.T) {
	testutil.IsolateGit(t)
	dir := nestedTree(t)

	nodes, err := Collect(NewWalker(dir, "origin", discardLogger()).Walk(context.Background()))
	require.NoError(t, err)

	var chains, rels, prefixes []string
	for _, n := range nodes {
		chains = append(chains, n.ChainID)
		rels = append(rels, n.RelPath)
		prefixes = append(prefixes, n.Prefix())
	}
	assert.Equal(t, []string{"app", "app/b", "app/b/c", "app/a"}, chains)
	assert.Equal(t, []string{"", "libs/b", "libs/b/vendor/c", "libs/a"}, rels)
	assert.Equal(t, []string{"", "libs/b/", "libs/b/vendor/c/", "libs/a/"}, prefixes)
	assert.Equal(t, filepath.Join(nodes[0].Dir, "libs", "b", "vendor", "c"), nodes[2].Dir)
}

func TestWalk_Deterministic(t *testing.T) {
	testutil.IsolateGit(t)
	dir := nestedTree(t)
	walker := NewWalker(dir, "origin", discardLogger())

	first, err := Collect(walker.Walk(context.Background()))
	require.NoError(t, err)
	second, err := Collect(walker.Walk(context.Background()))
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ChainID, second[i].ChainID)
	}
}

func TestWalk_SkipsInvalidSubmodule(t *testing.T) {
	testutil.IsolateGit(t)
	lib := testutil.NewRemote(t, "lib")
	tool := testutil.NewRemote(t, "tool")
	app := testutil.NewRemote(t, "app")

	seed := testutil.Clone(t, app, false)
	testutil.AddSubmodule(t, seed, lib, "libs/lib")
	testutil.AddSubmodule(t, seed, tool, "tools/tool")

	// Initialize only the second submodule; libs/lib stays an empty directory.
	dir := testutil.Clone(t, app, false)
	testutil.Git(t, dir, "submodule", "update", "--init", "tools/tool")

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	nodes, err := Collect(NewWalker(dir, "origin", logger).Walk(context.Background()))
	require.NoError(t, err)

	require.Len(t, nodes, 2)
	assert.Equal(t, "app", nodes[0].ChainID)
	assert.Equal(t, "app/tool", nodes[1].ChainID)
	assert.Contains(t, logs.String(), "skipping invalid submodule")
	assert.Contains(t, logs.String(), "path=libs/lib")
}

func TestWalk_SkipsCycleAndDuplicate(t *testing.T) {
	testutil.IsolateGit(t)
	app := testutil.NewRemote(t, "app")
	// Distinct repositories that share identifiers with the root and with each other.
	appAgain := testutil.NewRemote(t, "app")
	lib1 := testutil.NewRemote(t, "lib")
	lib2 := testutil.NewRemote(t, "lib")

	seed := testutil.Clone(t, app, false)
	testutil.AddSubmodule(t, seed, appAgain, "loop")
	testutil.AddSubmodule(t, seed, lib1, "one/lib")
	testutil.AddSubmodule(t, seed, lib2, "two/lib")

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	nodes, err := Collect(NewWalker(testutil.Clone(t, app, true), "origin", logger).Walk(context.Background()))
	require.NoError(t, err)

	require.Len(t, nodes, 2)
	assert.Equal(t, "app", nodes[0].ChainID)
	assert.Equal(t, "app/lib", nodes[1].ChainID)
	assert.Equal(t, "one/lib", nodes[1].RelPath)
	assert.Contains(t, logs.String(), "skipping submodule cycle")
	assert.Contains(t, logs.String(), "skipping duplicate submodule")
}

func TestWalk_NoIdentifier(t *testing.T) {
	testutil.IsolateGit(t)
	dir := t.TempDir()
	testutil.Git(t, dir, "init")

	_, err := Collect(NewWalker(dir, "origin", discardLogger()).Walk(context.Background()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoIdentifier))
}

func TestWalk_NotRepository(t *testing.T) {
	_, err := Collect(NewWalker(t.TempDir(), "origin", discardLogger()).Walk(context.Background()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, repo.ErrNotRepository))
}

func TestWalk_StopsEarly(t *testing.T) {
	testutil.IsolateGit(t)
	dir := nestedTree(t)

	var visited []string
	for n, err := range NewWalker(dir, "origin", discardLogger()).Walk(context.Background()) {
		require.NoError(t, err)
		visited = append(visited, n.ChainID)
		if len(visited) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"app", "app/b"}, visited)
}

func TestWalk_Cancelled(t *testing.T) {
	testutil.IsolateGit(t)
	dir := testutil.Clone(t, testutil.NewRemote(t, "demo"), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(NewWalker(dir, "origin", discardLogger()).Walk(ctx))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollect_DuplicateChainID(t *testing.T) {
	seq := func(yield func(*Node, error) bool) {
		for _, id := range []string{"app", "app/lib", "app/lib"} {
			if !yield(&Node{ChainID: id}, nil) {
				return
			}
		}
	}

	_, err := Collect(seq)
	assert.ErrorContains(t, err, "duplicate chain id")
}
