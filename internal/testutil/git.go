// Package testutil builds throwaway git remotes, clones and submodule trees
// for tests that drive the real git binary.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// IsolateGit makes every git invocation of the test independent from the
// user's configuration and allows file:// submodules. It skips the test when
// git is not installed.
func IsolateGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	t.Setenv("GIT_CONFIG_GLOBAL", os.DevNull)
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_CONFIG_COUNT", "2")
	t.Setenv("GIT_CONFIG_KEY_0", "protocol.file.allow")
	t.Setenv("GIT_CONFIG_VALUE_0", "always")
	t.Setenv("GIT_CONFIG_KEY_1", "init.defaultBranch")
	t.Setenv("GIT_CONFIG_VALUE_1", "main")
	t.Setenv("GIT_AUTHOR_NAME", "Test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@test.com")
	t.Setenv("GIT_COMMITTER_NAME", "Test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@test.com")
}

// Git runs git in dir and returns its trimmed stdout, failing the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var stderr string
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = string(exitErr.Stderr)
		}
		t.Fatalf("git %s (in %s): %v: %s", strings.Join(args, " "), dir, err, stderr)
	}
	return strings.TrimSpace(string(out))
}

// NewRemote creates a bare repository named <name>.git holding one commit on
// main and returns its path. The path doubles as the remote URL, so the
// repository identifier derived from it is name.
func NewRemote(t *testing.T, name string) string {
	t.Helper()
	base := t.TempDir()
	bare := filepath.Join(base, name+".git")
	Git(t, base, "init", "--bare", "-b", "main", bare)

	seed := filepath.Join(base, "seed-"+name)
	Git(t, base, "clone", bare, seed)
	CommitFile(t, seed, "README.md", name+"\n", "Initial commit")
	Git(t, seed, "push", "origin", "HEAD:main")
	return bare
}

// Clone clones remote into a fresh directory, checking out submodules when
// recurse is set.
func Clone(t *testing.T, remote string, recurse bool) string {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "work")
	args := []string{"clone"}
	if recurse {
		args = append(args, "--recurse-submodules")
	}
	args = append(args, remote, dest)
	Git(t, filepath.Dir(dest), args...)
	return dest
}

// WriteFile creates or overwrites dir/name, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the content of dir/name.
func ReadFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// CommitFile writes and commits a single file and returns the new HEAD.
func CommitFile(t *testing.T, dir, name, content, msg string) string {
	t.Helper()
	WriteFile(t, dir, name, content)
	Git(t, dir, "add", name)
	Git(t, dir, "commit", "-m", msg)
	return Head(t, dir)
}

// Head returns the commit HEAD points to.
func Head(t *testing.T, dir string) string {
	t.Helper()
	return Git(t, dir, "rev-parse", "HEAD")
}

// AddSubmodule registers remote as a submodule at path, commits and pushes it.
func AddSubmodule(t *testing.T, dir, remote, path string) {
	t.Helper()
	Git(t, dir, "submodule", "add", remote, path)
	Git(t, dir, "commit", "-m", "Add submodule "+path)
	Git(t, dir, "push", "origin", "HEAD")
}

// Diffs returns the staged and unstaged diff of dir, untracked files included
// as intent-to-add entries.
func Diffs(t *testing.T, dir string) (staged, unstaged string) {
	t.Helper()
	if untracked := Git(t, dir, "ls-files", "--others", "--exclude-standard"); untracked != "" {
		args := append([]string{"add", "--intent-to-add", "--"}, strings.Split(untracked, "\n")...)
		Git(t, dir, args...)
	}
	return Git(t, dir, "diff", "--staged", "--no-color"), Git(t, dir, "diff", "--no-color")
}
