package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ErrGitUnavailable is returned when the git binary cannot be executed.
var ErrGitUnavailable = errors.New("git is not available")

// Client provides the git operations needed to capture and restore a working tree
type Client interface {
	// Version returns the output of git --version
	Version(ctx context.Context) (string, error)
	// IsDirty reports whether the working tree or index has any change, untracked files included
	IsDirty(ctx context.Context, dir string) (bool, error)
	// UntrackedFiles lists untracked, non-ignored files relative to dir
	UntrackedFiles(ctx context.Context, dir string) ([]string, error)
	// AddIntentToAdd registers paths as intent-to-add entries
	AddIntentToAdd(ctx context.Context, dir string, paths []string) error
	// AddAll stages every change in dir except below the exclude paths
	AddAll(ctx context.Context, dir string, exclude []string) error
	// StagedSubmodules maps each submodule path whose staged commit differs
	// from HEAD to the staged commit
	StagedSubmodules(ctx context.Context, dir string) (map[string]string, error)
	// StageSubmodule records commit as the staged commit of the submodule at path
	StageSubmodule(ctx context.Context, dir, path, commit string) error
	// Diff returns the staged or unstaged diff of dir with the given path prefix
	Diff(ctx context.Context, dir, prefix string, staged bool) (string, error)
	// Apply applies the patch file at the working tree rooted at dir
	Apply(ctx context.Context, dir, patchFile string) error
	// Stash saves local modifications including untracked files; false means nothing to stash
	Stash(ctx context.Context, dir string, who Identity, message string) (bool, error)
	// Fetch fetches a single refspec from remote
	Fetch(ctx context.Context, dir string, remote Remote) error
	// Checkout force-checks out a branch, or a commit when detach is set
	Checkout(ctx context.Context, dir, rev string, detach bool) error
	// CreateTrackingBranch creates a local branch tracking upstream
	CreateTrackingBranch(ctx context.Context, dir, name, upstream string) error
	// PullFastForward pulls the current branch; false means it was already up to date
	PullFastForward(ctx context.Context, dir string, remote Remote) (bool, error)
	// ResetHard resets the current branch and working tree to commit
	ResetHard(ctx context.Context, dir, commit string) error
	// RevParse resolves rev to a full commit hash
	RevParse(ctx context.Context, dir, rev string) (string, error)
}

// Identity is the author used for stashes
type Identity struct {
	Name  string
	Email string
}

// Remote describes the remote used by fetch and pull
type Remote struct {
	Name    string
	URL     string
	RefSpec string
}

// CommandError reports a git invocation that exited with a non-zero status.
// Stderr is kept verbatim so callers can surface it unchanged.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	sub := subcommand(e.Args)
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("git %s: exit status %d", sub, e.ExitCode)
	}
	return fmt.Sprintf("git %s: exit status %d: %s", sub, e.ExitCode, msg)
}

// Result holds the captured output of one git invocation
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ShellClient implements Client by shelling out to the git command.
//
// Every invocation passes through a reader/writer gate: reads (status, diff,
// rev-parse, ls-files) run concurrently, while writes (add, apply, stash,
// fetch, checkout, branch, pull, reset) exclude all other invocations.
type ShellClient struct {
	binary         string
	sshKeyFile     string
	httpsTokenFile string

	gate sync.RWMutex
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(binary, sshKeyFile, httpsTokenFile string) *ShellClient {
	if strings.TrimSpace(binary) == "" {
		binary = "git"
	}
	return &ShellClient{
		binary:         binary,
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// Version runs git --version and fails with ErrGitUnavailable when git cannot run
func (c *ShellClient) Version(ctx context.Context) (string, error) {
	res, err := c.read(ctx, "", "--version")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGitUnavailable, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// IsDirty checks git status, ignoring submodule pointer changes
func (c *ShellClient) IsDirty(ctx context.Context, dir string) (bool, error) {
	res, err := c.read(ctx, dir, "status", "--porcelain", "--untracked-files=all", "--ignore-submodules=all")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

// UntrackedFiles lists untracked files that are not ignored
func (c *ShellClient) UntrackedFiles(ctx context.Context, dir string) ([]string, error) {
	res, err := c.read(ctx, dir, "ls-files", "--others", "--exclude-standard", "-z")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, f := range strings.Split(res.Stdout, "\x00") {
		if f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// AddIntentToAdd marks paths as intent-to-add so they show up in diffs
// without their content being staged
func (c *ShellClient) AddIntentToAdd(ctx context.Context, dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--intent-to-add", "--"}, paths...)
	_, err := c.write(ctx, dir, args...)
	return err
}

// AddAll stages all changes, including removals and untracked files. Paths in
// exclude, typically submodules, keep their index entry.
func (c *ShellClient) AddAll(ctx context.Context, dir string, exclude []string) error {
	args := []string{"add", "--all", "--", "."}
	for _, path := range exclude {
		args = append(args, ":(exclude)"+path)
	}
	_, err := c.write(ctx, dir, args...)
	return err
}

// gitlinkMode is the index mode of a submodule entry
const gitlinkMode = "160000"

// StagedSubmodules reads the raw staged diff and keeps the submodule entries
// that moved to another commit
func (c *ShellClient) StagedSubmodules(ctx context.Context, dir string) (map[string]string, error) {
	res, err := c.read(ctx, dir, "diff", "--staged", "--raw", "-z", "--no-abbrev", "--no-renames", "--ignore-submodules=none")
	if err != nil {
		return nil, err
	}
	return parseStagedGitlinks(res.Stdout), nil
}

// parseStagedGitlinks parses "diff --raw -z" output, where every entry is
// ":<src mode> <dst mode> <src sha> <dst sha> <status>" NUL "<path>" NUL.
func parseStagedGitlinks(raw string) map[string]string {
	moved := map[string]string{}
	fields := strings.Split(raw, "\x00")
	for i := 0; i+1 < len(fields); i += 2 {
		meta := strings.Fields(strings.TrimPrefix(fields[i], ":"))
		if len(meta) < 5 {
			continue
		}
		if meta[0] == gitlinkMode && meta[1] == gitlinkMode {
			moved[fields[i+1]] = meta[3]
		}
	}
	return moved
}

// StageSubmodule writes the submodule entry straight into the index, so the
// checked out commit of the submodule does not matter
func (c *ShellClient) StageSubmodule(ctx context.Context, dir, path, commit string) error {
	_, err := c.write(ctx, dir, "update-index", "--cacheinfo", gitlinkMode+","+commit+","+path)
	return err
}

// Diff produces a binary-safe diff whose paths are rooted at prefix
func (c *ShellClient) Diff(ctx context.Context, dir, prefix string, staged bool) (string, error) {
	args := []string{
		"diff", "--binary", "--no-color", "--no-ext-diff", "--ignore-submodules=all",
		"--src-prefix=a/" + prefix,
		"--dst-prefix=b/" + prefix,
	}
	if staged {
		args = append(args, "--staged")
	}
	res, err := c.read(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Apply applies a patch file to the working tree
func (c *ShellClient) Apply(ctx context.Context, dir, patchFile string) error {
	_, err := c.write(ctx, dir, "apply", patchFile)
	return err
}

// Stash pushes all local modifications, untracked files included, authored by who
func (c *ShellClient) Stash(ctx context.Context, dir string, who Identity, message string) (bool, error) {
	res, err := c.write(ctx, dir,
		"-c", "user.name="+who.Name,
		"-c", "user.email="+who.Email,
		"stash", "push", "--include-untracked", "--message", message)
	if err != nil {
		return false, err
	}
	if strings.Contains(res.Stdout, "No local changes to save") {
		return false, nil
	}
	return true, nil
}

// Fetch updates remote-tracking refs for a single refspec
func (c *ShellClient) Fetch(ctx context.Context, dir string, remote Remote) error {
	args := []string{"fetch", "--no-recurse-submodules", remote.Name}
	if remote.RefSpec != "" {
		args = append(args, remote.RefSpec)
	}
	_, err := c.remoteWrite(ctx, dir, remote.URL, args...)
	return err
}

// Checkout force-checks out rev, discarding local modifications
func (c *ShellClient) Checkout(ctx context.Context, dir, rev string, detach bool) error {
	args := []string{"checkout", "--force"}
	if detach {
		args = append(args, "--detach")
	}
	args = append(args, rev)
	_, err := c.write(ctx, dir, args...)
	return err
}

// CreateTrackingBranch creates branch name at upstream and sets it as upstream
func (c *ShellClient) CreateTrackingBranch(ctx context.Context, dir, name, upstream string) error {
	_, err := c.write(ctx, dir, "branch", "--track", name, upstream)
	return err
}

// PullFastForward pulls the checked out branch, refusing anything but a fast-forward
func (c *ShellClient) PullFastForward(ctx context.Context, dir string, remote Remote) (bool, error) {
	res, err := c.remoteWrite(ctx, dir, remote.URL, "pull", "--ff-only", "--no-recurse-submodules")
	if err != nil {
		return false, err
	}
	out := res.Stdout
	if strings.Contains(out, "Already up to date") || strings.Contains(out, "Already up-to-date") {
		return false, nil
	}
	return true, nil
}

// IsNotFastForward reports whether err is a pull that git refused because the
// branches diverged, as opposed to a transport or authentication failure
func IsNotFastForward(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	msg := strings.ToLower(cmdErr.Stderr)
	return strings.Contains(msg, "not possible to fast-forward") || strings.Contains(msg, "diverging")
}

// ResetHard moves the current branch to commit and resets index and working tree
func (c *ShellClient) ResetHard(ctx context.Context, dir, commit string) error {
	_, err := c.write(ctx, dir, "reset", "--hard", commit)
	return err
}

// RevParse resolves rev to a commit hash
func (c *ShellClient) RevParse(ctx context.Context, dir, rev string) (string, error) {
	res, err := c.read(ctx, dir, "rev-parse", "--verify", rev+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (c *ShellClient) read(ctx context.Context, dir string, args ...string) (*Result, error) {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.runCommand(c.command(ctx, dir, args...))
}

func (c *ShellClient) write(ctx context.Context, dir string, args ...string) (*Result, error) {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.runCommand(c.command(ctx, dir, args...))
}

// remoteWrite is a write that talks to a remote and therefore needs auth
func (c *ShellClient) remoteWrite(ctx context.Context, dir, url string, args ...string) (*Result, error) {
	cmd := c.command(ctx, dir, args...)
	if err := c.configureAuth(cmd, url); err != nil {
		return nil, err
	}
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.runCommand(cmd)
}

func (c *ShellClient) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	// Messages such as "No local changes to save" are matched verbatim.
	cmd.Env = append(os.Environ(), "LC_ALL=C", "GIT_TERMINAL_PROMPT=0")
	return cmd
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		tokenStr := strings.TrimSpace(string(token))

		// The token travels through the environment and a credential helper
		// reads it back, so it never appears in a shell expression.
		cmd.Env = append(cmd.Env, "WIPSYNC_GIT_TOKEN="+tokenStr)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$WIPSYNC_GIT_TOKEN"; }; f`,
		)

		return nil
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "fetch", "pull").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns a CommandError carrying stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) (*Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &CommandError{Args: cmd.Args[1:], ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("%s %s: %w", c.binary, subcommand(cmd.Args[1:]), err)
}

// subcommand returns the first argument that is not a global flag
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" || args[i] == "-C" {
			i++
			continue
		}
		if !strings.HasPrefix(args[i], "-") {
			return args[i]
		}
	}
	if len(args) > 0 {
		return args[0]
	}
	return "<none>"
}
