//go:build integration

package roundtrip

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/wipsync/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the wipsync binary and runs it on behalf of simulated
// machines that share one sync directory.
type Harness struct {
	t       *testing.T
	binary  string
	syncDir string
}

// Machine is one user environment with its own XDG config directory
type Machine struct {
	Name      string
	ConfigDir string
}

// NewHarness creates a new test harness with an empty sync directory
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:       t,
		binary:  filepath.Join(t.TempDir(), "wipsync"),
		syncDir: t.TempDir(),
	}
}

// Build compiles the wipsync binary
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot := testutil.ProjectRoot(h.t)

	h.t.Logf("Building %s", h.binary)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/wipsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Machine creates a machine whose user config points at the shared sync directory
func (h *Harness) Machine(name string) *Machine {
	h.t.Helper()
	m := &Machine{Name: name, ConfigDir: h.t.TempDir()}

	config := fmt.Sprintf(`sync_dir: %s
identity:
  name: %s
collect:
  parallel: 2
`, h.syncDir, name)

	path := filepath.Join(m.ConfigDir, "wipsync", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(config), 0o644); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
	return m
}

// Run executes wipsync on machine m in dir
func (h *Harness) Run(ctx context.Context, m *Machine, dir string, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"XDG_CONFIG_HOME="+m.ConfigDir,
		"XDG_CONFIG_DIRS="+m.ConfigDir,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	h.t.Logf("[%s] wipsync %s: exit %d", m.Name, strings.Join(args, " "), exitCode)
	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes wipsync and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, m *Machine, dir string, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, m, dir, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// Bundles returns the file names in the sync directory
func (h *Harness) Bundles() []string {
	h.t.Helper()
	entries, err := os.ReadDir(h.syncDir)
	if err != nil {
		h.t.Fatalf("read sync dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
