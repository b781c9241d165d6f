package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schaermu/wipsync/internal/bundle"
	"github.com/spf13/cobra"
)

// operation is one entry of the command table
type operation struct {
	use   string
	short string
	long  string
	// critical operations overwrite local state and ask for confirmation
	critical bool
	flags    func(cmd *cobra.Command)
	run      func(ctx context.Context, env *runEnv, root string) error
}

var operations = []operation{
	{
		use:   "save [path]",
		short: "Capture the working tree into a new bundle",
		long: `Save records the checked out branch or commit of the repository at path and
of every submodule below it, together with their staged and unstaged changes,
into a new bundle in the sync directory.

Branches must not hold unpushed commits.`,
		run: runSave,
	},
	{
		use:   "apply [path]",
		short: "Restore the working tree from the latest bundle",
		long: `Apply stashes local changes in every repository, moves each one to the branch
and commit recorded in the latest bundle, then replays the staged and unstaged
changes.`,
		critical: true,
		run:      runApply,
	},
	{
		use:   "compare [path]",
		short: "Check whether the working tree matches the latest bundle",
		long: `Compare collects the current staged and unstaged changes and compares them
with the latest bundle. It exits with status 1 when they diverge.`,
		run: runCompare,
	},
	{
		use:   "list [path]",
		short: "List the bundles of the repository, newest first",
		run:   runList,
	},
	{
		use:   "prune [path]",
		short: "Remove all but the newest bundles of the repository",
		flags: func(cmd *cobra.Command) {
			cmd.Flags().IntVar(&keepBundles, "keep", 1, "number of bundles to keep")
		},
		run: runPrune,
	},
}

func (op operation) name() string {
	name, _, _ := strings.Cut(op.use, " ")
	return name
}

func (op operation) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   op.use,
		Short: op.short,
		Long:  op.long,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, op, args)
		},
	}
	if op.critical {
		cmd.Annotations = map[string]string{"critical": "true"}
	}
	if op.flags != nil {
		op.flags(cmd)
	}
	return cmd
}

func runSave(ctx context.Context, env *runEnv, root string) error {
	rep, err := env.engine.Save(ctx, root)
	if err != nil {
		return err
	}
	env.printf("Saved %s (%d %s)\n", filepath.Base(rep.Path), rep.Nodes, plural(rep.Nodes, "repository", "repositories"))
	for _, path := range rep.Pruned {
		env.printf("Removed %s\n", filepath.Base(path))
	}
	return nil
}

func runApply(ctx context.Context, env *runEnv, root string) error {
	entries, err := env.engine.List(ctx, root)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w in sync directory", bundle.ErrNotFound)
	}
	latest := entries[0]
	env.printf("%s\n", describeAge(latest, time.Now()))

	if err := env.confirm(); err != nil {
		return err
	}

	// A newer bundle may have arrived while the prompt was open; the one
	// shown is the one applied.
	rep, err := env.engine.ApplyEntry(ctx, root, &latest)
	if err != nil {
		return err
	}
	for _, n := range rep.Nodes {
		path := n.RelPath
		if path == "" {
			path = "."
		}
		switch {
		case n.Skipped:
			env.printf("%s: not in bundle, left as is\n", path)
		case n.Detached:
			env.printf("%s: detached at %s\n", path, shortCommit(n.Target))
		default:
			env.printf("%s: on %s\n", path, n.Target)
		}
		if n.Stashed {
			env.printf("%s: local changes stashed\n", path)
		}
	}
	env.printf("Applied %s\n", filepath.Base(rep.Bundle.Path))
	return nil
}

func runCompare(ctx context.Context, env *runEnv, root string) error {
	c, err := env.engine.Compare(ctx, root)
	if err != nil {
		return err
	}
	env.printf("%s\n", describeAge(c.Bundle, time.Now()))
	env.printf("staged:   %s\n", syncState(c.StagedInSync))
	env.printf("unstaged: %s\n", syncState(c.UnstagedInSync))
	if !c.StagedInSync {
		env.printf("\nstaged changes (-bundle +working tree):\n%s", c.StagedDetail)
	}
	if !c.UnstagedInSync {
		env.printf("\nunstaged changes (-bundle +working tree):\n%s", c.UnstagedDetail)
	}
	if !c.InSync() {
		return errDiverged
	}
	return nil
}

func runList(ctx context.Context, env *runEnv, root string) error {
	entries, err := env.engine.List(ctx, root)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		env.printf("No bundles\n")
		return nil
	}

	w := tabwriter.NewWriter(env.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BUNDLE\tCREATED\tSIZE")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, humanize.Time(e.Time()), humanize.Bytes(uint64(e.Size)))
	}
	return w.Flush()
}

func runPrune(ctx context.Context, env *runEnv, root string) error {
	removed, err := env.engine.Prune(ctx, root, keepBundles)
	if err != nil {
		return err
	}
	for _, path := range removed {
		env.printf("Removed %s\n", filepath.Base(path))
	}
	env.printf("%d %s removed\n", len(removed), plural(len(removed), "bundle", "bundles"))
	return nil
}

// confirm prompts until the user answers yes or no. End of input counts as no.
func confirm(in io.Reader, out io.Writer, name string) (bool, error) {
	_, _ = fmt.Fprintf(out, "%s is a critical operation. Do you want to continue?\n", name)
	scanner := bufio.NewScanner(in)
	for {
		_, _ = fmt.Fprint(out, "Confirm with (y)es or (n)o: ")
		if !scanner.Scan() {
			_, _ = fmt.Fprintln(out)
			return false, scanner.Err()
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}

func describeAge(e bundle.Entry, now time.Time) string {
	created := e.Time()
	return fmt.Sprintf("Latest bundle is from %s (%s)",
		humanize.RelTime(created, now, "ago", "from now"),
		created.Local().Format(time.DateTime))
}

func syncState(inSync bool) string {
	if inSync {
		return "in sync"
	}
	return "diverged"
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
