package sync

import (
	"strings"

	"github.com/google/go-cmp/cmp"
)

// compareDiffs compares a recorded diff with a fresh one byte for byte. An
// empty diff and an absent one are the same thing. On mismatch it returns a
// line diff, "-" for the recorded side and "+" for the current one.
func compareDiffs(recorded, current string) (bool, string) {
	if recorded == current {
		return true, ""
	}
	return false, cmp.Diff(splitLines(recorded), splitLines(current))
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.SplitAfter(s, "\n")
}
