package sync

import (
	"context"
	"errors"

	"github.com/schaermu/wipsync/internal/bundle"
)

// Outcome is the final state of an operation
type Outcome int

const (
	// Succeeded means the operation ran to completion
	Succeeded Outcome = iota
	// Failed means the operation stopped on an error
	Failed
	// Aborted means the user declined or interrupted the operation
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// OutcomeOf classifies the error an operation returned
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Succeeded
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return Aborted
	default:
		return Failed
	}
}

// SaveReport describes a persisted bundle
type SaveReport struct {
	Path  string
	Nodes int
	// Pruned lists bundles removed after saving
	Pruned []string
}

// PullState tells what pulling the restored branch did
type PullState string

const (
	PullNone     PullState = ""
	PullUpToDate PullState = "up to date"
	PullUpdated  PullState = "pulled"
)

// NodeRestore describes what restoring one repository did
type NodeRestore struct {
	ChainID string
	RelPath string
	// Stashed is false when there were no local changes to back up
	Stashed bool
	// Skipped is set when the bundle has no head for the repository
	Skipped bool
	Detached bool
	// Target is the checked out branch, or the commit when detached
	Target string
	Pull   PullState
	// Reset is set when the branch was reset back to the recorded commit
	Reset bool
}

// ApplyReport describes an applied bundle
type ApplyReport struct {
	Bundle bundle.Entry
	Nodes  []NodeRestore
}

// Comparison is the result of comparing the working tree with the latest bundle
type Comparison struct {
	Bundle         bundle.Entry
	StagedInSync   bool
	UnstagedInSync bool
	// StagedDetail and UnstagedDetail show a line diff (-bundle +current)
	// of the mode that diverged
	StagedDetail   string
	UnstagedDetail string
}

// InSync reports whether both diff modes match the bundle
func (c *Comparison) InSync() bool {
	return c.StagedInSync && c.UnstagedInSync
}
