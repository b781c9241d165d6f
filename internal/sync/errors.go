package sync

import "errors"

// Environment errors
var (
	// ErrOperationInProgress is returned when a repository of the tree has a
	// merge, rebase, cherry-pick, revert or bisect in progress.
	ErrOperationInProgress = errors.New("operation in progress")
	// ErrAborted is returned when the user declines a critical operation.
	ErrAborted = errors.New("aborted")
)

// Capture errors
var (
	// ErrUnpushedCommits is returned when a branch holds commits its remote
	// tracking branch does not have. Such a state cannot be reproduced elsewhere.
	ErrUnpushedCommits = errors.New("unpushed commits")
	// ErrUnknownHeadState is returned when HEAD is on a branch without a
	// remote upstream.
	ErrUnknownHeadState = errors.New("unknown HEAD state")
	// ErrMalformedRemoteRef is returned when the tracked ref is not
	// refs/remotes/<remote>/<branch>.
	ErrMalformedRemoteRef = errors.New("malformed remote ref")
	// ErrDiffFailed is returned when a diff cannot be produced.
	ErrDiffFailed = errors.New("diff failed")
)

// Restore errors
var (
	// ErrUnsupportedRemoteLayout is returned when the remote does not have
	// exactly one fetch refspec.
	ErrUnsupportedRemoteLayout = errors.New("unsupported remote layout")
	ErrFetchFailed             = errors.New("fetch failed")
	// ErrPullConflict is returned when the checked out branch cannot be
	// fast-forwarded to its upstream.
	ErrPullConflict   = errors.New("pull conflict")
	ErrResetFailed    = errors.New("reset failed")
	ErrCheckoutFailed = errors.New("checkout failed")
)

// ErrApply is returned when a recorded diff does not apply. The error text
// carries git's output unchanged.
var ErrApply = errors.New("failed to apply diff")
