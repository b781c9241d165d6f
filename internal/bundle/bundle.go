// Package bundle stores captured working tree states as files in a shared
// directory. A bundle is written once, atomically, and never modified; the
// newest bundle of an identity is the one that gets applied.
package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Version is the bundle format version written by this package
const Version = 1

const (
	separator = "#"
	extension = ".patch"
	tmpPrefix = ".wipsync-tmp-"
)

var (
	// ErrDirNotFound is returned when the sync directory does not exist
	ErrDirNotFound = errors.New("sync directory not found")
	// ErrNotFound is returned when no bundle exists for an identity
	ErrNotFound = errors.New("no bundle found")
	// ErrCorrupt is returned when a bundle file cannot be decoded
	ErrCorrupt = errors.New("corrupt bundle")
)

// now is replaced in tests
var now = time.Now

// HeadDescriptor records where HEAD of one repository was
type HeadDescriptor struct {
	CommitID string `json:"commit_id"`
	// RemoteBranch is the branch name on the remote, e.g. "main" for
	// refs/remotes/origin/main. Empty means HEAD was detached.
	RemoteBranch string `json:"remote_branch,omitempty"`
	// StagedSubmodules maps the path of each submodule whose pointer change
	// was staged to the staged commit
	StagedSubmodules map[string]string `json:"staged_submodules,omitempty"`
}

// Detached reports whether HEAD was detached at CommitID
func (h HeadDescriptor) Detached() bool {
	return h.RemoteBranch == ""
}

// Bundle is the captured state of a repository tree
type Bundle struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	// Heads is keyed by chain id and holds one entry per visited repository
	Heads map[string]HeadDescriptor `json:"heads"`
	// DiffStaged and DiffUnstaged are the per-repository diffs concatenated
	// in walk order, paths prefixed with each repository's relative path
	DiffStaged   string `json:"diff_staged"`
	DiffUnstaged string `json:"diff_unstaged"`
}

// New creates a bundle of the current format version
func New(heads map[string]HeadDescriptor, staged, unstaged string) *Bundle {
	return &Bundle{
		Version:      Version,
		Heads:        heads,
		DiffStaged:   staged,
		DiffUnstaged: unstaged,
	}
}

// Entry is a bundle file found in the sync directory
type Entry struct {
	Path string
	Name string
	// Stamp is the UTC Unix nanosecond timestamp encoded in the name
	Stamp int64
	Size  int64
}

// Time returns the creation time encoded in the file name
func (e Entry) Time() time.Time {
	return time.Unix(0, e.Stamp).UTC()
}

// FileName returns the file name of a bundle of identity created at stamp
func FileName(identity string, stamp int64) string {
	return identity + separator + strconv.FormatInt(stamp, 10) + extension
}

// ParseFileName extracts the timestamp from a bundle file name of identity.
// Names of other identities, temp files and malformed stamps are rejected.
func ParseFileName(identity, name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, identity+separator)
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(rest, extension)
	if !ok || digits == "" {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	stamp, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || stamp <= 0 {
		return 0, false
	}
	return stamp, true
}

// Persist writes the bundle into dir under a fresh name and returns its path.
// The stamp is strictly greater than that of every existing bundle of
// identity, so the bundle just written is always the latest one.
func (b *Bundle) Persist(identity, dir string) (string, error) {
	if err := checkDir(dir); err != nil {
		return "", err
	}

	entries, err := List(identity, dir)
	if err != nil {
		return "", err
	}

	stamp := now().UTC().UnixNano()
	if len(entries) > 0 && stamp <= entries[0].Stamp {
		stamp = entries[0].Stamp + 1
	}
	b.Version = Version
	b.CreatedAt = time.Unix(0, stamp).UTC()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return "", fmt.Errorf("failed to encode bundle: %w", err)
	}

	dst := filepath.Join(dir, FileName(identity, stamp))
	if err := writeAtomic(dir, dst, buf.Bytes()); err != nil {
		return "", fmt.Errorf("failed to write bundle %s: %w", dst, err)
	}
	return dst, nil
}

// writeAtomic writes data to a temp file in dir and renames it to dst
func writeAtomic(dir, dst string, data []byte) error {
	tmpFile, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// LoadFile reads and validates a single bundle file
func LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read bundle %s: %w", path, err)
	}

	// A byte order mark written by other tools is tolerated on read.
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if b.Version < 1 || b.Version > Version {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorrupt, path, b.Version)
	}
	if len(b.Heads) == 0 {
		return nil, fmt.Errorf("%w: %s: no heads recorded", ErrCorrupt, path)
	}
	for chain, head := range b.Heads {
		if head.CommitID == "" {
			return nil, fmt.Errorf("%w: %s: no commit recorded for %s", ErrCorrupt, path, chain)
		}
	}
	return &b, nil
}

// LoadLatest loads the bundle of identity with the greatest timestamp
func LoadLatest(identity, dir string) (*Bundle, Entry, error) {
	entries, err := List(identity, dir)
	if err != nil {
		return nil, Entry{}, err
	}
	if len(entries) == 0 {
		return nil, Entry{}, fmt.Errorf("%w for %s in %s", ErrNotFound, identity, dir)
	}

	b, err := LoadFile(entries[0].Path)
	if err != nil {
		return nil, Entry{}, err
	}
	return b, entries[0], nil
}

// List returns the bundles of identity in dir, newest first
func List(identity, dir string) ([]Entry, error) {
	if err := checkDir(dir); err != nil {
		return nil, err
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync directory: %w", err)
	}

	var entries []Entry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		stamp, ok := ParseFileName(identity, f.Name())
		if !ok {
			continue
		}
		entry := Entry{
			Path:  filepath.Join(dir, f.Name()),
			Name:  f.Name(),
			Stamp: stamp,
		}
		if info, err := f.Info(); err == nil {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Stamp > entries[j].Stamp
	})
	return entries, nil
}

// Prune removes all but the newest keep bundles of identity and returns the removed paths
func Prune(identity, dir string, keep int) ([]string, error) {
	if keep < 1 {
		return nil, fmt.Errorf("keep must be at least 1, got %d", keep)
	}

	entries, err := List(identity, dir)
	if err != nil {
		return nil, err
	}
	if len(entries) <= keep {
		return nil, nil
	}

	var removed []string
	for _, e := range entries[keep:] {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove bundle %s: %w", e.Path, err)
		}
		removed = append(removed, e.Path)
	}
	return removed, nil
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrDirNotFound, dir)
		}
		return fmt.Errorf("failed to stat sync directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDirNotFound, dir)
	}
	return nil
}
