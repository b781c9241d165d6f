// Package repo answers read-only questions about a git repository: where its
// remote points, what HEAD is, which branch it tracks, which submodules it
// declares and whether an operation is half finished. Nothing here mutates
// the repository; mutations go through the git command line.
package repo

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	format "github.com/go-git/go-git/v5/plumbing/format/config"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// ErrNotRepository is returned when a directory does not hold a usable git repository.
var ErrNotRepository = errors.New("not a git repository")

// Repository is an opened working tree
type Repository struct {
	dir  string
	repo *gogit.Repository
}

// Upstream is the branch configured as upstream of the checked out branch
type Upstream struct {
	// Remote is the branch.<name>.remote value, "." for a local upstream
	Remote string
	// Merge is the branch.<name>.merge value, e.g. refs/heads/main
	Merge string
	// TrackingRef is Merge mapped through the remote's fetch refspecs,
	// e.g. refs/remotes/origin/main. Empty when no refspec maps it.
	TrackingRef string
}

// HeadState describes what HEAD points to
type HeadState struct {
	Commit   string
	Detached bool
	// Branch is the short branch name when HEAD is attached
	Branch string
	// Upstream is nil when the branch has no upstream configured
	Upstream *Upstream
}

// Remote is a configured remote with its fetch refspecs
type Remote struct {
	Name  string
	URL   string
	Fetch []string
}

// Submodule is one entry of .gitmodules
type Submodule struct {
	Name string
	Path string
	URL  string
}

// Open opens the repository whose working tree is exactly dir
func Open(dir string) (*Repository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	r, err := gogit.PlainOpen(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotRepository, abs, err)
	}
	return &Repository{dir: abs, repo: r}, nil
}

// Dir returns the absolute working tree path
func (r *Repository) Dir() string {
	return r.dir
}

// Remote returns the named remote
func (r *Repository) Remote(name string) (*Remote, error) {
	rem, err := r.repo.Remote(name)
	if err != nil {
		return nil, fmt.Errorf("remote %q: %w", name, err)
	}

	cfg := rem.Config()
	out := &Remote{Name: cfg.Name}
	if len(cfg.URLs) > 0 {
		out.URL = cfg.URLs[0]
	}
	for _, spec := range cfg.Fetch {
		out.Fetch = append(out.Fetch, spec.String())
	}
	return out, nil
}

// RemoteURL returns the first URL of the named remote
func (r *Repository) RemoteURL(name string) (string, error) {
	rem, err := r.Remote(name)
	if err != nil {
		return "", err
	}
	if rem.URL == "" {
		return "", fmt.Errorf("remote %q has no url", name)
	}
	return rem.URL, nil
}

// Head reports the commit HEAD resolves to and, when attached, the branch and its upstream
func (r *Repository) Head() (*HeadState, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	state := &HeadState{Commit: ref.Hash().String()}
	if !ref.Name().IsBranch() {
		state.Detached = true
		return state, nil
	}
	state.Branch = ref.Name().Short()

	cfg, err := r.repo.Config()
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	b, ok := cfg.Branches[state.Branch]
	if !ok || b.Remote == "" || b.Merge == "" {
		return state, nil
	}

	state.Upstream = &Upstream{Remote: b.Remote, Merge: b.Merge.String()}
	if b.Remote != "." {
		state.Upstream.TrackingRef = trackingRef(cfg, b.Remote, b.Merge)
	}
	return state, nil
}

// trackingRef maps merge through the fetch refspecs of remote
func trackingRef(cfg *config.Config, remote string, merge plumbing.ReferenceName) string {
	rc, ok := cfg.Remotes[remote]
	if !ok {
		return ""
	}
	for _, spec := range rc.Fetch {
		if spec.Match(merge) {
			return spec.Dst(merge).String()
		}
	}
	return ""
}

// AheadOfUpstream reports whether HEAD holds commits its tracking ref lacks.
// A tracking ref that does not exist locally counts as ahead: nothing proves
// the commits were pushed.
func (r *Repository) AheadOfUpstream(state *HeadState) (bool, error) {
	if state.Upstream == nil || state.Upstream.TrackingRef == "" {
		return false, fmt.Errorf("branch %q has no remote tracking ref", state.Branch)
	}

	up, err := r.repo.Reference(plumbing.ReferenceName(state.Upstream.TrackingRef), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to resolve %s: %w", state.Upstream.TrackingRef, err)
	}

	head := plumbing.NewHash(state.Commit)
	if up.Hash() == head {
		return false, nil
	}

	headCommit, err := r.repo.CommitObject(head)
	if err != nil {
		return false, fmt.Errorf("failed to load commit %s: %w", state.Commit, err)
	}
	upCommit, err := r.repo.CommitObject(up.Hash())
	if err != nil {
		return false, fmt.Errorf("failed to load commit %s: %w", up.Hash(), err)
	}

	behindOnly, err := headCommit.IsAncestor(upCommit)
	if err != nil {
		return false, fmt.Errorf("failed to compare %s with %s: %w", state.Commit, up.Hash(), err)
	}
	return !behindOnly, nil
}

// ResolveRef returns the commit a full reference name points to
func (r *Repository) ResolveRef(name string) (string, bool, error) {
	ref, err := r.repo.Reference(plumbing.ReferenceName(name), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	return ref.Hash().String(), true, nil
}

// HasCommit reports whether the object database holds the commit
func (r *Repository) HasCommit(sha string) bool {
	if !plumbing.IsHash(sha) {
		return false
	}
	_, err := r.repo.CommitObject(plumbing.NewHash(sha))
	return err == nil
}

// LocalBranchTracking returns the local branch whose upstream maps to ref.
// When several do, the alphabetically first wins.
func (r *Repository) LocalBranchTracking(ref string) (string, bool, error) {
	cfg, err := r.repo.Config()
	if err != nil {
		return "", false, fmt.Errorf("failed to read config: %w", err)
	}

	names := make([]string, 0, len(cfg.Branches))
	for name := range cfg.Branches {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		b := cfg.Branches[name]
		if b.Remote == "" || b.Remote == "." || b.Merge == "" {
			continue
		}
		if trackingRef(cfg, b.Remote, b.Merge) != ref {
			continue
		}
		if _, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), false); err != nil {
			continue
		}
		return name, true, nil
	}
	return "", false, nil
}

// RemoteTrackingRef maps a remote branch name through a fetch refspec,
// e.g. ("+refs/heads/*:refs/remotes/origin/*", "main") -> refs/remotes/origin/main.
func RemoteTrackingRef(fetchSpec, branch string) (string, bool) {
	spec := config.RefSpec(fetchSpec)
	if err := spec.Validate(); err != nil {
		return "", false
	}
	src := plumbing.NewBranchReferenceName(branch)
	if !spec.Match(src) {
		return "", false
	}
	return spec.Dst(src).String(), true
}

// Submodules returns the .gitmodules entries in declaration order.
// A repository without .gitmodules has none.
func (r *Repository) Submodules() ([]Submodule, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, ".gitmodules"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read .gitmodules: %w", err)
	}

	// The decoded raw config keeps subsections in file order, unlike
	// config.Modules which stores them in a map.
	raw := format.New()
	if err := format.NewDecoder(bytes.NewReader(data)).Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to parse .gitmodules: %w", err)
	}

	var subs []Submodule
	for _, sub := range raw.Section("submodule").Subsections {
		path := strings.TrimSpace(sub.Option("path"))
		if path == "" {
			continue
		}
		subs = append(subs, Submodule{
			Name: sub.Name,
			Path: filepath.ToSlash(path),
			URL:  sub.Option("url"),
		})
	}
	return subs, nil
}

// inProgressMarkers maps files in the git directory to the operation they reveal
var inProgressMarkers = []struct {
	file string
	op   string
}{
	{"MERGE_HEAD", "merge"},
	{"rebase-merge", "rebase"},
	{"rebase-apply", "rebase"},
	{"CHERRY_PICK_HEAD", "cherry-pick"},
	{"REVERT_HEAD", "revert"},
	{"BISECT_LOG", "bisect"},
}

// InProgressOperation names a merge, rebase, cherry-pick, revert or bisect
// that was started and not finished, or returns "" when there is none.
func (r *Repository) InProgressOperation() string {
	storage, ok := r.repo.Storer.(*filesystem.Storage)
	if !ok {
		return ""
	}
	fs := storage.Filesystem()
	for _, m := range inProgressMarkers {
		if _, err := fs.Stat(m.file); err == nil {
			return m.op
		}
	}
	return ""
}

// IdentifierFromURL derives a repository identifier from a remote URL: the
// last path segment with any trailing .git removed. Both "/" and ":" count
// as separators so scp-like URLs (git@host:name.git) work too.
func IdentifierFromURL(url string) (string, bool) {
	s := strings.TrimRight(strings.TrimSpace(url), `/\`)
	s = strings.TrimSuffix(s, ".git")
	if i := strings.LastIndexAny(s, `/\:`); i >= 0 {
		s = s[i+1:]
	}
	if s == "" || s == "." || s == ".." {
		return "", false
	}
	return s, true
}
