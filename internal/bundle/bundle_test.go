package bundle

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func sampleBundle() *Bundle {
	return New(map[string]HeadDescriptor{
		"demo":      {CommitID: "1111111111111111111111111111111111111111", RemoteBranch: "main"},
		"demo/core": {CommitID: "2222222222222222222222222222222222222222"},
	},
		"diff --git a/x b/x\n",
		"diff --git a/libs/core/y b/libs/core/y\n",
	)
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		want   int64
		wantOK bool
	}{
		{name: "valid", file: "demo#1700000000000000000.patch", want: 1700000000000000000, wantOK: true},
		{name: "other identity", file: "other#1700000000000000000.patch"},
		{name: "identity prefix only", file: "demo2#1700000000000000000.patch"},
		{name: "missing stamp", file: "demo#.patch"},
		{name: "non numeric", file: "demo#abc.patch"},
		{name: "signed stamp", file: "demo#-5.patch"},
		{name: "zero stamp", file: "demo#0.patch"},
		{name: "wrong extension", file: "demo#1700000000000000000.json"},
		{name: "overflow", file: "demo#99999999999999999999999.patch"},
		{name: "temp file", file: ".wipsync-tmp-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseFileName("demo", tt.file)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	stamp, ok := ParseFileName("demo", FileName("demo", 42))
	assert.True(t, ok)
	assert.Equal(t, int64(42), stamp)
}

func TestPersist_LoadFile(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(t, at)

	b := sampleBundle()
	// Characters the JSON encoder would escape by default, a CRLF line and
	// a NUL byte survive unchanged.
	b.DiffUnstaged = "diff --git a/a.html b/a.html\n+<p>&amp;</p>\r\n+\x00\n"

	path, err := b.Persist("demo", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName("demo", at.UnixNano())), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<p>&amp;</p>")
	assert.Contains(t, string(raw), "\n  \"heads\"")

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	if diff := cmp.Diff(b, loaded); diff != "" {
		t.Errorf("bundle mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Version, loaded.Version)
	assert.True(t, loaded.CreatedAt.Equal(at))
	assert.True(t, loaded.Heads["demo/core"].Detached())
	assert.False(t, loaded.Heads["demo"].Detached())
}

func TestPersist_DirNotFound(t *testing.T) {
	_, err := sampleBundle().Persist("demo", filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, ErrDirNotFound))

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err = sampleBundle().Persist("demo", file)
	assert.True(t, errors.Is(err, ErrDirNotFound))
}

func TestPersist_LatestWins(t *testing.T) {
	dir := t.TempDir()
	// A frozen clock forces equal stamps; each persist still has to win.
	fixedClock(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	var last string
	for i := range 3 {
		b := sampleBundle()
		b.DiffStaged = strings.Repeat("x", i+1)
		path, err := b.Persist("demo", dir)
		require.NoError(t, err)
		last = path
	}

	latest, entry, err := LoadLatest("demo", dir)
	require.NoError(t, err)
	assert.Equal(t, last, entry.Path)
	assert.Equal(t, "xxx", latest.DiffStaged)

	entries, err := List("demo", dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Greater(t, entries[0].Stamp, entries[1].Stamp)
	assert.Greater(t, entries[1].Stamp, entries[2].Stamp)
}

func TestPersist_ClockBehindExistingBundle(t *testing.T) {
	dir := t.TempDir()
	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName("demo", future)), []byte("{}"), 0644))

	fixedClock(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	path, err := sampleBundle().Persist("demo", dir)
	require.NoError(t, err)
	assert.Equal(t, FileName("demo", future+1), filepath.Base(path))
}

func TestPersist_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := sampleBundle().Persist("demo", dir)
	require.NoError(t, err)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.False(t, strings.HasPrefix(files[0].Name(), tmpPrefix))
}

func TestLoadLatest_IgnoresForeignAndMalformed(t *testing.T) {
	dir := t.TempDir()
	fixedClock(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	path, err := sampleBundle().Persist("demo", dir)
	require.NoError(t, err)

	for _, name := range []string{
		"demo#garbage.patch",
		"other#9999999999999999999.patch",
		".wipsync-tmp-999",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("not json"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "demo#9000000000000000000.patch"), 0755))

	_, entry, err := LoadLatest("demo", dir)
	require.NoError(t, err)
	assert.Equal(t, path, entry.Path)
}

func TestLoadLatest_NotFound(t *testing.T) {
	_, _, err := LoadLatest("demo", t.TempDir())
	assert.True(t, errors.Is(err, ErrNotFound))

	_, _, err = LoadLatest("demo", filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, ErrDirNotFound))
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{name: "not json", content: "{{{", wantErr: ErrCorrupt},
		{name: "newer version", content: `{"version": 2, "heads": {"demo": {"commit_id": "abc"}}}`, wantErr: ErrCorrupt},
		{name: "missing version", content: `{"heads": {"demo": {"commit_id": "abc"}}}`, wantErr: ErrCorrupt},
		{name: "no heads", content: `{"version": 1, "heads": {}}`, wantErr: ErrCorrupt},
		{name: "empty commit", content: `{"version": 1, "heads": {"demo": {"commit_id": ""}}}`, wantErr: ErrCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName("demo", 1))
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := LoadFile(path)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.patch"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadFile_ToleratesBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName("demo", 1))
	content := "\xef\xbb\xbf" + `{"version": 1, "heads": {"demo": {"commit_id": "abc", "remote_branch": "main"}}, "diff_staged": "", "diff_unstaged": "x"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	b, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "main", b.Heads["demo"].RemoteBranch)
	assert.Equal(t, "x", b.DiffUnstaged)
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	fixedClock(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	var paths []string
	for range 4 {
		path, err := sampleBundle().Persist("demo", dir)
		require.NoError(t, err)
		paths = append(paths, path)
	}
	other, err := sampleBundle().Persist("other", dir)
	require.NoError(t, err)

	removed, err := Prune("demo", dir, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, paths[:2], removed)

	entries, err := List("demo", dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, paths[3], entries[0].Path)
	assert.FileExists(t, other)

	removed, err = Prune("demo", dir, 5)
	require.NoError(t, err)
	assert.Empty(t, removed)

	_, err = Prune("demo", dir, 0)
	assert.Error(t, err)
}
