package engine

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, fs afero.Fs, root string, rels ...string) {
	t.Helper()
	for _, rel := range rels {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, fs.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, afero.WriteFile(fs, p, []byte(rel), 0o644))
	}
}

func listFiles(t *testing.T, fs afero.Fs, root string) []string {
	t.Helper()
	var out []string
	err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(root, p)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}

func TestReconcileDeletesUnseen(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/lib"
	writeFiles(t, fs, root,
		"Movies/A.strm",
		"Movies/A.nfo",
		"Movies/Old/Old.strm",
		"Shows/S1/E1.strm",
		"keep/notes.txt",
		"top.strm",
	)

	seen := newSeenSet()
	seen.add(filepath.Join(root, "Movies", "A.strm"))
	seen.add(filepath.Join(root, "top.strm"))

	deleted, err := reconcile(fs, root, false, seen, regexp.MustCompile(`^keep/`), discardLogger())
	require.NoError(t, err)

	want := []string{
		filepath.Join(root, "Movies", "A.nfo"),
		filepath.Join(root, "Movies", "Old", "Old.strm"),
		filepath.Join(root, "Shows", "S1", "E1.strm"),
	}
	assert.Equal(t, want, deleted)
	assert.Equal(t, []string{"Movies/A.strm", "keep/notes.txt", "top.strm"}, listFiles(t, fs, root))

	for _, dir := range []string{"Movies/Old", "Shows/S1", "Shows"} {
		exists, _ := afero.DirExists(fs, filepath.Join(root, dir))
		assert.False(t, exists, "%s should be pruned", dir)
	}
	exists, _ := afero.DirExists(fs, filepath.Join(root, "Movies"))
	assert.True(t, exists)
}

func TestReconcileKeepsRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, "/lib", "a.strm")

	deleted, err := reconcile(fs, "/lib", false, newSeenSet(), nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"/lib/a.strm"}, deleted)

	exists, _ := afero.DirExists(fs, "/lib")
	assert.True(t, exists)
}

func TestReconcileFlattenIsShallow(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, "/lib", "a.strm", "b.strm", "sub/c.strm")

	seen := newSeenSet()
	seen.add("/lib/a.strm")

	deleted, err := reconcile(fs, "/lib", true, seen, nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"/lib/b.strm"}, deleted)
	assert.Equal(t, []string{"a.strm", "sub/c.strm"}, listFiles(t, fs, "/lib"))
}

func TestReconcileMissingRoot(t *testing.T) {
	deleted, err := reconcile(afero.NewMemMapFs(), "/nope", false, newSeenSet(), nil, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

// deleted == before - seen - ignored for arbitrary subsets.
func TestReconcileExactness(t *testing.T) {
	all := []string{"a.strm", "b/c.strm", "b/d.nfo", "e/f/g.strm", "e/h.jpg", "i.srt", "j/k/l/m.strm"}
	ignore := regexp.MustCompile(`\.jpg$`)

	for mask := 0; mask < 1<<len(all); mask += 7 {
		fs := afero.NewMemMapFs()
		writeFiles(t, fs, "/t", all...)

		seen := newSeenSet()
		var want []string
		for i, rel := range all {
			p := filepath.Join("/t", filepath.FromSlash(rel))
			switch {
			case mask&(1<<i) != 0:
				seen.add(p)
			case ignore.MatchString(rel):
			default:
				want = append(want, p)
			}
		}
		sort.Strings(want)

		deleted, err := reconcile(fs, "/t", false, seen, ignore, discardLogger())
		require.NoError(t, err)
		if len(want) == 0 {
			assert.Empty(t, deleted, "mask %b", mask)
		} else {
			assert.Equal(t, want, deleted, "mask %b", mask)
		}
	}
}
