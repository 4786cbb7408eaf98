package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var buildFileNames = []string{"BUCK", "BUCK.build"}

// writeTree creates the given files (and any needed directories) under a temp dir
// and returns a globber rooted at it.
func writeTree(t *testing.T, files ...string) (*Globber, string) {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		full := filepath.Join(root, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(f), 0644))
	}
	return NewGlobber(os.DirFS(root), buildFileNames, nil), root
}

func TestGlobSimple(t *testing.T) {
	globber, _ := writeTree(t, "pkg/a.c", "pkg/b.c", "pkg/c.h")
	files, err := globber.Glob("pkg", []string{"*.c"}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.c", "b.c"}, files)
}

func TestGlobDoubleStar(t *testing.T) {
	globber, _ := writeTree(t, "pkg/a.c", "pkg/sub/b.c", "pkg/sub/deeper/c.c", "pkg/sub/d.h")
	files, err := globber.Glob("pkg", []string{"**/*.c"}, nil, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.c", "sub/b.c", "sub/deeper/c.c"}, files)
}

func TestGlobQuestionAndRanges(t *testing.T) {
	globber, _ := writeTree(t, "pkg/test.py", "pkg/best.py", "pkg/Zest.py")
	files, err := globber.Glob("pkg", []string{"?est.py"}, nil, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"test.py", "best.py", "Zest.py"}, files)
	files, err = globber.Glob("pkg", []string{"[a-z]est.py"}, nil, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"test.py", "best.py"}, files)
}

func TestGlobExcludes(t *testing.T) {
	globber, _ := writeTree(t, "pkg/a.go", "pkg/a_test.go", "pkg/sub/b.go", "pkg/sub/b_test.go")
	files, err := globber.Glob("pkg", []string{"**/*.go"}, []string{"*_test.go"}, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.go", "sub/b.go"}, files)
}

func TestGlobExcludesDirectory(t *testing.T) {
	globber, _ := writeTree(t, "pkg/a.go", "pkg/sub/b.go", "pkg/sub/deeper/c.go")
	files, err := globber.Glob("pkg", []string{"**/*.go"}, []string{"sub"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, files)
}

func TestGlobStopsAtSubpackages(t *testing.T) {
	globber, _ := writeTree(t, "pkg/a.c", "pkg/sub/BUCK", "pkg/sub/b.c", "pkg/free/c.c")
	files, err := globber.Glob("pkg", []string{"**/*.c"}, nil, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.c", "free/c.c"}, files, "files owned by a subpackage should never match")
}

func TestGlobHiddenFiles(t *testing.T) {
	globber, _ := writeTree(t, "pkg/a.c", "pkg/.hidden.c", "pkg/#editor.c#")
	files, err := globber.Glob("pkg", []string{"*.c", "*.c#"}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.c"}, files)
	files, err = globber.Glob("pkg", []string{"*.c"}, nil, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.c", ".hidden.c"}, files)
}

func TestGlobResultsAreDeterministic(t *testing.T) {
	globber, root := writeTree(t, "pkg/b.c", "pkg/a.c", "pkg/sub/c.c")
	first, err := globber.Glob("pkg", []string{"**/*.c"}, nil, false)
	require.NoError(t, err)
	second, err := NewGlobber(os.DirFS(root), buildFileNames, nil).Glob("pkg", []string{"**/*.c"}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"sub/c.c", "a.c", "b.c"}, first, "subdirectory files sort before the directory's own files")
}

func TestGlobSymlinkCallback(t *testing.T) {
	globber, root := writeTree(t, "pkg/a.c")
	require.NoError(t, os.Symlink(filepath.Join(root, "pkg/a.c"), filepath.Join(root, "pkg/link.c")))

	var seen []string
	globber = NewGlobber(os.DirFS(root), buildFileNames, func(path string) error {
		seen = append(seen, path)
		return nil
	})
	files, err := globber.Glob("pkg", []string{"*.c"}, nil, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.c", "link.c"}, files)
	assert.Equal(t, []string{"pkg/link.c"}, seen)

	globber = NewGlobber(os.DirFS(root), buildFileNames, func(path string) error {
		return fmt.Errorf("symlink %s is not allowed here", path)
	})
	_, err = globber.Glob("pkg", []string{"*.c"}, nil, false)
	assert.Error(t, err)
}

func TestGlobEmptyPatternRejected(t *testing.T) {
	globber, _ := writeTree(t, "pkg/a.c")
	_, err := globber.Glob("pkg", []string{""}, nil, false)
	assert.Error(t, err)
	_, err = globber.Glob("pkg", []string{"*.c"}, []string{""}, false)
	assert.Error(t, err)
}

func TestIsGlob(t *testing.T) {
	assert.True(t, IsGlob("*.c"))
	assert.True(t, IsGlob("?.c"))
	assert.True(t, IsGlob("[a-z].c"))
	assert.False(t, IsGlob("a.c"))
	assert.False(t, IsGlob("sub/a.c"))
}

func TestMatch(t *testing.T) {
	matched, err := Match("**/*.txt", "a/b/c.txt")
	require.NoError(t, err)
	assert.True(t, matched)
	matched, err = Match("*.txt", "a/b/c.txt")
	require.NoError(t, err)
	assert.False(t, matched)
}
