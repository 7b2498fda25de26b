package command

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sandboxTree(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b", "c"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "file.txt"), []byte("x"), 0o600))
	return root
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/srv/root", "/srv/root"))
	assert.True(t, Within("/srv/root", "/srv/root/a/b"))
	assert.True(t, Within("/srv/root", "/srv/root/..a"))
	assert.False(t, Within("/srv/root", "/srv"))
	assert.False(t, Within("/srv/root", "/srv/rootkit"))
	assert.False(t, Within("/srv/root", "/etc"))
}

func TestResolveDir(t *testing.T) {
	root := sandboxTree(t)

	t.Run("EmptyTargetIsRoot", func(t *testing.T) {
		dir, err := ResolveDir(root, filepath.Join(root, "a"), ChangeDir{})
		require.NoError(t, err)
		assert.Equal(t, root, dir)
	})

	t.Run("Relative", func(t *testing.T) {
		dir, err := ResolveDir(root, root, ChangeDir{Target: "a/b"})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "a", "b"), dir)
	})

	t.Run("ParentWithinRoot", func(t *testing.T) {
		dir, err := ResolveDir(root, filepath.Join(root, "a", "b"), ChangeDir{Target: "../../d"})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "d"), dir)
	})

	t.Run("AbsoluteWithinRoot", func(t *testing.T) {
		dir, err := ResolveDir(root, root, ChangeDir{Target: filepath.Join(root, "a")})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "a"), dir)
	})

	t.Run("AscendAboveRoot", func(t *testing.T) {
		_, err := ResolveDir(root, root, ChangeDir{Target: ".."})
		requireRejection(t, err, ReasonPathEscape)
	})

	t.Run("AbsoluteOutsideRoot", func(t *testing.T) {
		_, err := ResolveDir(root, root, ChangeDir{Target: "/etc"})
		requireRejection(t, err, ReasonPathEscape)
	})

	t.Run("SymlinkOutsideRoot", func(t *testing.T) {
		outside := t.TempDir()
		require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

		_, err := ResolveDir(root, root, ChangeDir{Target: "escape"})
		requireRejection(t, err, ReasonPathEscape)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := ResolveDir(root, root, ChangeDir{Target: "missing"})
		requireRejection(t, err, ReasonNotADirectory)
	})

	t.Run("File", func(t *testing.T) {
		_, err := ResolveDir(root, root, ChangeDir{Target: "file.txt"})
		requireRejection(t, err, ReasonNotADirectory)
	})
}

// Any sequence of directory changes keeps the working directory inside the
// root, and a rejected change leaves it untouched.
func TestResolveDirSequencesStayWithinRoot(t *testing.T) {
	root := sandboxTree(t)
	targets := []string{"a", "b", "c", "d", "..", "../..", "../../..", "a/b/c", "/", root, "", ".", "a/../..", "d/../a"}

	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 50; run++ {
		cwd := root
		for step := 0; step < 30; step++ {
			target := targets[rng.Intn(len(targets))]
			next, err := ResolveDir(root, cwd, ChangeDir{Target: target})
			if err == nil {
				cwd = next
			}
			require.True(t, Within(root, cwd), "cwd %s escaped root after cd %q", cwd, target)
		}
	}

	_, err := ResolveDir(root, root, ChangeDir{Target: "../../../../../../.."})
	requireRejection(t, err, ReasonPathEscape)
}
