package command

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Within reports whether path is root or a descendant of root. Both must
// be clean absolute paths.
func Within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Lexical joins target onto workDir (or takes it as is when absolute) and
// cleans the result without consulting the filesystem.
func Lexical(workDir, target string) string {
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	return filepath.Join(workDir, target)
}

// ResolveDir resolves a ChangeDir target against workDir and returns the
// canonical directory. The result is checked against root both before and
// after symlink resolution; any escape is a PathEscape rejection and the
// caller's working directory must be left as it was.
func ResolveDir(root, workDir string, target ChangeDir) (string, error) {
	if target.Target == "" {
		return root, nil
	}

	candidate := Lexical(workDir, target.Target)
	if !Within(root, candidate) {
		return "", reject(ReasonPathEscape, "%q is outside the sandbox", target.Target)
	}

	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", reject(ReasonNotADirectory, "%q does not exist", target.Target)
		}
		return "", fmt.Errorf("resolving %q: %w", target.Target, err)
	}
	if !Within(root, resolved) {
		return "", reject(ReasonPathEscape, "%q resolves outside the sandbox", target.Target)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", resolved, err)
	}
	if !info.IsDir() {
		return "", reject(ReasonNotADirectory, "%q is not a directory", target.Target)
	}

	return resolved, nil
}
