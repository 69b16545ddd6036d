package safety

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// RemoteRel returns remote path p relative to remote directory root. Both
// are slash-separated and cleaned first; p must lie strictly below root.
func RemoteRel(root, p string) (string, error) {
	root = path.Clean("/" + root)
	p = path.Clean("/" + p)
	var rel string
	if root == "/" {
		rel = strings.TrimPrefix(p, "/")
	} else {
		var ok bool
		if rel, ok = strings.CutPrefix(p, root+"/"); !ok {
			return "", fmt.Errorf("%s is outside %s", p, root)
		}
	}
	if rel == "" {
		return "", fmt.Errorf("%s is the root itself", p)
	}
	return rel, nil
}

// CleanRelativePath normalizes a relative local path, rejecting absolute
// paths and parent traversal. Remote names can contain "..", so every local
// artifact path goes through here.
func CleanRelativePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}

	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == "." {
		return "", fmt.Errorf("path resolves to current directory")
	}
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("absolute paths are not allowed: %q", p)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("parent traversal is not allowed: %q", p)
	}
	return clean, nil
}

// SafeJoinUnder joins rel under the target directory root.
func SafeJoinUnder(root, rel string) (string, error) {
	cleanRel, err := CleanRelativePath(rel)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(root, filepath.Join(root, cleanRel))
}

// EnsureUnderRoot returns candidate as an absolute path, or an error when
// it resolves outside root.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}
