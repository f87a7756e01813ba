package data

import (
	"fmt"
	"path"
	"strings"
)

// ToAbsolutePath cleans the path and ensures it always starts with a
// leading slash. Empty paths are rejected.
func ToAbsolutePath(p string) (string, error) {
	if len(p) == 0 {
		return "", fmt.Errorf("%w: empty path", ErrInvalid)
	}

	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	return path.Clean(p), nil
}

// ParentPath returns the directory portion of an absolute path.
func ParentPath(p string) string {
	return path.Dir(p)
}

// IsImmediateChild reports whether child lives directly under dir in
// the flat path keyspace.
func IsImmediateChild(dir, child string) bool {
	if dir == child {
		return false
	}

	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}

	if !strings.HasPrefix(child, prefix) {
		return false
	}

	rest := strings.TrimPrefix(child, prefix)
	return rest != "" && !strings.Contains(rest, "/")
}

// HasPathPrefix checks if p lives at or under dir.
// Both paths should be cleaned before calling.
func HasPathPrefix(p, dir string) bool {
	// Root matches everything
	if dir == "/" || dir == "" {
		return true
	}

	if p == dir {
		return true
	}

	return strings.HasPrefix(p, dir+"/")
}
