package provider

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrPathEscape indicates a request path that leaves the sandbox root.
var ErrPathEscape = errors.New("provider: path escapes sandbox root")

// ResolvePath normalizes a requested path and enforces the sandbox. With an
// empty root any absolute path is allowed, but `..` traversal is still
// rejected. With a root set, relative paths are joined under it and the result
// must stay inside.
func ResolvePath(root, requested string) (string, error) {
	if requested == "" {
		return "", errors.New("provider: path is required")
	}
	for _, segment := range strings.Split(filepath.ToSlash(requested), "/") {
		if segment == ".." {
			return "", ErrPathEscape
		}
	}

	if root == "" {
		if !filepath.IsAbs(requested) {
			return "", errors.New("provider: absolute path required")
		}
		return filepath.Clean(requested), nil
	}

	cleanRoot := filepath.Clean(root)
	var candidate string
	if filepath.IsAbs(requested) {
		candidate = filepath.Clean(requested)
	} else {
		candidate = filepath.Join(cleanRoot, requested)
	}

	if candidate != cleanRoot && !strings.HasPrefix(candidate, cleanRoot+string(filepath.Separator)) {
		return "", ErrPathEscape
	}

	return candidate, nil
}
