package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// maxReadSize bounds read_file output.
const maxReadSize = 1 << 20

// RegisterReadFile adds the sandboxed read_file tool. Paths are joined to
// root and rejected when they escape it; when allow globs are configured the
// relative path must match one of them.
func RegisterReadFile(registry *Registry, root string, allow []string) {
	registry.Register(Definition{
		Name:        "read_file",
		Description: "Read a file inside the workspace root",
		Timeout:     5 * time.Second,
		Func: func(_ context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			if path == "" {
				return nil, fmt.Errorf("path argument is required")
			}

			rel, full, err := resolveWithin(root, path)
			if err != nil {
				return nil, err
			}

			if len(allow) > 0 && !matchesAny(allow, rel) {
				return nil, fmt.Errorf("access denied: %s does not match the read allowlist", rel)
			}

			data, err := os.ReadFile(full)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, fmt.Errorf("file not found: %s", rel)
				}
				return nil, fmt.Errorf("read %s: %w", rel, err)
			}
			if len(data) > maxReadSize {
				data = data[:maxReadSize]
			}
			return string(data), nil
		},
	})
}

// resolveWithin joins path to root and verifies the result stays inside.
func resolveWithin(root, path string) (rel, full string, err error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", "", fmt.Errorf("resolve root: %w", err)
	}

	full = filepath.Clean(filepath.Join(absRoot, path))
	if full != absRoot && !strings.HasPrefix(full, absRoot+string(filepath.Separator)) {
		return "", "", fmt.Errorf("access denied: path escapes the workspace root")
	}

	rel, err = filepath.Rel(absRoot, full)
	if err != nil {
		return "", "", fmt.Errorf("relativize path: %w", err)
	}
	return filepath.ToSlash(rel), full, nil
}

func matchesAny(globs []string, rel string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, rel); err == nil && ok {
			return true
		}
	}
	return false
}
