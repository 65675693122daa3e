package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrLinterUnavailable is returned when the linter binary is not installed.
// Callers treat this as "pass not applicable", not as a lint failure.
var ErrLinterUnavailable = errors.New("ruff is not installed")

// LintPython writes the code to a scratch file and runs ruff over it. The
// returned slice holds one finding per line; empty means clean.
func LintPython(ctx context.Context, code string) ([]string, error) {
	if _, err := exec.LookPath("ruff"); err != nil {
		return nil, ErrLinterUnavailable
	}

	dir, err := os.MkdirTemp("", "lint-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "snippet.py")
	if err := os.WriteFile(path, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("write scratch file: %w", err)
	}

	cmd := exec.CommandContext(ctx, "ruff", "check", "--quiet", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err == nil {
		return nil, nil
	}

	// Exit code 1 means findings; anything else is an execution failure.
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		return nil, fmt.Errorf("run ruff: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var findings []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// Strip the scratch path prefix so findings read as code positions.
		line = strings.TrimPrefix(line, path+":")
		findings = append(findings, line)
	}
	return findings, nil
}

// RegisterPythonLint adds the python_lint tool.
func RegisterPythonLint(registry *Registry) {
	registry.Register(Definition{
		Name:        "python_lint",
		Description: "Run the Python linter over a code snippet",
		Timeout:     30 * time.Second,
		Func: func(ctx context.Context, args map[string]any) (any, error) {
			code, _ := args["code"].(string)
			if code == "" {
				return nil, fmt.Errorf("code argument is required")
			}
			findings, err := LintPython(ctx, code)
			if err != nil {
				return nil, err
			}
			return findings, nil
		},
	})
}
