// Package localexec provides a local command executor with an allowlist.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fentz26/coderelay/internal/connectors"
)

// ErrNotAllowed is returned for commands outside the allowlist.
var ErrNotAllowed = errors.New("command not allowed")

// LocalExec runs allowlisted binaries in an explicit working directory.
type LocalExec struct {
	allowed map[string]bool
}

// New creates a LocalExec that may run the given binaries.
func New(allowed ...string) *LocalExec {
	m := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		m[a] = true
		m[filepath.Base(a)] = true
	}
	return &LocalExec{allowed: m}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string) bool {
	if cmd == "" {
		return false
	}
	return l.allowed[cmd]
}

// LookPath resolves an allowlisted command to an executable path.
func (l *LocalExec) LookPath(cmd string) (string, error) {
	if !l.IsAllowed(cmd) {
		return "", fmt.Errorf("%w: %s", ErrNotAllowed, cmd)
	}
	return exec.LookPath(cmd)
}

// Execute runs cmd in dir. A non-zero exit is reported through ExitCode, not err.
func (l *LocalExec) Execute(ctx context.Context, dir, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotAllowed, cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if dir != "" {
		execCmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("exec interrupted: %w", ctxErr)
		}
		exitCode = exitError.ExitCode()
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		Dir:      dir,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
