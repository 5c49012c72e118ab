// Package aider runs instructions through the aider command line agent.
package aider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fentz26/coderelay/internal/connectors"
	"github.com/fentz26/coderelay/internal/models"
)

// Executor runs an allowlisted command in a directory.
type Executor interface {
	LookPath(cmd string) (string, error)
	Execute(ctx context.Context, dir, cmd string, args []string) (*connectors.ExecResult, error)
}

// Connector drives aider non-interactively, one message per invocation.
type Connector struct {
	bin    string
	exec   Executor
	logger *slog.Logger
}

// New creates an aider connector for the given binary.
func New(bin string, exec Executor, logger *slog.Logger) *Connector {
	if bin == "" {
		bin = "aider"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{bin: bin, exec: exec, logger: logger}
}

// Name returns the connector identifier.
func (c *Connector) Name() string {
	return "aider"
}

// Generate runs inv.Instruction in inv.WorkDir and returns aider's output.
func (c *Connector) Generate(ctx context.Context, inv connectors.Invocation) (string, error) {
	if strings.TrimSpace(inv.Model) == "" {
		return "", &connectors.GenerationFailure{Stage: connectors.StageInitialize, Err: errors.New("model name is required")}
	}
	if _, err := c.exec.LookPath(c.bin); err != nil {
		return "", &connectors.GenerationFailure{Stage: connectors.StageInitialize, Model: inv.Model, Err: err}
	}

	args := Args(inv)
	c.logger.Info("running aider",
		slog.String("model", inv.Model),
		slog.String("dir", inv.WorkDir),
		slog.String("mode", string(inv.Mode)),
		slog.Int("read_only", len(inv.ReadOnly)),
		slog.Int("editable", len(inv.Editable)))

	result, err := c.exec.Execute(ctx, inv.WorkDir, c.bin, args)
	if err != nil {
		return "", &connectors.GenerationFailure{Stage: connectors.StageExecute, Model: inv.Model, Err: err}
	}
	if result.ExitCode != 0 {
		return result.Stdout, &connectors.GenerationFailure{
			Stage: connectors.StageExecute,
			Model: inv.Model,
			Err:   fmt.Errorf("aider exited with code %d: %s", result.ExitCode, tail(result.Stderr, 2048)),
		}
	}
	return strings.TrimSpace(result.Stdout), nil
}

// Args builds the aider command line for an invocation.
func Args(inv connectors.Invocation) []string {
	args := []string{
		"--model", inv.Model,
		"--yes-always",
		"--no-pretty",
		"--no-stream",
		"--no-check-update",
		"--no-show-model-warnings",
		"--input-history-file", os.DevNull,
		"--chat-history-file", os.DevNull,
	}

	if inv.Policy.AutoCommit {
		args = append(args, "--auto-commits")
	} else {
		args = append(args, "--no-auto-commits")
	}
	if inv.Policy.AllowDirtyCommit {
		args = append(args, "--dirty-commits")
	} else {
		args = append(args, "--no-dirty-commits")
	}
	if inv.Policy.DryRun {
		args = append(args, "--dry-run")
	}
	if inv.Mode == models.ChatModeArchitect {
		args = append(args, "--chat-mode", "architect")
	}

	for _, f := range inv.ReadOnly {
		args = append(args, "--read", f)
	}
	for _, f := range inv.Editable {
		args = append(args, "--file", f)
	}

	return append(args, "--message", inv.Instruction)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
