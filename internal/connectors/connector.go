// Package connectors defines how coderelay talks to external code generation agents.
package connectors

import (
	"context"
	"fmt"

	"github.com/fentz26/coderelay/internal/models"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	Dir      string   `json:"dir"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Invocation is one instruction for an agent.
type Invocation struct {
	// WorkDir is where the agent runs and writes files.
	WorkDir     string
	Model       string
	Policy      models.CommitPolicy
	Mode        models.ChatMode
	ReadOnly    []string
	Editable    []string
	Instruction string
}

// Generator runs instructions through an external agent.
type Generator interface {
	// Name returns the connector identifier.
	Name() string

	// Generate runs one instruction to completion and returns the agent's
	// free-text summary. Errors are *GenerationFailure.
	Generate(ctx context.Context, inv Invocation) (string, error)
}

// Stage identifies where a generation failed.
type Stage string

const (
	StageInitialize Stage = "initialize"
	StageExecute    Stage = "execute"
)

// GenerationFailure wraps any error raised by the agent.
type GenerationFailure struct {
	Stage Stage
	Model string
	Err   error
}

func (e *GenerationFailure) Error() string {
	if e.Stage == StageInitialize {
		return fmt.Sprintf("failed to initialize model/coder %q: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("failed to execute instruction: %v", e.Err)
}

func (e *GenerationFailure) Unwrap() error { return e.Err }
