// Package models defines the core domain types for coderelay.
package models

import "time"

// ChatMode selects how the agent approaches an instruction.
type ChatMode string

const (
	ChatModeCode      ChatMode = "code"
	ChatModeArchitect ChatMode = "architect"
)

// FileMode says whether reference files may be edited by the agent.
type FileMode string

const (
	FileModeEditable FileMode = "editable"
	FileModeReadOnly FileMode = "read-only"
)

// PromptVariant selects the rule set injected into the final instruction.
type PromptVariant string

const (
	PromptStandard   PromptVariant = "standard"
	PromptAutonomous PromptVariant = "autonomous"
)

// CommitPolicy controls how the agent treats version control.
type CommitPolicy struct {
	AutoCommit       bool `json:"autoCommit"`
	AllowDirtyCommit bool `json:"allowDirtyCommit"`
	DryRun           bool `json:"dryRun"`
}

// GenerationRequest is one normalized code generation request.
type GenerationRequest struct {
	Instruction     string        `json:"instruction"`
	Context         string        `json:"context,omitempty"`
	CodeTemplate    string        `json:"codeTemplate,omitempty"`
	TargetDirectory string        `json:"directory,omitempty"`
	ModelName       string        `json:"model"`
	Policy          CommitPolicy  `json:"options"`
	ReferenceFiles  []string      `json:"files,omitempty"`
	Mode            ChatMode      `json:"mode"`
	FileMode        FileMode      `json:"fileMode"`
	Variant         PromptVariant `json:"variant"`
}

// WorkspaceSnapshot records the output directory listing taken before a run.
type WorkspaceSnapshot struct {
	BaseDirectory string
	PriorEntries  map[string]struct{}
}

// NewWorkspaceSnapshot builds a snapshot from a list of entry names.
func NewWorkspaceSnapshot(base string, names []string) WorkspaceSnapshot {
	prior := make(map[string]struct{}, len(names))
	for _, n := range names {
		prior[n] = struct{}{}
	}
	return WorkspaceSnapshot{BaseDirectory: base, PriorEntries: prior}
}

// Has reports whether name existed when the snapshot was taken.
func (s WorkspaceSnapshot) Has(name string) bool {
	_, ok := s.PriorEntries[name]
	return ok
}

// GenerationResult is the ephemeral result of one agent invocation.
type GenerationResult struct {
	RawOutput  string   `json:"rawOutput"`
	NewEntries []string `json:"newEntries"`
}

// ArchiveOutcome describes what the archiver produced.
// Archived is false when the artifact directory held no files.
type ArchiveOutcome struct {
	ProducedArtifactDirectory string `json:"producedArtifactDirectory"`
	Archived                  bool   `json:"archived"`
	ArchiveBytes              []byte `json:"-"`
	ArchivePath               string `json:"archivePath,omitempty"`
}

// RunStatus represents the lifecycle state of a persisted run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// UploadStatus tracks the best-effort archive upload for a run.
type UploadStatus string

const (
	UploadNone     UploadStatus = "none"
	UploadPending  UploadStatus = "pending"
	UploadUploaded UploadStatus = "uploaded"
	UploadFailed   UploadStatus = "failed"
)

// Run is the persisted record of one pipeline execution.
type Run struct {
	ID              string       `json:"id"`
	Endpoint        string       `json:"endpoint"`
	Instruction     string       `json:"instruction"`
	Model           string       `json:"model"`
	Directory       string       `json:"directory"`
	OutputDirectory string       `json:"outputDirectory,omitempty"`
	ArchivePath     string       `json:"archivePath,omitempty"`
	Archived        bool         `json:"archived"`
	Status          RunStatus    `json:"status"`
	Error           string       `json:"error,omitempty"`
	Response        string       `json:"response,omitempty"`
	UploadStatus    UploadStatus `json:"uploadStatus"`
	CreatedAt       time.Time    `json:"createdAt"`
	FinishedAt      *time.Time   `json:"finishedAt,omitempty"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	RunID      string    `json:"run_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
