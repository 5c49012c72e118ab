// Package pipeline runs one generation request end to end: prompt, workspace
// scope, agent invocation, output capture and packaging.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/coderelay/internal/artifact"
	"github.com/fentz26/coderelay/internal/connectors"
	"github.com/fentz26/coderelay/internal/models"
	"github.com/fentz26/coderelay/internal/prompt"
	"github.com/fentz26/coderelay/internal/upload"
	"github.com/fentz26/coderelay/internal/workspace"
)

// ValidationError reports a request that cannot be run.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a request before anything touches disk.
func Validate(req models.GenerationRequest) error {
	if strings.TrimSpace(req.Instruction) == "" && strings.TrimSpace(req.Context) == "" {
		return &ValidationError{Field: "instruction", Message: "No instruction provided"}
	}
	switch req.Mode {
	case "", models.ChatModeCode, models.ChatModeArchitect:
	default:
		return &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown chat mode %q", req.Mode)}
	}
	switch req.FileMode {
	case "", models.FileModeEditable, models.FileModeReadOnly:
	default:
		return &ValidationError{Field: "fileMode", Message: fmt.Sprintf("unknown file mode %q", req.FileMode)}
	}
	return nil
}

// Submitter accepts archives for background upload.
type Submitter interface {
	Submit(job upload.Job) bool
}

// Config holds runner settings.
type Config struct {
	DefaultModel string
	// Timeout bounds a single agent invocation. Zero means no limit.
	Timeout time.Duration
}

// Outcome is what a run produced. It is returned alongside generation errors
// so callers can report partial output.
type Outcome struct {
	RunID           string
	Directory       string
	Model           string
	Generation      models.GenerationResult
	OutputDirectory string
	Archived        bool
	ArchivePath     string
	UploadQueued    bool
}

// Runner executes generation requests.
type Runner struct {
	guard     *workspace.Guard
	generator connectors.Generator
	uploads   Submitter
	config    Config
	logger    *slog.Logger
}

// NewRunner creates a runner. uploads may be nil to disable uploading.
func NewRunner(guard *workspace.Guard, gen connectors.Generator, uploads Submitter, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		guard:     guard,
		generator: gen,
		uploads:   uploads,
		config:    cfg,
		logger:    logger,
	}
}

// DefaultModel returns the model used when a request names none.
func (r *Runner) DefaultModel() string {
	return r.config.DefaultModel
}

// Resolve returns the absolute directory a request would run in.
func (r *Runner) Resolve(target string) string {
	return r.guard.Resolve(target)
}

// Run validates req, runs the agent inside the target workspace and packages
// whatever it produced. Output is archived even when generation fails; the
// generation error is then returned together with the outcome.
func (r *Runner) Run(ctx context.Context, runID string, req models.GenerationRequest) (*Outcome, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	model := strings.TrimSpace(req.ModelName)
	if model == "" {
		model = r.config.DefaultModel
	}
	logger := r.logger.With(slog.String("run_id", runID))

	scope, err := r.guard.Enter(ctx, req.TargetDirectory)
	if err != nil {
		return nil, err
	}
	defer scope.Exit()

	out := &Outcome{
		RunID:     runID,
		Directory: scope.Dir,
		Model:     model,
	}

	inv := connectors.Invocation{
		WorkDir:     scope.Dir,
		Model:       model,
		Policy:      req.Policy,
		Mode:        req.Mode,
		Instruction: prompt.Build(prompt.FromRequest(req), scope.OutputDir),
	}
	if req.FileMode == models.FileModeReadOnly {
		inv.ReadOnly = req.ReferenceFiles
	} else {
		inv.Editable = req.ReferenceFiles
	}

	logger.Info("generation started",
		slog.String("dir", scope.Dir),
		slog.String("model", model),
		slog.String("agent", r.generator.Name()),
		slog.Int("files", len(req.ReferenceFiles)))

	genCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}
	start := time.Now()
	response, genErr := r.generator.Generate(genCtx, inv)
	out.Generation.RawOutput = response
	if genErr != nil {
		logger.Error("generation failed",
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", genErr))
	} else {
		logger.Info("generation finished", slog.Duration("elapsed", time.Since(start)))
	}

	res := artifact.Resolve(scope.Snapshot, logger)
	out.OutputDirectory = res.Directory
	out.Generation.NewEntries = res.NewEntries

	archived, archErr := artifact.Archive(res.Directory, scope.Snapshot.BaseDirectory)
	if archErr != nil {
		if genErr != nil {
			logger.Error("archive partial output", slog.Any("error", archErr))
			return out, genErr
		}
		return out, archErr
	}
	if archived.Archived {
		out.Archived = true
		out.ArchivePath = archived.ArchivePath
		logger.Info("output archived",
			slog.String("path", archived.ArchivePath),
			slog.Int("bytes", len(archived.ArchiveBytes)))
		if r.uploads != nil {
			out.UploadQueued = r.uploads.Submit(upload.Job{
				RunID: runID,
				Name:  filepath.Base(archived.ArchivePath),
				Data:  archived.ArchiveBytes,
			})
		}
	} else {
		logger.Info("no files produced, nothing archived", slog.String("dir", res.Directory))
	}

	return out, genErr
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
