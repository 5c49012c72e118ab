// Package controlplane provides the HTTP API and service layer for coderelay.
package controlplane

import (
	"context"
	"log/slog"

	"github.com/fentz26/coderelay/internal/agents"
	"github.com/fentz26/coderelay/internal/audit"
	"github.com/fentz26/coderelay/internal/models"
	"github.com/fentz26/coderelay/internal/pipeline"
	"github.com/fentz26/coderelay/internal/store"
	"github.com/fentz26/coderelay/internal/upload"
)

// Service provides the control plane business logic.
type Service struct {
	store    *store.Store
	pdr      *audit.PDRWriter
	runner   *pipeline.Runner
	detector *agents.Detector
	logger   *slog.Logger
}

// NewService creates a new control plane service. detector may be nil.
func NewService(s *store.Store, pdr *audit.PDRWriter, runner *pipeline.Runner, detector *agents.Detector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		pdr:      pdr,
		runner:   runner,
		detector: detector,
		logger:   logger,
	}
}

// GenerateResult is a finished (or failed) run as reported to callers.
type GenerateResult struct {
	Run     *models.Run
	Outcome *pipeline.Outcome
}

// Generate records a run, executes it and stores the outcome. Invalid
// requests are rejected before anything is recorded. When the returned
// error is non-nil, the result still carries the run id when one exists.
func (s *Service) Generate(ctx context.Context, endpoint string, req models.GenerationRequest) (*GenerateResult, error) {
	if err := pipeline.Validate(req); err != nil {
		return nil, err
	}

	model := req.ModelName
	if model == "" {
		model = s.runner.DefaultModel()
	}
	run, err := s.store.CreateRun(endpoint, req.Instruction, model, s.runner.Resolve(req.TargetDirectory))
	if err != nil {
		return nil, err
	}
	s.pdr.Record(audit.ActionRunStart, req, audit.OutcomeSuccess, run.ID, endpoint)

	out, runErr := s.runner.Run(ctx, run.ID, req)

	fin := store.RunFinish{Status: models.RunStatusSucceeded}
	if out != nil {
		fin.OutputDirectory = out.OutputDirectory
		fin.ArchivePath = out.ArchivePath
		fin.Archived = out.Archived
		fin.Response = out.Generation.RawOutput
		if out.UploadQueued {
			fin.UploadStatus = models.UploadPending
		}
	}
	if runErr != nil {
		fin.Status = models.RunStatusFailed
		fin.Error = runErr.Error()
	}
	if err := s.store.FinishRun(run.ID, fin); err != nil {
		s.logger.Error("record run result", slog.String("run_id", run.ID), slog.Any("error", err))
	}

	outcome := audit.OutcomeSuccess
	if runErr != nil {
		outcome = audit.OutcomeFailure
	}
	s.pdr.Record(audit.ActionRunFinish, fin, outcome, run.ID, fin.Error)
	if out != nil {
		archOutcome := audit.OutcomeSkipped
		if out.Archived {
			archOutcome = audit.OutcomeSuccess
		}
		s.pdr.Record(audit.ActionArchive, out.OutputDirectory, archOutcome, run.ID, out.ArchivePath)
	}

	if updated, err := s.store.GetRun(run.ID); err == nil {
		run = updated
	}
	return &GenerateResult{Run: run, Outcome: out}, runErr
}

// UploadDone records the result of a background upload. It is the
// dispatcher's completion callback.
func (s *Service) UploadDone(job upload.Job, err error) {
	status := models.UploadUploaded
	outcome := audit.OutcomeSuccess
	details := job.Name
	if err != nil {
		status = models.UploadFailed
		outcome = audit.OutcomeFailure
		details = err.Error()
	}
	if job.RunID == "" {
		return
	}
	if serr := s.store.SetUploadStatus(job.RunID, status); serr != nil {
		s.logger.Error("record upload status",
			slog.String("run_id", job.RunID),
			slog.Any("error", serr))
	}
	s.pdr.Record(audit.ActionUpload, map[string]interface{}{"name": job.Name, "bytes": len(job.Data)}, outcome, job.RunID, details)
}

// GetRun retrieves a run by ID.
func (s *Service) GetRun(id string) (*models.Run, error) {
	return s.store.GetRun(id)
}

// Decisions returns the audit trail of a run.
func (s *Service) Decisions(runID string) ([]models.PDREntry, error) {
	if _, err := s.store.GetRun(runID); err != nil {
		return nil, err
	}
	return s.store.ListPDRs(runID)
}

// ListRuns returns runs, optionally filtered by status.
func (s *Service) ListRuns(status string, limit int) ([]models.Run, error) {
	return s.store.ListRuns(status, limit)
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Agent reports the state of the agent binary.
func (s *Service) Agent(ctx context.Context) *agents.Agent {
	if s.detector == nil {
		return nil
	}
	a := s.detector.Detect(ctx)
	return &a
}
