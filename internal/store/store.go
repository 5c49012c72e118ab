// Package store provides SQLite-backed persistence for coderelay run history.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/coderelay/internal/models"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// finishedCacheSize bounds the cache of runs that can no longer change.
const finishedCacheSize = 256

// Store provides access to the coderelay SQLite database.
type Store struct {
	db       *sql.DB
	finished *lru.Cache[string, models.Run]
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	cache, err := lru.New[string, models.Run](finishedCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create run cache: %w", err)
	}

	s := &Store{db: db, finished: cache}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		instruction TEXT,
		model TEXT NOT NULL,
		directory TEXT NOT NULL,
		output_directory TEXT,
		archive_path TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT,
		response TEXT,
		upload_status TEXT NOT NULL DEFAULT 'none',
		created_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		run_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_pdr_run_id ON pdr(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Run Operations ---

// RunFinish carries the final state of a run.
type RunFinish struct {
	Status          models.RunStatus
	OutputDirectory string
	ArchivePath     string
	Archived        bool
	Response        string
	Error           string
	UploadStatus    models.UploadStatus
}

// CreateRun inserts a new run in the running state.
func (s *Store) CreateRun(endpoint, instruction, model, directory string) (*models.Run, error) {
	run := &models.Run{
		ID:           uuid.New().String(),
		Endpoint:     endpoint,
		Instruction:  instruction,
		Model:        model,
		Directory:    directory,
		Status:       models.RunStatusRunning,
		UploadStatus: models.UploadNone,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (id, endpoint, instruction, model, directory, status, upload_status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Endpoint, run.Instruction, run.Model, run.Directory, run.Status, run.UploadStatus, run.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinishRun records the final state of a run. An upload status already set
// by a finished upload is kept.
func (s *Store) FinishRun(id string, fin RunFinish) error {
	if fin.UploadStatus == "" {
		fin.UploadStatus = models.UploadNone
	}
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, output_directory = ?, archive_path = ?, archived = ?, response = ?, error = ?,
			upload_status = CASE WHEN upload_status = 'none' THEN ? ELSE upload_status END, finished_at = ? WHERE id = ?`,
		fin.Status, fin.OutputDirectory, fin.ArchivePath, fin.Archived, fin.Response, fin.Error, fin.UploadStatus, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	s.finished.Remove(id)
	return expectOneRow(res)
}

// SetUploadStatus updates the upload status of a run.
func (s *Store) SetUploadStatus(id string, status models.UploadStatus) error {
	res, err := s.db.Exec(`UPDATE runs SET upload_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update upload status: %w", err)
	}
	s.finished.Remove(id)
	return expectOneRow(res)
}

// FailInterruptedRuns marks runs left in the running state by an earlier
// process as failed. It returns the number of runs updated.
func (s *Store) FailInterruptedRuns() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE status = ?`,
		models.RunStatusFailed, "interrupted", time.Now().UTC(), models.RunStatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

const runColumns = `id, endpoint, instruction, model, directory, output_directory, archive_path, archived, status, error, response, upload_status, created_at, finished_at`

// GetRun retrieves a run by ID. Finished runs with no upload in flight are
// served from cache.
func (s *Store) GetRun(id string) (*models.Run, error) {
	if run, ok := s.finished.Get(id); ok {
		return &run, nil
	}

	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	if run.Status != models.RunStatusRunning && run.UploadStatus != models.UploadPending {
		s.finished.Add(run.ID, *run)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
// A non-positive limit returns all runs.
func (s *Store) ListRuns(status string, limit int) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var instruction, outputDir, archivePath, errMsg, response sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(&run.ID, &run.Endpoint, &instruction, &run.Model, &run.Directory, &outputDir, &archivePath,
		&run.Archived, &run.Status, &errMsg, &response, &run.UploadStatus, &run.CreatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	run.Instruction = instruction.String
	run.OutputDirectory = outputDir.String
	run.ArchivePath = archivePath.String
	run.Error = errMsg.String
	run.Response = response.String
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return &run, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, runID, details string) (*models.PDREntry, error) {
	now := time.Now().UTC()
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		RunID:      runID,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, run_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.RunID, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDRs returns the decision records of a run, oldest first.
func (s *Store) ListPDRs(runID string) ([]models.PDREntry, error) {
	rows, err := s.db.Query(
		`SELECT id, action, inputs_hash, outcome, run_id, details, timestamp FROM pdr WHERE run_id = ? ORDER BY timestamp ASC, rowid ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var rid, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &rid, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.RunID = rid.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
