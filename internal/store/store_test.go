package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fentz26/coderelay/internal/models"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNew_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	run, err := s.CreateRun("/code/prompt", "hello", "m", "/ws")
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	s.Close()

	s, err = New(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s.Close()

	if _, err := s.GetRun(run.ID); err != nil {
		t.Errorf("Expected run to survive reopen, got %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	// Create
	run, err := s.CreateRun("/code/prompt", "Create hello world", "gpt-4o", "/ws/proj")
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.ID == "" {
		t.Error("Run ID should not be empty")
	}
	if run.Status != models.RunStatusRunning {
		t.Errorf("Expected status running, got %s", run.Status)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Instruction != "Create hello world" || got.Model != "gpt-4o" || got.Directory != "/ws/proj" {
		t.Errorf("Unexpected run %+v", got)
	}
	if got.FinishedAt != nil {
		t.Error("Running run should not have FinishedAt")
	}
	if got.UploadStatus != models.UploadNone {
		t.Errorf("Expected upload status none, got %s", got.UploadStatus)
	}

	// Finish
	err = s.FinishRun(run.ID, RunFinish{
		Status:          models.RunStatusSucceeded,
		OutputDirectory: "/ws/proj/output/hello",
		ArchivePath:     "/ws/proj/output/hello.zip",
		Archived:        true,
		Response:        "done",
		UploadStatus:    models.UploadPending,
	})
	if err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	got, err = s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != models.RunStatusSucceeded {
		t.Errorf("Expected status succeeded, got %s", got.Status)
	}
	if !got.Archived || got.ArchivePath != "/ws/proj/output/hello.zip" {
		t.Errorf("Expected archive recorded, got %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("Finished run should have FinishedAt")
	}
	if got.UploadStatus != models.UploadPending {
		t.Errorf("Expected upload status pending, got %s", got.UploadStatus)
	}

	// Upload status update must not be hidden by the cache
	if err := s.SetUploadStatus(run.ID, models.UploadUploaded); err != nil {
		t.Fatalf("SetUploadStatus failed: %v", err)
	}
	got, err = s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.UploadStatus != models.UploadUploaded {
		t.Errorf("Expected upload status uploaded, got %s", got.UploadStatus)
	}
}

func TestFinishRun_KeepsCompletedUploadStatus(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	run, _ := s.CreateRun("/code/prompt", "x", "m", "/ws")

	// the upload finished before the run result was written
	if err := s.SetUploadStatus(run.ID, models.UploadUploaded); err != nil {
		t.Fatalf("SetUploadStatus failed: %v", err)
	}
	if err := s.FinishRun(run.ID, RunFinish{Status: models.RunStatusSucceeded, UploadStatus: models.UploadPending}); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	got, _ := s.GetRun(run.ID)
	if got.UploadStatus != models.UploadUploaded {
		t.Errorf("Expected upload status uploaded, got %s", got.UploadStatus)
	}
}

func TestGetRun_DoesNotCachePendingUpload(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	run, _ := s.CreateRun("/code/prompt", "x", "m", "/ws")
	if err := s.FinishRun(run.ID, RunFinish{Status: models.RunStatusSucceeded, UploadStatus: models.UploadPending}); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.UploadStatus != models.UploadPending {
		t.Fatalf("Expected upload status pending, got %s", got.UploadStatus)
	}

	// an upload finishing between a read and its cache fill never evicts anything
	if _, err := s.db.Exec(`UPDATE runs SET upload_status = ? WHERE id = ?`, models.UploadUploaded, run.ID); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err = s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.UploadStatus != models.UploadUploaded {
		t.Errorf("Expected upload status uploaded, got %s", got.UploadStatus)
	}

	if err := s.SetUploadStatus(run.ID, models.UploadUploaded); err != nil {
		t.Fatalf("SetUploadStatus failed: %v", err)
	}
	got, _ = s.GetRun(run.ID)
	if _, ok := s.finished.Get(run.ID); !ok {
		t.Error("Expected run with a settled upload to be cached")
	}
	if got.UploadStatus != models.UploadUploaded {
		t.Errorf("Expected upload status uploaded, got %s", got.UploadStatus)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	_, err := s.GetRun("missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
	if err := s.FinishRun("missing", RunFinish{Status: models.RunStatusFailed}); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound from FinishRun, got %v", err)
	}
	if err := s.SetUploadStatus("missing", models.UploadFailed); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound from SetUploadStatus, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	a, _ := s.CreateRun("/code/prompt", "a", "m", "/ws")
	b, _ := s.CreateRun("/code/files", "b", "m", "/ws")
	s.CreateRun("/code/generate", "c", "m", "/ws")

	s.FinishRun(a.ID, RunFinish{Status: models.RunStatusSucceeded})
	s.FinishRun(b.ID, RunFinish{Status: models.RunStatusFailed, Error: "boom"})

	runs, err := s.ListRuns("", 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("Expected 3 runs, got %d", len(runs))
	}

	runs, err = s.ListRuns(string(models.RunStatusFailed), 0)
	if err != nil {
		t.Fatalf("ListRuns with filter failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Error != "boom" {
		t.Errorf("Expected the failed run, got %+v", runs)
	}

	runs, err = s.ListRuns("", 2)
	if err != nil {
		t.Fatalf("ListRuns with limit failed: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("Expected 2 runs, got %d", len(runs))
	}
}

func TestFailInterruptedRuns(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	a, _ := s.CreateRun("/code/prompt", "a", "m", "/ws")
	b, _ := s.CreateRun("/code/prompt", "b", "m", "/ws")
	s.FinishRun(b.ID, RunFinish{Status: models.RunStatusSucceeded})

	n, err := s.FailInterruptedRuns()
	if err != nil {
		t.Fatalf("FailInterruptedRuns failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 interrupted run, got %d", n)
	}

	got, _ := s.GetRun(a.ID)
	if got.Status != models.RunStatusFailed || got.Error != "interrupted" {
		t.Errorf("Expected interrupted failure, got %+v", got)
	}
}

func TestPDR(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	run, _ := s.CreateRun("/code/prompt", "x", "m", "/ws")

	pdr, err := s.WritePDR("run.start", "abc123", "success", run.ID, "details")
	if err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if pdr.ID == "" {
		t.Error("PDR ID should not be empty")
	}
	if _, err := s.WritePDR("run.finish", "def456", "failure", run.ID, ""); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}

	entries, err := s.ListPDRs(run.ID)
	if err != nil {
		t.Fatalf("ListPDRs failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(entries))
	}
	actions := map[string]bool{}
	for _, e := range entries {
		actions[e.Action] = true
		if e.RunID != run.ID {
			t.Errorf("Expected run id %s, got %s", run.ID, e.RunID)
		}
	}
	if !actions["run.start"] || !actions["run.finish"] {
		t.Errorf("Unexpected actions %v", actions)
	}
}

func TestConcurrentRunWrites(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := s.CreateRun("/code/prompt", "x", "m", "/ws")
			if err != nil {
				errs <- err
				return
			}
			errs <- s.FinishRun(run.ID, RunFinish{Status: models.RunStatusSucceeded})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent write failed: %v", err)
		}
	}
	runs, _ := s.ListRuns(string(models.RunStatusSucceeded), 0)
	if len(runs) != 10 {
		t.Errorf("Expected 10 runs, got %d", len(runs))
	}
}

func newTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
