package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fentz26/coderelay/internal/audit"
	"github.com/fentz26/coderelay/internal/connectors"
	"github.com/fentz26/coderelay/internal/models"
	"github.com/fentz26/coderelay/internal/pipeline"
	"github.com/fentz26/coderelay/internal/store"
	"github.com/fentz26/coderelay/internal/upload"
	"github.com/fentz26/coderelay/internal/workspace"
)

// stubAgent records invocations and runs an optional action in the workspace.
type stubAgent struct {
	mu     sync.Mutex
	calls  []connectors.Invocation
	action func(inv connectors.Invocation) (string, error)
}

func (a *stubAgent) Name() string { return "stub" }

func (a *stubAgent) Generate(ctx context.Context, inv connectors.Invocation) (string, error) {
	a.mu.Lock()
	a.calls = append(a.calls, inv)
	a.mu.Unlock()
	if a.action == nil {
		return "ok", nil
	}
	return a.action(inv)
}

func (a *stubAgent) last(t *testing.T) connectors.Invocation {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.calls) == 0 {
		t.Fatal("Expected the agent to be invoked")
	}
	return a.calls[len(a.calls)-1]
}

func writeHello(inv connectors.Invocation) (string, error) {
	dir := filepath.Join(inv.WorkDir, workspace.OutputDirName, "hello")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return "created hello", os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644)
}

type testEnv struct {
	server  *Server
	service *Service
	store   *store.Store
	agent   *stubAgent
	workDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tmpDir := t.TempDir()

	st, err := store.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	workDir := filepath.Join(tmpDir, "ws")
	guard, err := workspace.NewGuard(workDir, nil)
	if err != nil {
		t.Fatalf("Failed to create guard: %v", err)
	}

	agent := &stubAgent{}
	runner := pipeline.NewRunner(guard, agent, nil, pipeline.Config{DefaultModel: "default-model"}, nil)
	service := NewService(st, audit.NewPDRWriter(st), runner, nil, nil)
	server := NewServer(service, "127.0.0.1:0", 0, nil)

	return &testEnv{server: server, service: service, store: st, agent: agent, workDir: workDir}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) postJSON(path string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func multipartRequest(t *testing.T, path string, fields map[string]string, files map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	for name, content := range files {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		part.Write([]byte(content))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeCode(t *testing.T, w *httptest.ResponseRecorder) CodeResponse {
	t.Helper()
	var resp CodeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error: %v", err)
	}
	if resp.Status != "error" {
		t.Errorf("Expected status 'error', got %q", resp.Status)
	}
	return resp
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	env.server.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()

	env.server.handleHealth(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t)

	// Close the store to simulate DB error
	env.store.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	env.server.handleHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

func TestIndex(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/code/prompt") {
		t.Errorf("Expected endpoint index, got %s", w.Body.String())
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestPrompt_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.agent.action = writeHello

	w := env.postJSON("/code/prompt", map[string]interface{}{
		"instruction": "Create a hello world program",
		"directory":   "proj",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decodeCode(t, w)
	target := filepath.Join(env.workDir, "proj")
	if resp.Status != "success" {
		t.Errorf("Expected status success, got %s", resp.Status)
	}
	if resp.Directory != target {
		t.Errorf("Expected directory %s, got %s", target, resp.Directory)
	}
	if resp.OutputDirectory != filepath.Join(target, "output", "hello") {
		t.Errorf("Unexpected output directory %s", resp.OutputDirectory)
	}
	if !resp.Archived || resp.ArchivePath != filepath.Join(target, "output", "hello.zip") {
		t.Errorf("Expected hello.zip to be archived, got %+v", resp)
	}
	if _, err := os.Stat(resp.ArchivePath); err != nil {
		t.Errorf("Archive missing on disk: %v", err)
	}
	if resp.ModelUsed != "default-model" {
		t.Errorf("Expected default model, got %s", resp.ModelUsed)
	}
	if resp.FilesProcessed == nil || len(resp.FilesProcessed) != 0 {
		t.Errorf("Expected empty filesProcessed, got %v", resp.FilesProcessed)
	}
	if resp.RunID == "" {
		t.Fatal("Expected run id")
	}

	inv := env.agent.last(t)
	if inv.Mode != models.ChatModeCode {
		t.Errorf("Expected code mode, got %s", inv.Mode)
	}

	// The run is recorded
	w = env.do(httptest.NewRequest(http.MethodGet, "/runs/"+resp.RunID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for run, got %d", w.Code)
	}
	var run models.Run
	json.NewDecoder(w.Body).Decode(&run)
	if run.Status != models.RunStatusSucceeded || run.Endpoint != "/code/prompt" {
		t.Errorf("Unexpected run %+v", run)
	}
}

func TestPrompt_MissingInstruction(t *testing.T) {
	env := newTestEnv(t)

	w := env.postJSON("/code/prompt", map[string]interface{}{"directory": "never"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error != "instruction: No instruction provided" {
		t.Errorf("Unexpected error %q", resp.Error)
	}
	if _, err := os.Stat(filepath.Join(env.workDir, "never")); !os.IsNotExist(err) {
		t.Error("Expected no directory to be created")
	}
	if runs, _ := env.store.ListRuns("", 0); len(runs) != 0 {
		t.Errorf("Expected no runs recorded, got %d", len(runs))
	}
	if len(env.agent.calls) != 0 {
		t.Error("Expected the agent not to be invoked")
	}
}

func TestPrompt_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/code/prompt", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	w := env.do(req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestPrompt_OptionsAsStringWithAliases(t *testing.T) {
	env := newTestEnv(t)

	w := env.postJSON("/code/prompt", map[string]interface{}{
		"instruction": "x",
		"model":       "gpt-4o",
		"files":       []string{"main.go"},
		"options":     `{"auto_commits": true, "dry_run": "true"}`,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	inv := env.agent.last(t)
	if !inv.Policy.AutoCommit || inv.Policy.AllowDirtyCommit || !inv.Policy.DryRun {
		t.Errorf("Unexpected policy %+v", inv.Policy)
	}
	if inv.Model != "gpt-4o" {
		t.Errorf("Expected model gpt-4o, got %s", inv.Model)
	}
	if len(inv.Editable) != 1 || inv.Editable[0] != "main.go" {
		t.Errorf("Expected main.go editable, got %v", inv.Editable)
	}
	if resp := decodeCode(t, w); len(resp.FilesProcessed) != 1 {
		t.Errorf("Expected one processed file, got %v", resp.FilesProcessed)
	}
}

func TestPrompt_InvalidOptions(t *testing.T) {
	env := newTestEnv(t)

	w := env.postJSON("/code/prompt", map[string]interface{}{
		"instruction": "x",
		"options":     "{not json",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error != "Invalid JSON format for options" {
		t.Errorf("Unexpected error %q", resp.Error)
	}
}

func TestPrompt_DirectoryIsAFile(t *testing.T) {
	env := newTestEnv(t)
	os.MkdirAll(env.workDir, 0o755)
	os.WriteFile(filepath.Join(env.workDir, "file.txt"), []byte("x"), 0o644)

	w := env.postJSON("/code/prompt", map[string]interface{}{
		"instruction": "x",
		"directory":   "file.txt",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.RunID == "" {
		t.Error("Expected run id in error body")
	}
}

func TestPrompt_GenerationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.agent.action = func(inv connectors.Invocation) (string, error) {
		writeHello(inv)
		return "", &connectors.GenerationFailure{Stage: connectors.StageInitialize, Model: "bad", Err: errors.New("unknown model")}
	}

	w := env.postJSON("/code/prompt", map[string]interface{}{"instruction": "x"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	resp := decodeError(t, w)
	if !strings.Contains(resp.Error, "failed to initialize model/coder") {
		t.Errorf("Unexpected error %q", resp.Error)
	}

	run, err := env.store.GetRun(resp.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != models.RunStatusFailed {
		t.Errorf("Expected failed run, got %s", run.Status)
	}
	if !run.Archived {
		t.Error("Expected partial output to be archived")
	}
}

func TestFiles_DuplicateNamesNeverCollide(t *testing.T) {
	env := newTestEnv(t)

	var staged map[string]string
	env.agent.action = func(inv connectors.Invocation) (string, error) {
		staged = map[string]string{}
		for _, p := range inv.ReadOnly {
			data, err := os.ReadFile(p)
			if err != nil {
				return "", err
			}
			staged[filepath.Base(p)] = string(data)
		}
		return writeHello(inv)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range []struct{ name, content string }{
		{"a.txt", "one"},
		{"a.txt", "two"},
		{"a_1.txt", "three"},
	} {
		part, err := mw.CreateFormFile("files", f.name)
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		part.Write([]byte(f.content))
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/code/files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	w := env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	want := map[string]string{"a.txt": "one", "a_1.txt": "two", "a_1_1.txt": "three"}
	if len(staged) != len(want) {
		t.Fatalf("Expected %d staged files, got %v", len(want), staged)
	}
	for name, content := range want {
		if staged[name] != content {
			t.Errorf("Expected %s to hold %q, got %q", name, content, staged[name])
		}
	}
	if resp := decodeCode(t, w); len(resp.FilesProcessed) != 3 {
		t.Errorf("Expected 3 processed files, got %v", resp.FilesProcessed)
	}
}

func TestPrompt_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/code/prompt", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestFiles_UploadsAreStagedReadOnly(t *testing.T) {
	env := newTestEnv(t)

	var staged map[string]string
	env.agent.action = func(inv connectors.Invocation) (string, error) {
		staged = map[string]string{}
		for _, p := range inv.ReadOnly {
			data, err := os.ReadFile(p)
			if err != nil {
				return "", err
			}
			staged[filepath.Base(p)] = string(data)
		}
		return writeHello(inv)
	}

	req := multipartRequest(t, "/code/files",
		map[string]string{"options": `{"dirtyCommits": false}`},
		map[string]string{"../../spec.md": "# spec", "notes v2.md": "notes"})
	w := env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if staged["spec.md"] != "# spec" || staged["notes_v2.md"] != "notes" {
		t.Errorf("Unexpected staged files %v", staged)
	}

	inv := env.agent.last(t)
	if inv.Mode != models.ChatModeArchitect {
		t.Errorf("Expected architect mode, got %s", inv.Mode)
	}
	if len(inv.Editable) != 0 {
		t.Errorf("Expected no editable files, got %v", inv.Editable)
	}
	if !strings.Contains(inv.Instruction, "analyze the uploaded files") {
		t.Error("Expected the default file instruction")
	}
	for _, p := range inv.ReadOnly {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("Expected staged file %s to be removed", p)
		}
	}

	resp := decodeCode(t, w)
	if len(resp.FilesProcessed) != 2 {
		t.Errorf("Expected 2 processed files, got %v", resp.FilesProcessed)
	}
	if !resp.Archived {
		t.Error("Expected output to be archived")
	}
}

func TestFiles_RequiresUpload(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(multipartRequest(t, "/code/files", map[string]string{"instruction": "x"}, nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error != "At least one file must be uploaded" {
		t.Errorf("Unexpected error %q", resp.Error)
	}

	w = env.postJSON("/code/files", map[string]interface{}{"instruction": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for JSON body, got %d", w.Code)
	}
}

func TestGenerate_Created(t *testing.T) {
	env := newTestEnv(t)
	env.agent.action = writeHello

	w := env.postJSON("/code/generate", map[string]interface{}{
		"context":       "Torque sensor analysis",
		"instruction":   "Fill the template",
		"code_template": "def analyze():\n    pass",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	inv := env.agent.last(t)
	for _, want := range []string{"CONTEXT:", "CODE TEMPLATE:", "def analyze()", "Always answer 'YES'"} {
		if !strings.Contains(inv.Instruction, want) {
			t.Errorf("Expected %q in instruction", want)
		}
	}
}

func TestRuns_ListAndFilter(t *testing.T) {
	env := newTestEnv(t)
	env.postJSON("/code/prompt", map[string]interface{}{"instruction": "a"})
	env.agent.action = func(inv connectors.Invocation) (string, error) {
		return "", &connectors.GenerationFailure{Stage: connectors.StageExecute, Err: errors.New("x")}
	}
	env.postJSON("/code/prompt", map[string]interface{}{"instruction": "b"})

	w := env.do(httptest.NewRequest(http.MethodGet, "/runs", nil))
	var runs []models.Run
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 2 {
		t.Errorf("Expected 2 runs, got %d", len(runs))
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/runs?status=failed", nil))
	runs = nil
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 1 || runs[0].Instruction != "b" {
		t.Errorf("Expected the failed run, got %+v", runs)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/runs?status=bogus", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/runs/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestUploadDone_RecordsStatus(t *testing.T) {
	env := newTestEnv(t)
	run, _ := env.store.CreateRun("/code/prompt", "x", "m", env.workDir)

	env.service.UploadDone(upload.Job{RunID: run.ID, Name: "hello.zip"}, nil)
	got, _ := env.store.GetRun(run.ID)
	if got.UploadStatus != models.UploadUploaded {
		t.Errorf("Expected uploaded, got %s", got.UploadStatus)
	}

	env.service.UploadDone(upload.Job{RunID: run.ID, Name: "hello.zip"}, errors.New("503"))
	got, _ = env.store.GetRun(run.ID)
	if got.UploadStatus != models.UploadFailed {
		t.Errorf("Expected failed, got %s", got.UploadStatus)
	}

	entries, _ := env.store.ListPDRs(run.ID)
	if len(entries) != 2 {
		t.Errorf("Expected 2 upload records, got %d", len(entries))
	}
}

type fakeStats map[string]interface{}

func (f fakeStats) Stats() map[string]interface{} { return f }

func TestUploadsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/uploads", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["uploader"] != "none" {
		t.Errorf("Expected uploader none, got %v", body["uploader"])
	}

	env.server.SetUploads(fakeStats{"uploader": "s3", "uploaded": 3})
	w = env.do(httptest.NewRequest(http.MethodGet, "/uploads", nil))
	body = nil
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["uploader"] != "s3" || body["uploaded"] != float64(3) {
		t.Errorf("Unexpected stats: %v", body)
	}

	w = env.do(httptest.NewRequest(http.MethodPost, "/uploads", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

func TestRunDecisions(t *testing.T) {
	env := newTestEnv(t)
	env.agent.action = writeHello

	w := env.postJSON("/code/prompt", map[string]interface{}{"instruction": "hello"})
	resp := decodeCode(t, w)

	w = env.do(httptest.NewRequest(http.MethodGet, "/runs/"+resp.RunID+"/decisions", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var entries []models.PDREntry
	json.NewDecoder(w.Body).Decode(&entries)

	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []string{audit.ActionRunStart, audit.ActionRunFinish, audit.ActionArchive}
	if strings.Join(actions, ",") != strings.Join(want, ",") {
		t.Errorf("Expected actions %v, got %v", want, actions)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/runs/unknown/decisions", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/runs/"+resp.RunID+"/other", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}
