package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fentz26/coderelay/internal/models"
	"github.com/fentz26/coderelay/internal/prompt"
)

const (
	maxRequestBytes = 64 << 20
	maxMemoryBytes  = 32 << 20
)

// endpointProfile fixes how an endpoint drives the agent.
type endpointProfile struct {
	path           string
	mode           models.ChatMode
	fileMode       models.FileMode
	variant        models.PromptVariant
	requireUploads bool
	defaultPrompt  string
	successStatus  int
}

var (
	promptProfile = endpointProfile{
		path:          "/code/prompt",
		mode:          models.ChatModeCode,
		fileMode:      models.FileModeEditable,
		variant:       models.PromptStandard,
		successStatus: http.StatusOK,
	}
	filesProfile = endpointProfile{
		path:           "/code/files",
		mode:           models.ChatModeArchitect,
		fileMode:       models.FileModeReadOnly,
		variant:        models.PromptStandard,
		requireUploads: true,
		defaultPrompt:  prompt.DefaultFileInstruction,
		successStatus:  http.StatusOK,
	}
	generateProfile = endpointProfile{
		path:          "/code/generate",
		mode:          models.ChatModeArchitect,
		fileMode:      models.FileModeReadOnly,
		variant:       models.PromptAutonomous,
		successStatus: http.StatusCreated,
	}
)

// codeRequestBody is the JSON form of a code request.
type codeRequestBody struct {
	Instruction     string          `json:"instruction"`
	Context         string          `json:"context"`
	CodeTemplate    string          `json:"codeTemplate"`
	CodeTemplateAlt string          `json:"code_template"`
	Directory       string          `json:"directory"`
	Model           string          `json:"model"`
	Files           []string        `json:"files"`
	Options         json.RawMessage `json:"options"`
}

// parsedRequest is a normalized request plus the bookkeeping around it.
type parsedRequest struct {
	Request models.GenerationRequest
	// Files are the names reported back as processed.
	Files []string
	// stageDir holds uploaded files; removed by cleanup.
	stageDir string
}

func (p *parsedRequest) cleanup() {
	if p.stageDir != "" {
		os.RemoveAll(p.stageDir)
	}
}

// parseCodeRequest reads a JSON or multipart body according to profile.
func parseCodeRequest(r *http.Request, profile endpointProfile) (*parsedRequest, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		p   *parsedRequest
		err error
	)
	switch {
	case ct == "multipart/form-data":
		p, err = parseMultipart(r)
	case profile.requireUploads:
		return nil, &RequestError{Message: "multipart/form-data with at least one file is required"}
	default:
		p, err = parseJSON(r)
	}
	if err != nil {
		return nil, err
	}

	if profile.requireUploads && p.stageDir == "" {
		p.cleanup()
		return nil, &RequestError{Message: "At least one file must be uploaded"}
	}

	req := &p.Request
	req.Mode = profile.mode
	req.FileMode = profile.fileMode
	req.Variant = profile.variant
	if strings.TrimSpace(req.Instruction) == "" && profile.defaultPrompt != "" {
		req.Instruction = profile.defaultPrompt
	}
	return p, nil
}

func parseJSON(r *http.Request) (*parsedRequest, error) {
	var body codeRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&body); err != nil {
		return nil, &RequestError{Message: "invalid json"}
	}

	policy, err := parseOptions(body.Options)
	if err != nil {
		return nil, err
	}

	template := body.CodeTemplate
	if template == "" {
		template = body.CodeTemplateAlt
	}
	return &parsedRequest{
		Request: models.GenerationRequest{
			Instruction:     body.Instruction,
			Context:         body.Context,
			CodeTemplate:    template,
			TargetDirectory: body.Directory,
			ModelName:       body.Model,
			Policy:          policy,
			ReferenceFiles:  body.Files,
		},
		Files: body.Files,
	}, nil
}

func parseMultipart(r *http.Request) (*parsedRequest, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBytes)
	if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
		return nil, &RequestError{Message: fmt.Sprintf("invalid multipart form: %v", err)}
	}

	form := r.MultipartForm
	value := func(keys ...string) string {
		for _, k := range keys {
			if v := form.Value[k]; len(v) > 0 {
				return v[0]
			}
		}
		return ""
	}

	policy, err := parseOptions(json.RawMessage(value("options")))
	if err != nil {
		return nil, err
	}

	p := &parsedRequest{
		Request: models.GenerationRequest{
			Instruction:     value("instruction"),
			Context:         value("context"),
			CodeTemplate:    value("codeTemplate", "code_template"),
			TargetDirectory: value("directory"),
			ModelName:       value("model"),
			Policy:          policy,
		},
	}

	// plain "files" values name files already present in the workspace
	for _, name := range form.Value["files"] {
		if name = strings.TrimSpace(name); name != "" {
			p.Request.ReferenceFiles = append(p.Request.ReferenceFiles, name)
			p.Files = append(p.Files, name)
		}
	}

	if uploads := form.File["files"]; len(uploads) > 0 {
		if err := p.stage(uploads); err != nil {
			p.cleanup()
			return nil, err
		}
	}
	return p, nil
}

// stage copies uploaded parts into a fresh temp directory under sanitized names.
func (p *parsedRequest) stage(uploads []*multipart.FileHeader) error {
	dir, err := os.MkdirTemp("", "coderelay-upload-*")
	if err != nil {
		return fmt.Errorf("create upload staging dir: %w", err)
	}
	p.stageDir = dir

	used := make(map[string]bool)
	for _, fh := range uploads {
		name := SanitizeFilename(fh.Filename)
		if name == "" {
			continue
		}
		if used[name] {
			ext := filepath.Ext(name)
			stem := strings.TrimSuffix(name, ext)
			for n := 1; used[name]; n++ {
				name = fmt.Sprintf("%s_%d%s", stem, n, ext)
			}
		}
		used[name] = true

		path := filepath.Join(dir, name)
		if err := saveUpload(fh, path); err != nil {
			return err
		}
		p.Request.ReferenceFiles = append(p.Request.ReferenceFiles, path)
		p.Files = append(p.Files, name)
	}
	if len(p.Files) == 0 {
		os.RemoveAll(dir)
		p.stageDir = ""
	}
	return nil
}

func saveUpload(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("save upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("save upload: %w", err)
	}
	return dst.Close()
}

// SanitizeFilename reduces an uploaded file name to a safe base name.
// It returns "" when nothing usable remains.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "._")
}

// parseOptions accepts the options object, a JSON string holding it, or nothing.
// Both camelCase keys and the snake_case aliases are understood; all default false.
func parseOptions(raw json.RawMessage) (models.CommitPolicy, error) {
	var policy models.CommitPolicy
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return policy, nil
	}

	// a JSON-encoded string holding the object
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return policy, &RequestError{Message: "Invalid JSON format for options"}
		}
		trimmed = strings.TrimSpace(inner)
		if trimmed == "" {
			return policy, nil
		}
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return policy, &RequestError{Message: "Invalid JSON format for options"}
	}

	var err error
	if policy.AutoCommit, err = optionBool(fields, "autoCommit", "auto_commits"); err != nil {
		return policy, err
	}
	if policy.AllowDirtyCommit, err = optionBool(fields, "allowDirtyCommit", "dirty_commits"); err != nil {
		return policy, err
	}
	if policy.DryRun, err = optionBool(fields, "dryRun", "dry_run"); err != nil {
		return policy, err
	}
	return policy, nil
}

func optionBool(fields map[string]interface{}, keys ...string) (bool, error) {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(t)
			if err != nil {
				return false, &RequestError{Field: "options." + k, Message: fmt.Sprintf("expected boolean, got %q", t)}
			}
			return b, nil
		default:
			return false, &RequestError{Field: "options." + k, Message: "expected boolean"}
		}
	}
	return false, nil
}

// IsRequestError reports whether err is a malformed-request error.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}
