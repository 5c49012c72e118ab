package main

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fentz26/coderelay/internal/config"
	"github.com/fentz26/coderelay/internal/upload"
)

func TestNewUploader(t *testing.T) {
	u, err := newUploader(config.UploadConfig{Backend: config.BackendNone})
	if err != nil || u != nil {
		t.Errorf("Expected no uploader, got %v, %v", u, err)
	}

	u, err = newUploader(config.UploadConfig{Backend: config.BackendHTTP, BackendURL: "http://files.local/", Path: "/api/files/upload"})
	if err != nil {
		t.Fatalf("newUploader failed: %v", err)
	}
	h, ok := u.(*upload.HTTPUploader)
	if !ok {
		t.Fatalf("Expected HTTPUploader, got %T", u)
	}
	if h.URL() != "http://files.local/api/files/upload" {
		t.Errorf("Unexpected URL %s", h.URL())
	}

	u, err = newUploader(config.UploadConfig{Backend: config.BackendS3, S3: config.S3Config{
		Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "artifacts",
	}})
	if err != nil {
		t.Fatalf("newUploader failed: %v", err)
	}
	if u.Name() != "s3" {
		t.Errorf("Expected s3 uploader, got %s", u.Name())
	}

	if _, err := newUploader(config.UploadConfig{Backend: "ftp"}); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func response(code int, body string) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(body))}
}

func TestReadResponse(t *testing.T) {
	body, err := readResponse(response(200, `{"ok":true}`))
	if err != nil || string(body) != `{"ok":true}` {
		t.Errorf("Unexpected result %q, %v", body, err)
	}

	_, err = readResponse(response(500, `{"error":"agent exited","status":"error","runId":"r1"}`))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.Code != 500 || apiErr.Message != "agent exited" || apiErr.RunID != "r1" {
		t.Errorf("Unexpected error %+v", apiErr)
	}
	if err.Error() != "API error (500): agent exited (run r1)" {
		t.Errorf("Unexpected message %q", err.Error())
	}

	_, err = readResponse(response(502, "bad gateway"))
	if err == nil || err.Error() != "API error (502): bad gateway" {
		t.Errorf("Unexpected error %v", err)
	}
}

func TestReadArg(t *testing.T) {
	v, err := readArg("plain text")
	if err != nil || v != "plain text" {
		t.Errorf("Expected literal value, got %q, %v", v, err)
	}

	path := filepath.Join(t.TempDir(), "ctx.md")
	os.WriteFile(path, []byte("from file"), 0o644)
	v, err = readArg("@" + path)
	if err != nil || v != "from file" {
		t.Errorf("Expected file contents, got %q, %v", v, err)
	}

	if _, err := readArg("@" + path + ".missing"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestTruncateHelpers(t *testing.T) {
	if got := truncate("abcdefghij", 8); got != "abcde..." {
		t.Errorf("Unexpected truncate result %q", got)
	}
	if got := truncateID("0123456789"); got != "01234567" {
		t.Errorf("Unexpected truncateID result %q", got)
	}
	if got := oneLine("first\nsecond"); got != "first" {
		t.Errorf("Unexpected oneLine result %q", got)
	}
}
