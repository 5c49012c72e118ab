// Package upload ships produced archives to remote storage, best effort.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// Job is one archive waiting to be uploaded.
type Job struct {
	RunID string
	Name  string
	Data  []byte
}

// Uploader stores an archive remotely.
type Uploader interface {
	Name() string
	Upload(ctx context.Context, job Job) error
}

// StatusError reports an unexpected HTTP status from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upload rejected (%d): %s", e.Code, e.Body)
}

// HTTPUploader posts archives as multipart form data.
type HTTPUploader struct {
	url    string
	client *http.Client
}

// NewHTTPUploader posts to baseURL joined with path.
func NewHTTPUploader(baseURL, path string, client *http.Client) *HTTPUploader {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	url := strings.TrimRight(baseURL, "/")
	if path != "" {
		url += "/" + strings.TrimLeft(path, "/")
	}
	return &HTTPUploader{url: url, client: client}
}

// Name returns the uploader identifier.
func (u *HTTPUploader) Name() string {
	return "http"
}

// URL returns the upload endpoint.
func (u *HTTPUploader) URL() string {
	return u.url
}

// Upload sends the archive in a "file" part. Only 201 Created counts as success.
func (u *HTTPUploader) Upload(ctx context.Context, job Job) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, job.Name))
	hdr.Set("Content-Type", "application/zip")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(job.Data); err != nil {
		return fmt.Errorf("write form part: %w", err)
	}
	if job.RunID != "" {
		if err := mw.WriteField("run_id", job.RunID); err != nil {
			return fmt.Errorf("write run id: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return nil
}
