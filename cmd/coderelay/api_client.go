package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultClientTimeout bounds read-only API calls.
	DefaultClientTimeout = 10 * time.Second
	// RunClientTimeout bounds calls to the code endpoints, which block
	// until the agent is done.
	RunClientTimeout = 35 * time.Minute
)

var (
	apiClient = &http.Client{Timeout: DefaultClientTimeout}
	runClient = &http.Client{Timeout: RunClientTimeout}
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Code    int
	Message string
	RunID   string
}

func (e *APIError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("API error (%d): %s (run %s)", e.Code, e.Message, e.RunID)
	}
	return fmt.Sprintf("API error (%d): %s", e.Code, e.Message)
}

func apiGet(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, apiAddr+path, nil)
	if err != nil {
		return nil, err
	}
	return send(apiClient, req)
}

// apiPost posts data as JSON to a code endpoint and waits for the run.
func apiPost(path string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, apiAddr+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return send(runClient, req)
}

// apiPostMultipart posts non-empty fields plus each file as a "files" part.
func apiPostMultipart(path string, fields map[string]string, files []string) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	for _, name := range files {
		if err := attachFile(mw, name); err != nil {
			return nil, fmt.Errorf("attach %s: %w", name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, apiAddr+path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return send(runClient, req)
}

func attachFile(mw *multipart.Writer, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	part, err := mw.CreateFormFile("files", filepath.Base(name))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

func send(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

// readResponse returns the body of a 2xx answer and an *APIError otherwise.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return body, nil
	}

	apiErr := &APIError{Code: resp.StatusCode, Message: string(body)}
	var envelope struct {
		Error string `json:"error"`
		RunID string `json:"runId"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
		apiErr.Message = envelope.Error
		apiErr.RunID = envelope.RunID
	}
	return nil, apiErr
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
	Agent   *struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Path    string `json:"path"`
		Version string `json:"version"`
	} `json:"agent"`
}

// CheckHealth asks the server for its health. A 503 still yields the
// decoded payload alongside the error so callers can show what failed.
func CheckHealth() (*HealthResponse, error) {
	req, err := http.NewRequest(http.MethodGet, apiAddr+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d): %s", resp.StatusCode, health.DB)
	}
	return &health, nil
}
