package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/coderelay/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// PromptTimeout bounds a prompt submitted from the TUI.
const PromptTimeout = 35 * time.Minute

// Client wraps HTTP calls to the coderelay API
type Client struct {
	baseURL    string
	httpClient *http.Client
	runClient  *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
		runClient:  &http.Client{Timeout: PromptTimeout},
	}
}

// HealthInfo is the subset of /health the TUI shows.
type HealthInfo struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Agent   *struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Version string `json:"version"`
	} `json:"agent"`
}

// PromptResult is the answer to a submitted prompt.
type PromptResult struct {
	RunID           string `json:"runId"`
	Status          string `json:"status"`
	Error           string `json:"error"`
	OutputDirectory string `json:"outputDirectory"`
	Archived        bool   `json:"archived"`
	ArchivePath     string `json:"archivePath"`
}

// Health fetches the server health. A 503 still decodes.
func (c *Client) Health() (*HealthInfo, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var h HealthInfo
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListRuns fetches runs from the API
func (c *Client) ListRuns(status string) ([]models.Run, error) {
	u := c.baseURL + "/runs"
	if status != "" {
		u += "?status=" + url.QueryEscape(status)
	}

	resp, err := c.httpClient.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := apiError(resp); err != nil {
		return nil, err
	}

	var runs []models.Run
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun fetches a single run
func (c *Client) GetRun(id string) (*models.Run, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/runs/" + url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := apiError(resp); err != nil {
		return nil, err
	}

	var run models.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Prompt submits an instruction and waits for the run to finish.
func (c *Client) Prompt(instruction, directory string) (*PromptResult, error) {
	body, _ := json.Marshal(map[string]string{
		"instruction": instruction,
		"directory":   directory,
	})

	resp, err := c.runClient.Post(c.baseURL+"/code/prompt", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var res PromptResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		return &res, fmt.Errorf("API error: %s", res.Error)
	}
	return &res, nil
}

func apiError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	var e struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("API error: %s", e.Error)
	}
	return fmt.Errorf("API error: %s", string(body))
}
