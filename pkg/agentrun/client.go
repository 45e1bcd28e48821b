package agentrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client talks to the external job-execution service. The engine is a pure
// client: it never spawns agent processes itself.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
}

// JobAPI is the supervision protocol surface, extracted so tests can fake it.
type JobAPI interface {
	Create(ctx context.Context, req *CreateJobRequest) (string, error)
	Start(ctx context.Context, jobID string, req *StartJobRequest) error
	Get(ctx context.Context, jobID string) (*Job, error)
	Stop(ctx context.Context, jobID string) error
	Delete(ctx context.Context, jobID string) error
}

func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

var _ JobAPI = (*Client)(nil)

func (c *Client) createRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Request, error) {
	url := fmt.Sprintf("%s%s", c.baseURL, endpoint)

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debugf("agent API %s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("agent API error [%d]: %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("agent API error [%d]: %s", resp.StatusCode, string(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, body, result interface{}) error {
	req, err := c.createRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	return c.doRequest(req, result)
}

// Create registers a job bound to a project path and returns its ID.
func (c *Client) Create(ctx context.Context, req *CreateJobRequest) (string, error) {
	if req.ProjectPath == "" {
		return "", fmt.Errorf("project path is required")
	}

	var job Job
	if err := c.call(ctx, "POST", "/api/v1/jobs", req, &job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if job.ID == "" {
		return "", fmt.Errorf("create job: service returned no job ID")
	}
	return job.ID, nil
}

// Start sends the composed prompt to an already-created job.
func (c *Client) Start(ctx context.Context, jobID string, req *StartJobRequest) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if req.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}

	endpoint := fmt.Sprintf("/api/v1/jobs/%s/start", jobID)
	if err := c.call(ctx, "POST", endpoint, req, nil); err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	return nil
}

// Get returns the job's current status and accumulated output.
func (c *Client) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	var job Job
	endpoint := fmt.Sprintf("/api/v1/jobs/%s", jobID)
	if err := c.call(ctx, "GET", endpoint, nil, &job); err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// Stop asks the service to interrupt a running job.
func (c *Client) Stop(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}

	endpoint := fmt.Sprintf("/api/v1/jobs/%s/stop", jobID)
	if err := c.call(ctx, "POST", endpoint, nil, nil); err != nil {
		return fmt.Errorf("stop job: %w", err)
	}
	return nil
}

// Delete tears the job down. Callers must issue exactly one Delete per job
// regardless of how supervision ended.
func (c *Client) Delete(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}

	endpoint := fmt.Sprintf("/api/v1/jobs/%s", jobID)
	if err := c.call(ctx, "DELETE", endpoint, nil, nil); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}
