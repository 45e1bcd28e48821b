package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is a minimal Jira Cloud REST v3 client covering what the engine
// needs: JQL search, comments and transitions.
type Client struct {
	baseURL    string
	email      string
	apiToken   string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// API is the subset used by the poller and dispatcher, extracted for fakes.
type API interface {
	Search(ctx context.Context, jql string, maxResults int) (*SearchResponse, error)
	GetTransitions(ctx context.Context, issueKey string) ([]Transition, error)
	DoTransition(ctx context.Context, issueKey, transitionID string) error
	AddComment(ctx context.Context, issueKey, text string) error
}

func NewClient(config *Config, logger *logrus.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("jira base URL is required")
	}
	if config.Email == "" || config.APIToken == "" {
		return nil, fmt.Errorf("jira credentials are required (email + API token)")
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		email:      config.Email,
		apiToken:   config.APIToken,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		config:     config,
	}, nil
}

var _ API = (*Client)(nil)

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
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.email, c.apiToken)

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

	c.logger.Debugf("Jira API %s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && len(errResp.ErrorMessages) > 0 {
			return fmt.Errorf("jira API error [%d]: %s", resp.StatusCode, strings.Join(errResp.ErrorMessages, "; "))
		}
		return fmt.Errorf("jira API error [%d]: %s", resp.StatusCode, string(body))
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func (c *Client) callWithRetry(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("Jira API retry attempt %d/%d", attempt, c.config.MaxRetries)
		}

		req, err := c.createRequest(ctx, method, endpoint, body)
		if err != nil {
			return err
		}

		if err := c.doRequest(req, result); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return lastErr
}

// Search runs a JQL query and returns one bounded page of results.
func (c *Client) Search(ctx context.Context, jql string, maxResults int) (*SearchResponse, error) {
	if jql == "" {
		return nil, fmt.Errorf("jql is required")
	}
	if maxResults <= 0 {
		maxResults = 50
	}

	req := &SearchRequest{
		JQL:        jql,
		MaxResults: maxResults,
		Fields:     []string{"summary", "description", "status", "labels", "creator", "created", "updated", "issuetype"},
	}

	var response SearchResponse
	if err := c.callWithRetry(ctx, "POST", "/rest/api/3/search", req, &response); err != nil {
		return nil, fmt.Errorf("search issues: %w", err)
	}
	return &response, nil
}

// GetTransitions lists the transitions currently available on an issue.
func (c *Client) GetTransitions(ctx context.Context, issueKey string) ([]Transition, error) {
	if issueKey == "" {
		return nil, fmt.Errorf("issue key is required")
	}

	var response transitionsResponse
	endpoint := fmt.Sprintf("/rest/api/3/issue/%s/transitions", issueKey)
	if err := c.callWithRetry(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("get transitions: %w", err)
	}
	return response.Transitions, nil
}

// DoTransition executes a transition by ID.
func (c *Client) DoTransition(ctx context.Context, issueKey, transitionID string) error {
	if issueKey == "" || transitionID == "" {
		return fmt.Errorf("issue key and transition ID are required")
	}

	var req transitionRequest
	req.Transition.ID = transitionID
	endpoint := fmt.Sprintf("/rest/api/3/issue/%s/transitions", issueKey)
	if err := c.callWithRetry(ctx, "POST", endpoint, &req, nil); err != nil {
		return fmt.Errorf("do transition: %w", err)
	}
	return nil
}

// AddComment posts plain text wrapped in a minimal ADF document.
func (c *Client) AddComment(ctx context.Context, issueKey, text string) error {
	if issueKey == "" {
		return fmt.Errorf("issue key is required")
	}
	if text == "" {
		return fmt.Errorf("comment text is required")
	}

	// minimal ADF document: one paragraph of plain text
	payload := map[string]interface{}{
		"body": map[string]interface{}{
			"type":    "doc",
			"version": 1,
			"content": []ADFNode{
				{
					Type:    "paragraph",
					Content: []ADFNode{{Type: "text", Text: text}},
				},
			},
		},
	}

	endpoint := fmt.Sprintf("/rest/api/3/issue/%s/comment", issueKey)
	if err := c.callWithRetry(ctx, "POST", endpoint, payload, nil); err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	return nil
}

// ExtractText flattens an ADF document into plain text. Paragraph-level
// nodes are separated by newlines.
func ExtractText(node *ADFNode) string {
	if node == nil {
		return ""
	}
	var sb strings.Builder
	extractText(node, &sb)
	return strings.TrimSpace(sb.String())
}

func extractText(node *ADFNode, sb *strings.Builder) {
	if node.Text != "" {
		sb.WriteString(node.Text)
	}
	for i := range node.Content {
		extractText(&node.Content[i], sb)
	}
	switch node.Type {
	case "paragraph", "heading", "codeBlock", "blockquote", "listItem":
		sb.WriteString("\n")
	}
}
