package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"agentflow/internal/config"
	"agentflow/internal/models"
	"agentflow/pkg/jira"

	"github.com/sirupsen/logrus"
)

const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

// JiraFactory resolves a Jira client for an automation: per-automation
// credentials win over the shared settings, and resolved clients are cached
// in process until Reset.
type JiraFactory struct {
	shared config.JiraConfig
	logger *logrus.Logger

	mu    sync.Mutex
	cache map[string]jira.API
}

func NewJiraFactory(shared config.JiraConfig, logger *logrus.Logger) *JiraFactory {
	if logger == nil {
		logger = logrus.New()
	}
	return &JiraFactory{
		shared: shared,
		logger: logger,
		cache:  make(map[string]jira.API),
	}
}

// ClientFor returns a client for the given source config. Missing credentials
// yield a descriptive configuration error, never a silent no-op.
func (f *JiraFactory) ClientFor(source models.SourceConfig) (jira.API, error) {
	baseURL := source.BaseURL
	email := source.Email
	token := source.APIToken
	if baseURL == "" {
		baseURL = f.shared.BaseURL
	}
	if email == "" {
		email = f.shared.Email
	}
	if token == "" {
		token = f.shared.APIToken
	}
	if baseURL == "" || email == "" || token == "" {
		return nil, configErrorf("jira credentials missing: set base_url, email and api_token in the automation source or the shared jira settings")
	}

	key := baseURL + "|" + email
	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok := f.cache[key]; ok {
		return client, nil
	}

	cfg := jira.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Email = email
	cfg.APIToken = token
	client, err := jira.NewClient(cfg, f.logger)
	if err != nil {
		return nil, configErrorf("jira client: %v", err)
	}
	f.cache[key] = client
	return client, nil
}

// Reset drops cached clients so reloaded settings take effect.
func (f *JiraFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = make(map[string]jira.API)
}

// JiraPoller fetches one bounded page of issues matching a JQL query built
// from the configured project keys, or a raw query.
type JiraPoller struct {
	factory *JiraFactory
	shared  config.JiraConfig
	logger  *logrus.Logger
}

func NewJiraPoller(factory *JiraFactory, shared config.JiraConfig, logger *logrus.Logger) *JiraPoller {
	if logger == nil {
		logger = logrus.New()
	}
	return &JiraPoller{factory: factory, shared: shared, logger: logger}
}

var _ Poller = (*JiraPoller)(nil)

func (p *JiraPoller) Poll(ctx context.Context, automation *models.Automation, source models.SourceConfig) ([]models.Item, error) {
	client, err := p.factory.ClientFor(source)
	if err != nil {
		return nil, err
	}

	jql := source.RawJQL
	if jql == "" {
		if len(source.ProjectKeys) == 0 {
			return nil, configErrorf("jira source needs project_keys or raw_jql")
		}
		jql = fmt.Sprintf("project in (%s) ORDER BY updated DESC", strings.Join(source.ProjectKeys, ", "))
	}

	maxResults := source.MaxResults
	if maxResults <= 0 {
		maxResults = p.shared.MaxResults
	}

	resp, err := client.Search(ctx, jql, maxResults)
	if err != nil {
		return nil, &SourceError{Source: models.SourceJira, Err: err}
	}

	scope := jiraScope(source.BaseURL, p.shared.BaseURL)
	items := make([]models.Item, 0, len(resp.Issues))
	for _, issue := range resp.Issues {
		item := jiraItem(issue, scope, baseURLFor(source.BaseURL, p.shared.BaseURL))
		items = append(items, item)
	}
	return items, nil
}

func jiraItem(issue jira.Issue, scope, baseURL string) models.Item {
	created, _ := time.Parse(jiraTimeLayout, issue.Fields.Created)
	updated, _ := time.Parse(jiraTimeLayout, issue.Fields.Updated)
	body := jira.ExtractText(issue.Fields.Description)

	item := models.Item{
		ID:         models.ItemID(models.SourceJira, scope, models.ItemTypeIssue, issue.Key),
		SourceType: models.SourceJira,
		Type:       models.ItemTypeIssue,
		ExternalID: issue.Key,
		Title:      issue.Fields.Summary,
		URL:        fmt.Sprintf("%s/browse/%s", strings.TrimRight(baseURL, "/"), issue.Key),
		Author:     issue.Fields.Creator.DisplayName,
		Body:       body,
		Labels:     issue.Fields.Labels,
		CreatedAt:  created,
		UpdatedAt:  updated,
		// any real edit bumps the updated timestamp
		Hash: contentHash(issue.Fields.Updated),
	}
	item.Raw = rawFields(item, map[string]string{
		"key":        issue.Key,
		"status":     issue.Fields.Status.Name,
		"issue_type": issue.Fields.IssueType.Name,
	})
	return item
}

func baseURLFor(override, shared string) string {
	if override != "" {
		return override
	}
	return shared
}

// jiraScope extracts the host part of the Jira base URL for composite IDs.
func jiraScope(override, shared string) string {
	base := baseURLFor(override, shared)
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://")
}
