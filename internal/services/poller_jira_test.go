package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"agentflow/internal/config"
	"agentflow/internal/models"
	"agentflow/pkg/jira"

	"github.com/sirupsen/logrus"
)

// searchFake captures the JQL it was asked to run.
type searchFake struct {
	fakeJiraAPI
	mu     sync.Mutex
	jql    string
	max    int
	issues []jira.Issue
	err    error
}

func (f *searchFake) Search(ctx context.Context, jql string, maxResults int) (*jira.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jql = jql
	f.max = maxResults
	if f.err != nil {
		return nil, f.err
	}
	return &jira.SearchResponse{Issues: f.issues, Total: len(f.issues)}, nil
}

func jiraPollerWithFake(fake jira.API) *JiraPoller {
	shared := config.JiraConfig{
		BaseURL:    "https://example.atlassian.net",
		Email:      "bot@example.com",
		APIToken:   "token",
		MaxResults: 50,
	}
	factory := NewJiraFactory(shared, logrus.New())
	factory.cache[shared.BaseURL+"|"+shared.Email] = fake
	return NewJiraPoller(factory, shared, logrus.New())
}

func sampleIssue() jira.Issue {
	issue := jira.Issue{ID: "10001", Key: "PROJ-7"}
	issue.Fields.Summary = "Login broken"
	issue.Fields.Description = &jira.ADFNode{
		Type: "doc",
		Content: []jira.ADFNode{
			{Type: "paragraph", Content: []jira.ADFNode{{Type: "text", Text: "users cannot log in"}}},
		},
	}
	issue.Fields.Status.Name = "To Do"
	issue.Fields.IssueType.Name = "Bug"
	issue.Fields.Creator.DisplayName = "Dana"
	issue.Fields.Labels = []string{"auth"}
	issue.Fields.Created = "2026-03-01T09:00:00.000+0000"
	issue.Fields.Updated = "2026-03-02T10:30:00.000+0000"
	return issue
}

func TestJiraPoller_ProjectKeysBuildJQL(t *testing.T) {
	fake := &searchFake{issues: []jira.Issue{sampleIssue()}}
	p := jiraPollerWithFake(fake)

	items, err := p.Poll(context.Background(), &models.Automation{ID: "a"}, models.SourceConfig{
		Type:        models.SourceJira,
		ProjectKeys: []string{"PROJ", "OPS"},
	})
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if fake.jql != "project in (PROJ, OPS) ORDER BY updated DESC" {
		t.Errorf("unexpected JQL: %q", fake.jql)
	}
	if fake.max != 50 {
		t.Errorf("expected shared max results, got %d", fake.max)
	}

	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	item := items[0]
	if item.ID != "jira:example.atlassian.net:issue:PROJ-7" {
		t.Errorf("unexpected composite ID: %s", item.ID)
	}
	if item.Title != "Login broken" || item.Body != "users cannot log in" {
		t.Errorf("unexpected item content: %+v", item)
	}
	if item.URL != "https://example.atlassian.net/browse/PROJ-7" {
		t.Errorf("unexpected URL: %s", item.URL)
	}
	if item.Raw["status"] != "To Do" || item.Raw["issue_type"] != "Bug" || item.Raw["key"] != "PROJ-7" {
		t.Errorf("unexpected raw fields: %v", item.Raw)
	}
}

func TestJiraPoller_RawJQLWins(t *testing.T) {
	fake := &searchFake{}
	p := jiraPollerWithFake(fake)

	_, err := p.Poll(context.Background(), &models.Automation{ID: "a"}, models.SourceConfig{
		Type:        models.SourceJira,
		ProjectKeys: []string{"PROJ"},
		RawJQL:      "assignee = currentUser() AND status != Done",
		MaxResults:  10,
	})
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if fake.jql != "assignee = currentUser() AND status != Done" {
		t.Errorf("raw JQL must override project keys, got %q", fake.jql)
	}
	if fake.max != 10 {
		t.Errorf("per-source max results must win, got %d", fake.max)
	}
}

func TestJiraPoller_MissingQueryIsConfigError(t *testing.T) {
	p := jiraPollerWithFake(&searchFake{})

	_, err := p.Poll(context.Background(), &models.Automation{ID: "a"}, models.SourceConfig{Type: models.SourceJira})
	if !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestJiraPoller_SearchFailureIsSourceError(t *testing.T) {
	fake := &searchFake{err: fmt.Errorf("401 unauthorized")}
	p := jiraPollerWithFake(fake)

	_, err := p.Poll(context.Background(), &models.Automation{ID: "a"}, models.SourceConfig{
		Type: models.SourceJira, ProjectKeys: []string{"PROJ"},
	})
	var se *SourceError
	if !errors.As(err, &se) {
		t.Fatalf("expected SourceError, got %v", err)
	}
}

func TestJiraFactory_MissingCredentials(t *testing.T) {
	factory := NewJiraFactory(config.JiraConfig{}, logrus.New())

	_, err := factory.ClientFor(models.SourceConfig{})
	if !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestJiraFactory_OverrideCredentialsWin(t *testing.T) {
	factory := NewJiraFactory(config.JiraConfig{
		BaseURL:  "https://shared.atlassian.net",
		Email:    "shared@example.com",
		APIToken: "shared-token",
	}, logrus.New())

	client, err := factory.ClientFor(models.SourceConfig{
		BaseURL:  "https://other.atlassian.net",
		Email:    "other@example.com",
		APIToken: "other-token",
	})
	if err != nil {
		t.Fatalf("ClientFor failed: %v", err)
	}
	if client == nil {
		t.Fatal("expected client")
	}
	if _, ok := factory.cache["https://other.atlassian.net|other@example.com"]; !ok {
		t.Error("expected override client cached under its own key")
	}
}
