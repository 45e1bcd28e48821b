package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"agentflow/internal/config"
	"agentflow/internal/models"
	"agentflow/pkg/jira"

	"github.com/sirupsen/logrus"
)

// fakeJiraAPI records calls for dispatcher tests.
type fakeJiraAPI struct {
	mu          sync.Mutex
	transitions []jira.Transition
	comments    []string
	transited   []string
}

func (f *fakeJiraAPI) Search(ctx context.Context, jql string, maxResults int) (*jira.SearchResponse, error) {
	return &jira.SearchResponse{}, nil
}

func (f *fakeJiraAPI) GetTransitions(ctx context.Context, issueKey string) ([]jira.Transition, error) {
	return f.transitions, nil
}

func (f *fakeJiraAPI) DoTransition(ctx context.Context, issueKey, transitionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transited = append(f.transited, issueKey+":"+transitionID)
	return nil
}

func (f *fakeJiraAPI) AddComment(ctx context.Context, issueKey, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, issueKey+": "+text)
	return nil
}

func jiraFactoryWithFake(fake jira.API) *JiraFactory {
	shared := config.JiraConfig{
		BaseURL:  "https://example.atlassian.net",
		Email:    "bot@example.com",
		APIToken: "token",
	}
	factory := NewJiraFactory(shared, logrus.New())
	factory.cache[shared.BaseURL+"|"+shared.Email] = fake
	return factory
}

// recordingOutput captures dispatched messages.
type recordingOutput struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (o *recordingOutput) Send(ctx context.Context, cfg models.OutputConfig, message string, vars map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, message)
	return o.err
}

func TestDispatcher_TemplateAndFallback(t *testing.T) {
	d := NewDispatcher(logrus.New())
	rec := &recordingOutput{}
	d.Register(models.OutputSlack, rec)

	outputs := []models.OutputConfig{
		{Type: models.OutputSlack, Enabled: true, Template: "PR {{number}} by {{author}}"},
	}
	vars := map[string]string{"number": "42", "author": "octocat"}
	d.Dispatch(context.Background(), outputs, "fallback", vars, false)

	if len(rec.messages) != 1 || rec.messages[0] != "PR 42 by octocat" {
		t.Fatalf("unexpected messages: %v", rec.messages)
	}

	// no template: fallback goes out as-is
	outputs[0].Template = ""
	d.Dispatch(context.Background(), outputs, "fallback", vars, false)
	if rec.messages[1] != "fallback" {
		t.Fatalf("expected fallback message, got %q", rec.messages[1])
	}
}

func TestDispatcher_SkipsDisabledAndAgentServed(t *testing.T) {
	d := NewDispatcher(logrus.New())
	slack := &recordingOutput{}
	webhook := &recordingOutput{}
	d.Register(models.OutputSlack, slack)
	d.Register(models.OutputWebhook, webhook)

	outputs := []models.OutputConfig{
		{Type: models.OutputSlack, Enabled: true},
		{Type: models.OutputWebhook, Enabled: true},
		{Type: models.OutputSlack, Enabled: false},
	}

	// agent ran: chat channels were served by the job, webhook still fires
	d.Dispatch(context.Background(), outputs, "msg", nil, true)
	if len(slack.messages) != 0 {
		t.Errorf("agent-served channel dispatched anyway: %v", slack.messages)
	}
	if len(webhook.messages) != 1 {
		t.Errorf("expected webhook dispatched, got %v", webhook.messages)
	}
}

func TestDispatcher_SendErrorsAreSwallowed(t *testing.T) {
	d := NewDispatcher(logrus.New())
	d.Register(models.OutputSlack, &recordingOutput{err: fmt.Errorf("channel down")})

	outputs := []models.OutputConfig{
		{Type: models.OutputSlack, Enabled: true},
		{Type: "smoke_signal", Enabled: true}, // unknown type is logged, not fatal
	}
	// must not panic or propagate
	d.Dispatch(context.Background(), outputs, "msg", nil, false)
}

func TestDispatcher_NotifyFailureChatOnly(t *testing.T) {
	d := NewDispatcher(logrus.New())
	slack := &recordingOutput{}
	webhook := &recordingOutput{}
	ghc := &recordingOutput{}
	d.Register(models.OutputSlack, slack)
	d.Register(models.OutputWebhook, webhook)
	d.Register(models.OutputGitHubComment, ghc)

	outputs := []models.OutputConfig{
		{Type: models.OutputSlack, Enabled: true, Template: "ignored {{x}}"},
		{Type: models.OutputWebhook, Enabled: true},
		{Type: models.OutputGitHubComment, Enabled: true},
	}
	d.NotifyFailure(context.Background(), outputs, "agent failed on PR 42", nil)

	if len(slack.messages) != 1 || slack.messages[0] != "agent failed on PR 42" {
		t.Errorf("expected verbatim failure text on chat, got %v", slack.messages)
	}
	if len(webhook.messages) != 0 || len(ghc.messages) != 0 {
		t.Error("failure notification must only use chat channels")
	}
}

func TestWebhookOutput_PostsMessageAndVars(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out := NewWebhookOutput()
	cfg := models.OutputConfig{Type: models.OutputWebhook, Enabled: true, WebhookURL: srv.URL}
	vars := map[string]string{"number": "42", "repo": "acme/widgets"}
	if err := out.Send(context.Background(), cfg, "done", vars); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got["message"] != "done" || got["number"] != "42" || got["repo"] != "acme/widgets" {
		t.Errorf("unexpected payload: %v", got)
	}
}

func TestWebhookOutput_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	out := NewWebhookOutput()
	err := out.Send(context.Background(), models.OutputConfig{WebhookURL: srv.URL}, "m", nil)
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestSlackOutput_PerOutputURLWins(t *testing.T) {
	var gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		gotText = payload["text"]
	}))
	defer srv.Close()

	out := NewSlackOutput(config.SlackConfig{WebhookURL: "http://127.0.0.1:1/unreachable"})
	cfg := models.OutputConfig{Type: models.OutputSlack, Enabled: true, WebhookURL: srv.URL}
	if err := out.Send(context.Background(), cfg, "hello", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotText != "hello" {
		t.Errorf("unexpected slack text: %q", gotText)
	}
}

func TestSlackOutput_NoURLIsConfigError(t *testing.T) {
	out := NewSlackOutput(config.SlackConfig{})
	err := out.Send(context.Background(), models.OutputConfig{}, "m", nil)
	if !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestJiraCommentOutput(t *testing.T) {
	fake := &fakeJiraAPI{}
	out := NewJiraCommentOutput(jiraFactoryWithFake(fake))

	vars := map[string]string{"key": "PROJ-7"}
	if err := out.Send(context.Background(), models.OutputConfig{}, "looks good", vars); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(fake.comments) != 1 || fake.comments[0] != "PROJ-7: looks good" {
		t.Errorf("unexpected comments: %v", fake.comments)
	}

	// non-jira item carries no key
	if err := out.Send(context.Background(), models.OutputConfig{}, "m", map[string]string{}); !IsConfigurationError(err) {
		t.Errorf("expected configuration error without key, got %v", err)
	}
}

func TestJiraTransitionOutput_MatchesCaseInsensitive(t *testing.T) {
	fake := &fakeJiraAPI{transitions: []jira.Transition{
		{ID: "11", Name: "To Do"},
		{ID: "21", Name: "In Progress"},
		{ID: "31", Name: "Done"},
	}}
	out := NewJiraTransitionOutput(jiraFactoryWithFake(fake))

	cfg := models.OutputConfig{Target: "in progress"}
	if err := out.Send(context.Background(), cfg, "", map[string]string{"key": "PROJ-7"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(fake.transited) != 1 || fake.transited[0] != "PROJ-7:21" {
		t.Errorf("unexpected transitions executed: %v", fake.transited)
	}
}

func TestJiraTransitionOutput_UnavailableTargetListsValid(t *testing.T) {
	fake := &fakeJiraAPI{transitions: []jira.Transition{
		{ID: "11", Name: "To Do"},
		{ID: "31", Name: "Done"},
	}}
	out := NewJiraTransitionOutput(jiraFactoryWithFake(fake))

	cfg := models.OutputConfig{Target: "In Review"}
	err := out.Send(context.Background(), cfg, "", map[string]string{"key": "PROJ-7"})
	if err == nil {
		t.Fatal("expected error for unavailable transition")
	}
	if !strings.Contains(err.Error(), "To Do") || !strings.Contains(err.Error(), "Done") {
		t.Errorf("error should list valid transitions: %v", err)
	}
	if len(fake.transited) != 0 {
		t.Errorf("issue must not be moved on a miss: %v", fake.transited)
	}
}

func TestGitHubCommentOutput_PicksSubcommand(t *testing.T) {
	var calls [][]string
	out := &GitHubCommentOutput{
		binary: "gh",
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			calls = append(calls, append([]string{name}, args...))
			return nil, nil
		},
	}

	prVars := map[string]string{"repo": "acme/widgets", "number": "42", "type": models.ItemTypePullRequest}
	if err := out.Send(context.Background(), models.OutputConfig{}, "nice", prVars); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	issueVars := map[string]string{"repo": "acme/widgets", "number": "7", "type": models.ItemTypeIssue}
	if err := out.Send(context.Background(), models.OutputConfig{}, "ack", issueVars); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if calls[0][1] != "pr" || calls[1][1] != "issue" {
		t.Errorf("wrong subcommands: %v", calls)
	}

	// github_comment on a non-github item is a config error
	err := out.Send(context.Background(), models.OutputConfig{}, "m", map[string]string{"key": "PROJ-7"})
	if !IsConfigurationError(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
