package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"agentflow/internal/config"
	"agentflow/internal/models"
	"agentflow/pkg/agentrun"

	"github.com/sirupsen/logrus"
)

// fakeJobAPI scripts the job-execution service. Statuses are returned in
// order; the last one repeats.
type fakeJobAPI struct {
	mu       sync.Mutex
	statuses []string
	output   []string

	createErr error
	startErr  error
	getErr    error

	creates int
	starts  int
	gets    int
	stops   int
	deletes int
}

func (f *fakeJobAPI) Create(ctx context.Context, req *agentrun.CreateJobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "job-1", nil
}

func (f *fakeJobAPI) Start(ctx context.Context, jobID string, req *agentrun.StartJobRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeJobAPI) Get(ctx context.Context, jobID string) (*agentrun.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	idx := f.gets - 1
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	return &agentrun.Job{ID: jobID, Status: f.statuses[idx], Output: f.output}, nil
}

func (f *fakeJobAPI) Stop(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeJobAPI) Delete(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}

func (f *fakeJobAPI) counts() (creates, stops, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.stops, f.deletes
}

func supervisorForTest(api agentrun.JobAPI) *AgentSupervisor {
	return NewAgentSupervisor(api, config.AgentConfig{
		PollInterval:   time.Millisecond,
		StartupDelay:   0,
		DefaultTimeout: 50 * time.Millisecond,
	}, logrus.New())
}

func supervisorItem() models.Item {
	return models.Item{
		ID:         "github:acme/widgets:pr:42",
		SourceType: models.SourceGitHub,
		Type:       models.ItemTypePullRequest,
		ExternalID: "42",
		Title:      "Fix flaky test",
		URL:        "https://github.com/acme/widgets/pull/42",
		Raw:        map[string]string{"title": "Fix flaky test", "number": "42"},
	}
}

func TestAgentSupervisor_Completion(t *testing.T) {
	api := &fakeJobAPI{
		statuses: []string{agentrun.StatusRunning, agentrun.StatusCompleted},
		output:   []string{"did the thing", "all tests pass"},
	}
	sup := supervisorForTest(api)

	auto := &models.Automation{ID: "auto-1", Name: "pr-watch"}
	spec := models.AgentSpec{Enabled: true, PromptTemplate: "Review {{title}}", ProjectPath: "/work/widgets"}

	output, err := sup.Execute(context.Background(), auto, spec, supervisorItem(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if output != "did the thing\nall tests pass" {
		t.Errorf("unexpected output: %q", output)
	}

	_, stops, deletes := api.counts()
	if stops != 0 {
		t.Errorf("expected no stop on completion, got %d", stops)
	}
	if deletes != 1 {
		t.Errorf("expected exactly one delete, got %d", deletes)
	}
}

func TestAgentSupervisor_ErroredJob(t *testing.T) {
	api := &fakeJobAPI{statuses: []string{agentrun.StatusErrored}, output: []string{"boom"}}
	sup := supervisorForTest(api)

	_, err := sup.Execute(context.Background(), &models.Automation{ID: "a"}, models.AgentSpec{Enabled: true, ProjectPath: "/w"}, supervisorItem(), nil)
	if err == nil {
		t.Fatal("expected error for errored job")
	}

	_, _, deletes := api.counts()
	if deletes != 1 {
		t.Errorf("expected exactly one delete, got %d", deletes)
	}
}

func TestAgentSupervisor_Timeout(t *testing.T) {
	api := &fakeJobAPI{statuses: []string{agentrun.StatusRunning}}
	sup := supervisorForTest(api)

	_, err := sup.Execute(context.Background(), &models.Automation{ID: "a"}, models.AgentSpec{Enabled: true, ProjectPath: "/w"}, supervisorItem(), nil)
	if !IsAgentTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}

	_, stops, deletes := api.counts()
	if stops != 1 {
		t.Errorf("expected timed-out job stopped, got %d stops", stops)
	}
	if deletes != 1 {
		t.Errorf("expected exactly one delete, got %d", deletes)
	}
}

func TestAgentSupervisor_DeleteOnStartFailure(t *testing.T) {
	api := &fakeJobAPI{
		statuses: []string{agentrun.StatusRunning},
		startErr: fmt.Errorf("service unavailable"),
	}
	sup := supervisorForTest(api)

	_, err := sup.Execute(context.Background(), &models.Automation{ID: "a"}, models.AgentSpec{Enabled: true, ProjectPath: "/w"}, supervisorItem(), nil)
	if err == nil {
		t.Fatal("expected start failure to surface")
	}

	// the created job must still be torn down
	_, _, deletes := api.counts()
	if deletes != 1 {
		t.Errorf("expected exactly one delete, got %d", deletes)
	}
}

func TestAgentSupervisor_NoDeleteWhenCreateFails(t *testing.T) {
	api := &fakeJobAPI{createErr: fmt.Errorf("down")}
	sup := supervisorForTest(api)

	_, err := sup.Execute(context.Background(), &models.Automation{ID: "a"}, models.AgentSpec{Enabled: true, ProjectPath: "/w"}, supervisorItem(), nil)
	if err == nil {
		t.Fatal("expected create failure to surface")
	}

	_, _, deletes := api.counts()
	if deletes != 0 {
		t.Errorf("no job exists, expected no delete, got %d", deletes)
	}
}

func TestAgentSupervisor_ComposePrompt(t *testing.T) {
	sup := supervisorForTest(&fakeJobAPI{})

	outputs := []models.OutputConfig{
		{Type: models.OutputGitHubComment, Enabled: true},
		{Type: models.OutputSlack, Enabled: true},
		{Type: models.OutputWebhook, Enabled: true},
	}
	prompt := sup.composePrompt("Review PR {{number}}: {{title}}", supervisorItem(), outputs)

	if !strings.HasPrefix(prompt, "Review PR 42: Fix flaky test") {
		t.Errorf("template not interpolated: %q", prompt)
	}
	if !strings.Contains(prompt, "unattended") {
		t.Error("expected unattended-mode instructions")
	}
	if !strings.Contains(prompt, "gh CLI") {
		t.Error("expected github comment delivery instruction")
	}
	if !strings.Contains(prompt, "team chat") {
		t.Error("expected chat delivery instruction")
	}
}
