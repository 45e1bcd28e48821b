package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentflow/internal/config"
	"agentflow/internal/models"
	"agentflow/pkg/agentrun"
	"agentflow/pkg/utils"

	"github.com/sirupsen/logrus"
)

// AgentSupervisor drives one external coding-agent job per actionable item:
// create, start, poll until it settles, and always tear it down.
type AgentSupervisor struct {
	client agentrun.JobAPI
	cfg    config.AgentConfig
	logger *logrus.Logger
}

func NewAgentSupervisor(client agentrun.JobAPI, cfg config.AgentConfig, logger *logrus.Logger) *AgentSupervisor {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &AgentSupervisor{client: client, cfg: cfg, logger: logger}
}

// Execute runs one job to completion for one item, bounded by the
// automation's timeout, and returns the job's final output.
func (s *AgentSupervisor) Execute(ctx context.Context, automation *models.Automation, spec models.AgentSpec, item models.Item, outputs []models.OutputConfig) (string, error) {
	timeout := s.cfg.DefaultTimeout
	if spec.TimeoutMinutes > 0 {
		timeout = time.Duration(spec.TimeoutMinutes) * time.Minute
	}

	jobID, err := s.client.Create(ctx, &agentrun.CreateJobRequest{
		ProjectPath:     spec.ProjectPath,
		Name:            fmt.Sprintf("automation-%s-%s", automation.ID, item.ExternalID),
		SkipPermissions: true,
	})
	if err != nil {
		return "", fmt.Errorf("create agent job: %w", err)
	}

	// The job is deleted exactly once on every path out of this function.
	defer func() {
		delCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.client.Delete(delCtx, jobID); err != nil {
			s.logger.Warnf("agent: delete job %s: %v", jobID, err)
		}
	}()

	model := spec.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	prompt := s.composePrompt(spec.PromptTemplate, item, outputs)
	if err := s.client.Start(ctx, jobID, &agentrun.StartJobRequest{
		Prompt:          prompt,
		Model:           model,
		SkipPermissions: true,
	}); err != nil {
		return "", fmt.Errorf("start agent job: %w", err)
	}

	if s.cfg.StartupDelay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.cfg.StartupDelay):
		}
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := s.client.Get(ctx, jobID)
		if err != nil {
			return "", fmt.Errorf("poll agent job: %w", err)
		}

		if !agentrun.Active(job.Status) {
			output := strings.Join(job.Output, "\n")
			if job.Status == agentrun.StatusErrored {
				return output, fmt.Errorf("agent job %s ended with status %s", jobID, job.Status)
			}
			s.logger.Infof("agent: job %s finished with status %s", jobID, job.Status)
			return output, nil
		}

		if time.Now().After(deadline) {
			if err := s.client.Stop(ctx, jobID); err != nil {
				s.logger.Warnf("agent: stop timed-out job %s: %v", jobID, err)
			}
			return "", &AgentTimeoutError{JobID: jobID, Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			if err := s.client.Stop(context.Background(), jobID); err != nil {
				s.logger.Warnf("agent: stop cancelled job %s: %v", jobID, err)
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// composePrompt interpolates the template with the item's fields, then
// appends the fixed unattended-mode instruction block, including the output
// actions the agent must perform itself.
func (s *AgentSupervisor) composePrompt(template string, item models.Item, outputs []models.OutputConfig) string {
	var sb strings.Builder
	sb.WriteString(utils.Interpolate(template, item.Raw))
	sb.WriteString("\n\n---\n")
	sb.WriteString("You are running unattended as part of an automation. Work autonomously: ")
	sb.WriteString("make reasonable decisions yourself instead of asking open-ended clarifying questions. ")
	sb.WriteString("When you are done, perform the result delivery yourself:\n")

	delivered := false
	for _, out := range outputs {
		if !out.Enabled {
			continue
		}
		switch out.Type {
		case models.OutputGitHubComment:
			sb.WriteString(fmt.Sprintf("- Post a comment with your result on %s using the gh CLI.\n", item.URL))
			delivered = true
		case models.OutputJiraComment:
			sb.WriteString(fmt.Sprintf("- Post a comment with your result on Jira issue %s.\n", item.ExternalID))
			delivered = true
		case models.OutputSlack, models.OutputTelegram:
			sb.WriteString("- Send a short summary message to the configured team chat.\n")
			delivered = true
		}
	}
	if !delivered {
		sb.WriteString("- Summarize what you did in your final output.\n")
	}
	return sb.String()
}
